// Package client talks to the acceptor HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/oapi-codegen/runtime"
	"github.com/pkg/errors"

	"caskv/internal/api"
	"caskv/internal/model"
	"caskv/internal/register"
)

// APIError surfaces non-2xx responses from the server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

//nolint:errorlint
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

var ErrNotFound = errors.New("not found")

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// Health returns nil once the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newAPIError(resp)
	}
	return nil
}

// Get reads the register for key; returns ErrNotFound if it was never written.
func (c *Client) Get(ctx context.Context, key []byte) (model.VersionedValue, error) {
	path, err := registerPath(key)
	if err != nil {
		return model.VersionedValue{}, err
	}
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return model.VersionedValue{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var reg api.Register
		if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
			return model.VersionedValue{}, errors.Wrap(err, "decode register")
		}
		return fromRegister(reg), nil
	case http.StatusNotFound:
		return model.VersionedValue{}, ErrNotFound
	default:
		return model.VersionedValue{}, newAPIError(resp)
	}
}

// Propose sends proposal for key. A lost proposal is not an error: the result
// reports Accepted=false and the state that won.
func (c *Client) Propose(ctx context.Context, key []byte, proposal model.VersionedValue) (register.Result, error) {
	path, err := registerPath(key)
	if err != nil {
		return register.Result{}, err
	}

	body := api.ProposeJSONRequestBody{Ballot: proposal.Ballot}
	if proposal.Value != nil {
		value := proposal.Value
		body.Value = &value
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return register.Result{}, err
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+path+"/proposals", payload)
	if err != nil {
		return register.Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		var out api.ProposalResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return register.Result{}, errors.Wrap(err, "decode proposal result")
		}
		return register.Result{Accepted: out.Accepted, Current: fromRegister(out.Register)}, nil
	default:
		return register.Result{}, newAPIError(resp)
	}
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func registerPath(key []byte) (string, error) {
	pathParam, err := runtime.StyleParamWithLocation("simple", false, "key", runtime.ParamLocationPath, api.EncodeKey(key))
	if err != nil {
		return "", err
	}
	return "/v1/registers/" + pathParam, nil
}

func fromRegister(reg api.Register) model.VersionedValue {
	v := model.VersionedValue{Ballot: reg.Ballot}
	if reg.Value != nil && len(*reg.Value) > 0 {
		v.Value = *reg.Value
	}
	return v
}

func newAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}
