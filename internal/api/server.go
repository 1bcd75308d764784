package api

//go:generate go run github.com/oapi-codegen/oapi-codegen/v2/cmd/oapi-codegen@v2.1.0 --config=oapi-codegen.yaml openapi.yaml

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"caskv/internal/model"
	"caskv/internal/register"
)

const maxProposalBytes = 8 << 20

// Registers is the acceptor store behind the HTTP surface.
type Registers interface {
	Get(key []byte) (model.VersionedValue, bool, error)
	UpdateIfNewer(key []byte, proposal model.VersionedValue) (register.Result, error)
}

// NewServer wires the generated handlers into a router and exposes a health check.
func NewServer(store Registers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return HandlerWithOptions(&acceptorServer{store: store}, ChiServerOptions{
		BaseRouter: r,
		ErrorHandlerFunc: func(w http.ResponseWriter, r *http.Request, err error) {
			writeError(w, http.StatusBadRequest, err.Error())
		},
	})
}

type acceptorServer struct {
	store Registers
}

var _ ServerInterface = (*acceptorServer)(nil)

func (s *acceptorServer) GetRegister(w http.ResponseWriter, r *http.Request, key Key) {
	rawKey, err := DecodeKey(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, ok, err := s.store.Get(rawKey)
	if err != nil {
		log.Printf("get register %q: %v", key, err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "register not found")
		return
	}
	writeJSON(w, http.StatusOK, toRegister(key, v))
}

// Propose answers 200 when the proposal became the durable register state and
// 409 when it lost, with the winning state in the body either way.
func (s *acceptorServer) Propose(w http.ResponseWriter, r *http.Request, key Key) {
	rawKey, err := DecodeKey(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body ProposeJSONRequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProposalBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid proposal: %v", err))
		return
	}

	proposal := model.VersionedValue{Ballot: body.Ballot}
	if body.Value != nil {
		proposal.Value = *body.Value
	}

	res, err := s.store.UpdateIfNewer(rawKey, proposal)
	if err != nil {
		log.Printf("propose ballot %d on %q: %v", body.Ballot, key, err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	status := http.StatusOK
	if !res.Accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, ProposalResult{
		Accepted: res.Accepted,
		Register: toRegister(key, res.Current),
	})
}

// keyPrefix keeps the path segment non-empty for the empty key.
const keyPrefix = "k"

// EncodeKey renders a raw key the way the path parameter expects it: the
// prefix followed by unpadded URL-safe base64.
func EncodeKey(key []byte) string {
	return keyPrefix + base64.RawURLEncoding.EncodeToString(key)
}

func DecodeKey(key string) ([]byte, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		return nil, errors.Errorf("key must start with %q", keyPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(key[len(keyPrefix):])
	if err != nil {
		return nil, errors.New("key must be unpadded URL-safe base64 after the prefix")
	}
	return raw, nil
}

func toRegister(key string, v model.VersionedValue) Register {
	reg := Register{Key: key, Ballot: v.Ballot}
	if v.Value != nil {
		value := v.Value
		reg.Value = &value
	}
	return reg
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Error{Message: message})
}
