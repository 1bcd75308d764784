package client

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"caskv/internal/model"
)

func TestAcceptorLifecycle(t *testing.T) {
	sut := startSystemUnderTest(t)
	defer sut.Close()
	c := New(sut.BaseURL, nil)
	ctx := testContext(t)

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	key := []byte("k1")
	res, err := c.Propose(ctx, key, model.VersionedValue{Ballot: 5, Value: []byte("v1")})
	if err != nil || !res.Accepted {
		t.Fatalf("propose 5: accepted=%v err=%v", res.Accepted, err)
	}

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(model.VersionedValue{Ballot: 5, Value: []byte("v1")}) {
		t.Fatalf("after accept: %+v", got)
	}

	res, err = c.Propose(ctx, key, model.VersionedValue{Ballot: 3, Value: []byte("v2")})
	if err != nil {
		t.Fatalf("propose 3: %v", err)
	}
	if res.Accepted || !res.Current.Equal(got) {
		t.Fatalf("stale proposal: %+v", res)
	}

	res, err = c.Propose(ctx, key, model.VersionedValue{Ballot: 7})
	if err != nil || !res.Accepted {
		t.Fatalf("propose 7: accepted=%v err=%v", res.Accepted, err)
	}
	got, err = c.Get(ctx, key)
	if err != nil || got.Ballot != 7 || got.Value != nil {
		t.Fatalf("after clear: %+v err=%v", got, err)
	}

	if _, err := c.Get(ctx, []byte("k2")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("untouched key: expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentProposers(t *testing.T) {
	sut := startSystemUnderTest(t)
	defer sut.Close()
	c := New(sut.BaseURL, nil)
	ctx := testContext(t)

	const n = 32
	key := []byte("contended")
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		maxAccepted uint64
	)
	for _, b := range rand.Perm(n) {
		wg.Add(1)
		go func(ballot uint64) {
			defer wg.Done()
			res, err := c.Propose(ctx, key, model.VersionedValue{Ballot: ballot, Value: []byte(fmt.Sprint(ballot))})
			if err != nil {
				t.Errorf("ballot %d: %v", ballot, err)
				return
			}
			if !res.Accepted {
				if res.Current.Ballot < ballot {
					t.Errorf("ballot %d lost to %d", ballot, res.Current.Ballot)
				}
				return
			}
			mu.Lock()
			if ballot > maxAccepted {
				maxAccepted = ballot
			}
			mu.Unlock()
		}(uint64(b) + 1)
	}
	wg.Wait()

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Ballot != n || got.Ballot != maxAccepted || string(got.Value) != fmt.Sprint(n) {
		t.Fatalf("final %+v, max accepted %d", got, maxAccepted)
	}
}

func TestCrashRecovery(t *testing.T) {
	sut := startSystemUnderTest(t)
	defer sut.Close()
	if sut.restart == nil {
		t.Skip("restart testing requires a controllable server")
	}

	c := New(sut.BaseURL, nil)
	ctx := testContext(t)
	key := []byte("crash-key")

	if _, err := c.Propose(ctx, key, model.VersionedValue{Ballot: 11, Value: []byte("persist-me")}); err != nil {
		t.Fatalf("propose before restart: %v", err)
	}

	sut.restart(t)

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if !got.Equal(model.VersionedValue{Ballot: 11, Value: []byte("persist-me")}) {
		t.Fatalf("restart lost the register: %+v", got)
	}

	res, err := c.Propose(ctx, key, model.VersionedValue{Ballot: 11, Value: []byte("again")})
	if err != nil {
		t.Fatalf("propose after restart: %v", err)
	}
	if res.Accepted {
		t.Fatalf("equal ballot accepted after restart")
	}
}

func TestEmptyKeyRoundTrip(t *testing.T) {
	sut := startSystemUnderTest(t)
	defer sut.Close()
	c := New(sut.BaseURL, nil)
	ctx := testContext(t)

	if _, err := c.Get(ctx, []byte{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("untouched empty key: expected ErrNotFound, got %v", err)
	}

	res, err := c.Propose(ctx, []byte{}, model.VersionedValue{Ballot: 5, Value: []byte("x")})
	if err != nil || !res.Accepted {
		t.Fatalf("propose on empty key: accepted=%v err=%v", res.Accepted, err)
	}

	got, err := c.Get(ctx, []byte{})
	if err != nil {
		t.Fatalf("get empty key: %v", err)
	}
	if want := (model.VersionedValue{Ballot: 5, Value: []byte("x")}); !got.Equal(want) {
		t.Fatalf("empty key: got %+v want %+v", got, want)
	}

	res, err = c.Propose(ctx, nil, model.VersionedValue{Ballot: 4, Value: []byte("y")})
	if err != nil || res.Accepted || res.Current.Ballot != 5 {
		t.Fatalf("stale proposal on empty key: %+v err=%v", res, err)
	}
}
