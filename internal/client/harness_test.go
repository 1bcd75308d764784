package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"caskv/internal/api"
	"caskv/internal/engine"
	"caskv/internal/register"
)

type systemUnderTest struct {
	BaseURL  string
	shutdown func()
	restart  func(t *testing.T)
}

func (s *systemUnderTest) Close() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// swapHandler lets the harness replace the store behind a running listener,
// which is how a restart looks to clients.
type swapHandler struct {
	mu    sync.RWMutex
	inner http.Handler
}

func (h *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	inner := h.inner
	h.mu.RUnlock()
	inner.ServeHTTP(w, r)
}

func (h *swapHandler) set(inner http.Handler) {
	h.mu.Lock()
	h.inner = inner
	h.mu.Unlock()
}

func startSystemUnderTest(t *testing.T) *systemUnderTest {
	t.Helper()

	if url := os.Getenv("KV_SERVER_URL"); url != "" {
		t.Logf("KV_SERVER_URL set; using existing server at %s", url)
		return &systemUnderTest{
			BaseURL:  url,
			shutdown: func() {},
			restart:  nil, // restart not supported without process control
		}
	}

	dataDir := t.TempDir()
	open := func(t *testing.T) *register.Store {
		t.Helper()
		eng, err := engine.OpenLogEngine(context.Background(), engine.CommitLogCfg{
			Path:           filepath.Join(dataDir, "registers.log"),
			EnqueueTimeout: 2 * time.Second,
		})
		if err != nil {
			t.Fatalf("open engine: %v", err)
		}
		return register.New(eng)
	}

	store := open(t)
	handler := &swapHandler{inner: api.NewServer(store)}
	srv := httptest.NewServer(handler)

	return &systemUnderTest{
		BaseURL: srv.URL,
		shutdown: func() {
			srv.Close()
			_ = store.Close()
		},
		restart: func(t *testing.T) {
			t.Helper()
			if err := store.Close(); err != nil {
				t.Fatalf("close store: %v", err)
			}
			store = open(t)
			handler.set(api.NewServer(store))
		},
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
