package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"caskv/internal/api"
	"caskv/internal/config"
	"caskv/internal/engine"
	"caskv/internal/register"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	eng, compact, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	store := register.New(eng)
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	if compact != nil && cfg.CompactInterval > 0 {
		go compactEvery(ctx, cfg.CompactInterval, compact)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(store),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("starting server on %s (engine=%s, data=%s)", cfg.HTTPAddr, cfg.Engine, cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openEngine returns the configured engine and, for the log engine, its
// compaction hook.
func openEngine(ctx context.Context, cfg config.Config) (register.Engine, func() error, error) {
	switch cfg.Engine {
	case config.EngineBolt:
		eng, err := engine.OpenBoltEngine(filepath.Join(cfg.DataDir, "registers.db"), 5*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return eng, nil, nil
	default:
		// The store closes the engine itself; a cancelled ctx must not stop
		// the writer before the final flush.
		eng, err := engine.OpenLogEngine(context.WithoutCancel(ctx), engine.CommitLogCfg{
			Path:                 filepath.Join(cfg.DataDir, "registers.log"),
			EnqueueTimeout:       cfg.EnqueueTimeout,
			FlushInterval:        cfg.FlushInterval,
			MaxEnqueuingMutation: cfg.MaxEnqueued,
			BufferBytes:          cfg.BufferBytes,
		})
		if err != nil {
			return nil, nil, err
		}
		return eng, eng.Compact, nil
	}
}

func compactEvery(ctx context.Context, interval time.Duration, compact func() error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := compact(); err != nil {
				log.Printf("compaction failed: %v", err)
			}
		}
	}
}
