package engine

import (
	"context"
	"log"
	"sort"
	"sync"

	"caskv/internal/model"
)

// LogEngine keeps registers in an append-only commit log. The index holds the
// newest record per key exactly as the log would replay it; it is the engine's
// read path, not a cache in front of some other source of truth.
type LogEngine struct {
	log *CommitLogManager

	// gate lets any number of Puts run together but excludes Compact, so a
	// snapshot never misses a record that is already in the log.
	gate sync.RWMutex

	mu    sync.RWMutex
	index map[string][]byte
}

// OpenLogEngine replays the log at cfg.Path into a fresh index.
func OpenLogEngine(ctx context.Context, cfg CommitLogCfg) (*LogEngine, error) {
	e := &LogEngine{index: make(map[string][]byte)}

	mgr, err := NewCommitLogManager(ctx, cfg, func(mut model.Mutation) {
		e.index[string(mut.Key)] = mut.Value
	})
	if err != nil {
		return nil, err
	}
	e.log = mgr
	return e, nil
}

func (e *LogEngine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	raw, ok := e.index[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

// Put appends the record and then publishes it to readers. The record is
// buffered; Sync makes it durable.
func (e *LogEngine) Put(key, record []byte) error {
	e.gate.RLock()
	defer e.gate.RUnlock()

	stored := make([]byte, len(record))
	copy(stored, record)

	if err := e.log.Append(model.Mutation{Op: model.PUT, Key: key, Value: stored}); err != nil {
		return err
	}

	e.mu.Lock()
	e.index[string(key)] = stored
	e.mu.Unlock()
	return nil
}

func (e *LogEngine) Sync() error {
	return e.log.Sync()
}

// Compact rewrites the log so it holds one record per key, in key order.
func (e *LogEngine) Compact() error {
	e.gate.Lock()
	defer e.gate.Unlock()

	e.mu.RLock()
	snapshot := make([]model.Mutation, 0, len(e.index))
	for key, record := range e.index {
		snapshot = append(snapshot, model.Mutation{Op: model.PUT, Key: []byte(key), Value: record})
	}
	e.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return string(snapshot[i].Key) < string(snapshot[j].Key)
	})

	if err := e.log.Rewrite(snapshot); err != nil {
		return err
	}
	log.Printf("compacted commit log to %d registers", len(snapshot))
	return nil
}

// Len reports how many keys hold a register.
func (e *LogEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.index)
}

func (e *LogEngine) Close() error {
	return e.log.Close()
}
