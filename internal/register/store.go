// Package register implements the acceptor side of CASPaxos: a durable map
// from key to (ballot, value) whose only write is a conditional update that
// succeeds for strictly newer ballots.
package register

import (
	"github.com/pkg/errors"

	"caskv/internal/codec"
	"caskv/internal/model"
)

// Engine is the byte-level storage under a Store. Implementations must be
// safe for concurrent use. Put must be visible to a following Get before
// Sync is called; Sync makes every completed Put crash durable.
type Engine interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, record []byte) error
	Sync() error
	Close() error
}

// Result is the outcome of UpdateIfNewer. When Accepted is false, Current is
// the stored state that defeated the proposal. When Accepted is true,
// Current is the proposal, now durable.
type Result struct {
	Accepted bool
	Current  model.VersionedValue
}

// Store serialises writers per key and leaves different keys independent.
// It keeps no register state of its own; every call goes to the engine.
type Store struct {
	engine Engine
	locks  *keyLocks
}

func New(engine Engine) *Store {
	return &Store{
		engine: engine,
		locks:  newKeyLocks(),
	}
}

// Get returns the stored register for key. The bool is false when the key
// has never accepted a write.
func (s *Store) Get(key []byte) (model.VersionedValue, bool, error) {
	raw, ok, err := s.engine.Get(key)
	if err != nil {
		return model.VersionedValue{}, false, storageErr("get", err)
	}
	if !ok {
		return model.VersionedValue{}, false, nil
	}

	v, err := codec.Decode(raw)
	if err != nil {
		return model.VersionedValue{}, false, errors.Wrapf(err, "key %q", key)
	}
	return v, true, nil
}

// UpdateIfNewer stores proposal for key if its ballot is strictly greater
// than the stored one (0 for an untouched key). A lost proposal is reported
// through Result, not through the error. The engine is synced before
// returning, whichever way the decision went, so no caller ever sees a
// result that is not yet durable.
func (s *Store) UpdateIfNewer(key []byte, proposal model.VersionedValue) (Result, error) {
	res, err := s.swap(key, proposal)

	if syncErr := s.engine.Sync(); syncErr != nil && err == nil {
		err = storageErr("sync", syncErr)
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Store) swap(key []byte, proposal model.VersionedValue) (Result, error) {
	unlock := s.locks.lock(key)
	defer unlock()

	current, _, err := s.Get(key)
	if err != nil {
		return Result{}, err
	}

	if Decide(current, proposal) == Reject {
		return Result{Accepted: false, Current: current}, nil
	}

	if err := s.engine.Put(key, codec.Encode(proposal)); err != nil {
		return Result{}, storageErr("put", err)
	}
	return Result{Accepted: true, Current: proposal.Clone()}, nil
}

// Close releases the engine. Writes acknowledged before Close are already
// durable.
func (s *Store) Close() error {
	if err := s.engine.Close(); err != nil {
		return storageErr("close", err)
	}
	return nil
}
