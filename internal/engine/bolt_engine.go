package engine

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var registersBucket = []byte("registers")

// bolt rejects empty keys, so every key is stored behind a one byte prefix.
const boltKeyPrefix = 'r'

func boltKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, boltKeyPrefix)
	return append(out, key...)
}

// BoltEngine stores registers in a single bbolt bucket. Every Put is its own
// read-write transaction.
type BoltEngine struct {
	db *bolt.DB
}

func OpenBoltEngine(path string, timeout time.Duration) (*BoltEngine, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(registersBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}
	return &BoltEngine{db: db}, nil
}

func (e *BoltEngine) Get(key []byte) ([]byte, bool, error) {
	var (
		out   []byte
		found bool
	)
	err := e.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(registersBucket).Get(boltKey(key))
		if raw == nil {
			return nil
		}
		// raw is only valid inside the transaction.
		out = make([]byte, len(raw))
		copy(out, raw)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

func (e *BoltEngine) Put(key, record []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(registersBucket).Put(boltKey(key), record)
	})
}

func (e *BoltEngine) Sync() error {
	return e.db.Sync()
}

func (e *BoltEngine) Close() error {
	return e.db.Close()
}
