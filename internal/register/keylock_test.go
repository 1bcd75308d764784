package register

import (
	"testing"
	"time"
)

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func TestKeyLocksIndependentKeys(t *testing.T) {
	locks := newKeyLocks()
	unlockA := locks.lock([]byte("a"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.lock([]byte("b"))
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}
}

func TestKeyLocksSameKeyExclusive(t *testing.T) {
	locks := newKeyLocks()
	unlock := locks.lock([]byte("a"))

	acquired := make(chan struct{})
	go func() {
		u := locks.lock([]byte("a"))
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatalf("second holder entered while the key was locked")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("waiter never acquired the key")
	}

	// Wait for the goroutine's unlock before checking the table.
	deadline := time.Now().Add(time.Second)
	for locks.size() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := locks.size(); n != 0 {
		t.Fatalf("expected empty table, got %d", n)
	}
}
