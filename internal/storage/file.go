package storage

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Note: the commit log has a single writer goroutine; readers only run during
// recovery before that goroutine starts. These helpers do not coordinate
// concurrent access on their own.

// Write appends data to the given open file handle. Caller owns file lifecycle
// and decides when to Sync.
func Write(file *os.File, data []byte) error {
	if _, err := file.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", file.Name())
	}
	return nil
}

// ReadAt reads exactly length bytes starting at offset. A record cut short by
// the end of the file yields io.ErrUnexpectedEOF.
func ReadAt(file *os.File, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if n == length {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		return buf[:n], io.ErrUnexpectedEOF
	}
	return buf[:n], errors.Wrapf(err, "read %s at %d", file.Name(), offset)
}

// ReplaceFile atomically swaps the contents of path for whatever fill writes.
// The data goes to a temporary sibling which is fsynced and renamed over path,
// then the directory is fsynced so the rename itself survives a crash.
func ReplaceFile(path string, fill func(w io.Writer) error) error {
	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmpPath)
	}

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "flush %s", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "sync %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "close %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "rename %s", tmpPath)
	}
	return SyncDir(filepath.Dir(path))
}

// SyncDir fsyncs a directory so entries created or renamed in it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open dir %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "sync dir %s", dir)
	}
	return nil
}
