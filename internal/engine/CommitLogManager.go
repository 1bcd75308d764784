package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"

	"caskv/internal/model"
	"caskv/internal/storage"
)

var (
	ErrCommitLogClosed = errors.New("commit log is closed")
	ErrEnqueueTimeout  = errors.New("timeout waiting for commit log writer")
	// ErrCorruptCommitLog is returned on open when a record inside the log
	// fails its checksum or does not decode. Records after it are acknowledged
	// state, so the log is left untouched.
	ErrCorruptCommitLog = errors.New("commit log is corrupt")

	errTornRecord = errors.New("record runs past end of file")
	errBadRecord  = errors.New("bad record")
)

type CommitLogFlusher struct {
	active_segment *os.File
	seq_number     uint64
	buffer         bytes.Buffer
	maxBufferBytes int
	// unsynced is set once bytes reach the file and cleared by a good fsync.
	unsynced bool
	// failed is sticky: after a failed write or fsync the file contents are
	// unknown and nothing more may be acknowledged.
	failed error
}

type commitLogOp int

const (
	opAppend commitLogOp = iota
	opSync
	opRewrite
)

type CommitLogChanelMsg struct {
	op        commitLogOp
	mutation  model.Mutation
	snapshot  []model.Mutation
	data_done chan error
}

type CommitLogCfg struct {
	Path                 string
	EnqueueTimeout       time.Duration
	FlushInterval        time.Duration
	MaxEnqueuingMutation int
	BufferBytes          int
}

/*
Channel-backed append flow keeps a single writer goroutine in charge of the WAL:
- Ordering: channel preserves request order; single goroutine owns the file handle.
- Group commit: a sync request flushes and fsyncs everything buffered before it.
- Backpressure: bounded channel + timeout lets callers fail fast instead of unbounded queueing.
- Compaction: rewrites run on the same goroutine, so they never race an append.
- Shutdown: select on context to flush outstanding data before exit without racing writers.
*/
type CommitLogManager struct {
	flusher                   CommitLogFlusher
	commitlog_writter_channel chan CommitLogChanelMsg
	cfg                       CommitLogCfg
	flushT                    *time.Ticker
	cancel                    context.CancelFunc
	stopped                   chan struct{}
	closeErr                  error
}

const (
	payloadLenBytes                = 4
	checksumBytes                  = 4
	seqNumBytes                    = 8
	opTypeBytes                    = 1
	lenFieldSize                   = 4
	headerBytes                    = payloadLenBytes + checksumBytes
	defaultCommitLogBufferBytes    = 4 * 1024 * 1024
	minimalCommitLogBufferBytes    = 128
	defaultMaxEnqueuingMutationVal = 1024
	defaultEnqueueTimeout          = 5 * time.Second
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewCommitLogManager opens (or creates) the log at cfg.Path, replays every
// intact record through replay in log order, cuts off a torn tail, and starts
// the writer goroutine. The writer stops when ctx is cancelled or on Close.
func NewCommitLogManager(ctx context.Context, cfg CommitLogCfg, replay func(model.Mutation)) (*CommitLogManager, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	lastSeq, err := load(f, replay)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	bufferBytes := cfg.BufferBytes
	if bufferBytes <= 0 {
		bufferBytes = defaultCommitLogBufferBytes
	}
	if bufferBytes < minimalCommitLogBufferBytes {
		bufferBytes = minimalCommitLogBufferBytes
	}

	maxQueue := cfg.MaxEnqueuingMutation
	if maxQueue <= 0 {
		maxQueue = defaultMaxEnqueuingMutationVal
	}

	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}

	m := &CommitLogManager{
		cfg:                       cfg,
		commitlog_writter_channel: make(chan CommitLogChanelMsg, maxQueue),
		stopped:                   make(chan struct{}),
		flusher: CommitLogFlusher{
			active_segment: f,
			seq_number:     lastSeq + 1,
			maxBufferBytes: bufferBytes,
		},
	}
	if cfg.FlushInterval > 0 {
		m.flushT = time.NewTicker(cfg.FlushInterval)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go func() {
		defer close(m.stopped)
		m.run(runCtx)
		if m.flushT != nil {
			m.flushT.Stop()
		}
		err := m.flusher.flush()
		if cerr := m.flusher.active_segment.Close(); err == nil {
			err = cerr
		}
		m.closeErr = err
	}()
	return m, nil
}

// Append buffers mut behind every earlier append. It is not durable until a
// later Sync returns nil.
func (cm *CommitLogManager) Append(mut model.Mutation) error {
	return cm.submit(CommitLogChanelMsg{op: opAppend, mutation: mut})
}

// Sync writes out the buffer and fsyncs the active segment. Every Append that
// returned before Sync was called is durable once Sync returns nil.
func (cm *CommitLogManager) Sync() error {
	return cm.submit(CommitLogChanelMsg{op: opSync})
}

// Rewrite replaces the log with snapshot. The caller must make sure no Append
// races the snapshot it took.
func (cm *CommitLogManager) Rewrite(snapshot []model.Mutation) error {
	return cm.submit(CommitLogChanelMsg{op: opRewrite, snapshot: snapshot})
}

// Close stops the writer after a final flush and closes the file.
func (cm *CommitLogManager) Close() error {
	cm.cancel()
	<-cm.stopped
	return cm.closeErr
}

func (cm *CommitLogManager) submit(msg CommitLogChanelMsg) error {
	msg.data_done = make(chan error, 1)

	timer := time.NewTimer(cm.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case cm.commitlog_writter_channel <- msg:
	case <-cm.stopped:
		return ErrCommitLogClosed
	case <-timer.C:
		return ErrEnqueueTimeout
	}

	select {
	case err := <-msg.data_done:
		return err
	case <-cm.stopped:
		// The writer may have answered just before exiting.
		select {
		case err := <-msg.data_done:
			return err
		default:
			return ErrCommitLogClosed
		}
	}
}

func (cm *CommitLogManager) run(ctx context.Context) {
	var tick <-chan time.Time
	if cm.flushT != nil {
		tick = cm.flushT.C
	}

	for {
		select {
		case msg := <-cm.commitlog_writter_channel:
			msg.data_done <- cm.handle(msg)
		case <-tick:
			if err := cm.flusher.flush(); err != nil {
				log.Printf("commit log periodic flush error: %v", err)
			}
		case <-ctx.Done():
			log.Printf("Commit log manager is shutting down - Flushing active commit log segment")
			return
		}
	}
}

func (cm *CommitLogManager) handle(msg CommitLogChanelMsg) error {
	switch msg.op {
	case opAppend:
		mut := msg.mutation
		mut.Sequence = cm.flusher.seq_number
		if err := cm.flusher.write(encodeMutation(mut)); err != nil {
			return err
		}
		cm.flusher.seq_number++
		return nil
	case opSync:
		return cm.flusher.flush()
	case opRewrite:
		return cm.rewrite(msg.snapshot)
	default:
		return errors.Errorf("unknown commit log op %d", msg.op)
	}
}

func (cm *CommitLogManager) rewrite(snapshot []model.Mutation) error {
	if err := cm.flusher.flush(); err != nil {
		return err
	}

	path := cm.cfg.Path
	seq := cm.flusher.seq_number
	err := storage.ReplaceFile(path, func(w io.Writer) error {
		for _, mut := range snapshot {
			mut.Sequence = seq
			seq++
			if _, err := w.Write(encodeMutation(mut)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The rename may already have happened, so the handle we hold could
		// point at an unlinked file. Refuse further writes.
		cm.flusher.failed = errors.Wrap(err, "rewrite commit log")
		return cm.flusher.failed
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		// The new log is on disk but we lost our handle; stop accepting writes.
		cm.flusher.failed = errors.Wrap(err, "reopen commit log after rewrite")
		return cm.flusher.failed
	}
	_ = cm.flusher.active_segment.Close()
	cm.flusher.active_segment = f
	cm.flusher.seq_number = seq
	log.Printf("commit log rewritten with %d records", len(snapshot))
	return nil
}

func (flusher *CommitLogFlusher) write(data []byte) error {
	if flusher.failed != nil {
		return flusher.failed
	}

	if len(data) > flusher.maxBufferBytes {
		return errors.Errorf("commit log entry (%d bytes) exceeds buffer size (%d bytes)", len(data), flusher.maxBufferBytes)
	}

	if flusher.buffer.Len()+len(data) > flusher.maxBufferBytes {
		if err := flusher.writeOut(); err != nil {
			return err
		}
	}

	_, err := flusher.buffer.Write(data)
	return err
}

// writeOut moves the buffer into the file without fsync.
func (flusher *CommitLogFlusher) writeOut() error {
	if flusher.buffer.Len() == 0 {
		return nil
	}
	if err := storage.Write(flusher.active_segment, flusher.buffer.Bytes()); err != nil {
		flusher.failed = err
		return err
	}
	flusher.buffer.Reset()
	flusher.unsynced = true
	return nil
}

func (flusher *CommitLogFlusher) flush() error {
	if flusher.failed != nil {
		return flusher.failed
	}
	if err := flusher.writeOut(); err != nil {
		return err
	}
	if !flusher.unsynced {
		return nil
	}
	if err := flusher.active_segment.Sync(); err != nil {
		flusher.failed = errors.Wrapf(err, "fsync %s", flusher.active_segment.Name())
		return flusher.failed
	}
	flusher.unsynced = false
	return nil
}

// load replays every intact record of f in order and returns the highest
// sequence number seen. A record that runs to the end of the file but is short
// or fails its checksum is what a crash mid-append leaves behind; it is cut off
// so later appends never land after garbage. A bad record with data after it
// is corruption of acknowledged state and fails the open with
// ErrCorruptCommitLog.
func load(f *os.File, replay func(model.Mutation)) (uint64, error) {
	fileInfo, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat commit log")
	}
	fileSize := fileInfo.Size()

	var (
		offset    int64
		lastSeq   uint64
		recordNum int
	)
	for offset < fileSize {
		mut, size, err := readRecord(f, offset, fileSize)
		if err != nil {
			tornTail := errors.Is(err, errTornRecord) ||
				(errors.Is(err, errBadRecord) && offset+size == fileSize)
			if !tornTail {
				if errors.Is(err, errBadRecord) {
					return 0, errors.Wrapf(ErrCorruptCommitLog, "record %d at offset %d (%d bytes follow): %v",
						recordNum, offset, fileSize-offset-size, err)
				}
				return 0, errors.Wrapf(err, "read commit log record %d at offset %d", recordNum, offset)
			}
			log.Printf("commit log record %d at offset %d is a torn tail: %v", recordNum, offset, err)
			break
		}
		if replay != nil {
			replay(mut)
		}
		lastSeq = mut.Sequence
		offset += size
		recordNum++
	}

	if offset < fileSize {
		log.Printf("truncating commit log from %d to %d bytes", fileSize, offset)
		if err := f.Truncate(offset); err != nil {
			return 0, errors.Wrap(err, "truncate commit log")
		}
		if err := f.Sync(); err != nil {
			return 0, errors.Wrap(err, "sync truncated commit log")
		}
	}

	log.Printf("loaded %d mutations from commit log (file size: %d bytes)", recordNum, offset)
	return lastSeq, nil
}

// readRecord decodes the record at offset and returns it with its size on
// disk. The size is also returned alongside errBadRecord so the caller can
// tell whether the record is the last one in the file.
func readRecord(f *os.File, offset, fileSize int64) (model.Mutation, int64, error) {
	if offset+headerBytes > fileSize {
		return model.Mutation{}, 0, errors.Wrapf(errTornRecord, "header of %d bytes", fileSize-offset)
	}
	header, err := storage.ReadAt(f, offset, headerBytes)
	if err != nil {
		return model.Mutation{}, 0, errors.Wrap(err, "header")
	}
	payloadLen := binary.BigEndian.Uint32(header[:payloadLenBytes])
	expectedChecksum := binary.BigEndian.Uint32(header[payloadLenBytes:])
	size := headerBytes + int64(payloadLen)
	if offset+size > fileSize {
		return model.Mutation{}, size, errors.Wrapf(errTornRecord, "payload of %d bytes", payloadLen)
	}

	payload, err := storage.ReadAt(f, offset+headerBytes, int(payloadLen))
	if err != nil {
		return model.Mutation{}, size, errors.Wrapf(err, "payload of %d bytes", payloadLen)
	}

	if actual := crc32.Checksum(payload, castagnoli); actual != expectedChecksum {
		return model.Mutation{}, size, errors.Wrapf(errBadRecord, "CRC mismatch: expected %x, got %x", expectedChecksum, actual)
	}

	mut, err := decodePayload(payload)
	if err != nil {
		return model.Mutation{}, size, errors.Wrapf(errBadRecord, "decode: %v", err)
	}
	return mut, size, nil
}

/*
Return encoded mutation record for Commit Log. The following table describes the structure of encoded mutation record.

| PayloadLength | CRC32C | Sequence | OpType | KeyLen | Key      | ValueLen | Value    |
|--------------|--------|----------|--------|--------|----------|----------|----------|
| 4 bytes      | 4 bytes| 8 bytes  | 1 byte | 4 bytes| K bytes  | 4 bytes  | V bytes  |

Value carries the register record (little-endian ballot followed by the value).
*/
func encodeMutation(mut model.Mutation) []byte {
	payload := make([]byte, 0, seqNumBytes+opTypeBytes+lenFieldSize+len(mut.Key)+lenFieldSize+len(mut.Value))
	payload = binary.BigEndian.AppendUint64(payload, mut.Sequence)
	payload = append(payload, byte(mut.Op))
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(mut.Key)))
	payload = append(payload, mut.Key...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(mut.Value)))
	payload = append(payload, mut.Value...)

	record := make([]byte, 0, headerBytes+len(payload))
	record = binary.BigEndian.AppendUint32(record, uint32(len(payload)))
	record = binary.BigEndian.AppendUint32(record, crc32.Checksum(payload, castagnoli))
	record = append(record, payload...)
	return record
}

// decodePayload extracts a Mutation from the payload portion of a WAL record.
//
//	| Sequence | OpType | KeyLen | Key      | ValueLen | Value    |
//	| 8 bytes  | 1 byte | 4 bytes| K bytes  | 4 bytes  | V bytes  |
func decodePayload(payload []byte) (model.Mutation, error) {
	minSize := seqNumBytes + opTypeBytes + lenFieldSize + lenFieldSize
	if len(payload) < minSize {
		return model.Mutation{}, errors.Errorf("payload too short: %d bytes (minimum %d)", len(payload), minSize)
	}

	pos := 0

	seqNum := binary.BigEndian.Uint64(payload[pos : pos+seqNumBytes])
	pos += seqNumBytes

	opType := model.OpsType(payload[pos])
	if opType != model.PUT {
		return model.Mutation{}, errors.Errorf("invalid operation type: %d", opType)
	}
	pos += opTypeBytes

	keyLen := int(binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize]))
	pos += lenFieldSize

	if pos+keyLen+lenFieldSize > len(payload) {
		return model.Mutation{}, errors.Errorf("key length (%d) exceeds payload bounds", keyLen)
	}
	key := make([]byte, keyLen)
	copy(key, payload[pos:pos+keyLen])
	pos += keyLen

	valueLen := int(binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize]))
	pos += lenFieldSize

	if pos+valueLen != len(payload) {
		return model.Mutation{}, errors.Errorf("value length (%d) does not match payload bounds", valueLen)
	}
	value := make([]byte, valueLen)
	copy(value, payload[pos:])

	return model.Mutation{
		Op:       opType,
		Key:      key,
		Value:    value,
		Sequence: seqNum,
	}, nil
}
