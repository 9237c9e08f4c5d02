package wal

// ============================================================================
// Transition journal
// Responsibilities:
// 1. Append events to the journal file (append-only, JSON lines)
// 2. Replay events to rebuild job state after a crash
// 3. Rotate the journal once the data.json files are flushed
// 4. Keep records durable and verifiable (CRC32 per record)
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultBufferSize    = 256
	defaultFlushInterval = time.Second
)

// WAL is a write-ahead journal of job and task transitions.
type WAL struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64 // last assigned sequence number
	syncOnAppend bool   // flush and fsync on every Append
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// Public interface
// ============================================================================

/*
NewWAL opens the journal at path, creating it if needed.

If the file already holds events, numbering continues after the last one.
A journal whose tail cannot be parsed is rejected so that corruption is
noticed before new records are appended behind it.
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	var seq uint64
	last, err := GetLastEvent(path)
	switch {
	case err == nil:
		seq = last.Seq
	case errors.Is(err, ErrEmptyWAL), errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, defaultBufferSize),
		bufferSize:    defaultBufferSize,
		lastFlushTime: time.Now(),
		flushInterval: defaultFlushInterval,
	}, nil
}

// Append assigns the next sequence number and checksum to event and adds it
// to the journal. The stored event is returned.
//
// With syncOnAppend (or force) the event is on disk when Append returns;
// otherwise it is buffered until the buffer fills, the flush interval
// passes, or Flush/Rotate/Close is called.
func (w *WAL) Append(event Event, force bool) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC().Round(0)
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := force || w.syncOnAppend ||
		len(w.buffer) >= w.bufferSize ||
		time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return Event{}, err
		}
	}
	return event, nil
}

// Replay reads the journal from the start, verifies every record and hands
// it to handler. Buffered events are flushed first.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return scan(w.path, handler)
}

// Flush writes buffered events and syncs the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Rotate moves the current journal aside as <path>.<timestamp> and starts an
// empty one. Called once every job in the journal has been written to its
// data.json.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close flushes and closes the journal. A closed WAL must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq returns the last assigned sequence number.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the journal file location.
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// Internal helpers
// ============================================================================

// flushLocked writes buffered events and syncs; the caller holds w.mu.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// scan decodes every record of the file at path in order.
func scan(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		var event Event
		offset := decoder.InputOffset()
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if err := verify(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
}
