// Package wal implements a single-file, checksummed append-only log with
// crash recovery. A torn record at the tail, left by a crash mid-write, is
// truncated on Open; corruption anywhere else is reported.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed indicates that the log has already been closed.
var ErrClosed = errors.New("wal: closed")

type config struct {
	noSync   bool
	fileMode os.FileMode
}

// Option configures a Log.
type Option func(*config)

// WithDisabledSync turns off fsync (tests only).
func WithDisabledSync() Option {
	return func(cfg *config) {
		cfg.noSync = true
	}
}

// WithFileMode sets the permission bits of a newly created log file.
func WithFileMode(mode os.FileMode) Option {
	return func(cfg *config) {
		cfg.fileMode = mode
	}
}

// Log is safe for concurrent use.
type Log struct {
	path string
	cfg  config

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	next   Position
	size   int64
	closed bool
}

// Open opens or creates the log at path, creating parent directories.
func Open(path string, opts ...Option) (*Log, error) {
	cfg := config{fileMode: 0o600}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, cfg.fileMode)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	l := &Log{path: path, cfg: cfg, file: file}
	if err := l.recover(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if _, err := file.Seek(l.size, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: seek: %w", err)
	}
	l.writer = bufio.NewWriter(file)
	return l, nil
}

// recover counts intact records and cuts a torn tail.
func (l *Log) recover() error {
	reader := bufio.NewReader(l.file)
	var offset int64
	for {
		_, n, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errTorn) {
			if err := l.file.Truncate(offset); err != nil {
				return fmt.Errorf("wal: truncate torn tail: %w", err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("wal: %s at record %d: %w", l.path, l.next, err)
		}
		offset += n
		l.next++
	}
	l.size = offset
	return nil
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.next)
}

// Append writes a record and returns its position. The record is durable
// once Sync returns.
func (l *Log) Append(kind string, data []byte) (Position, error) {
	raw, err := Record{Kind: kind, Data: data}.frame()
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if _, err := l.writer.Write(raw); err != nil {
		return 0, fmt.Errorf("wal: write: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("wal: flush: %w", err)
	}
	pos := l.next
	l.next++
	l.size += int64(len(raw))
	return pos, nil
}

// Sync flushes buffered writes and issues fsync unless disabled.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if l.cfg.noSync {
		return nil
	}
	return l.file.Sync()
}

// Replay calls apply for every record in order and stops at the first error.
func (l *Log) Replay(apply func(Record) error) error {
	if apply == nil {
		return fmt.Errorf("wal: replay callback required")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if err := l.writer.Flush(); err != nil {
		l.mu.Unlock()
		return err
	}
	size := l.size
	l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(io.LimitReader(f, size))
	for pos := Position(0); ; pos++ {
		rec, _, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("wal: replay record %d: %w", pos, err)
		}
		rec.Position = pos
		if err := apply(rec); err != nil {
			return err
		}
	}
}

// Close flushes and releases the file. Calling Close twice is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.syncLocked()
	if closeErr := l.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Remove closes the log and deletes its file.
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("wal: remove: %w", err)
	}
	return nil
}
