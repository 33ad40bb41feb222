package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/wal"
)

const (
	recordEntry    = "entry"
	transcriptFile = "transcript.wal"
)

// FileStore persists every transcript in its own write-ahead log under
// root/<id>/transcript.wal, so transcripts survive restarts.
type FileStore struct {
	root string
	opts []wal.Option

	mu     sync.Mutex
	logs   map[string]*wal.Log
	closed bool
}

// NewFileStore creates the root directory when missing.
func NewFileStore(root string, opts ...wal.Option) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("session: store root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir store root: %w", err)
	}
	return &FileStore{
		root: abs,
		opts: append([]wal.Option(nil), opts...),
		logs: make(map[string]*wal.Log),
	}, nil
}

// Load replays the transcript log of id.
func (f *FileStore) Load(id string) ([]model.Entry, error) {
	log, err := f.open(id)
	if err != nil {
		return nil, err
	}
	var entries []model.Entry
	err = log.Replay(func(rec wal.Record) error {
		if rec.Kind != recordEntry {
			return fmt.Errorf("session: unknown wal record %s", rec.Kind)
		}
		var e model.Entry
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			return fmt.Errorf("session: decode entry %d: %w", rec.Position, err)
		}
		e.Time = e.Time.UTC()
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Append writes entries and syncs once.
func (f *FileStore) Append(id string, entries ...model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	log, err := f.open(id)
	if err != nil {
		return err
	}
	payloads := make([][]byte, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("session: encode entry: %w", err)
		}
		payloads = append(payloads, data)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, data := range payloads {
		if _, err := log.Append(recordEntry, data); err != nil {
			return err
		}
	}
	return log.Sync()
}

// Delete removes the transcript of id from disk.
func (f *FileStore) Delete(id string) error {
	dir, err := f.dir(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}
	if log, ok := f.logs[id]; ok {
		_ = log.Close()
		delete(f.logs, id)
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	return nil
}

// Sessions lists the ids that have a transcript on disk.
func (f *FileStore) Sessions() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.root, e.Name(), transcriptFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes every open log.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	for id, log := range f.logs {
		if err := log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close %s: %w", id, err))
		}
	}
	f.logs = nil
	return errors.Join(errs...)
}

func (f *FileStore) open(id string) (*wal.Log, error) {
	dir, err := f.dir(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrStoreClosed
	}
	if log, ok := f.logs[id]; ok {
		return log, nil
	}
	log, err := wal.Open(filepath.Join(dir, transcriptFile), f.opts...)
	if err != nil {
		return nil, err
	}
	f.logs[id] = log
	return log, nil
}

func (f *FileStore) dir(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	full := filepath.Clean(filepath.Join(f.root, id))
	if !strings.HasPrefix(full, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s escapes store root", ErrInvalidSessionID, id)
	}
	return full, nil
}
