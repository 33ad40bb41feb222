package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	errJournalClosed = errors.New("event: journal closed")
	errJournalNil    = errors.New("event: journal is nil")
)

// FileJournal 使用 JSONL 文件持久化流事件，兼容回放与断点续播。
type FileJournal struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	fsync bool
}

// NewFileJournal 创建文件日志，必要时会创建目录。每次追加后都会 fsync。
func NewFileJournal(path string) (*FileJournal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("event: journal path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("event: create dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("event: open journal: %w", err)
	}
	if err := terminateTornLine(file); err != nil {
		_ = file.Close()
		return nil, err
	}
	return &FileJournal{path: path, file: file, fsync: true}, nil
}

// Append 追加一行事件。
func (j *FileJournal) Append(evt Event) error {
	if j == nil {
		return errJournalNil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event: marshal event: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errJournalClosed
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("event: append: %w", err)
	}
	if j.fsync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("event: sync: %w", err)
		}
	}
	return nil
}

// ReadStream 返回某个流中 Seq 大于 afterSeq 的事件，按写入顺序。
func (j *FileJournal) ReadStream(streamID string, afterSeq uint64) ([]Event, error) {
	events, err := j.readAll()
	if err != nil {
		return nil, err
	}
	var filtered []Event
	for _, evt := range events {
		if evt.StreamID == streamID && evt.Seq > afterSeq {
			filtered = append(filtered, evt)
		}
	}
	return filtered, nil
}

// Streams 列出日志中出现过的流 ID，按首次出现的顺序。
func (j *FileJournal) Streams() ([]string, error) {
	events, err := j.readAll()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, evt := range events {
		if !seen[evt.StreamID] {
			seen[evt.StreamID] = true
			ids = append(ids, evt.StreamID)
		}
	}
	return ids, nil
}

func (j *FileJournal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *FileJournal) readAll() ([]Event, error) {
	if j == nil {
		return nil, errJournalNil
	}
	j.mu.RLock()
	path := j.path
	j.mu.RUnlock()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("event: read journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1<<20)
	var events []Event
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			// 崩溃留下的半行直接跳过。
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("event: scan journal: %w", err)
	}
	return events, nil
}

// terminateTornLine 在文件末尾缺少换行时补一个，避免下一条记录拼接到半行之后。
func terminateTornLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("event: stat journal: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("event: read journal tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("event: repair journal: %w", err)
	}
	return nil
}
