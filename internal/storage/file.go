package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "weekplan/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.json    (current task set, atomic rename write)
//   - <prefix>.history.jsonl (append-only archive records)
//   - <prefix>.report.json   (latest allocation report)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	tasksPath   string
	historyPath string
	reportPath  string

	historyFile *os.File
	nextID      int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		tasksPath:   prefix + ".tasks.json",
		historyPath: prefix + ".history.jsonl",
		reportPath:  prefix + ".report.json",
		nextID:      1,
	}

	// Replay history once to learn the next archive ID.
	archives, err := readArchives(s.historyPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, a := range archives {
		if a.ID >= s.nextID {
			s.nextID = a.ID + 1
		}
	}

	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.historyFile = hf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return nil
	}
	err := s.historyFile.Close()
	s.historyFile = nil
	return err
}

func (s *fileStore) CurrentTaskSet(ctx context.Context) (json.RawMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return readJSONFile(s.tasksPath)
}

func (s *fileStore) ReplaceTaskSet(ctx context.Context, tasks json.RawMessage) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("store closed")
	}

	prev, err := readJSONFile(s.tasksPath)
	if err != nil {
		return err
	}
	if prev != nil {
		a := Archive{ID: s.nextID, ArchivedAt: time.Now().UTC(), Tasks: prev}
		if err := json.NewEncoder(s.historyFile).Encode(a); err != nil {
			return err
		}
		s.nextID++
	}
	return writeJSONFile(s.tasksPath, tasks)
}

func (s *fileStore) History(ctx context.Context, limit int) ([]Archive, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	archives, err := readArchives(s.historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	// newest first
	for i, j := 0, len(archives)-1; i < j; i, j = i+1, j-1 {
		archives[i], archives[j] = archives[j], archives[i]
	}
	if limit > 0 && len(archives) > limit {
		archives = archives[:limit]
	}
	return archives, nil
}

func (s *fileStore) PruneHistory(ctx context.Context, keep int) error {
	_ = ctx
	if keep <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("store closed")
	}

	archives, err := readArchives(s.historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(archives) <= keep {
		return nil
	}
	archives = archives[len(archives)-keep:]

	// Rewrite through a temp file, then swap the append handle.
	tmp := s.historyPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, a := range archives {
		if err := enc.Encode(a); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.historyPath); err != nil {
		return err
	}
	_ = s.historyFile.Close()
	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.historyFile = nil
		return err
	}
	s.historyFile = hf
	return nil
}

func (s *fileStore) SaveReport(ctx context.Context, report json.RawMessage) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONFile(s.reportPath, report)
}

func (s *fileStore) LatestReport(ctx context.Context) (json.RawMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return readJSONFile(s.reportPath)
}

func readJSONFile(path string) (json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return json.RawMessage(b), nil
}

func writeJSONFile(path string, data json.RawMessage) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readArchives(path string) ([]Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Archive
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var a Archive
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, sc.Err()
}
