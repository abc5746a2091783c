package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"taskbot/pkg/logx"
)

const (
	runsFileName = "runs.jsonl"

	// compactEvery appends trigger a rewrite keeping the newest
	// keepRuns entries, so the journal never grows without bound.
	compactEvery = 4096
	keepRuns     = 1024
)

// fileStore appends runs as JSON lines under dir and compacts the file
// with a write-temp-then-rename pass once it grows past the threshold.
type fileStore struct {
	dir  string
	path string
	log  logx.Logger

	mu       sync.Mutex
	f        *os.File
	appended int
}

func newFileStore(dir string, log logx.Logger) (*fileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	path := filepath.Join(dir, runsFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history file: %w", err)
	}
	return &fileStore{
		dir:  dir,
		path: path,
		log:  log.With(logx.String("comp", "history")),
		f:    f,
	}, nil
}

func (s *fileStore) Append(ctx context.Context, run Run) error {
	line, err := json.Marshal(run)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("history store closed")
	}
	if _, err := s.f.Write(line); err != nil {
		return err
	}
	s.appended++
	if s.appended >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("history compaction failed", logx.Err(err))
		}
		s.appended = 0
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	// Newest first.
	out := make([]Run, 0, limit)
	for i := len(runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, runs[i])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) readAllLocked() ([]Run, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var runs []Run
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var run Run
		if err := json.Unmarshal(line, &run); err != nil {
			// A torn tail line from a crash is dropped, not fatal.
			s.log.Warn("skipping corrupt history line", logx.Err(err))
			continue
		}
		runs = append(runs, run)
	}
	return runs, sc.Err()
}

func (s *fileStore) compactLocked() error {
	runs, err := s.readAllLocked()
	if err != nil {
		return err
	}
	if len(runs) > keepRuns {
		runs = runs[len(runs)-keepRuns:]
	}

	tmp, err := os.CreateTemp(s.dir, runsFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, run := range runs {
		line, err := json.Marshal(run)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	// Swap the live file under the rename, then reopen for append.
	if err := s.f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		// Reopen the old file so appends keep working.
		f, oerr := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if oerr != nil {
			s.f = nil
			s.log.Error("history journal unavailable; appends will fail until restart",
				logx.Err(oerr))
			return err
		}
		s.f = f
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.f = nil
		s.log.Error("history journal unavailable; appends will fail until restart",
			logx.Err(err))
		return err
	}
	s.f = f
	s.log.Debug("history compacted", logx.Int("kept", len(runs)))
	return nil
}
