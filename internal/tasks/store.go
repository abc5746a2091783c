package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskbot/pkg/logx"
)

type fileDoc struct {
	Tasks []Definition `json:"tasks"`
}

// Store is the durable, human-editable source of truth for task
// definitions. It is the sole writer of the backing file; every
// mutation rewrites the whole file atomically (write temp, rename) so
// a crash mid-write leaves either the old or the new content, never a
// truncated one.
type Store struct {
	path string
	log  logx.Logger

	mu   sync.Mutex
	defs []Definition

	// lastHash is the content hash of the last load or save, used by
	// Watch to tell our own writes apart from external edits.
	lastHash uint64
}

func NewStore(path string, log logx.Logger) *Store {
	return &Store{
		path: path,
		log:  log.With(logx.String("comp", "taskstore")),
	}
}

func (s *Store) Path() string { return s.path }

// Load reads the backing file. A missing file is created with an
// empty task list. A file that cannot be parsed even by the lenient
// pass yields an empty in-memory list and an ErrParse-wrapped error;
// the caller keeps running without scheduled tasks.
func (s *Store) Load() ([]Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.defs = nil
		if werr := s.writeLocked(); werr != nil {
			return nil, werr
		}
		s.log.Info("task file created", logx.String("path", s.path))
		return nil, nil
	}
	if err != nil {
		s.defs = nil
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	defs, err := decodeDefinitions(raw)
	if err != nil {
		s.defs = nil
		return nil, err
	}

	s.defs = dedupeByID(defs, s.log)
	s.lastHash = hashContent(raw)
	return cloneDefinitions(s.defs), nil
}

func decodeDefinitions(raw []byte) ([]Definition, error) {
	var doc fileDoc
	if err := decodeRelaxed(raw, &doc); err != nil {
		return nil, err
	}
	return doc.Tasks, nil
}

// dedupeByID keeps the last occurrence of each id, matching upsert
// semantics for hand-edited duplicates.
func dedupeByID(defs []Definition, log logx.Logger) []Definition {
	seen := make(map[string]int, len(defs))
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if idx, dup := seen[d.ID]; dup {
			log.Warn("duplicate task id in file; keeping last",
				logx.String("task_id", d.ID))
			out[idx] = d
			continue
		}
		seen[d.ID] = len(out)
		out = append(out, d)
	}
	return out
}

// Definitions returns a copy of the current in-memory list.
func (s *Store) Definitions() []Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDefinitions(s.defs)
}

func (s *Store) Get(id string) (Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.ID == id {
			return d.Clone(), true
		}
	}
	return Definition{}, false
}

// Upsert replaces the definition with a matching id or appends it,
// then persists. On a write failure the in-memory mutation stands and
// the error reports the durability gap.
func (s *Store) Upsert(def Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def = def.Clone()
	replaced := false
	for i, d := range s.defs {
		if d.ID == def.ID {
			s.defs[i] = def
			replaced = true
			break
		}
	}
	if !replaced {
		s.defs = append(s.defs, def)
	}
	return s.writeLocked()
}

// Remove deletes the definition with the given id. An unknown id is a
// no-op, not an error, and does not rewrite the file.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, d := range s.defs {
		if d.ID == id {
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			return true, s.writeLocked()
		}
	}
	return false, nil
}

// Update merges the patch into the definition's parameters (shallow,
// new keys overwrite old) and/or flips the enabled flag. An unknown id
// returns found=false and leaves the file untouched.
func (s *Store) Update(id string, enabled *bool, patch map[string]any) (Definition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.defs {
		if s.defs[i].ID != id {
			continue
		}
		if enabled != nil {
			s.defs[i].Enabled = *enabled
		}
		if len(patch) > 0 {
			if s.defs[i].Parameters == nil {
				s.defs[i].Parameters = make(map[string]any, len(patch))
			}
			for k, v := range patch {
				s.defs[i].Parameters[k] = v
			}
		}
		updated := s.defs[i].Clone()
		return updated, true, s.writeLocked()
	}
	return Definition{}, false, nil
}

// Save persists the current in-memory list.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

func (s *Store) writeLocked() error {
	doc := fileDoc{Tasks: s.defs}
	if doc.Tasks == nil {
		doc.Tasks = []Definition{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	s.lastHash = hashContent(data)
	return nil
}

// Watch reloads the file on external edits and reports the new
// definition list. The store's own saves are recognized by content
// hash and skipped. Returns on context cancellation or watcher
// failure; run it under a restarting supervisor.
func (s *Store) Watch(ctx context.Context, onChange func([]Definition)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		s.mu.Lock()
		raw, err := os.ReadFile(s.path)
		if err != nil {
			s.mu.Unlock()
			s.log.Warn("task file reload failed", logx.Err(err))
			return
		}
		if h := hashContent(raw); h == s.lastHash {
			s.mu.Unlock()
			return
		}
		defs, err := decodeDefinitions(raw)
		if err != nil {
			s.mu.Unlock()
			s.log.Warn("task file edit rejected", logx.Err(err))
			return
		}
		s.defs = dedupeByID(defs, s.log)
		s.lastHash = hashContent(raw)
		snapshot := cloneDefinitions(s.defs)
		s.mu.Unlock()

		s.log.Info("task file reloaded", logx.Int("tasks", len(snapshot)))
		if onChange != nil {
			onChange(snapshot)
		}
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(200*time.Millisecond, reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("task file watcher closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return errors.New("task file watcher closed")
			}
			if werr != nil {
				s.log.Warn("task file watch error", logx.Err(werr))
			}
		}
	}
}

func cloneDefinitions(defs []Definition) []Definition {
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Clone())
	}
	return out
}

func hashContent(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
