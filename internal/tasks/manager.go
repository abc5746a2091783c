package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taskbot/pkg/logx"
)

// Manager is the only component that touches both the persisted
// definitions and the live scheduler, keeping the two consistent.
// Mutations persist first, then apply live; a persistence failure is
// reported to the caller but does not roll back the live change.
type Manager struct {
	log      logx.Logger
	registry *Registry
	store    *Store
	sched    *Scheduler
	clk      Clock

	idSeq atomic.Uint64

	mu sync.Mutex
	// applied records the content hash of each definition currently
	// driving a live recurring schedule, so reconciliation after a
	// file edit only touches tasks that actually changed.
	applied map[string]uint64
}

// TaskInfo is the operator-facing view of one definition.
type TaskInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Kind        Kind   `json:"kind"`
	Enabled     bool   `json:"enabled"`
	Running     bool   `json:"running"`
}

type ManagerOption func(*Manager)

func WithManagerClock(clk Clock) ManagerOption {
	return func(m *Manager) {
		if clk != nil {
			m.clk = clk
		}
	}
}

func NewManager(log logx.Logger, registry *Registry, store *Store, sched *Scheduler, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:      log.With(logx.String("comp", "taskmanager")),
		registry: registry,
		store:    store,
		sched:    sched,
		clk:      systemClock{},
		applied:  make(map[string]uint64),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RegisterCallback binds a name usable from task definitions.
func (m *Manager) RegisterCallback(name string, fn Callback) {
	m.registry.Register(name, fn)
	m.log.Info("callback registered", logx.String("name", name))
}

// StartTasks schedules and starts every enabled persisted definition.
// A definition that cannot be resolved or scheduled is logged and
// skipped; it never blocks its siblings. One-shot definitions are not
// bulk-started: they are scheduled directly when requested.
func (m *Manager) StartTasks() (started, skipped int) {
	defs := m.store.Definitions()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, def := range defs {
		if !def.Enabled {
			m.log.Debug("task disabled; not scheduling", logx.String("task_id", def.ID))
			continue
		}
		if def.Kind == KindWait {
			continue
		}
		if err := m.applyLocked(def); err != nil {
			skipped++
			m.log.Error("task skipped",
				logx.String("task_id", def.ID),
				logx.String("callback", def.Callback),
				logx.Err(err))
			continue
		}
		started++
	}

	m.log.Info("tasks started",
		logx.Int("started", started),
		logx.Int("skipped", skipped),
		logx.Int("total", len(defs)))
	return started, skipped
}

// applyLocked resolves, (re)registers and starts one recurring
// definition. Re-registering an id replaces the prior timer.
func (m *Manager) applyLocked(def Definition) error {
	cb, err := m.registry.Resolve(def.Callback)
	if err != nil {
		return err
	}
	if err := m.sched.ScheduleDefinition(def, cb); err != nil {
		return err
	}
	m.sched.Start(def.ID)
	m.applied[def.ID] = defHash(def)
	return nil
}

// AddTask validates, persists and (when enabled) schedules and starts
// a definition. A missing id is generated. Invalid parameters are
// rejected before anything is persisted.
func (m *Manager) AddTask(def Definition) (string, error) {
	if def.ID == "" {
		def.ID = m.nextID()
	}
	if err := def.Validate(); err != nil {
		return "", err
	}

	persistErr := m.store.Upsert(def)

	var liveErr error
	if def.Enabled {
		if def.Kind == KindWait {
			liveErr = m.scheduleWaitWithCleanup(def)
		} else {
			m.mu.Lock()
			liveErr = m.applyLocked(def)
			m.mu.Unlock()
		}
	}
	return def.ID, errors.Join(persistErr, liveErr)
}

// RemoveTask cancels any live timer and deletes the persisted
// definition. Unknown ids report ErrNotFound.
func (m *Manager) RemoveTask(id string) error {
	live := m.sched.Remove(id)

	m.mu.Lock()
	delete(m.applied, id)
	m.mu.Unlock()

	found, err := m.store.Remove(id)
	if !live && !found {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return err
}

// UpdateTask merges the patch into the persisted definition and
// applies the result to the live schedule: re-resolving the current
// persisted parameters, so a restart never runs with stale ones. A
// newly disabled task is stopped instead. Returns found=false, with
// the file untouched, for an unknown id.
func (m *Manager) UpdateTask(id string, enabled *bool, patch map[string]any) (bool, error) {
	def, found, persistErr := m.store.Update(id, enabled, patch)
	if !found {
		return false, nil
	}

	if def.Kind == KindWait {
		// Pending one-shots are not retimed by an update; disabling
		// cancels the pending fire.
		if !def.Enabled {
			m.sched.Remove(id)
		}
		return true, persistErr
	}

	if !def.Enabled {
		m.sched.Stop(id)
		m.mu.Lock()
		delete(m.applied, id)
		m.mu.Unlock()
		return true, persistErr
	}

	if err := def.Validate(); err != nil {
		return true, errors.Join(persistErr, err)
	}

	m.mu.Lock()
	liveErr := m.applyLocked(def)
	m.mu.Unlock()
	return true, errors.Join(persistErr, liveErr)
}

// Toggle flips only the enabled flag.
func (m *Manager) Toggle(id string, enabled bool) (bool, error) {
	return m.UpdateTask(id, &enabled, nil)
}

// AddOneShot schedules a wait task immediately and appends a matching
// definition to the store so operators can see the pending fire. The
// definition is removed again when the task fires; cancelling goes
// through RemoveTask, which deletes both sides.
func (m *Manager) AddOneShot(callbackName string, delay time.Duration, description string, args map[string]any) (string, error) {
	if delay < 0 {
		return "", scheduleErrorf("delay must be >= 0")
	}
	if _, err := m.registry.Resolve(callbackName); err != nil {
		return "", err
	}

	id := m.nextID()
	params := make(map[string]any, len(args)+4)
	for k, v := range args {
		params[k] = v
	}
	h := int(delay / time.Hour)
	mm := int(delay % time.Hour / time.Minute)
	ss := int(delay % time.Minute / time.Second)
	params["hours"] = h
	params["minutes"] = mm
	params["seconds"] = ss
	params["created_at"] = m.clk.Now().Format(time.RFC3339)

	def := Definition{
		ID:          id,
		Kind:        KindWait,
		Callback:    callbackName,
		Description: description,
		Enabled:     true,
		Parameters:  params,
	}

	if err := m.scheduleWaitWithCleanup(def); err != nil {
		return "", err
	}
	if err := m.store.Upsert(def); err != nil {
		return id, err
	}
	return id, nil
}

// scheduleWaitWithCleanup starts a one-shot whose persisted definition
// disappears once it fires, whether or not the callback succeeded.
func (m *Manager) scheduleWaitWithCleanup(def Definition) error {
	cb, err := m.registry.Resolve(def.Callback)
	if err != nil {
		return err
	}
	id := def.ID
	wrapped := func(ctx context.Context, args map[string]any) error {
		cbErr := cb(ctx, args)
		if _, rmErr := m.store.Remove(id); rmErr != nil {
			m.log.Warn("fired one-shot left in store",
				logx.String("task_id", id),
				logx.Err(rmErr))
		}
		return cbErr
	}
	return m.sched.scheduleWaitNamed(id, def.Callback, wrapped, def.Parameters)
}

// List returns the operator view of every persisted definition.
func (m *Manager) List() []TaskInfo {
	defs := m.store.Definitions()
	out := make([]TaskInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, TaskInfo{
			ID:          d.ID,
			Description: d.Description,
			Kind:        d.Kind,
			Enabled:     d.Enabled,
			Running:     m.sched.IsRunning(d.ID),
		})
	}
	return out
}

// Reload reconciles live schedules with an externally edited
// definition list: removed or disabled tasks are stopped, new or
// changed enabled ones are (re)scheduled, unchanged ones are left
// running.
func (m *Manager) Reload(defs []Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]Definition, len(defs))
	for _, d := range defs {
		want[d.ID] = d
	}

	for id := range m.applied {
		d, ok := want[id]
		if ok && d.Enabled && d.Kind.Recurring() {
			continue
		}
		m.sched.Remove(id)
		delete(m.applied, id)
		m.log.Info("task retired by file edit", logx.String("task_id", id))
	}

	for id, d := range want {
		if !d.Enabled || !d.Kind.Recurring() {
			continue
		}
		if prev, ok := m.applied[id]; ok && prev == defHash(d) && m.sched.IsRunning(id) {
			continue
		}
		if err := m.applyLocked(d); err != nil {
			m.log.Error("edited task not applied",
				logx.String("task_id", id),
				logx.Err(err))
			continue
		}
		m.log.Info("task applied from file edit", logx.String("task_id", id))
	}
}

// StopAll cancels every live schedule. Persisted definitions are left
// alone, including pending one-shots, so they stay visible after a
// shutdown.
func (m *Manager) StopAll() {
	m.sched.StopAll()
	m.mu.Lock()
	m.applied = make(map[string]uint64)
	m.mu.Unlock()
}

func (m *Manager) nextID() string {
	for {
		id := fmt.Sprintf("task_%d", m.idSeq.Add(1))
		if _, exists := m.store.Get(id); exists {
			continue
		}
		if m.sched.Has(id) {
			continue
		}
		return id
	}
}

func defHash(d Definition) uint64 {
	b, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return hashContent(b)
}
