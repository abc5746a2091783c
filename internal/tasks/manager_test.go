package tasks

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbot/internal/gateway"
	"taskbot/pkg/logx"
)

type managerFixture struct {
	clk   *fakeClock
	reg   *Registry
	store *Store
	sched *Scheduler
	mgr   *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	gate := gateway.NewGate()
	gate.SetReady()

	reg := NewRegistry()
	store := NewStore(filepath.Join(t.TempDir(), "tasks.json"), logx.Nop())
	sched := NewScheduler(logx.Nop(), WithClock(clk), WithGate(gate), WithTimezone("UTC"))
	t.Cleanup(sched.StopAll)

	mgr := NewManager(logx.Nop(), reg, store, sched, WithManagerClock(clk))
	return &managerFixture{clk: clk, reg: reg, store: store, sched: sched, mgr: mgr}
}

func TestStartTasksIsolatesBadDefinitions(t *testing.T) {
	f := newManagerFixture(t)

	var fires atomic.Int64
	f.mgr.RegisterCallback("tick", countingCallback(&fires))

	content := `{"tasks": [
		{"id": "ok", "task_type": "interval", "callback": "tick", "enabled": true,
		 "parameters": {"minutes": 1}},
		{"id": "off", "task_type": "interval", "callback": "tick", "enabled": false,
		 "parameters": {"minutes": 1}},
		{"id": "ghost", "task_type": "interval", "callback": "no_such_callback", "enabled": true,
		 "parameters": {"minutes": 1}},
		{"id": "broken", "task_type": "interval", "callback": "tick", "enabled": true,
		 "parameters": {"hours": 0}},
		{"id": "pending", "task_type": "wait", "callback": "tick", "enabled": true,
		 "parameters": {"minutes": 5}}
	]}`
	require.NoError(t, os.WriteFile(f.store.Path(), []byte(content), 0o644))
	_, err := f.store.Load()
	require.NoError(t, err)

	started, skipped := f.mgr.StartTasks()
	assert.Equal(t, 1, started)
	assert.Equal(t, 2, skipped)

	assert.True(t, f.sched.IsRunning("ok"))
	assert.False(t, f.sched.Has("off"))
	assert.False(t, f.sched.Has("ghost"))
	assert.False(t, f.sched.Has("broken"))
	assert.False(t, f.sched.Has("pending"), "one-shots are not bulk-started")

	f.clk.BlockUntil(t, 1)
	f.clk.Advance(time.Minute)
	f.clk.BlockUntil(t, 1)
	assert.EqualValues(t, 1, fires.Load())
}

func TestAddTaskPersistsAndStarts(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	var fires atomic.Int64
	f.mgr.RegisterCallback("tick", countingCallback(&fires))

	id, err := f.mgr.AddTask(Definition{
		Kind:       KindInterval,
		Callback:   "tick",
		Enabled:    true,
		Parameters: map[string]any{"seconds": 45},
	})
	require.NoError(t, err)
	assert.Equal(t, "task_1", id, "generated ids follow the task_<n> counter")

	_, found := f.store.Get(id)
	assert.True(t, found)
	assert.True(t, f.sched.IsRunning(id))

	f.clk.BlockUntil(t, 1)
	f.clk.Advance(45 * time.Second)
	f.clk.BlockUntil(t, 1)
	assert.EqualValues(t, 1, fires.Load())
}

func TestAddTaskRejectsInvalidBeforePersisting(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	_, err = f.mgr.AddTask(Definition{
		Kind:       KindInterval,
		Callback:   "tick",
		Enabled:    true,
		Parameters: map[string]any{"hours": 0, "minutes": 0, "seconds": 0},
	})
	require.ErrorIs(t, err, ErrBadSchedule)
	assert.Empty(t, f.store.Definitions(), "rejected definitions must not be persisted")
}

func TestDisableStopsFiring(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	var fires atomic.Int64
	f.mgr.RegisterCallback("tick", countingCallback(&fires))

	id, err := f.mgr.AddTask(Definition{
		ID: "t1", Kind: KindInterval, Callback: "tick", Enabled: true,
		Parameters: map[string]any{"minutes": 1},
	})
	require.NoError(t, err)

	f.clk.BlockUntil(t, 1)
	f.clk.Advance(time.Minute)
	f.clk.BlockUntil(t, 1)
	require.EqualValues(t, 1, fires.Load())

	found, err := f.mgr.Toggle(id, false)
	require.NoError(t, err)
	require.True(t, found)

	// Advance past several would-be firing instants.
	for i := 0; i < 3; i++ {
		f.clk.Advance(time.Minute)
	}
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, fires.Load())

	def, ok := f.store.Get(id)
	require.True(t, ok)
	assert.False(t, def.Enabled, "disabled flag must be persisted")
}

func TestUpdateTaskRestartsWithFreshParameters(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	var fires atomic.Int64
	f.mgr.RegisterCallback("tick", countingCallback(&fires))

	_, err = f.mgr.AddTask(Definition{
		ID: "t1", Kind: KindInterval, Callback: "tick", Enabled: true,
		Parameters: map[string]any{"minutes": 10},
	})
	require.NoError(t, err)
	f.clk.BlockUntil(t, 1)

	// Shrink the period; the restart must pick up the persisted value.
	found, err := f.mgr.UpdateTask("t1", nil, map[string]any{"minutes": 1})
	require.NoError(t, err)
	require.True(t, found)

	// Five simulated minutes are far short of the old ten-minute
	// period, so any fire proves the fresh parameters took effect.
	fired := false
	for i := 0; i < 5 && !fired; i++ {
		f.clk.Advance(time.Minute)
		time.Sleep(5 * time.Millisecond)
		fired = fires.Load() >= 1
	}
	assert.True(t, fired, "updated task must fire on the new one-minute period")
}

func TestUpdateUnknownTaskLeavesFileIdentical(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)
	// A disabled definition persists without being scheduled, so the
	// unregistered callback name is not an error here.
	_, err = f.mgr.AddTask(Definition{
		ID: "t1", Kind: KindWait, Callback: "x", Enabled: false,
		Parameters: map[string]any{"minutes": 5},
	})
	require.NoError(t, err)

	before, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)

	found, err := f.mgr.UpdateTask("ghost", nil, map[string]any{"minutes": 1})
	require.NoError(t, err)
	assert.False(t, found)

	after, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemoveTask(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	var fires atomic.Int64
	f.mgr.RegisterCallback("tick", countingCallback(&fires))
	id, err := f.mgr.AddTask(Definition{
		Kind: KindInterval, Callback: "tick", Enabled: true,
		Parameters: map[string]any{"minutes": 1},
	})
	require.NoError(t, err)
	f.clk.BlockUntil(t, 1)

	require.NoError(t, f.mgr.RemoveTask(id))
	assert.False(t, f.sched.Has(id))
	_, found := f.store.Get(id)
	assert.False(t, found)

	require.ErrorIs(t, f.mgr.RemoveTask(id), ErrNotFound)
}

func TestAddOneShotLifecycle(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	fired := make(chan map[string]any, 1)
	f.mgr.RegisterCallback("send_reminder", func(ctx context.Context, args map[string]any) error {
		fired <- args
		return nil
	})

	id, err := f.mgr.AddOneShot("send_reminder", 90*time.Minute, "Reminder: stretch", map[string]any{
		"message": "stretch",
	})
	require.NoError(t, err)

	// Pending one-shots are visible to operators.
	def, found := f.store.Get(id)
	require.True(t, found)
	assert.Equal(t, KindWait, def.Kind)
	assert.EqualValues(t, 1, def.Parameters["hours"])
	assert.EqualValues(t, 30, def.Parameters["minutes"])
	assert.Contains(t, def.Parameters, "created_at")
	assert.True(t, f.sched.IsRunning(id))

	f.clk.BlockUntil(t, 1)
	f.clk.Advance(90 * time.Minute)

	args := <-fired
	assert.Equal(t, "stretch", args["message"])

	// Fired one-shots vanish from both the live set and the store.
	require.Eventually(t, func() bool {
		_, still := f.store.Get(id)
		return !still && !f.sched.Has(id)
	}, time.Second, time.Millisecond)
}

func TestAddOneShotCancelRemovesDefinition(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	var fires atomic.Int64
	f.mgr.RegisterCallback("send_reminder", countingCallback(&fires))

	id, err := f.mgr.AddOneShot("send_reminder", time.Hour, "", nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.RemoveTask(id))
	_, found := f.store.Get(id)
	assert.False(t, found)

	f.clk.Advance(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, fires.Load(), "cancelled one-shot must never fire")
}

func TestAddOneShotUnknownCallback(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	_, err = f.mgr.AddOneShot("nope", time.Minute, "", nil)
	require.ErrorIs(t, err, ErrUnknownCallback)
	assert.Empty(t, f.store.Definitions())
}

func TestListReflectsStoreAndLiveState(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	var fires atomic.Int64
	f.mgr.RegisterCallback("tick", countingCallback(&fires))

	_, err = f.mgr.AddTask(Definition{
		ID: "on", Kind: KindInterval, Callback: "tick", Enabled: true,
		Description: "running one",
		Parameters:  map[string]any{"minutes": 1},
	})
	require.NoError(t, err)
	_, err = f.mgr.AddTask(Definition{
		ID: "off", Kind: KindInterval, Callback: "tick", Enabled: false,
		Description: "parked one",
		Parameters:  map[string]any{"minutes": 1},
	})
	require.NoError(t, err)

	infos := f.mgr.List()
	require.Len(t, infos, 2)
	byID := map[string]TaskInfo{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.True(t, byID["on"].Enabled)
	assert.True(t, byID["on"].Running)
	assert.Equal(t, "running one", byID["on"].Description)
	assert.False(t, byID["off"].Enabled)
	assert.False(t, byID["off"].Running)
}

func TestReloadReconcilesEditedFile(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Load()
	require.NoError(t, err)

	var oldFires, newFires atomic.Int64
	f.mgr.RegisterCallback("old_cb", countingCallback(&oldFires))
	f.mgr.RegisterCallback("new_cb", countingCallback(&newFires))

	_, err = f.mgr.AddTask(Definition{
		ID: "keep", Kind: KindInterval, Callback: "old_cb", Enabled: true,
		Parameters: map[string]any{"minutes": 1},
	})
	require.NoError(t, err)
	_, err = f.mgr.AddTask(Definition{
		ID: "drop", Kind: KindInterval, Callback: "old_cb", Enabled: true,
		Parameters: map[string]any{"minutes": 1},
	})
	require.NoError(t, err)
	f.clk.BlockUntil(t, 2)

	// Simulates a human edit: "drop" is gone, "keep" switches callback,
	// "added" is new.
	edited := []Definition{
		{ID: "keep", Kind: KindInterval, Callback: "new_cb", Enabled: true,
			Parameters: map[string]any{"minutes": 1.0}},
		{ID: "added", Kind: KindInterval, Callback: "new_cb", Enabled: true,
			Parameters: map[string]any{"minutes": 1.0}},
	}
	f.mgr.Reload(edited)

	assert.False(t, f.sched.Has("drop"))
	assert.True(t, f.sched.IsRunning("keep"))
	assert.True(t, f.sched.IsRunning("added"))

	done := false
	for i := 0; i < 50 && !done; i++ {
		f.clk.Advance(time.Minute)
		time.Sleep(5 * time.Millisecond)
		done = newFires.Load() >= 2
	}
	assert.True(t, done, "both reconciled tasks must fire on the new callback")
	assert.EqualValues(t, 0, oldFires.Load(), "retired registrations must stay silent")
}
