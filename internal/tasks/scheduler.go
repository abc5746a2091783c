package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskbot/internal/eventbus"
	"taskbot/internal/gateway"
	"taskbot/pkg/logx"
)

// Scheduler owns all live timer state. Each running task is one
// goroutine that sleeps until its next fire time; cancellation goes
// through a per-task context so a stopped task cannot fire again even
// when its timer already expired.
//
// Every Schedule* call requires a non-empty id; registering an id a
// second time replaces the earlier entry. Callers that want generated
// ids go through the Manager, which owns the id sequence.
type Scheduler struct {
	log  logx.Logger
	bus  *eventbus.Bus
	gate *gateway.Gate
	clk  Clock
	tz   string

	mu    sync.Mutex
	tasks map[string]*scheduledTask
}

type scheduledTask struct {
	id       string
	kind     Kind
	cbName   string
	callback Callback

	sched cron.Schedule  // recurring kinds
	delay time.Duration  // wait kind
	args  map[string]any // wait kind, forwarded to the callback

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type SchedulerOption func(*Scheduler)

// WithClock substitutes the time source, used by tests.
func WithClock(clk Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// WithBus publishes task lifecycle events.
func WithBus(bus *eventbus.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

// WithGate defers the first eligibility check of recurring tasks until
// the host session is established.
func WithGate(gate *gateway.Gate) SchedulerOption {
	return func(s *Scheduler) { s.gate = gate }
}

// WithTimezone sets the zone calendar-based tasks are evaluated in.
func WithTimezone(name string) SchedulerOption {
	return func(s *Scheduler) {
		if name != "" {
			s.tz = name
		}
	}
}

func NewScheduler(log logx.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		log:   log.With(logx.String("comp", "scheduler")),
		clk:   systemClock{},
		tz:    "Local",
		tasks: make(map[string]*scheduledTask),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ---- registration ----

// ScheduleInterval registers a fixed-period task. The task is not
// started; call Start or StartAll.
func (s *Scheduler) ScheduleInterval(id string, cb Callback, params map[string]any) error {
	return s.scheduleRecurring(id, KindInterval, cb, params)
}

// ScheduleAtTime registers a once-per-day task at a wall-clock time.
func (s *Scheduler) ScheduleAtTime(id string, cb Callback, params map[string]any) error {
	return s.scheduleRecurring(id, KindTimeOfDay, cb, params)
}

// ScheduleCron registers a calendar-field-matching task.
func (s *Scheduler) ScheduleCron(id string, cb Callback, params map[string]any) error {
	return s.scheduleRecurring(id, KindCron, cb, params)
}

// ScheduleDefinition registers def with the kind-appropriate rule.
func (s *Scheduler) ScheduleDefinition(def Definition, cb Callback) error {
	switch def.Kind {
	case KindInterval, KindTimeOfDay, KindCron:
		return s.scheduleRecurringNamed(def.ID, def.Kind, def.Callback, cb, def.Parameters)
	case KindWait:
		return s.scheduleWaitNamed(def.ID, def.Callback, cb, def.Parameters)
	default:
		return scheduleErrorf("unknown task type %q", string(def.Kind))
	}
}

func (s *Scheduler) scheduleRecurring(id string, kind Kind, cb Callback, params map[string]any) error {
	return s.scheduleRecurringNamed(id, kind, "", cb, params)
}

func (s *Scheduler) scheduleRecurringNamed(id string, kind Kind, cbName string, cb Callback, params map[string]any) error {
	if id == "" {
		return scheduleErrorf("missing task id")
	}
	if cb == nil {
		return scheduleErrorf("nil callback for task %q", id)
	}
	sched, err := buildSchedule(Definition{ID: id, Kind: kind, Parameters: params}, s.tz)
	if err != nil {
		return err
	}

	t := &scheduledTask{id: id, kind: kind, cbName: cbName, callback: cb, sched: sched}

	s.mu.Lock()
	s.replaceLocked(id)
	s.tasks[id] = t
	s.mu.Unlock()

	s.log.Debug("task registered",
		logx.String("task_id", id),
		logx.String("kind", describeKind(kind)))
	return nil
}

// ScheduleWait registers a one-shot task and starts it immediately:
// its whole lifetime is the single delay-fire-remove sequence.
// Schedule-owned keys (hours/minutes/seconds) set the delay; remaining
// parameters are forwarded to the callback.
func (s *Scheduler) ScheduleWait(id string, cb Callback, params map[string]any) error {
	return s.scheduleWaitNamed(id, "", cb, params)
}

func (s *Scheduler) scheduleWaitNamed(id, cbName string, cb Callback, params map[string]any) error {
	if id == "" {
		return scheduleErrorf("missing task id")
	}
	if cb == nil {
		return scheduleErrorf("nil callback for task %q", id)
	}
	delay, err := waitDelay(params)
	if err != nil {
		return err
	}

	t := &scheduledTask{
		id:       id,
		kind:     KindWait,
		cbName:   cbName,
		callback: cb,
		delay:    delay,
		args:     waitArgs(params),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})

	s.mu.Lock()
	s.replaceLocked(id)
	s.tasks[id] = t
	s.mu.Unlock()

	go s.runWait(ctx, t)

	s.publish(eventbus.TopicTaskScheduled, t, 0, nil)
	s.log.Debug("one-shot scheduled",
		logx.String("task_id", id),
		logx.Duration("delay", delay))
	return nil
}

// replaceLocked cancels and discards any prior registration of id, so
// registering twice never produces a duplicate timer.
func (s *Scheduler) replaceLocked(id string) {
	old, ok := s.tasks[id]
	if !ok {
		return
	}
	if old.running {
		old.cancel()
		old.running = false
	}
	delete(s.tasks, id)
}

// ---- lifecycle ----

// Start launches the firing loop of a registered recurring task.
// Starting a running task is a no-op; unknown ids report false.
func (s *Scheduler) Start(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if t.kind == KindWait || t.running {
		s.mu.Unlock()
		return true
	}
	s.startLocked(t)
	s.mu.Unlock()

	s.publish(eventbus.TopicTaskScheduled, t, 0, nil)
	return true
}

func (s *Scheduler) startLocked(t *scheduledTask) {
	ctx, cancel := context.WithCancel(context.Background())
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})
	go s.runRecurring(ctx, t)
}

// Stop cancels a task's pending sleep. A stopped task does not fire
// again until restarted, even if its timer already expired. Stopping a
// pending one-shot cancels it permanently and discards it.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if t.kind == KindWait {
		if t.running {
			t.cancel()
			t.running = false
		}
		delete(s.tasks, id)
		s.mu.Unlock()
		s.publish(eventbus.TopicTaskStopped, t, 0, nil)
		return true
	}
	if t.running {
		t.cancel()
		t.running = false
	}
	s.mu.Unlock()

	s.publish(eventbus.TopicTaskStopped, t, 0, nil)
	return true
}

// Restart cancels the current cycle of a recurring task and begins a
// fresh one. Not defined for one-shot tasks.
func (s *Scheduler) Restart(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.kind == KindWait {
		s.mu.Unlock()
		return false
	}
	if t.running {
		t.cancel()
		t.running = false
	}
	s.startLocked(t)
	s.mu.Unlock()
	return true
}

// StartAll starts every registered recurring task.
func (s *Scheduler) StartAll() {
	s.mu.Lock()
	started := make([]*scheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.kind == KindWait || t.running {
			continue
		}
		s.startLocked(t)
		started = append(started, t)
	}
	s.mu.Unlock()

	for _, t := range started {
		s.publish(eventbus.TopicTaskScheduled, t, 0, nil)
	}
}

// StopAll stops every recurring task and cancels and discards all
// pending one-shots.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	stopped := make([]*scheduledTask, 0, len(s.tasks))
	for id, t := range s.tasks {
		if t.running {
			t.cancel()
			t.running = false
		}
		if t.kind == KindWait {
			delete(s.tasks, id)
		}
		stopped = append(stopped, t)
	}
	s.mu.Unlock()

	for _, t := range stopped {
		s.publish(eventbus.TopicTaskStopped, t, 0, nil)
	}
}

// Remove stops id if needed and forgets it entirely.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if t.running {
		t.cancel()
		t.running = false
	}
	delete(s.tasks, id)
	s.mu.Unlock()

	s.publish(eventbus.TopicTaskStopped, t, 0, nil)
	return true
}

// Has reports whether id is registered (running or not).
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// IsRunning reports whether id has a live firing loop.
func (s *Scheduler) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return ok && t.running
}

// ---- firing loops ----

func (s *Scheduler) runRecurring(ctx context.Context, t *scheduledTask) {
	defer close(t.done)

	// Hold the first eligibility check until the host session is up.
	// A stop during the wait must win.
	if s.gate != nil {
		select {
		case <-ctx.Done():
			return
		case <-s.gate.Ready():
		}
	}

	now := s.clk.Now()
	for {
		next := t.sched.Next(now)
		if next.IsZero() {
			s.log.Warn("task has no future fire time; stopping loop",
				logx.String("task_id", t.id))
			return
		}

		tm := s.clk.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			tm.Stop()
			return
		case <-tm.C():
			// The stop may have raced the timer; cancellation wins.
			if ctx.Err() != nil {
				return
			}
			s.invoke(ctx, t)
			now = s.clk.Now()
			if now.Before(next) {
				now = next
			}
		}
	}
}

func (s *Scheduler) runWait(ctx context.Context, t *scheduledTask) {
	defer close(t.done)
	defer func() {
		// Fired or cancelled, a one-shot leaves the live set for good.
		s.mu.Lock()
		if cur, ok := s.tasks[t.id]; ok && cur == t {
			delete(s.tasks, t.id)
		}
		s.mu.Unlock()
	}()

	tm := s.clk.NewTimer(t.delay)
	select {
	case <-ctx.Done():
		tm.Stop()
		return
	case <-tm.C():
		if ctx.Err() != nil {
			return
		}
		s.invoke(ctx, t)
	}
}

// invoke runs the callback with panic isolation. A fault inside a
// callback is logged with the task id and never reaches the loop or
// any other task.
func (s *Scheduler) invoke(ctx context.Context, t *scheduledTask) {
	started := s.clk.Now()

	defer func() {
		if r := recover(); r != nil {
			dur := s.clk.Now().Sub(started)
			s.log.Error("callback panicked",
				logx.String("task_id", t.id),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			s.publish(eventbus.TopicTaskFailed, t, dur, panicError{r})
		}
	}()

	err := t.callback(ctx, t.args)
	dur := s.clk.Now().Sub(started)
	if err != nil {
		s.log.Error("callback failed",
			logx.String("task_id", t.id),
			logx.Duration("took", dur),
			logx.Err(err))
		s.publish(eventbus.TopicTaskFailed, t, dur, err)
		return
	}
	s.log.Debug("task fired",
		logx.String("task_id", t.id),
		logx.Duration("took", dur))
	s.publish(eventbus.TopicTaskFired, t, dur, nil)
}

func (s *Scheduler) publish(topic string, t *scheduledTask, dur time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := eventbus.TaskEvent{
		Topic:    topic,
		TaskID:   t.id,
		Callback: t.cbName,
		Kind:     string(t.kind),
		At:       s.clk.Now(),
		Duration: dur,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	s.bus.Publish(ev)
}

type panicError struct {
	v any
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.v)
}
