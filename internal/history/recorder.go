package history

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"taskbot/internal/eventbus"
	"taskbot/pkg/logx"
)

// Recorder turns task lifecycle events into journal entries. It runs
// as a background loop; an Append failure is logged and the loop keeps
// consuming so the scheduler is never back-pressured.
type Recorder struct {
	log   logx.Logger
	bus   *eventbus.Bus
	store Store
}

func NewRecorder(log logx.Logger, bus *eventbus.Bus, store Store) *Recorder {
	return &Recorder{
		log:   log.With(logx.String("comp", "recorder")),
		bus:   bus,
		store: store,
	}
}

func (r *Recorder) Run(ctx context.Context) error {
	ch, cancel := r.bus.Subscribe(64, eventbus.TopicTaskFired, eventbus.TopicTaskFailed)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return errors.New("event stream closed")
			}
			run := Run{
				ID:        uuid.NewString(),
				TaskID:    ev.TaskID,
				Callback:  ev.Callback,
				Kind:      ev.Kind,
				StartedAt: ev.At,
				Duration:  ev.Duration,
				Status:    StatusOK,
			}
			if ev.Topic == eventbus.TopicTaskFailed {
				run.Status = StatusError
				run.Error = ev.Err
			}
			if err := r.store.Append(ctx, run); err != nil {
				r.log.Warn("task run not journaled",
					logx.String("task_id", run.TaskID),
					logx.Err(err))
			}
		}
	}
}
