package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstError(t *testing.T) {
	s := New(context.Background())
	boom := errors.New("boom")

	s.Go("a", func(ctx context.Context) error { return boom })
	s.Go("b", func(ctx context.Context) error { return nil })

	// Stop surfaces the first recorded error.
	assert.ErrorIs(t, s.Stop(context.Background()), boom)
	assert.ErrorIs(t, s.Err(), boom)
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())

	s.Go("panics", func(ctx context.Context) error {
		panic("kaput")
	})

	require.Error(t, s.Stop(context.Background()))
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "kaput")
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("fails", func(ctx context.Context) error {
		return errors.New("fatal")
	})
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, s.Wait(waitCtx))
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())

	var attempts atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	s := New(context.Background())

	s.GoRestart("loops", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Minute):
			return errors.New("unexpected wake")
		}
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
}
