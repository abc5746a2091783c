package announce

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbot/pkg/logx"
)

type fakeMessenger struct {
	mu    sync.Mutex
	sends []sentMessage
	err   error
}

type sentMessage struct {
	channel string
	text    string
}

func (f *fakeMessenger) Send(ctx context.Context, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, sentMessage{channel: channel, text: text})
	return nil
}

func (f *fakeMessenger) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sends...)
}

func testAnnouncer(msgr *fakeMessenger) *Announcer {
	return New(logx.Nop(), msgr, Config{
		AnnounceChannel: "general",
		ReminderChannel: "reminders",
		RatePerSec:      1000,
		Burst:           10,
	})
}

func TestSendReminderFormatsMessage(t *testing.T) {
	msgr := &fakeMessenger{}
	a := testAnnouncer(msgr)

	err := a.SendReminder(context.Background(), map[string]any{
		"message": "water the plants",
		"user":    "sam",
	})
	require.NoError(t, err)

	sends := msgr.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "reminders", sends[0].channel)
	assert.Equal(t, "@sam Reminder: water the plants", sends[0].text)
}

func TestSendReminderRequiresMessage(t *testing.T) {
	msgr := &fakeMessenger{}
	a := testAnnouncer(msgr)

	err := a.SendReminder(context.Background(), nil)
	require.Error(t, err)
	assert.Empty(t, msgr.sent())
}

func TestSendDailyUsesOverrideMessage(t *testing.T) {
	msgr := &fakeMessenger{}
	a := testAnnouncer(msgr)

	require.NoError(t, a.SendDaily(context.Background(), map[string]any{
		"message": "Standup in 10 minutes",
	}))

	sends := msgr.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "general", sends[0].channel)
	assert.Equal(t, "Standup in 10 minutes", sends[0].text)
}

func TestSendWrapsTransportErrors(t *testing.T) {
	msgr := &fakeMessenger{err: errors.New("gateway down")}
	a := testAnnouncer(msgr)

	err := a.SendDaily(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "general")
}

func TestRateLimitRespectsContextCancel(t *testing.T) {
	msgr := &fakeMessenger{}
	// Burst 1 at a glacial refill: the second send must block, and a
	// cancelled context must release it with an error.
	a := New(logx.Nop(), msgr, Config{
		AnnounceChannel: "general",
		ReminderChannel: "reminders",
		RatePerSec:      0.0001,
		Burst:           1,
	})

	require.NoError(t, a.SendDaily(context.Background(), map[string]any{"message": "one"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.SendDaily(ctx, map[string]any{"message": "two"})
	require.Error(t, err)
	require.Len(t, msgr.sent(), 1)
}
