// Package announce holds the built-in task callbacks: daily
// announcements, reminders, the role-color rotation adapter and a
// heartbeat. All outbound messages share one rate limiter so a
// misconfigured schedule cannot flood the chat host.
package announce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"taskbot/internal/gateway"
	"taskbot/internal/tasks"
	"taskbot/pkg/logx"
)

type Config struct {
	AnnounceChannel string
	ReminderChannel string
	RatePerSec      float64
	Burst           int
}

type Announcer struct {
	log     logx.Logger
	msgr    gateway.Messenger
	limiter *rate.Limiter
	cfg     Config
}

func New(log logx.Logger, msgr gateway.Messenger, cfg Config) *Announcer {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Announcer{
		log:     log.With(logx.String("comp", "announce")),
		msgr:    msgr,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cfg:     cfg,
	}
}

// Register binds the built-in callbacks so task definitions can
// reference them by name. The rotator is optional; without one the
// role-color callback is simply not offered.
func Register(m *tasks.Manager, a *Announcer, rotator gateway.RoleRotator) {
	m.RegisterCallback("example_interval_task", a.Heartbeat)
	m.RegisterCallback("send_daily_announcement", a.SendDaily)
	m.RegisterCallback("send_reminder", a.SendReminder)
	if rotator != nil {
		m.RegisterCallback("change_role_colors", func(ctx context.Context, _ map[string]any) error {
			return rotator.RotateColors(ctx)
		})
	}
}

// Heartbeat only logs. Useful as a scheduling smoke test in a fresh
// deployment's task file.
func (a *Announcer) Heartbeat(ctx context.Context, _ map[string]any) error {
	a.log.Info("heartbeat task fired", logx.Time("at", time.Now()))
	return nil
}

// SendDaily posts the daily announcement. An optional "message"
// parameter overrides the default text.
func (a *Announcer) SendDaily(ctx context.Context, args map[string]any) error {
	text := strArg(args, "message")
	if text == "" {
		text = fmt.Sprintf("Good morning! It is %s.", time.Now().Format("Monday, January 2"))
	}
	return a.send(ctx, a.cfg.AnnounceChannel, text)
}

// SendReminder delivers a one-shot reminder. The message comes from
// the wait task's forwarded parameters; an optional "user" parameter
// prefixes a mention.
func (a *Announcer) SendReminder(ctx context.Context, args map[string]any) error {
	msg := strArg(args, "message")
	if msg == "" {
		return fmt.Errorf("reminder has no message")
	}
	var b strings.Builder
	if user := strArg(args, "user"); user != "" {
		fmt.Fprintf(&b, "@%s ", user)
	}
	b.WriteString("Reminder: ")
	b.WriteString(msg)
	return a.send(ctx, a.cfg.ReminderChannel, b.String())
}

func (a *Announcer) send(ctx context.Context, channel, text string) error {
	if a.msgr == nil {
		return fmt.Errorf("no messenger configured")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.msgr.Send(ctx, channel, text); err != nil {
		return fmt.Errorf("send to %q: %w", channel, err)
	}
	a.log.Debug("message sent",
		logx.String("channel", channel),
		logx.Int("chars", len(text)))
	return nil
}

func strArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
