package tasks

import (
	"errors"
	"testing"
	"time"
)

func TestBuildScheduleInterval(t *testing.T) {
	sched, err := buildSchedule(Definition{
		ID:   "t",
		Kind: KindInterval,
		Parameters: map[string]any{
			"hours": 0.0, "minutes": 1.0, "seconds": 30.0,
		},
	}, "UTC")
	if err != nil {
		t.Fatalf("buildSchedule: %v", err)
	}

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	next := sched.Next(base)
	if want := base.Add(90 * time.Second); !next.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", base, next, want)
	}
}

func TestBuildScheduleTimeOfDay(t *testing.T) {
	sched, err := buildSchedule(Definition{
		ID:         "t",
		Kind:       KindTimeOfDay,
		Parameters: map[string]any{"hour": 9.0, "minute": 30.0},
	}, "UTC")
	if err != nil {
		t.Fatalf("buildSchedule: %v", err)
	}

	// Before today's occurrence: fires today.
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if next := sched.Next(at); !next.Equal(time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("Next before occurrence = %v", next)
	}
	// After it: fires tomorrow, once per calendar day.
	at = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	if next := sched.Next(at); !next.Equal(time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("Next at occurrence = %v", next)
	}
}

func TestCronFieldSpec(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"all unset matches every minute", nil, "* * * * *"},
		{"hour only", map[string]any{"hour": 5.0}, "* 5 * * *"},
		{"hour and minute", map[string]any{"hour": 0.0, "minute": 0.0}, "0 0 * * *"},
		{"weekday monday", map[string]any{"day_of_week": 0.0}, "* * * * 1"},
		{"weekday sunday wraps to cron zero", map[string]any{"day_of_week": 6.0}, "* * * * 0"},
		{
			"weekday set",
			map[string]any{"minute": 15.0, "day_of_week": []any{0.0, 2.0, 4.0}},
			"15 * * * 1,3,5",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cronFieldSpec(tc.params)
			if err != nil {
				t.Fatalf("cronFieldSpec: %v", err)
			}
			if got != tc.want {
				t.Fatalf("cronFieldSpec(%v) = %q, want %q", tc.params, got, tc.want)
			}
		})
	}
}

func TestCronWeekdayZeroFiresOnMonday(t *testing.T) {
	sched, err := buildSchedule(Definition{
		ID:   "t",
		Kind: KindCron,
		Parameters: map[string]any{
			"hour": 9.0, "minute": 0.0, "day_of_week": 0.0,
		},
	}, "UTC")
	if err != nil {
		t.Fatalf("buildSchedule: %v", err)
	}

	// Friday 2026-05-01; weekday 0 means Monday, not Sunday.
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	next := sched.Next(at)
	want := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) || next.Weekday() != time.Monday {
		t.Fatalf("Next = %v (%v), want %v (Monday)", next, next.Weekday(), want)
	}
}

func TestCronWeekdaySetMatchesAnyMember(t *testing.T) {
	// 0=Monday. Monday/Wednesday at 12:00.
	sched, err := buildSchedule(Definition{
		ID:   "t",
		Kind: KindCron,
		Parameters: map[string]any{
			"hour": 12.0, "minute": 0.0, "day_of_week": []any{0.0, 2.0},
		},
	}, "UTC")
	if err != nil {
		t.Fatalf("buildSchedule: %v", err)
	}

	// Friday 2026-05-01.
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	next := sched.Next(at)
	if next.Weekday() != time.Monday || next.Hour() != 12 {
		t.Fatalf("first match = %v (%v)", next, next.Weekday())
	}
	next = sched.Next(next)
	if next.Weekday() != time.Wednesday {
		t.Fatalf("second match = %v (%v)", next, next.Weekday())
	}
}

func TestBuildScheduleUseTimezoneFalsePinsUTC(t *testing.T) {
	sched, err := buildSchedule(Definition{
		ID:   "t",
		Kind: KindTimeOfDay,
		Parameters: map[string]any{
			"hour": 6.0, "minute": 0.0, "use_timezone": false,
		},
	}, "America/New_York")
	if err != nil {
		t.Fatalf("buildSchedule: %v", err)
	}
	at := time.Date(2026, 5, 1, 5, 0, 0, 0, time.UTC)
	next := sched.Next(at)
	if !next.Equal(time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next = %v, want 06:00 UTC", next)
	}
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
	}{
		{"unknown kind", Definition{ID: "t", Kind: Kind("yearly")}},
		{"interval zero total", Definition{ID: "t", Kind: KindInterval, Parameters: map[string]any{"hours": 0.0}}},
		{"interval fractional", Definition{ID: "t", Kind: KindInterval, Parameters: map[string]any{"seconds": 1.5}}},
		{"time minute out of range", Definition{ID: "t", Kind: KindTimeOfDay, Parameters: map[string]any{"minute": 60.0}}},
		{"cron empty weekday list", Definition{ID: "t", Kind: KindCron, Parameters: map[string]any{"day_of_week": []any{}}}},
		{"cron weekday wrong type", Definition{ID: "t", Kind: KindCron, Parameters: map[string]any{"day_of_week": "mon"}}},
		{"wait negative", Definition{ID: "t", Kind: KindWait, Parameters: map[string]any{"seconds": -1.0}}},
		{"missing id", Definition{Kind: KindInterval, Parameters: map[string]any{"seconds": 5.0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.def.Validate(); !errors.Is(err, ErrBadSchedule) {
				t.Fatalf("Validate() = %v, want ErrBadSchedule", err)
			}
		})
	}
}

func TestValidateAcceptsGoodDefinitions(t *testing.T) {
	cases := []Definition{
		{ID: "a", Kind: KindInterval, Parameters: map[string]any{"seconds": 1.0}},
		{ID: "b", Kind: KindTimeOfDay, Parameters: map[string]any{"hour": 23.0, "minute": 59.0}},
		{ID: "c", Kind: KindCron},
		{ID: "d", Kind: KindCron, Parameters: map[string]any{"day_of_week": []any{0.0, 6.0}}},
		{ID: "e", Kind: KindWait, Parameters: map[string]any{"seconds": 0.0, "message": "hi"}},
	}
	for _, def := range cases {
		if err := def.Validate(); err != nil {
			t.Fatalf("Validate(%s): %v", def.ID, err)
		}
	}
}

func TestWaitArgsExcludesDelayFields(t *testing.T) {
	args := waitArgs(map[string]any{
		"hours": 1.0, "minutes": 0.0, "seconds": 0.0,
		"message": "hello", "channel": "general",
	})
	if len(args) != 2 {
		t.Fatalf("waitArgs = %v, want 2 forwarded keys", args)
	}
	if args["message"] != "hello" || args["channel"] != "general" {
		t.Fatalf("waitArgs dropped caller parameters: %v", args)
	}
	if waitArgs(map[string]any{"seconds": 5.0}) != nil {
		t.Fatal("pure-delay parameters should forward nothing")
	}
}
