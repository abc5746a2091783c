package tasks

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Kind enumerates the closed set of task types.
type Kind string

const (
	// KindInterval fires every fixed period, first fire one full period
	// after start.
	KindInterval Kind = "interval"
	// KindTimeOfDay fires once per calendar day at a wall-clock time.
	KindTimeOfDay Kind = "time"
	// KindCron fires whenever all specified calendar fields match,
	// checked at minute granularity.
	KindCron Kind = "cron"
	// KindWait fires exactly once after a delay, then is discarded.
	KindWait Kind = "wait"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInterval, KindTimeOfDay, KindCron, KindWait:
		return true
	}
	return false
}

// Recurring reports whether the kind fires more than once.
func (k Kind) Recurring() bool { return k.Valid() && k != KindWait }

// Definition is the persisted description of a schedulable unit of
// work. Wire names match the human-edited task file.
type Definition struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"task_type"`
	Callback    string         `json:"callback"`
	Description string         `json:"description,omitempty"`
	Enabled     bool           `json:"enabled"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// UnmarshalJSON defaults a missing "enabled" key to true. The task
// file is hand-edited; authors list tasks they want running and only
// write enabled:false to switch one off.
func (d *Definition) UnmarshalJSON(b []byte) error {
	type plain Definition
	aux := struct {
		Enabled *bool `json:"enabled"`
		*plain
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	d.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// Validate checks that the kind and parameters describe a schedulable
// firing rule. The callback name is deliberately not checked here;
// resolution happens at schedule time so callbacks may be registered
// after a definition is persisted.
func (d Definition) Validate() error {
	if d.ID == "" {
		return scheduleErrorf("missing task id")
	}
	switch d.Kind {
	case KindInterval:
		_, err := intervalPeriod(d.Parameters)
		return err
	case KindTimeOfDay:
		_, _, err := timeOfDayParams(d.Parameters)
		return err
	case KindCron:
		_, err := cronFieldSpec(d.Parameters)
		return err
	case KindWait:
		_, err := waitDelay(d.Parameters)
		return err
	default:
		return scheduleErrorf("unknown task type %q", string(d.Kind))
	}
}

// Clone returns a deep enough copy that callers can mutate Parameters
// without aliasing the stored definition.
func (d Definition) Clone() Definition {
	cp := d
	if d.Parameters != nil {
		cp.Parameters = make(map[string]any, len(d.Parameters))
		for k, v := range d.Parameters {
			cp.Parameters[k] = v
		}
	}
	return cp
}

// ---- parameter extraction ----

// durationFieldKeys are the schedule-owned keys of interval and wait
// parameters; anything else on a wait task is forwarded to the callback.
var durationFieldKeys = map[string]struct{}{
	"hours": {}, "minutes": {}, "seconds": {},
}

func intervalPeriod(params map[string]any) (time.Duration, error) {
	total, err := hmsTotal(params)
	if err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, scheduleErrorf("interval duration must be greater than zero")
	}
	return total, nil
}

func waitDelay(params map[string]any) (time.Duration, error) {
	return hmsTotal(params)
}

// waitArgs extracts the caller-supplied keyword parameters of a wait
// task (everything except the delay fields).
func waitArgs(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any)
	for k, v := range params {
		if _, owned := durationFieldKeys[k]; owned {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func hmsTotal(params map[string]any) (time.Duration, error) {
	var total time.Duration
	for key, unit := range map[string]time.Duration{
		"hours":   time.Hour,
		"minutes": time.Minute,
		"seconds": time.Second,
	} {
		n, ok, err := intParam(params, key)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if n < 0 {
			return 0, scheduleErrorf("%s must be >= 0, got %d", key, n)
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}

func timeOfDayParams(params map[string]any) (hour, minute int, err error) {
	hour, _, err = intParam(params, "hour")
	if err != nil {
		return 0, 0, err
	}
	minute, _, err = intParam(params, "minute")
	if err != nil {
		return 0, 0, err
	}
	if hour < 0 || hour > 23 {
		return 0, 0, scheduleErrorf("hour must be in 0..23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return 0, 0, scheduleErrorf("minute must be in 0..59, got %d", minute)
	}
	return hour, minute, nil
}

// intParam reads an integer-valued parameter. JSON decodes numbers as
// float64, so integral floats are accepted.
func intParam(params map[string]any, key string) (int, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch x := v.(type) {
	case int:
		return x, true, nil
	case int64:
		return int(x), true, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, false, scheduleErrorf("%s must be an integer, got %v", key, x)
		}
		return int(x), true, nil
	default:
		return 0, false, scheduleErrorf("%s must be an integer, got %T", key, v)
	}
}

func boolParam(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return def, scheduleErrorf("%s must be a boolean, got %T", key, v)
	}
	return b, nil
}

// intSetParam reads a parameter that is either one integer or a list
// of integers. A missing key returns (nil, false, nil).
func intSetParam(params map[string]any, key string) ([]int, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, false, nil
	}
	if list, isList := v.([]any); isList {
		if len(list) == 0 {
			return nil, false, scheduleErrorf("%s must not be an empty list", key)
		}
		out := make([]int, 0, len(list))
		for _, item := range list {
			n, err := asInt(key, item)
			if err != nil {
				return nil, false, err
			}
			out = append(out, n)
		}
		return out, true, nil
	}
	n, err := asInt(key, v)
	if err != nil {
		return nil, false, err
	}
	return []int{n}, true, nil
}

func asInt(key string, v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, scheduleErrorf("%s must contain integers, got %v", key, x)
		}
		return int(x), nil
	default:
		return 0, scheduleErrorf("%s must contain integers, got %T", key, v)
	}
}

func describeKind(k Kind) string {
	if k.Valid() {
		return string(k)
	}
	return fmt.Sprintf("invalid(%s)", string(k))
}
