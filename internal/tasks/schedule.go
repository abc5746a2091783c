package tasks

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// specParser accepts standard five-field specs with an optional
// CRON_TZ= prefix. Seconds are deliberately not supported: calendar
// matching happens at minute granularity.
var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// buildSchedule translates a definition's kind and parameters into a
// cron.Schedule. tzName is the scheduler's configured timezone; a
// use_timezone=false parameter pins the task to UTC instead.
// Wait definitions have no recurring schedule and are rejected here.
func buildSchedule(d Definition, tzName string) (cron.Schedule, error) {
	switch d.Kind {
	case KindInterval:
		period, err := intervalPeriod(d.Parameters)
		if err != nil {
			return nil, err
		}
		return cron.Every(period), nil

	case KindTimeOfDay:
		hour, minute, err := timeOfDayParams(d.Parameters)
		if err != nil {
			return nil, err
		}
		spec := fmt.Sprintf("%d %d * * *", minute, hour)
		return parseInZone(spec, d.Parameters, tzName)

	case KindCron:
		spec, err := cronFieldSpec(d.Parameters)
		if err != nil {
			return nil, err
		}
		return parseInZone(spec, d.Parameters, tzName)

	default:
		return nil, scheduleErrorf("kind %s has no recurring schedule", describeKind(d.Kind))
	}
}

// cronFieldSpec builds a five-field spec from the optional minute,
// hour and day_of_week parameters. An unset field matches any value;
// a day_of_week list matches any member. Persisted weekday numbers use
// 0=Monday..6=Sunday and are shifted to the cron 0=Sunday convention
// here, so task files keep their meaning across both formats.
func cronFieldSpec(params map[string]any) (string, error) {
	minute, err := cronField(params, "minute", 0, 59)
	if err != nil {
		return "", err
	}
	hour, err := cronField(params, "hour", 0, 23)
	if err != nil {
		return "", err
	}
	dow, err := weekdayField(params)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s * * %s", minute, hour, dow), nil
}

func weekdayField(params map[string]any) (string, error) {
	values, ok, err := intSetParam(params, "day_of_week")
	if err != nil {
		return "", err
	}
	if !ok {
		return "*", nil
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v < 0 || v > 6 {
			return "", scheduleErrorf("day_of_week must be in 0..6, got %d", v)
		}
		parts = append(parts, strconv.Itoa((v+1)%7))
	}
	return strings.Join(parts, ","), nil
}

func cronField(params map[string]any, key string, min, max int) (string, error) {
	values, ok, err := intSetParam(params, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "*", nil
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v < min || v > max {
			return "", scheduleErrorf("%s must be in %d..%d, got %d", key, min, max, v)
		}
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ","), nil
}

func parseInZone(spec string, params map[string]any, tzName string) (cron.Schedule, error) {
	useTZ, err := boolParam(params, "use_timezone", true)
	if err != nil {
		return nil, err
	}
	zone := tzName
	if !useTZ {
		zone = "UTC"
	}
	if zone != "" {
		spec = "CRON_TZ=" + zone + " " + spec
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, scheduleErrorf("%v", err)
	}
	return sched, nil
}
