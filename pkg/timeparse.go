package pkg

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

var (
	ErrMissingTriggerTime = errors.New("trigger time is missing")
	ErrInvalidTriggerTime = errors.New("trigger time is not a valid date")
)

var regexUnixTime = regexp.MustCompile(`^\d+$`)

// Values from 1e11 on are read as milliseconds, lower ones as seconds
const unixMillisThreshold = 100_000_000_000

func unixTimeFromInt(n int64) time.Time {
	if n >= unixMillisThreshold {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// ParseTriggerTime evaluates all accepted representations of a trigger time:
// a time.Time, an RFC3339 (or other common layout) string, a duration
// relative to `ref`, unix seconds and unix milliseconds.
func ParseTriggerTime(value interface{}, ref time.Time) (time.Time, error) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, ErrMissingTriggerTime
	case time.Time:
		if v.IsZero() {
			return time.Time{}, ErrMissingTriggerTime
		}
		return v, nil
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, ErrMissingTriggerTime
		}
		return *v, nil
	case string:
		return parseTriggerTimeString(v, ref)
	case bool:
		return time.Time{}, errors.WithMessagef(ErrInvalidTriggerTime, "%v", v)
	}

	n, err := cast.ToInt64E(value)
	if err != nil {
		return time.Time{}, errors.WithMessagef(ErrInvalidTriggerTime, "%v", value)
	}
	if n <= 0 {
		return time.Time{}, errors.WithMessagef(ErrInvalidTriggerTime, "%d", n)
	}
	return unixTimeFromInt(n), nil
}

func parseTriggerTimeString(val string, ref time.Time) (time.Time, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return time.Time{}, ErrMissingTriggerTime
	}

	// Is it a duration?
	if d, err := time.ParseDuration(val); err == nil {
		return ref.Add(d), nil
	}

	// Is it a unix timestamp?
	if regexUnixTime.MatchString(val) {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil && parsed > 0 {
			return unixTimeFromInt(parsed), nil
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
		return t, nil
	}

	// Other common layouts
	if t, err := cast.ToTimeE(val); err == nil && !t.IsZero() {
		return t, nil
	}

	return time.Time{}, errors.WithMessagef(ErrInvalidTriggerTime, "%q", val)
}
