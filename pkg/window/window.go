// Package window computes run boundaries and trailing aggregation windows for
// the downsampling scheduler.
//
// All functions are pure. They never convert time zones: callers pass instants
// in one reference zone (the service normalizes to UTC). Every returned instant
// has its seconds and sub-second components truncated to zero.
package window

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unit is the calendar unit of an Interval.
type Unit int

const (
	Minute Unit = iota + 1
	Hour
	Day
)

// Symbol returns the single-letter token used in interval strings and
// InfluxQL durations.
func (u Unit) Symbol() string {
	switch u {
	case Minute:
		return "m"
	case Hour:
		return "h"
	case Day:
		return "d"
	default:
		return "?"
	}
}

func (u Unit) String() string {
	switch u {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

// ErrInvalidInterval is returned for interval tokens that do not match <number><m|h|d>.
var ErrInvalidInterval = errors.New("invalid interval")

// Interval is a positive count of minutes, hours or days.
type Interval struct {
	Value int
	Unit  Unit
}

// ParseInterval parses tokens such as "10m", "5h" or "3d".
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return Interval{}, fmt.Errorf("%w %q: expected <number><m|h|d>", ErrInvalidInterval, s)
	}

	var unit Unit
	switch s[len(s)-1] {
	case 'm':
		unit = Minute
	case 'h':
		unit = Hour
	case 'd':
		unit = Day
	default:
		return Interval{}, fmt.Errorf("%w %q: unit must be one of m, h, d", ErrInvalidInterval, s)
	}

	digits := s[:len(s)-1]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return Interval{}, fmt.Errorf("%w %q: value must be a positive integer", ErrInvalidInterval, s)
		}
	}
	value, err := strconv.Atoi(digits)
	if err != nil {
		return Interval{}, fmt.Errorf("%w %q: %v", ErrInvalidInterval, s, err)
	}

	iv := Interval{Value: value, Unit: unit}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// MustParseInterval is like ParseInterval but panics on error. Intended for tests
// and constants.
func MustParseInterval(s string) Interval {
	iv, err := ParseInterval(s)
	if err != nil {
		panic(err)
	}
	return iv
}

// Validate reports whether the interval has a known unit and a value of at least one.
func (iv Interval) Validate() error {
	if iv.Value < 1 {
		return fmt.Errorf("%w %q: value must be >= 1", ErrInvalidInterval, iv.String())
	}
	switch iv.Unit {
	case Minute, Hour, Day:
		return nil
	default:
		return fmt.Errorf("%w: unknown unit %d", ErrInvalidInterval, iv.Unit)
	}
}

// String renders the interval back to its token form, e.g. "10m".
func (iv Interval) String() string {
	return strconv.Itoa(iv.Value) + iv.Unit.Symbol()
}

// Duration returns the nominal length of the interval. Days count as 24h.
func (iv Interval) Duration() time.Duration {
	switch iv.Unit {
	case Minute:
		return time.Duration(iv.Value) * time.Minute
	case Hour:
		return time.Duration(iv.Value) * time.Hour
	case Day:
		return time.Duration(iv.Value) * 24 * time.Hour
	default:
		return 0
	}
}

// Add shifts t by n intervals using calendar arithmetic for days.
func (iv Interval) Add(t time.Time, n int) time.Time {
	switch iv.Unit {
	case Day:
		return t.AddDate(0, 0, n*iv.Value)
	default:
		return t.Add(time.Duration(n) * iv.Duration())
	}
}

// Window is the half-open range [Start, End) a run aggregates over.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}

// Trailing returns the window of one interval that ends at end.
func Trailing(iv Interval, end time.Time) Window {
	return Window{Start: Then(iv, end), End: truncateMinute(end)}
}

// NextBoundary returns the next aligned instant at which a scheduled run fires.
//
// Minute intervals below 60 align to the next multiple of the interval within
// the hour, rolling over to the top of the next hour. Every other interval
// fires at the top of the next hour (minute >= 60 and hour units) or at the
// next midnight (day units), whatever the configured value.
func NextBoundary(iv Interval, now time.Time) time.Time {
	switch iv.Unit {
	case Minute:
		if iv.Value < 60 {
			next := (now.Minute()/iv.Value + 1) * iv.Value
			if next >= 60 {
				return topOfNextHour(now)
			}
			return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), next, 0, 0, now.Location())
		}
		return topOfNextHour(now)
	case Hour:
		return topOfNextHour(now)
	case Day:
		return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	default:
		return truncateMinute(now)
	}
}

// Then returns now minus exactly one interval.
func Then(iv Interval, now time.Time) time.Time {
	return iv.Add(truncateMinute(now), -1)
}

// NextWindow returns the next boundary, or with runPrevious the end of the most
// recently completed window (the boundary shifted back by one interval).
func NextWindow(iv Interval, now time.Time, runPrevious bool) time.Time {
	t := NextBoundary(iv, now)
	if runPrevious {
		t = iv.Add(t, -1)
	}
	return t
}

// Previous returns the most recently completed window as seen from now.
func Previous(iv Interval, now time.Time) Window {
	end := NextWindow(iv, now, true)
	return Window{Start: Then(iv, end), End: end}
}

// Backfill enumerates the windows covering [start, end]. The first window ends
// at NextBoundary(iv, start) and every following window advances by exactly one
// interval. Windows ending after end are not returned.
func Backfill(iv Interval, start, end time.Time) []Window {
	if iv.Validate() != nil || !start.Before(end) {
		return nil
	}

	stop := truncateMinute(end)
	var windows []Window
	for e := NextBoundary(iv, start); !e.After(stop); e = iv.Add(e, 1) {
		windows = append(windows, Window{Start: Then(iv, e), End: e})
	}
	return windows
}

func topOfNextHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
}

func truncateMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}
