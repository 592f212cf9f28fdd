package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvertedInterval is returned when an interval ends before it starts.
var ErrInvertedInterval = errors.New("interval ends before it starts")

// Interval is a half-open [Start, End) span of time. Start == End is a
// zero-duration marker.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Validate checks Start <= End.
func (i Interval) Validate() error {
	if i.Start.IsZero() || i.End.IsZero() {
		return fmt.Errorf("interval has zero bound")
	}
	if i.End.Before(i.Start) {
		return ErrInvertedInterval
	}
	return nil
}

// Duration returns End - Start.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// IsMarker reports whether the interval has zero duration.
func (i Interval) IsMarker() bool {
	return i.Start.Equal(i.End)
}

// Overlaps uses half-open semantics: back-to-back intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Gap returns the distance between two intervals. It is zero when they touch and
// negative when they overlap (the magnitude is the overlap length).
func (i Interval) Gap(o Interval) time.Duration {
	if !o.Start.Before(i.End) {
		return o.Start.Sub(i.End)
	}
	if !i.Start.Before(o.End) {
		return i.Start.Sub(o.End)
	}
	end := i.End
	if o.End.Before(end) {
		end = o.End
	}
	start := i.Start
	if o.Start.After(start) {
		start = o.Start
	}
	return -end.Sub(start)
}

// Window is the closed [Start, End] range an archive run covers.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks that the window is non-empty and ordered.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("window bounds must be set")
	}
	if w.End.Before(w.Start) {
		return fmt.Errorf("window end %s is before start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t lies within the closed window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// UTC returns the window with both bounds in UTC.
func (w Window) UTC() Window {
	return Window{Start: w.Start.UTC(), End: w.End.UTC()}
}

func (w Window) String() string {
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}
