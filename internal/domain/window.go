package domain

import "time"

// DateLayout is the calendar date format used in lock keys
const DateLayout = "2006-01-02"

// Window is a half-open time interval [Start, End)
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects inverted, empty or past windows
func (w Window) Validate(now time.Time) error {
	if !w.End.After(w.Start) {
		return ErrInvalidWindow
	}
	if w.Start.Before(now) {
		return ErrInvalidWindow
	}
	return nil
}

// Overlaps reports whether the two half-open windows share an instant
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Extend returns the window with d appended to its end
func (w Window) Extend(d time.Duration) Window {
	return Window{Start: w.Start, End: w.End.Add(d)}
}

// Dates returns every UTC calendar date the window touches, in order
func (w Window) Dates() []string {
	start := w.Start.UTC()
	last := w.End.UTC()
	if w.End.After(w.Start) {
		// End is exclusive
		last = last.Add(-time.Nanosecond)
	}

	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	var dates []string
	for !day.After(last) {
		dates = append(dates, day.Format(DateLayout))
		day = day.AddDate(0, 0, 1)
	}
	if len(dates) == 0 {
		dates = append(dates, start.Format(DateLayout))
	}
	return dates
}
