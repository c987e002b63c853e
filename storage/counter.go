package storage

import "time"

// Advance applies one attempt at now. A counter with no window, or whose
// window started at least window ago, restarts at one.
func (c Counter) Advance(now time.Time, window time.Duration) Counter {
	if c.Count <= 0 || c.WindowStart.IsZero() || !now.Before(c.WindowStart.Add(window)) {
		return Counter{Key: c.Key, Count: 1, WindowStart: now}
	}
	c.Count++
	return c
}
