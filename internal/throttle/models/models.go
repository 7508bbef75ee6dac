// Package models holds throttle state and the fixed-window arithmetic shared
// by every store implementation.
package models

import (
	"math"
	"time"

	id "formgate/pkg/domain"
)

const (
	// HourlyWindow is the length of the long window.
	HourlyWindow = time.Hour
	// StaleAfter is how long after its hourly window anchor an entry is swept.
	StaleAfter = 2 * time.Hour
)

// Key identifies throttle state for one client address against one form.
// Its string form is "{ip}:{formId}"; form IDs contain no ':' so IPv6
// addresses remain unambiguous.
type Key struct {
	IP     string
	FormID id.FormID
}

func NewKey(ip string, formID id.FormID) Key {
	return Key{IP: ip, FormID: formID}
}

func (k Key) String() string {
	return k.IP + ":" + k.FormID.String()
}

// Limits configures the dual-window check for one request.
type Limits struct {
	MaxPerWindow int
	Window       time.Duration
	MaxPerHour   int
}

// WindowKind names the window that caused a rejection.
type WindowKind string

const (
	WindowNone   WindowKind = ""
	WindowShort  WindowKind = "window"
	WindowHourly WindowKind = "hourly"
)

type RateLimitResult struct {
	Allowed   bool       `json:"allowed"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	ResetAt   time.Time  `json:"reset_at"`
	Exceeded  WindowKind `json:"exceeded,omitempty"`
}

// RetryAfterSeconds is the smallest whole number of seconds after which a
// retry lands strictly past ResetAt, where the exhausted window reopens.
// Rejected results never return less than one.
func (r RateLimitResult) RetryAfterSeconds(now time.Time) int {
	if r.Allowed {
		return 0
	}
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 1
	}
	return int(d/time.Second) + 1
}

type SpacingResult struct {
	Allowed     bool `json:"allowed"`
	WaitSeconds int  `json:"wait_seconds,omitempty"`
}

// Entry is the per-key throttle state. The zero value means "never seen".
// Entry is not safe for concurrent use; stores serialise access per key.
type Entry struct {
	Count             int       `json:"count"`
	WindowStart       time.Time `json:"window_start"`
	HourlyCount       int       `json:"hourly_count"`
	HourlyWindowStart time.Time `json:"hourly_window_start"`
	LastSubmission    time.Time `json:"last_submission,omitzero"`
}

func (e *Entry) isNew() bool {
	return e.HourlyWindowStart.IsZero()
}

// CheckSpacing reports whether min has elapsed since the last accepted
// submission. It never mutates the entry.
func (e *Entry) CheckSpacing(minGap time.Duration, now time.Time) SpacingResult {
	if e == nil || e.LastSubmission.IsZero() {
		return SpacingResult{Allowed: true}
	}
	elapsed := now.Sub(e.LastSubmission)
	if elapsed >= minGap {
		return SpacingResult{Allowed: true}
	}
	return SpacingResult{Allowed: false, WaitSeconds: ceilSeconds(minGap - elapsed)}
}

// Consume applies the dual fixed-window check and, when allowed, counts the
// request in both windows. Windows reset only once strictly more than their
// length has elapsed since they started. The first request for a fresh
// entry is always allowed and counted.
func (e *Entry) Consume(l Limits, now time.Time) RateLimitResult {
	if e.isNew() {
		e.Count, e.WindowStart = 1, now
		e.HourlyCount, e.HourlyWindowStart = 1, now
		return RateLimitResult{
			Allowed:   true,
			Limit:     l.MaxPerWindow,
			Remaining: max(l.MaxPerWindow-1, 0),
			ResetAt:   now.Add(l.Window),
		}
	}

	if now.Sub(e.WindowStart) > l.Window {
		e.Count, e.WindowStart = 0, now
	}
	if now.Sub(e.HourlyWindowStart) > HourlyWindow {
		e.HourlyCount, e.HourlyWindowStart = 0, now
	}

	if e.Count >= l.MaxPerWindow {
		return RateLimitResult{
			Limit:    l.MaxPerWindow,
			ResetAt:  e.WindowStart.Add(l.Window),
			Exceeded: WindowShort,
		}
	}
	if e.HourlyCount >= l.MaxPerHour {
		return RateLimitResult{
			Limit:    l.MaxPerHour,
			ResetAt:  e.HourlyWindowStart.Add(HourlyWindow),
			Exceeded: WindowHourly,
		}
	}

	e.Count++
	e.HourlyCount++
	return RateLimitResult{
		Allowed:   true,
		Limit:     l.MaxPerWindow,
		Remaining: l.MaxPerWindow - e.Count,
		ResetAt:   e.WindowStart.Add(l.Window),
	}
}

// RecordSubmission stamps an accepted submission. A fresh entry gets its
// window anchors set so the sweep does not treat it as stale.
func (e *Entry) RecordSubmission(now time.Time) {
	if e.isNew() {
		e.WindowStart = now
		e.HourlyWindowStart = now
	}
	e.LastSubmission = now
}

// ClaimSpacing re-checks the minimum gap and, only when it holds, stamps now
// as the last accepted submission. Stores run it under the same per-key
// critical section, so of several concurrent requests that all passed
// CheckSpacing exactly one claims the slot. A non-positive minGap always
// stamps.
func (e *Entry) ClaimSpacing(minGap time.Duration, now time.Time) SpacingResult {
	res := SpacingResult{Allowed: true}
	if minGap > 0 {
		res = e.CheckSpacing(minGap, now)
	}
	if res.Allowed {
		e.RecordSubmission(now)
	}
	return res
}

// Stale reports whether the sweep should drop the entry.
func (e *Entry) Stale(now time.Time) bool {
	return now.Sub(e.HourlyWindowStart) > StaleAfter
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
