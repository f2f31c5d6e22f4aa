// Package gps implements the three-tier GPS fallback policy: prefer the
// last real fix, fall back to a configured default position while the
// failure streak is still short, and finally give up once it isn't.
package gps

import "fmt"

// Fix is a resolved GPS position, real or substituted.
type Fix struct {
	Latitude       float64
	Longitude      float64
	IsRealtime     bool
	FallbackReason string
}

// Config bounds the fallback policy.
type Config struct {
	MaxFailures    int
	DefaultLatitude  float64
	DefaultLongitude float64
}

// Tracker holds the rolling GPS state a monitoring loop needs across ticks:
// the last successful real fix and the current consecutive-failure streak.
// Grounded on NetworkManager's last_gps_location/last_real_gps_location/
// gps_failure_count fields and its _handle_gps_fallback method.
type Tracker struct {
	cfg Config

	lastReal     *Fix
	failureCount int
}

// New builds a Tracker with the given fallback bounds.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// RecordSuccess stores fix as the last known real position and resets the
// failure streak.
func (tr *Tracker) RecordSuccess(fix Fix) {
	fix.IsRealtime = true
	fix.FallbackReason = ""
	tr.lastReal = &fix
	tr.failureCount = 0
}

// RecordFailure increments the consecutive-failure streak and resolves the
// fallback fix per the three tiers:
//  1. the last real fix, if one is known, marked non-realtime
//  2. a configured default position, while failureCount is still below
//     cfg.MaxFailures
//  3. no fix at all, once failureCount reaches cfg.MaxFailures
//
// ok is false only for tier 3.
func (tr *Tracker) RecordFailure() (Fix, bool) {
	tr.failureCount++

	if tr.lastReal != nil {
		fallback := *tr.lastReal
		fallback.IsRealtime = false
		fallback.FallbackReason = fmt.Sprintf("using last known position, %d consecutive GPS failures", tr.failureCount)
		return fallback, true
	}

	if tr.failureCount >= tr.cfg.MaxFailures {
		return Fix{}, false
	}

	return Fix{
		Latitude:       tr.cfg.DefaultLatitude,
		Longitude:      tr.cfg.DefaultLongitude,
		IsRealtime:     false,
		FallbackReason: fmt.Sprintf("using default position, %d consecutive GPS failures", tr.failureCount),
	}, true
}

// FailureCount reports the current consecutive-failure streak.
func (tr *Tracker) FailureCount() int { return tr.failureCount }

// LastReal reports the last recorded real fix, if any.
func (tr *Tracker) LastReal() (Fix, bool) {
	if tr.lastReal == nil {
		return Fix{}, false
	}
	return *tr.lastReal, true
}
