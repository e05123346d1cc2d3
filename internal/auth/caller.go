// ABOUTME: Caller identity plausibility checks and per-uid attempt rate limiting
// ABOUTME: Sliding window over recorded attempt timestamps, pruned lazily

package auth

import (
	"fmt"
	"sync"
	"time"
)

// CallerVerifier validates OS-reported caller identity plausibility and
// throttles authentication attempts per uid. Attempts are recorded whether
// or not the check passes so the window stays accurate.
type CallerVerifier struct {
	mu          sync.Mutex
	uidMin      uint32
	uidMax      uint32
	window      time.Duration
	maxAttempts int
	attempts    map[uint32][]time.Time
	lastSweep   time.Time
	now         func() time.Time
}

// NewCallerVerifier creates a verifier accepting uids in [uidMin, uidMax]
// and allowing maxAttempts attempts per uid within the sliding window.
func NewCallerVerifier(uidMin, uidMax uint32, window time.Duration, maxAttempts int) *CallerVerifier {
	return &CallerVerifier{
		uidMin:      uidMin,
		uidMax:      uidMax,
		window:      window,
		maxAttempts: maxAttempts,
		attempts:    make(map[uint32][]time.Time),
		now:         time.Now,
	}
}

// CheckCallerAllowed records an attempt for uid and then enforces the rate
// limit and identity plausibility. Returns ErrRateLimited once the attempt
// count exceeds the threshold within the window, and ErrUnauthorized for
// implausible identities.
func (v *CallerVerifier) CheckCallerAllowed(uid uint32, pid int32) error {
	count := v.record(uid)

	if count > v.maxAttempts {
		return fmt.Errorf("%w: uid %d made %d attempts in %s", ErrRateLimited, uid, count, v.window)
	}
	if uid < v.uidMin || uid > v.uidMax {
		return fmt.Errorf("%w: uid %d outside expected range [%d, %d]", ErrUnauthorized, uid, v.uidMin, v.uidMax)
	}
	if pid <= 0 {
		return fmt.Errorf("%w: implausible pid %d", ErrUnauthorized, pid)
	}
	return nil
}

// RecordFailure adds an extra attempt for uid. Called after a failed
// authenticate so repeated bad signatures burn through the allowance faster.
func (v *CallerVerifier) RecordFailure(uid uint32) {
	v.record(uid)
}

// record appends an attempt timestamp for uid, prunes entries older than
// the window, and returns the in-window count. At most once per window it
// also sweeps uids whose newest attempt has aged out, so the map does not
// grow with every uid that ever called and went quiet.
func (v *CallerVerifier) record(uid uint32) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	cutoff := now.Add(-v.window)

	if now.Sub(v.lastSweep) >= v.window {
		for id, ts := range v.attempts {
			if id == uid {
				continue
			}
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(v.attempts, id)
			}
		}
		v.lastSweep = now
	}

	kept := v.attempts[uid][:0]
	for _, t := range v.attempts[uid] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	v.attempts[uid] = kept
	return len(kept)
}

// SetClock overrides the verifier's clock. Test hook.
func (v *CallerVerifier) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}
