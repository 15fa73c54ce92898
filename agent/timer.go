package agent

import (
	"math/rand"
	"time"
)

// JitteredTimer wraps a time.Timer whose interval is randomized within
// [floor .. floor+jitterMax) each time it is (re)started.  See RFC 3539
// section 3.4.1 for the rationale behind jittering the watchdog interval.
// As with time.Timer, JitteredTimer exposes a channel -- C -- which
// receives the current time at the jittered expiration.  If C is read and
// the timer should be restarted, Restart() must be called; if the timer
// should be (re)started but C was not read since the last (re)start,
// StopAndRestart() must be used instead.
type JitteredTimer struct {
	C         <-chan time.Time
	timer     *time.Timer
	floor     time.Duration
	jitterMax time.Duration
}

func newJitteredTimer(floor time.Duration, jitterMax time.Duration) *JitteredTimer {
	timer := time.NewTimer(jitteredDuration(floor, jitterMax))

	return &JitteredTimer{
		C:         timer.C,
		timer:     timer,
		floor:     floor,
		jitterMax: jitterMax,
	}
}

func jitteredDuration(floor time.Duration, jitterMax time.Duration) time.Duration {
	if jitterMax <= 0 {
		return floor
	}
	return floor + time.Duration(rand.Int63n(int64(jitterMax)))
}

// Restart restarts the timer with a freshly jittered interval.  It may only
// be called after a value has been read from C, meaning the underlying
// timer has already stopped; otherwise this panics.
func (t *JitteredTimer) Restart() {
	if t.timer.Stop() {
		panic("Restart() cannot be called on a timer that is still active")
	}

	t.timer.Reset(jitteredDuration(t.floor, t.jitterMax))
}

// StopAndRestart does the same as Restart() but may only be called if C has
// not been read since the last (re)start.  This drains C if the timer
// already fired and restarts it with a fresh jittered interval.
func (t *JitteredTimer) StopAndRestart() {
	if !t.timer.Stop() {
		<-t.timer.C
	}

	t.timer.Reset(jitteredDuration(t.floor, t.jitterMax))
}

// Stop halts the timer, draining C if a value is already pending.  Safe to
// call regardless of whether C has been read.
func (t *JitteredTimer) Stop() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// StartNewWatchdogIntervalTimer creates the RFC 3539 idle-timer used to
// trigger a Device-Watchdog-Request when a connection has been silent for
// twInitInSeconds, jittered by up to 4 seconds. RFC 3539 section 3.4.1
// recommends a Tw of at least 6 seconds, but idle_timeout is an operator-
// configurable value and a deployment may legitimately set it lower (for
// faster failure detection on a fast link); this clamps the jitter span
// instead of rejecting the configured value outright.
func StartNewWatchdogIntervalTimer(twInitInSeconds uint) *JitteredTimer {
	return newWatchdogIntervalTimer(time.Duration(twInitInSeconds) * time.Second)
}

// newWatchdogIntervalTimer is StartNewWatchdogIntervalTimer with Tw given as
// a time.Duration, so a sub-second idle_timeout is kept as configured.
func newWatchdogIntervalTimer(tw time.Duration) *JitteredTimer {
	jitterMax := 4 * time.Second
	if jitterMax > tw {
		jitterMax = tw
	}

	return newJitteredTimer(tw, jitterMax)
}

// newPlainTimer returns an unjittered timer for the non-idle timeouts
// (cer_timeout, cea_timeout, dwa_timeout) where RFC 3539 jitter does not
// apply.
func newPlainTimer(d time.Duration) *time.Timer {
	return time.NewTimer(d)
}
