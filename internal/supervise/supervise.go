// Package supervise normalizes sandbox termination into a single terminal
// status per invocation and provides the primitives the session layer uses
// to deliver it exactly once: the exit cell, crash normalization, and the
// grace-then-force escalation used by kill.
package supervise

import (
	"time"

	"microshim/internal/engine"
)

// SentinelExitCode is reported when the guest never produced an exit of its
// own: engine crashes, forced teardown, and unwound invocation paths. 137
// matches the conventional 128+SIGKILL encoding containerd users expect.
const SentinelExitCode = 137

// SentinelSignal is the signal recorded alongside the sentinel code.
const SentinelSignal = 9

// Normalize folds the three engine termination shapes (normal exit, guest
// fault with a signal, engine-level crash) into one Status.
func Normalize(ev engine.Exit) Status {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	if ev.Crashed {
		return Status{
			Code:     SentinelExitCode,
			Signal:   SentinelSignal,
			ExitedAt: at,
			IOErr:    nil,
		}
	}
	return Status{
		Code:     ev.Code,
		Signal:   ev.Signal,
		ExitedAt: at,
	}
}

// Sentinel builds the abnormal-termination status used when no engine exit
// was ever observed.
func Sentinel() Status {
	return Status{
		Code:     SentinelExitCode,
		Signal:   SentinelSignal,
		ExitedAt: time.Now(),
	}
}

// AfterGrace waits for done up to grace, then calls force. It returns true
// if done fired within the grace period. A zero grace escalates immediately.
// The caller runs it on its own goroutine; cancellation is the done channel
// itself.
func AfterGrace(grace time.Duration, done <-chan struct{}, force func()) bool {
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
			return true
		case <-timer.C:
		}
	}
	force()
	return false
}
