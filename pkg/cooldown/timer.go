// Package cooldown implements the countdown that rate-limits manual alerts.
package cooldown

import (
	"sync"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

// DefaultSeconds is the countdown armed by a manual alert.
const DefaultSeconds = 30

// Timer is Idle at zero remaining seconds and Counting otherwise. The caller
// drives it by calling Tick once per elapsed second.
type Timer struct {
	mu        sync.Mutex
	remaining int
}

// New returns an Idle timer.
func New() *Timer {
	return &Timer{}
}

// Arm starts a countdown of the given length. It only succeeds from Idle;
// arming while Counting leaves the current countdown untouched and returns false.
func (t *Timer) Arm(seconds int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seconds <= 0 || t.remaining > 0 {
		return false
	}
	t.remaining = seconds
	return true
}

// Tick advances the countdown by one second. It is a no-op when Idle.
func (t *Timer) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.remaining > 0 {
		t.remaining--
	}
}

// IsReady reports whether the timer is Idle.
func (t *Timer) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining == 0
}

// State returns the remaining countdown.
func (t *Timer) State() models.CooldownState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.CooldownState{RemainingSeconds: t.remaining}
}
