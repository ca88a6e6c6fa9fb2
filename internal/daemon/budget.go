package daemon

import (
	"sync"
	"time"

	"github.com/benaskins/watchmin/internal/spec"
)

const defaultMaxAttempts = 3

// Budget limits repair attempts to Max within a sliding Window. A zero
// Window counts every attempt ever made.
type Budget struct {
	Max    int
	Window time.Duration

	mu       sync.Mutex
	attempts []time.Time
}

// NewBudget creates a budget. max <= 0 uses the default of 3.
func NewBudget(max int, window time.Duration) *Budget {
	if max <= 0 {
		max = defaultMaxAttempts
	}
	return &Budget{Max: max, Window: window}
}

// Allow reports whether another attempt fits in the window at now and, if
// so, records it.
func (b *Budget) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(now)
	if len(b.attempts) >= b.Max {
		return false
	}
	b.attempts = append(b.attempts, now)
	return true
}

// Used returns the number of attempts inside the window at now.
func (b *Budget) Used(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
	return len(b.attempts)
}

func (b *Budget) pruneLocked(now time.Time) {
	if b.Window <= 0 {
		return
	}
	cutoff := now.Add(-b.Window)
	i := 0
	for i < len(b.attempts) && !b.attempts[i].After(cutoff) {
		i++
	}
	b.attempts = b.attempts[i:]
}

// backoffDelay is the wait before the next attempt after failures
// consecutive failed ones.
func backoffDelay(r spec.Repair, failures int) time.Duration {
	delay := r.Delay.Duration
	if delay <= 0 || failures <= 0 {
		return delay
	}

	if r.Backoff == "exponential" {
		for i := 1; i < failures; i++ {
			delay *= 2
			if delay <= 0 { // overflow
				delay = 24 * time.Hour
				break
			}
		}
	}

	if maxDelay := r.MaxDelay.Duration; maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
