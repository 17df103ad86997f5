package gateway

import (
	"sync"
	"time"
)

// attemptState tracks failed password attempts against one cabinet.
type attemptState struct {
	count       int
	lastAttempt time.Time
	lockedUntil time.Time
}

// attemptLimiter locks a cabinet out after too many failed password
// attempts inside a sliding window, bounding brute-force guessing of
// the typically low-entropy passwords.
type attemptLimiter struct {
	mu          sync.Mutex
	attempts    map[int64]*attemptState
	maxAttempts int
	lockout     time.Duration
	window      time.Duration
	now         func() time.Time
}

func newAttemptLimiter(maxAttempts int, lockout, window time.Duration) *attemptLimiter {
	return &attemptLimiter{
		attempts:    make(map[int64]*attemptState),
		maxAttempts: maxAttempts,
		lockout:     lockout,
		window:      window,
		now:         time.Now,
	}
}

// locked reports whether the cabinet is currently locked out. Expired
// state is pruned on the way through.
func (al *attemptLimiter) locked(code int64) bool {
	al.mu.Lock()
	defer al.mu.Unlock()

	st, ok := al.attempts[code]
	if !ok {
		return false
	}

	now := al.now()
	if !st.lockedUntil.IsZero() && now.Before(st.lockedUntil) {
		return true
	}
	if now.Sub(st.lastAttempt) > al.window {
		delete(al.attempts, code)
	}
	return false
}

// recordFailure counts one failed attempt and starts the lockout when
// the threshold is reached.
func (al *attemptLimiter) recordFailure(code int64) {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	st, ok := al.attempts[code]
	if !ok {
		st = &attemptState{}
		al.attempts[code] = st
	}

	if now.Sub(st.lastAttempt) > al.window {
		st.count = 0
		st.lockedUntil = time.Time{}
	}

	st.count++
	st.lastAttempt = now
	if st.count >= al.maxAttempts {
		st.lockedUntil = now.Add(al.lockout)
	}
}

// reset clears the counter after a successful access.
func (al *attemptLimiter) reset(code int64) {
	al.mu.Lock()
	delete(al.attempts, code)
	al.mu.Unlock()
}
