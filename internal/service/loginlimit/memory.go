// Package loginlimit throttles login attempts per (email, client IP) pair.
//
// A key collects failure timestamps over a sliding window; reaching the
// attempt budget locks the key for a fixed duration and a successful login
// clears it. Two implementations cover the deployment shapes: an in-process
// limiter for a single replica and a Redis-backed one for many.
package loginlimit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danieloza/backoffice/internal/domain"
)

func limiterKey(email, ip string) string {
	return strings.ToLower(strings.TrimSpace(email)) + "|" + ip
}

func retryErr(wait time.Duration) error {
	return fmt.Errorf("%w: too many login attempts, retry in %ds", domain.ErrRateLimited, int(wait.Seconds()))
}

// Memory is the single-replica limiter: a mutex-guarded sliding window of
// failures plus a lockout deadline per key.
type Memory struct {
	window time.Duration
	max    int
	lock   time.Duration

	mu          sync.Mutex
	attempts    map[string][]time.Time
	lockedUntil map[string]time.Time
	now         func() time.Time
}

// NewMemory constructs the in-process limiter.
func NewMemory(window time.Duration, maxAttempts int, lock time.Duration) *Memory {
	return &Memory{
		window:      window,
		max:         maxAttempts,
		lock:        lock,
		attempts:    map[string][]time.Time{},
		lockedUntil: map[string]time.Time{},
		now:         time.Now,
	}
}

// Allow implements domain.LoginLimiter.
func (m *Memory) Allow(_ domain.Context, email, ip string) error {
	now := m.now().UTC()
	key := limiterKey(email, ip)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)
	if until, ok := m.lockedUntil[key]; ok && until.After(now) {
		return retryErr(until.Sub(now))
	}
	return nil
}

// Fail implements domain.LoginLimiter.
func (m *Memory) Fail(_ domain.Context, email, ip string) error {
	now := m.now().UTC()
	key := limiterKey(email, ip)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)
	m.attempts[key] = append(m.attempts[key], now)
	if len(m.attempts[key]) >= m.max {
		m.lockedUntil[key] = now.Add(m.lock)
	}
	return nil
}

// Reset implements domain.LoginLimiter.
func (m *Memory) Reset(_ domain.Context, email, ip string) error {
	key := limiterKey(email, ip)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
	delete(m.lockedUntil, key)
	return nil
}

// prune drops window-expired failures and elapsed lockouts. Caller holds mu.
func (m *Memory) prune(now time.Time) {
	threshold := now.Add(-m.window)
	for key, arr := range m.attempts {
		kept := arr[:0]
		for _, t := range arr {
			if !t.Before(threshold) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(m.attempts, key)
			continue
		}
		m.attempts[key] = kept
	}
	for key, until := range m.lockedUntil {
		if !until.After(now) {
			delete(m.lockedUntil, key)
		}
	}
}
