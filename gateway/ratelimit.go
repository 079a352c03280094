package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// opLimiters hold one connection's websocket op budgets.
type opLimiters struct {
	all      *rate.Limiter
	presence *rate.Limiter
}

func newOpLimiters() opLimiters {
	return opLimiters{
		all:      rate.NewLimiter(rate.Limit(float64(opsPerMinute)/60), opsPerMinute),
		presence: rate.NewLimiter(rate.Limit(float64(presencePerMinute)/60), presencePerMinute),
	}
}

// identifyLimiter hands out one identify per account every few seconds.
type identifyLimiter struct {
	mu    sync.Mutex
	users map[string]*rate.Limiter
	seen  map[string]time.Time
}

func newIdentifyLimiter() *identifyLimiter {
	return &identifyLimiter{
		users: make(map[string]*rate.Limiter),
		seen:  make(map[string]time.Time),
	}
}

// Allow reports whether the account may identify right now.
func (l *identifyLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.users[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(identifyEvery), 1)
		l.users[userID] = lim
	}
	l.seen[userID] = time.Now()

	return lim.Allow()
}

// Sweep drops limiters idle longer than age so the map stays bounded.
func (l *identifyLimiter) Sweep(age time.Duration) {
	cutoff := time.Now().Add(-age)

	l.mu.Lock()
	defer l.mu.Unlock()

	for userID, at := range l.seen {
		if at.Before(cutoff) {
			delete(l.seen, userID)
			delete(l.users, userID)
		}
	}
}
