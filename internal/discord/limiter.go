package discord

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxTrackedUsers = 10000

// userLimiter throttles interactions per user.
type userLimiter struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	users map[string]*rate.Limiter
}

func newUserLimiter(interval time.Duration, burst int) *userLimiter {
	return &userLimiter{
		every: rate.Every(interval),
		burst: burst,
		users: map[string]*rate.Limiter{},
	}
}

func (l *userLimiter) Allow(userID string) bool {
	if l == nil || userID == "" {
		return true
	}
	l.mu.Lock()
	lim, ok := l.users[userID]
	if !ok {
		if len(l.users) >= maxTrackedUsers {
			l.users = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(l.every, l.burst)
		l.users[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
