package rest

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/palaver-chat/palaver/state"
)

// ctxUser is the gin context key the authenticated user is stored
// under.
const ctxUser = "user"

const (
	// requestsPerSecond is the global per account budget.
	requestsPerSecond = 50

	// messagesPerWindow posts are allowed per channel every
	// messageWindow.
	messagesPerWindow = 5
	messageWindow     = 5 * time.Second
)

// currentUser returns the user the auth middleware resolved.
func currentUser(c *gin.Context) *state.User {
	return c.MustGet(ctxUser).(*state.User)
}

// requestLogger logs one line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("Request")
	}
}

// authRequired resolves the Authorization header to a user and aborts
// with a 401 when it cannot.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		token = strings.TrimPrefix(token, "Bot ")

		user, err := s.state.UserByToken(token)
		if err != nil {
			failWith(c, http.StatusUnauthorized, "401: Unauthorized")
			return
		}

		c.Set(ctxUser, user)
		c.Next()
	}
}

// rateLimited enforces the global per account request budget. Runs
// after authRequired.
func (s *Server) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limits.accounts.Allow(currentUser(c).ID) {
			c.Header("Retry-After", "1")
			failWith(c, http.StatusTooManyRequests, "You are being rate limited.")
			return
		}
		c.Next()
	}
}

// adminRequired guards the admin routes with the configured token,
// compared in constant time.
func (s *Server) adminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			failWith(c, http.StatusUnauthorized, "401: Unauthorized")
			return
		}
		c.Next()
	}
}

// limiterTable lazily mints one rate limiter per key.
type limiterTable struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	items map[string]*rate.Limiter
	seen  map[string]time.Time
}

func newLimiterTable(limit rate.Limit, burst int) *limiterTable {
	return &limiterTable{
		limit: limit,
		burst: burst,
		items: make(map[string]*rate.Limiter),
		seen:  make(map[string]time.Time),
	}
}

// Allow reports whether the key has budget left right now.
func (t *limiterTable) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.items[key]
	if !ok {
		lim = rate.NewLimiter(t.limit, t.burst)
		t.items[key] = lim
	}
	t.seen[key] = time.Now()

	return lim.Allow()
}

// Sweep drops limiters idle longer than age so the map stays bounded.
func (t *limiterTable) Sweep(age time.Duration) {
	cutoff := time.Now().Add(-age)

	t.mu.Lock()
	defer t.mu.Unlock()

	for key, at := range t.seen {
		if at.Before(cutoff) {
			delete(t.seen, key)
			delete(t.items, key)
		}
	}
}

// restLimits hold the per account request budget and the per channel
// message budget.
type restLimits struct {
	accounts *limiterTable
	messages *limiterTable
}

func newRestLimits() *restLimits {
	return &restLimits{
		accounts: newLimiterTable(rate.Limit(requestsPerSecond), requestsPerSecond),
		messages: newLimiterTable(rate.Every(messageWindow/messagesPerWindow), messagesPerWindow),
	}
}

// Sweep ages out both tables.
func (l *restLimits) Sweep(age time.Duration) {
	l.accounts.Sweep(age)
	l.messages.Sweep(age)
}
