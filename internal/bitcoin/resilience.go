package bitcoin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sbtc-signer/signer/internal/config"
)

// CircuitBreaker prevents hammering an unhealthy Bitcoin provider: Closed
// passes every call, Open blocks everything until the cooldown elapses,
// Half-Open allows a single probe through before deciding whether to
// re-close or reopen. Adapted from the teacher's provider-health circuit
// breaker, generalized from balance providers to the Bitcoin capability
// interface (spec.md §6, §9).
type CircuitBreaker struct {
	mu               sync.Mutex
	state            string
	consecutiveFails int
	threshold        int
	cooldown         time.Duration
	lastFailure      time.Time
	halfOpenAllowed  int
	halfOpenCount    int
}

// NewCircuitBreaker creates a circuit breaker with the given failure
// threshold and cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:           config.CircuitClosed,
		threshold:       threshold,
		cooldown:        cooldown,
		halfOpenAllowed: config.CircuitBreakerHalfOpenMax,
	}
}

// Allow reports whether a call should be let through right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case config.CircuitClosed:
		return true
	case config.CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.cooldown {
			cb.state = config.CircuitHalfOpen
			cb.halfOpenCount = 0
			return true
		}
		return false
	case config.CircuitHalfOpen:
		if cb.halfOpenCount < cb.halfOpenAllowed {
			cb.halfOpenCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	previous := cb.state
	cb.consecutiveFails = 0
	cb.state = config.CircuitClosed
	cb.halfOpenCount = 0

	if previous != config.CircuitClosed {
		slog.Info("bitcoin circuit breaker closed after success", "previousState", previous)
	}
}

// RecordFailure records a failed call, tripping the circuit if the
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = time.Now()

	if cb.state == config.CircuitHalfOpen {
		cb.state = config.CircuitOpen
		cb.halfOpenCount = 0
		slog.Warn("bitcoin circuit breaker reopened from half-open", "consecutiveFails", cb.consecutiveFails)
		return
	}

	if cb.consecutiveFails >= cb.threshold {
		cb.state = config.CircuitOpen
		cb.halfOpenCount = 0
		slog.Warn("bitcoin circuit breaker tripped open", "consecutiveFails", cb.consecutiveFails, "threshold", cb.threshold)
	}
}

// State returns the current state name, for health reporting.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RateLimiter wraps a token-bucket limiter scoped to one provider.
type RateLimiter struct {
	limiter *rate.Limiter
	name    string
}

// NewRateLimiter creates a limiter allowing rps requests per second, with a
// burst of 1 so traffic spreads evenly rather than bursting.
func NewRateLimiter(name string, rps int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), 1), name: name}
}

// Wait blocks until the limiter allows another call or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// parseRetryAfter extracts a duration from a Retry-After response header,
// supporting both the seconds and HTTP-date forms. Returns 0 if the header
// is absent, unparseable, or already in the past.
func parseRetryAfter(header http.Header) time.Duration {
	val := header.Get("Retry-After")
	if val == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(val); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
