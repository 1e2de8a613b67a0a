// Package resilience wraps fallible network operations with bounded retry,
// exponential backoff with jitter, and a circuit breaker. One Invoker is
// constructed per outbound operation class (retrieve, generate, persist) and
// shared by all call actors; it carries no call-specific state.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without attempting the operation while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Operation is one attempt of the wrapped call.
type Operation func(ctx context.Context) error

// Config controls retry pacing and breaker behavior.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// RetryableMarkers lists substrings identifying retryable errors when no
	// IsRetryable classifier is supplied.
	RetryableMarkers []string
	// IsRetryable overrides marker matching when set.
	IsRetryable func(error) bool

	BreakerThreshold int
	BreakerTimeout   time.Duration

	// Sleep and Now are injection seams for deterministic tests.
	Sleep func(time.Duration)
	Now   func() time.Time
	// Jitter returns a factor in [0.5, 1.0) applied to each computed delay.
	Jitter func() float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 1000 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BreakerThreshold < 1 {
		c.BreakerThreshold = 3
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Jitter == nil {
		c.Jitter = func() float64 { return 0.5 + rand.Float64()*0.5 }
	}
	return c
}

// Invoker executes operations for one operation class. Safe for concurrent
// use by multiple call actors.
type Invoker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	consecutiveFailures int
	open                bool
	openedAt            time.Time
}

// NewInvoker builds an invoker named after its operation class.
func NewInvoker(name string, cfg Config) (*Invoker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("invoker name is required")
	}
	return &Invoker{name: name, cfg: cfg.withDefaults()}, nil
}

// Name returns the operation class this invoker wraps.
func (inv *Invoker) Name() string {
	return inv.name
}

// Invoke runs op with retry, backoff, and circuit breaking.
//
// Non-retryable errors surface immediately. Exhausting the retry budget
// surfaces a terminal error naming the operation and wrapping the last
// underlying error. While the breaker is open, calls short-circuit to
// ErrCircuitOpen without attempting op. A canceled or expired caller
// context surfaces its error without counting against the breaker.
func (inv *Invoker) Invoke(ctx context.Context, op Operation) error {
	if op == nil {
		return fmt.Errorf("%s: operation is required", inv.name)
	}
	if err := inv.admit(); err != nil {
		return fmt.Errorf("%s: %w", inv.name, err)
	}

	var lastErr error
	attempts := inv.cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		// Caller cancellation is not a dependency failure: it must neither
		// trip the shared breaker nor burn retries, or one call's barge-in
		// would open the circuit for every other call.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", inv.name, err)
		}

		err := op(ctx)
		if err == nil {
			inv.recordSuccess()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", inv.name, ctxErr)
		}
		lastErr = err

		if !inv.retryable(err) {
			inv.recordFailure()
			return fmt.Errorf("%s: non-retryable: %w", inv.name, err)
		}
		if attempt == attempts {
			break
		}
		inv.cfg.Sleep(inv.delay(attempt))
	}

	inv.recordFailure()
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", inv.name, attempts, lastErr)
}

// delay returns the backoff before the retry following the given attempt:
// min(maxDelay, initialDelay * multiplier^(attempt-1)) scaled by jitter.
func (inv *Invoker) delay(attempt int) time.Duration {
	base := PlannedDelay(inv.cfg, attempt)
	return time.Duration(float64(base) * inv.cfg.Jitter())
}

// PlannedDelay computes the pre-jitter backoff for the given attempt number
// (1-based). Exposed for pacing audits.
func PlannedDelay(cfg Config, attempt int) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	scaled := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if scaled > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(scaled)
}

func (inv *Invoker) retryable(err error) bool {
	if inv.cfg.IsRetryable != nil {
		return inv.cfg.IsRetryable(err)
	}
	if len(inv.cfg.RetryableMarkers) == 0 {
		return true
	}
	msg := err.Error()
	for _, marker := range inv.cfg.RetryableMarkers {
		if marker != "" && strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// admit applies breaker gating: open short-circuits until the timeout
// elapses, then one probe call is allowed through (half-open).
func (inv *Invoker) admit() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.open {
		return nil
	}
	if inv.cfg.Now().Sub(inv.openedAt) < inv.cfg.BreakerTimeout {
		return ErrCircuitOpen
	}
	// Half-open: let this call probe. recordSuccess closes, recordFailure
	// re-opens with a fresh timeout window.
	inv.open = false
	return nil
}

func (inv *Invoker) recordSuccess() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.consecutiveFailures = 0
	inv.open = false
}

func (inv *Invoker) recordFailure() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.consecutiveFailures++
	if inv.consecutiveFailures >= inv.cfg.BreakerThreshold {
		inv.open = true
		inv.openedAt = inv.cfg.Now()
	}
}

// BreakerOpen reports whether the breaker is currently open.
func (inv *Invoker) BreakerOpen() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.open
}
