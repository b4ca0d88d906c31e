// Package breaker provides a circuit breaker for calls to flaky external
// dependencies (identity provider, payment provider, durable storage).
//
// Every outbound call that can time out or fail at the dependency level goes
// through a Breaker. The breaker watches consecutive failures and, once a
// threshold is crossed, stops sending traffic for a cooldown window so a
// struggling dependency gets room to recover instead of being hammered by
// every caller at once.
//
// State machine:
//
//	[CLOSED] ---(failureCount >= threshold)---> [OPEN]
//	[OPEN]   ---(cooldown elapsed)-----------> [HALF_OPEN]
//	[HALF_OPEN] ---(trial succeeds)----------> [CLOSED]
//	[HALF_OPEN] ---(trial fails)-------------> [OPEN]
//
// Classification discipline matters: only dependency-class failures
// (timeouts, connection errors, 5xx-equivalents) count toward the threshold.
// A caller sending garbage gets a validation error back; that must never
// trip the breaker for everyone else. Callers mark the distinction by
// wrapping dependency failures with MarkDependencyFailure, or by installing
// a custom Classifier.
//
// One Breaker instance exists per named dependency, shared by all callers of
// that dependency. Instances live in a Registry that is constructed at
// startup and passed down explicitly; there is no package-level state.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is rejecting calls.
// It is a recoverable condition: callers must degrade (cached data, 503 with
// retry-after), never treat it as fatal.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError carries the dependency name and the time remaining until the
// breaker will allow a trial call. It unwraps to ErrCircuitOpen.
type OpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Dependency, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Classifier reports whether an error is a dependency-level failure that
// should count toward tripping the breaker.
type Classifier func(error) bool

type dependencyFailure struct{ err error }

func (d *dependencyFailure) Error() string { return d.err.Error() }
func (d *dependencyFailure) Unwrap() error { return d.err }

// MarkDependencyFailure tags err so the default classifier counts it as
// trip-worthy. Use it when the wrapped call has already determined the
// failure came from the dependency (5xx response, broken stream).
func MarkDependencyFailure(err error) error {
	if err == nil {
		return nil
	}
	return &dependencyFailure{err: err}
}

// DefaultClassifier counts timeouts, cancellations caused by deadline
// expiry, network errors, and anything tagged via MarkDependencyFailure.
// Everything else (validation errors, 4xx-equivalents, business errors)
// does not trip the breaker.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	var df *dependencyFailure
	if errors.As(err, &df) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Config holds breaker tuning. Zero values fall back to defaults suited to
// a dependency called a few times per request.
type Config struct {
	// Threshold is the number of consecutive dependency failures that
	// opens the breaker. Default 5.
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a
	// half-open trial. Default 30s.
	Cooldown time.Duration

	// Timeout bounds each wrapped call. Expiry counts as a dependency
	// failure. Default 3s.
	Timeout time.Duration

	// Classify overrides DefaultClassifier when set.
	Classify Classifier
}

// Breaker guards a single named dependency. Safe for concurrent use; all
// state transitions happen under one mutex so concurrent Execute calls can
// never race into duplicate OPEN transitions or lost failure counts.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	timeout   time.Duration
	classify  Classifier
	log       zerolog.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	trialActive  bool

	// now is swappable for tests
	now func() time.Time
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Classify == nil {
		cfg.Classify = DefaultClassifier
	}

	return &Breaker{
		name:      name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		timeout:   cfg.Timeout,
		classify:  cfg.Classify,
		log:       logger.With().Str("component", "breaker").Str("dependency", name).Logger(),
		state:     StateClosed,
		now:       time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn under the breaker's protection.
//
// In CLOSED it invokes fn with the configured timeout applied to ctx. In
// OPEN it rejects immediately with an OpenError, without invoking fn. Once
// the cooldown elapses it admits exactly one trial call; a successful trial
// resets the breaker to CLOSED, a failed trial re-opens it and restarts the
// cooldown. Concurrent callers during the trial are rejected.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	callErr := fn(callCtx)

	// A breaker-timeout expiry is a dependency failure even if fn returned
	// a wrapped context error.
	if callErr != nil && callCtx.Err() == context.DeadlineExceeded {
		callErr = MarkDependencyFailure(callErr)
	}

	b.settle(trial, callErr)
	return callErr
}

// admit decides whether a call may proceed. The returned bool reports
// whether this call is the half-open trial.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			rejectionsTotal.WithLabelValues(b.name).Inc()
			return false, &OpenError{Dependency: b.name, RetryAfter: b.cooldown - elapsed}
		}
		// Cooldown elapsed: move to half-open and take the trial slot.
		b.setState(StateHalfOpen)
		b.trialActive = true
		b.log.Info().Msg("breaker half-open, admitting trial call")
		return true, nil

	case StateHalfOpen:
		if b.trialActive {
			rejectionsTotal.WithLabelValues(b.name).Inc()
			return false, &OpenError{Dependency: b.name, RetryAfter: b.cooldown}
		}
		b.trialActive = true
		return true, nil
	}

	return false, nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(trial bool, callErr error) {
	failure := b.classify(callErr)

	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialActive = false
		if failure {
			// Failed trial: back to open, cooldown restarts.
			b.setState(StateOpen)
			b.openedAt = b.now()
			b.log.Warn().Err(callErr).Msg("half-open trial failed, reopening")
			return
		}
		b.setState(StateClosed)
		b.failureCount = 0
		b.log.Info().Msg("half-open trial succeeded, breaker closed")
		return
	}

	if b.state != StateClosed {
		// A non-trial call finished after a state flip; its outcome no
		// longer affects the count.
		return
	}

	if !failure {
		if b.failureCount > 0 {
			b.failureCount = 0
		}
		return
	}

	b.failureCount++
	failuresTotal.WithLabelValues(b.name).Inc()
	if b.failureCount >= b.threshold {
		b.setState(StateOpen)
		b.openedAt = b.now()
		tripsTotal.WithLabelValues(b.name).Inc()
		b.log.Warn().
			Int("failure_count", b.failureCount).
			Dur("cooldown", b.cooldown).
			Msg("failure threshold reached, breaker opened")
	}
}

// IsAvailable reports whether a call would currently be admitted, without
// side effects. Callers use it to choose a fallback path up front instead
// of incurring a doomed call.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.cooldown
	case StateHalfOpen:
		return !b.trialActive
	}
	return false
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of breaker internals for dashboards and
// the admin CLI.
type Snapshot struct {
	Dependency   string    `json:"dependency"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// GetState returns a snapshot of the breaker.
func (b *Breaker) GetState() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Dependency:   b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		OpenedAt:     b.openedAt,
	}
}

// ForceClose is a manual operator override back to CLOSED. It clears the
// failure count and any in-flight trial slot.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.log.Warn().Str("from", b.state.String()).Msg("breaker force-closed by operator")
	}
	b.setState(StateClosed)
	b.failureCount = 0
	b.trialActive = false
}

// setState flips the state and updates the exported gauge. Callers hold b.mu.
func (b *Breaker) setState(s State) {
	b.state = s
	stateGauge.WithLabelValues(b.name).Set(float64(s))
}
