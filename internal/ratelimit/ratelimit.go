// Package ratelimit implements the RateGate: the single admission point for
// every outbound call to the remote commerce-platform API. It bounds
// concurrency, enforces a minimum spacing between dispatches, and exposes
// the retry/backoff policy its caller (RemoteCatalog) drives itself.
//
// The gate itself is a token-bucket-style admitter grounded on the
// discovery scraper's ConcurrencyGate + TokenBucket pair and the
// reverse-monitor's dynLimiter penalize/reward cycle — no third-party
// rate-limiting library appears anywhere in the retrieved pack, so this
// stays in the teacher's own hand-rolled idiom rather than reaching past it.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexacommerce/catalog-sync/internal/metrics"
)

// MaxAttempts bounds the retry policy RateGate hands back to its callers.
const MaxAttempts = 5

// Compile-time interface compliance check, the way the pack's Service
// interfaces declare themselves (ethpandaops-lab-backend/internal/ratelimit).
var _ Service = (*Gate)(nil)

// Service is the RateGate contract: admission plus a shared backoff policy.
type Service interface {
	Start(ctx context.Context) error
	Stop() error

	// Schedule admits fn under the gate's concurrency and spacing limits,
	// blocking the caller until both are available or ctx is cancelled.
	Schedule(ctx context.Context, opts ScheduleOptions, fn func(ctx context.Context) error) error

	// OnFailure decides whether a failed attempt should be retried and, if
	// so, after how long. The gate does not retry on the caller's behalf;
	// callers loop on this decision themselves.
	OnFailure(err error, attempt int) (delay time.Duration, retry bool)
}

// ScheduleOptions attributes a scheduled task for logging/metrics.
type ScheduleOptions struct {
	ID          string
	Attribution string
}

// Config configures a Gate.
type Config struct {
	MaxConcurrent int
	MinSpacing    time.Duration
	// Adaptive enables the AIMD concurrency hint described in
	// SPEC_FULL.md §4.9. Off by default: maxConcurrent stays fixed.
	Adaptive bool
}

// Gate is the default Service implementation.
type Gate struct {
	log logrus.FieldLogger
	cfg Config

	concurrency *concurrencyGate
	spacing     *spacingLimiter
	tuner       *autoTuner
}

// NewGate constructs a Gate from Config.
func NewGate(log logrus.FieldLogger, cfg Config) *Gate {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = 250 * time.Millisecond
	}

	g := &Gate{
		log:         log.WithField("component", "rategate"),
		cfg:         cfg,
		concurrency: newConcurrencyGate(cfg.MaxConcurrent),
		spacing:     newSpacingLimiter(cfg.MinSpacing),
	}

	if cfg.Adaptive {
		g.tuner = newAutoTuner(g.concurrency, 1, cfg.MaxConcurrent*4)
	}

	return g
}

func (g *Gate) Start(ctx context.Context) error {
	g.log.Info("rate gate started")
	if g.tuner != nil {
		go g.tuner.run(ctx)
	}
	return nil
}

func (g *Gate) Stop() error {
	g.log.Info("rate gate stopped")
	return nil
}

// Schedule blocks until a concurrency slot and a spacing interval are both
// available, then runs fn. If ctx is cancelled while waiting, fn never
// runs and ctx.Err() is returned.
func (g *Gate) Schedule(ctx context.Context, opts ScheduleOptions, fn func(ctx context.Context) error) error {
	start := time.Now()

	if !g.concurrency.Acquire(ctx) {
		return ctx.Err()
	}
	defer g.concurrency.Release()

	metrics.RateGateInflight.Set(float64(g.concurrency.Inflight()))
	defer metrics.RateGateInflight.Set(float64(g.concurrency.Inflight() - 1))

	if !g.spacing.Take(ctx) {
		return ctx.Err()
	}

	metrics.RateGateWaitSeconds.Observe(time.Since(start).Seconds())

	g.log.WithFields(logrus.Fields{
		"id":          opts.ID,
		"attribution": opts.Attribution,
	}).Debug("rate gate admitted task")

	err := fn(ctx)
	if err == nil && g.tuner != nil {
		g.tuner.Reward()
	}
	return err
}

// OnFailure classifies err and decides the retry policy: exponential
// backoff (base * 2^attempt) for transient errors, up to MaxAttempts.
func (g *Gate) OnFailure(err error, attempt int) (time.Duration, bool) {
	if attempt >= MaxAttempts || !IsTransient(err) {
		metrics.RateGateRetriesTotal.WithLabelValues("give_up").Inc()
		return 0, false
	}

	if g.tuner != nil {
		g.tuner.Penalize()
	}

	metrics.RateGateRetriesTotal.WithLabelValues("retry").Inc()

	base := time.Second
	delay := time.Duration(math.Pow(2, float64(attempt))) * base
	return delay, true
}

// HTTPStatusError lets transport-layer callers report a status code
// without importing net/http into this package.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("remote catalog returned HTTP status %d", e.StatusCode)
}

// IsTransient classifies the errors §7 names as retryable: HTTP
// 429/502/504/524, ECONNRESET, and "socket hang up".
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 429, 502, 504, 524:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "econnreset") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "socket hang up")
}

// concurrencyGate bounds the number of in-flight admissions, grounded on
// fetchd.go's ConcurrencyGate (sync.Cond-based wait/signal).
type concurrencyGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	window  int
	current int
}

func newConcurrencyGate(n int) *concurrencyGate {
	g := &concurrencyGate{window: max(1, n)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *concurrencyGate) Acquire(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		close(done)
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	for g.current >= g.window {
		select {
		case <-done:
			return false
		default:
		}
		if ctx.Err() != nil {
			return false
		}
		g.cond.Wait()
	}
	g.current++
	return true
}

func (g *concurrencyGate) Release() {
	g.mu.Lock()
	if g.current > 0 {
		g.current--
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *concurrencyGate) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

func (g *concurrencyGate) Window() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window
}

func (g *concurrencyGate) SetWindow(n int) {
	g.mu.Lock()
	if n < 1 {
		n = 1
	}
	g.window = n
	g.cond.Broadcast()
	g.mu.Unlock()
}

// spacingLimiter enforces a minimum interval between successive admissions,
// grounded on fetchd.go's TokenBucket (capacity 1, refill at 1/minSpacing).
type spacingLimiter struct {
	mu         sync.Mutex
	minSpacing time.Duration
	last       time.Time
}

func newSpacingLimiter(minSpacing time.Duration) *spacingLimiter {
	return &spacingLimiter{minSpacing: minSpacing}
}

func (s *spacingLimiter) Take(ctx context.Context) bool {
	for {
		s.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(s.last)
		if s.last.IsZero() || elapsed >= s.minSpacing {
			s.last = now
			s.mu.Unlock()
			return true
		}
		wait := s.minSpacing - elapsed
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
