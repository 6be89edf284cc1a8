package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestGateScheduleBoundsConcurrency(t *testing.T) {
	g := NewGate(testLogger(), Config{MaxConcurrent: 2, MinSpacing: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, g.Start(ctx))

	var inflight int32
	var maxSeen int32
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		go func() {
			_ = g.Schedule(ctx, ScheduleOptions{ID: "t"}, func(ctx context.Context) error {
				n := atomic.AddInt32(&inflight, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inflight, -1)
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 2)
}

func TestGateScheduleRespectsCancellation(t *testing.T) {
	g := NewGate(testLogger(), Config{MaxConcurrent: 1, MinSpacing: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	blocker := make(chan struct{})
	go func() {
		_ = g.Schedule(context.Background(), ScheduleOptions{ID: "hold"}, func(ctx context.Context) error {
			<-blocker
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	err := g.Schedule(ctx, ScheduleOptions{ID: "waiter"}, func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	close(blocker)
}

func TestOnFailureRetriesTransientUpToMaxAttempts(t *testing.T) {
	g := NewGate(testLogger(), Config{MaxConcurrent: 1, MinSpacing: time.Millisecond})

	transient := &HTTPStatusError{StatusCode: 502}
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		delay, retry := g.OnFailure(transient, attempt)
		require.True(t, retry, "attempt %d should retry", attempt)
		assert.Equal(t, time.Duration(1<<uint(attempt))*time.Second, delay)
	}

	_, retry := g.OnFailure(transient, MaxAttempts)
	assert.False(t, retry)
}

func TestOnFailureGivesUpOnPermanentError(t *testing.T) {
	g := NewGate(testLogger(), Config{})
	_, retry := g.OnFailure(errors.New("permanent"), 0)
	assert.False(t, retry)

	_, retry = g.OnFailure(&HTTPStatusError{StatusCode: 404}, 0)
	assert.False(t, retry)
}

func TestIsTransientClassifiesKnownCodes(t *testing.T) {
	for _, code := range []int{429, 502, 504, 524} {
		assert.True(t, IsTransient(&HTTPStatusError{StatusCode: code}), "code %d", code)
	}
	assert.False(t, IsTransient(&HTTPStatusError{StatusCode: 400}))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(errors.New("socket hang up")))
	assert.False(t, IsTransient(nil))
}
