package breaker

import (
	apperrors "chat-relay/errors"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Timeout:           200 * time.Millisecond,
		ErrorThresholdPct: 50,
		ResetTimeout:      100 * time.Millisecond,
		RollingWindow:     10 * time.Second,
		RollingBuckets:    10,
		MinSamples:        5,
	}
}

var errBoom = fmt.Errorf("boom")

func Test_Closed_Calls_Pass_Through(t *testing.T) {
	req := require.New(t)
	b := New("fetch-user", testConfig())

	var calls int32
	result, err := Do(b, context.Background(), func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "alice", nil
	})
	req.NoError(err)
	req.Equal("alice", result)
	req.Equal(int32(1), atomic.LoadInt32(&calls))
	req.Equal(Closed, b.State())
	req.True(b.Healthy())
}

func Test_Trips_Open_After_Failure_Threshold(t *testing.T) {
	req := require.New(t)
	b := New("fetch-user", testConfig())

	var calls int32
	fail := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errBoom
	}

	// MinSamples is 5, threshold 50%: six straight failures must trip.
	for i := 0; i < 6; i++ {
		err := b.Execute(context.Background(), fail)
		req.ErrorIs(err, errBoom)
	}
	req.Equal(Open, b.State())
	req.False(b.Healthy())

	// While open, calls fail fast and the dependency is never invoked.
	before := atomic.LoadInt32(&calls)
	err := b.Execute(context.Background(), fail)
	req.ErrorIs(err, apperrors.ErrServiceUnavailable)
	req.Equal(before, atomic.LoadInt32(&calls))

	stats := b.Stats()
	req.Equal(uint64(6), stats.Failures)
	req.Equal(uint64(1), stats.Rejects)
}

func Test_Below_Min_Samples_Never_Trips(t *testing.T) {
	req := require.New(t)
	b := New("verify-code", testConfig())

	for i := 0; i < 4; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error {
			return errBoom
		})
		req.ErrorIs(err, errBoom)
	}
	req.Equal(Closed, b.State())
}

func Test_Mixed_Outcomes_Below_Threshold_Stay_Closed(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.ErrorThresholdPct = 60
	b := New("send-magic-link", cfg)

	// 3 failures out of 8 samples = 37.5%, under the 60% threshold.
	for i := 0; i < 8; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			if i < 3 {
				return errBoom
			}
			return nil
		})
	}
	req.Equal(Closed, b.State())
}

func Test_Half_Open_Allows_Exactly_One_Trial(t *testing.T) {
	req := require.New(t)
	b := New("fetch-user", testConfig())

	tripBreaker(t, b)
	time.Sleep(120 * time.Millisecond) // past ResetTimeout

	var invocations int32
	var rejected int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := b.Execute(context.Background(), func(ctx context.Context) error {
				atomic.AddInt32(&invocations, 1)
				time.Sleep(50 * time.Millisecond) // hold the trial in flight
				return nil
			})
			if err != nil {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	req.Equal(int32(1), atomic.LoadInt32(&invocations))
	req.Equal(int32(9), atomic.LoadInt32(&rejected))
	req.Equal(Closed, b.State())
}

func Test_Failed_Trial_Reopens_Circuit(t *testing.T) {
	req := require.New(t)
	b := New("refresh-token", testConfig())

	tripBreaker(t, b)
	time.Sleep(120 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		return errBoom
	})
	req.ErrorIs(err, errBoom)
	req.Equal(Open, b.State())

	// Reopened with a fresh deadline: still rejecting.
	err = b.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	req.ErrorIs(err, apperrors.ErrServiceUnavailable)
}

func Test_Successful_Trial_Resets_Window(t *testing.T) {
	req := require.New(t)
	b := New("fetch-user", testConfig())

	tripBreaker(t, b)
	time.Sleep(120 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	req.NoError(err)
	req.Equal(Closed, b.State())

	// A single failure after the reset must not trip again: the old
	// window samples were cleared by the successful trial.
	err = b.Execute(context.Background(), func(ctx context.Context) error {
		return errBoom
	})
	req.ErrorIs(err, errBoom)
	req.Equal(Closed, b.State())
}

func Test_Timeout_Counts_As_Failure(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	b := New("fetch-user", cfg)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(500 * time.Millisecond):
			return nil // late response, discarded
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	req.ErrorIs(err, apperrors.ErrCallTimeout)

	stats := b.Stats()
	req.Equal(uint64(1), stats.Timeouts)
	req.Equal(uint64(1), stats.Failures)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
}

func (r *recordingObserver) OnStateChange(name string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, fmt.Sprintf("%s->%s", from, to))
}

func Test_Observer_Receives_Transitions(t *testing.T) {
	req := require.New(t)
	obs := &recordingObserver{}
	b := New("fetch-user", testConfig(), obs)

	tripBreaker(t, b)
	time.Sleep(120 * time.Millisecond)
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	req.NoError(err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	req.Equal([]string{"closed->open", "open->half-open", "half-open->closed"}, obs.transitions)
}

// tripBreaker forces the breaker open with straight failures.
func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 6; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errBoom
		})
	}
	require.Equal(t, Open, b.State())
}
