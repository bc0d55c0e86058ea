package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"project-board-sync/internal/clock"
	"project-board-sync/internal/domain"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/response"
)

type recorder struct {
	mu        sync.Mutex
	successes []Result
	failures  []Result
}

func (r *recorder) onSuccess(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, res)
}

func (r *recorder) onFailure(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, res)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes), len(r.failures)
}

func newTestLedger(cfg Config, rec *recorder) (Ledger, *clock.FakeClock, *metrics.Metrics) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := metrics.NewWithRegistry(prometheus.NewRegistry(), zap.NewNop())
	cfg.OnSuccess = rec.onSuccess
	cfg.OnFailure = rec.onFailure
	return New(cfg, clk, m, zap.NewNop()), clk, m
}

func waitIdle(t *testing.T, l Ledger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx))
}

func TestRegister_SuccessConfirmsAndRemoves(t *testing.T) {
	rec := &recorder{}
	l, _, m := newTestLedger(Config{}, rec)

	release := make(chan struct{})
	var confirmed, rolledBack atomic.Int32

	err := l.Register(Action{
		ID:       "a1",
		Kind:     domain.ActionUpdate,
		Rollback: func() { rolledBack.Add(1) },
		Confirm:  func() { confirmed.Add(1) },
	}, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	// registration is synchronous
	assert.True(t, l.Has("a1"))
	assert.Equal(t, 1, l.Len())
	require.Len(t, l.Pending(), 1)
	assert.Equal(t, domain.ActionUpdate, l.Pending()[0].Kind)

	close(release)
	waitIdle(t, l)

	successes, failures := rec.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, failures)
	assert.Equal(t, int32(1), confirmed.Load())
	assert.Equal(t, int32(0), rolledBack.Load())
	assert.False(t, l.Has("a1"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingActions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionResolutionsTotal.WithLabelValues("update", "success")))
}

func TestRegister_FailureRollsBackOnce(t *testing.T) {
	rec := &recorder{}
	l, _, _ := newTestLedger(Config{}, rec)

	var rolledBack atomic.Int32
	cause := errors.New("backend unavailable")
	require.NoError(t, l.Register(Action{
		ID:       "a1",
		Kind:     domain.ActionCreate,
		Rollback: func() { rolledBack.Add(1) },
	}, func(ctx context.Context) error { return cause }))

	waitIdle(t, l)

	successes, failures := rec.counts()
	assert.Equal(t, 0, successes)
	require.Equal(t, 1, failures)
	assert.Equal(t, int32(1), rolledBack.Load())

	err := rec.failures[0].Err
	assert.True(t, response.IsCode(err, response.ErrCodeCommit))
	assert.ErrorIs(t, err, cause)
}

func TestRegister_Validation(t *testing.T) {
	l, _, _ := newTestLedger(Config{}, &recorder{})
	noop := func(context.Context) error { return nil }

	err := l.Register(Action{Rollback: func() {}}, noop)
	assert.True(t, response.IsCode(err, response.ErrCodeValidation))

	err = l.Register(Action{ID: "x"}, noop)
	assert.True(t, response.IsCode(err, response.ErrCodeValidation))

	err = l.Register(Action{ID: "x", Rollback: func() {}}, nil)
	assert.True(t, response.IsCode(err, response.ErrCodeValidation))
	assert.Equal(t, 0, l.Len())
}

func TestRegister_DuplicateIDRejected(t *testing.T) {
	l, _, _ := newTestLedger(Config{}, &recorder{})
	block := make(chan struct{})
	defer close(block)

	commit := func(ctx context.Context) error {
		<-block
		return nil
	}
	require.NoError(t, l.Register(Action{ID: "dup", Rollback: func() {}}, commit))
	err := l.Register(Action{ID: "dup", Rollback: func() {}}, commit)
	assert.True(t, response.IsCode(err, response.ErrCodeAlreadyExists))
}

func TestCommitTimeout_TakesFailurePath(t *testing.T) {
	rec := &recorder{}
	l, clk, _ := newTestLedger(Config{CommitTimeout: 3 * time.Second}, rec)

	var rolledBack atomic.Int32
	require.NoError(t, l.Register(Action{ID: "slow", Kind: domain.ActionUpdate, Rollback: func() { rolledBack.Add(1) }},
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))

	clk.WaitForTimers(1)
	clk.Advance(3 * time.Second)
	waitIdle(t, l)

	_, failures := rec.counts()
	require.Equal(t, 1, failures)
	assert.ErrorIs(t, rec.failures[0].Err, ErrCommitTimeout)
	assert.Equal(t, int32(1), rolledBack.Load())
}

func TestCommitTimeout_LateSuccessStillFails(t *testing.T) {
	rec := &recorder{}
	l, clk, _ := newTestLedger(Config{CommitTimeout: time.Second}, rec)

	timedOut := make(chan struct{})
	var rolledBack atomic.Int32
	require.NoError(t, l.Register(Action{ID: "late", Rollback: func() { rolledBack.Add(1) }},
		func(ctx context.Context) error {
			// ignores cancellation and reports success after the deadline
			<-timedOut
			return nil
		}))

	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	close(timedOut)
	waitIdle(t, l)

	successes, failures := rec.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 1, failures)
	assert.Equal(t, int32(1), rolledBack.Load())
}

func TestUnrelatedActionsDoNotBlock(t *testing.T) {
	rec := &recorder{}
	l, _, _ := newTestLedger(Config{}, rec)

	stuck := make(chan struct{})
	defer close(stuck)

	require.NoError(t, l.Register(Action{ID: "stuck", Rollback: func() {}}, func(ctx context.Context) error {
		<-stuck
		return nil
	}))
	require.NoError(t, l.Register(Action{ID: "fast", Rollback: func() {}}, func(ctx context.Context) error {
		return nil
	}))

	require.Eventually(t, func() bool { return !l.Has("fast") }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, l.Has("stuck"))
}

func TestClose_FailsOutstandingCommits(t *testing.T) {
	rec := &recorder{}
	l, _, _ := newTestLedger(Config{}, rec)

	var rolledBack atomic.Int32
	require.NoError(t, l.Register(Action{ID: "a", Rollback: func() { rolledBack.Add(1) }}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	l.Close()
	l.Close()
	waitIdle(t, l)

	assert.Equal(t, int32(1), rolledBack.Load())
	assert.ErrorIs(t, rec.failures[0].Err, ErrLedgerClosed)

	err := l.Register(Action{ID: "b", Rollback: func() {}}, func(context.Context) error { return nil })
	assert.True(t, response.IsCode(err, response.ErrCodeCommit))
}

func TestCommitPanicIsAFailure(t *testing.T) {
	rec := &recorder{}
	l, _, _ := newTestLedger(Config{}, rec)

	var rolledBack atomic.Int32
	require.NoError(t, l.Register(Action{ID: "p", Rollback: func() { rolledBack.Add(1) }}, func(context.Context) error {
		panic("persist bug")
	}))
	waitIdle(t, l)

	_, failures := rec.counts()
	assert.Equal(t, 1, failures)
	assert.Equal(t, int32(1), rolledBack.Load())
}

// **Feature: optimistic-action-ledger, Property 1: Exactly-once resolution under internal retries**
// For any retry budget and any number of failing attempts, an action resolves exactly once:
// success when some attempt succeeded, a single rollback otherwise.
func TestProperty_ExactlyOnceResolution(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("resolution is exactly once", prop.ForAll(
		func(attempts int, failing int) bool {
			rec := &recorder{}
			l, _, _ := newTestLedger(Config{CommitAttempts: attempts}, rec)

			var calls, rollbacks, confirms atomic.Int32
			err := l.Register(Action{
				ID:       "a",
				Kind:     domain.ActionUpdate,
				Rollback: func() { rollbacks.Add(1) },
				Confirm:  func() { confirms.Add(1) },
			}, func(ctx context.Context) error {
				if int(calls.Add(1)) <= failing {
					return errors.New("transient")
				}
				return nil
			})
			if err != nil {
				return false
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if l.Wait(ctx) != nil {
				return false
			}

			successes, failures := rec.counts()
			if failing >= attempts {
				return failures == 1 && successes == 0 && rollbacks.Load() == 1 && confirms.Load() == 0 &&
					int(calls.Load()) == attempts
			}
			return successes == 1 && failures == 0 && rollbacks.Load() == 0 && confirms.Load() == 1 &&
				int(calls.Load()) == failing+1
		},
		gen.IntRange(1, 5),
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}
