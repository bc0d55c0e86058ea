package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"project-board-sync/internal/clock"
	"project-board-sync/internal/domain"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/response"
)

const (
	defaultCommitTimeout  = 10 * time.Second
	defaultCommitAttempts = 1
)

var (
	// ErrCommitTimeout is the cause of a commit that outlived its timeout
	ErrCommitTimeout = errors.New("commit timed out")
	// ErrLedgerClosed is the cause of commits canceled by Close
	ErrLedgerClosed = errors.New("ledger closed")
)

// Action is one optimistic mutation awaiting confirmation. The caller has
// already applied it before registering.
type Action struct {
	ID      string
	Kind    domain.ActionKind
	Payload any
	// Rollback restores the state captured before the mutation. Required.
	Rollback func()
	// Confirm runs once the commit succeeded. Optional.
	Confirm func()
}

// CommitFunc performs the server round-trip for an action
type CommitFunc func(ctx context.Context) error

// Result describes a resolved action
type Result struct {
	ID       string
	Kind     domain.ActionKind
	Payload  any
	Err      error
	Attempts int
	Duration time.Duration
}

// Pending describes an unresolved action
type Pending struct {
	ID           string            `json:"id"`
	Kind         domain.ActionKind `json:"kind"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Config controls commit execution and resolution callbacks
type Config struct {
	CommitTimeout  time.Duration
	CommitAttempts int
	OnSuccess      func(Result)
	OnFailure      func(Result)
}

// Ledger tracks optimistic actions until their commit resolves
type Ledger interface {
	Register(action Action, commit CommitFunc) error
	Has(id string) bool
	Pending() []Pending
	Len() int
	// Wait blocks until no action is pending or ctx is done
	Wait(ctx context.Context) error
	// Close cancels outstanding commits; they resolve as failures
	Close()
}

type entry struct {
	action       Action
	registeredAt time.Time
	cancel       context.CancelCauseFunc
	timer        *clock.Timer
	resolved     bool
}

type ledger struct {
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	changed chan struct{}
}

// New creates a ledger
func New(cfg Config, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) Ledger {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	if cfg.CommitAttempts < 1 {
		cfg.CommitAttempts = defaultCommitAttempts
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ledger{
		cfg:     cfg,
		clock:   clk,
		metrics: m,
		logger:  logger,
		entries: make(map[string]*entry),
		changed: make(chan struct{}),
	}
}

func (l *ledger) Register(action Action, commit CommitFunc) error {
	if action.ID == "" {
		return response.NewAppError(response.ErrCodeValidation, "Action ID is required", "")
	}
	if action.Rollback == nil {
		return response.NewAppError(response.ErrCodeValidation, "Action rollback is required", action.ID)
	}
	if commit == nil {
		return response.NewAppError(response.ErrCodeValidation, "Commit function is required", action.ID)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return response.WrapAppError(response.ErrCodeCommit, "Ledger is closed", ErrLedgerClosed)
	}
	if _, exists := l.entries[action.ID]; exists {
		l.mu.Unlock()
		return response.NewAppError(response.ErrCodeAlreadyExists, "Action already pending", action.ID)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	e := &entry{
		action:       action,
		registeredAt: l.clock.Now(),
		cancel:       cancel,
	}
	e.timer = l.clock.AfterFunc(l.cfg.CommitTimeout, func() { cancel(ErrCommitTimeout) })
	l.entries[action.ID] = e
	count := len(l.entries)
	l.mu.Unlock()

	l.metrics.SetPendingActions(count)
	l.logger.Debug("Action registered",
		zap.String("action_id", action.ID),
		zap.String("kind", string(action.Kind)))

	go l.run(ctx, e, commit)
	return nil
}

func (l *ledger) run(ctx context.Context, e *entry, commit CommitFunc) {
	start := l.clock.Now()
	var err error
	attempts := 0

	for attempts < l.cfg.CommitAttempts {
		attempts++
		err = l.safeCommit(ctx, commit)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			err = context.Cause(ctx)
			break
		}
		l.logger.Debug("Commit attempt failed",
			zap.String("action_id", e.action.ID),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}

	// a commit that ignored cancellation and returned after the timeout still fails
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}

	l.resolve(e, Result{
		ID:       e.action.ID,
		Kind:     e.action.Kind,
		Payload:  e.action.Payload,
		Err:      err,
		Attempts: attempts,
		Duration: l.clock.Now().Sub(start),
	})
}

func (l *ledger) safeCommit(ctx context.Context, commit CommitFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic in commit function", zap.Any("panic", r), zap.Stack("stacktrace"))
			err = errors.New("commit panicked")
		}
	}()
	return commit(ctx)
}

func (l *ledger) resolve(e *entry, result Result) {
	l.mu.Lock()
	if e.resolved {
		l.mu.Unlock()
		return
	}
	e.resolved = true
	l.mu.Unlock()

	e.timer.Stop()
	e.cancel(nil)

	if result.Err == nil {
		if e.action.Confirm != nil {
			l.safeCall("confirm", e.action.ID, e.action.Confirm)
		}
		l.metrics.RecordActionResolution(string(e.action.Kind), "success")
		l.logger.Debug("Action confirmed", zap.String("action_id", e.action.ID))
		if l.cfg.OnSuccess != nil {
			l.cfg.OnSuccess(result)
		}
	} else {
		l.safeCall("rollback", e.action.ID, e.action.Rollback)
		result.Err = response.WrapAppError(response.ErrCodeCommit, "Commit failed", result.Err)
		l.metrics.RecordActionResolution(string(e.action.Kind), "failure")
		l.logger.Warn("Action rolled back",
			zap.String("action_id", e.action.ID),
			zap.String("kind", string(e.action.Kind)),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err))
		if l.cfg.OnFailure != nil {
			l.cfg.OnFailure(result)
		}
	}

	// the entry stays visible until its hooks ran so Wait covers them
	l.mu.Lock()
	delete(l.entries, e.action.ID)
	count := len(l.entries)
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	l.metrics.SetPendingActions(count)
}

func (l *ledger) safeCall(name, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic in action hook",
				zap.String("hook", name),
				zap.String("action_id", id),
				zap.Any("panic", r))
		}
	}()
	fn()
}

func (l *ledger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

func (l *ledger) Pending() []Pending {
	l.mu.Lock()
	out := make([]Pending, 0, len(l.entries))
	for id, e := range l.entries {
		out = append(out, Pending{ID: id, Kind: e.action.Kind, RegisteredAt: e.registeredAt})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (l *ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *ledger) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		n, changed := len(l.entries), l.changed
		l.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancels := make([]context.CancelCauseFunc, 0, len(l.entries))
	for _, e := range l.entries {
		cancels = append(cancels, e.cancel)
	}
	l.mu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrLedgerClosed)
	}
}
