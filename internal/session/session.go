package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"project-board-sync/internal/autosave"
	"project-board-sync/internal/board"
	"project-board-sync/internal/clock"
	"project-board-sync/internal/connection"
	"project-board-sync/internal/domain"
	"project-board-sync/internal/ledger"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/notify"
	"project-board-sync/internal/permission"
	"project-board-sync/internal/realtime"
	"project-board-sync/internal/response"
)

const (
	defaultAutosaveDelay = 1500 * time.Millisecond
	emitTimeout          = 5 * time.Second
)

// ErrSessionClosed is returned by operations on a closed session
var ErrSessionClosed = errors.New("session closed")

// PersistFunc saves a board snapshot and returns the stored version
type PersistFunc func(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error)

// FetchFunc loads the stored board
type FetchFunc func(ctx context.Context, projectID string) (domain.Snapshot, error)

// Options configure a Session
type Options struct {
	ProjectID      string
	Identity       domain.Identity
	Initial        domain.Snapshot
	Conn           connection.Manager
	Persist        PersistFunc
	Fetch          FetchFunc
	Permissions    permission.Predicate
	Notifier       notify.Notifier
	AutosaveDelay  time.Duration
	PersistTimeout time.Duration
	CommitTimeout  time.Duration
	CommitAttempts int
	Clock          clock.Clock
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Status summarizes a session for the operation API
type Status struct {
	ProjectID        string           `json:"project_id"`
	Version          int64            `json:"version"`
	PersistedVersion int64            `json:"persisted_version"`
	Pending          []ledger.Pending `json:"pending"`
	AutosavePending  bool             `json:"autosave_pending"`
	Saving           bool             `json:"saving"`
	Deleted          bool             `json:"deleted"`
}

// change is the ledger payload of one mutation
type change struct {
	entityType string
	entityID   string
	data       any
}

// Session is one mounted project view: board model, ledger, autosave and
// remote event watches.
type Session struct {
	projectID   string
	room        string
	identity    domain.Identity
	conn        connection.Manager
	persist     PersistFunc
	fetch       FetchFunc
	permissions permission.Predicate
	notifier    notify.Notifier
	delay       time.Duration
	clock       clock.Clock
	logger      *zap.Logger

	board  *board.Board
	ledger ledger.Ledger
	// the scheduler carries the board version a save must cover; the
	// board itself is read when the save runs
	scheduler *autosave.Scheduler[int64]

	mu               sync.Mutex
	lastGen          uint64
	scheduledVersion int64
	persistedVersion int64
	watches          []realtime.Watch
	closed           bool
	unmounted        bool
}

// New mounts a session: it seeds the board and joins the project room
func New(opts Options) (*Session, error) {
	if opts.ProjectID == "" {
		return nil, response.NewAppError(response.ErrCodeValidation, "Project ID is required", "")
	}
	if opts.Conn == nil || opts.Persist == nil {
		return nil, response.NewAppError(response.ErrCodeValidation, "Connection and persist function are required", opts.ProjectID)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AutosaveDelay <= 0 {
		opts.AutosaveDelay = defaultAutosaveDelay
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewBroadcaster(0, opts.Logger)
	}
	if opts.Permissions == nil {
		opts.Permissions = permission.Static(permission.ForRole(permission.RoleViewer))
	}
	logger := opts.Logger.With(zap.String("project_id", opts.ProjectID))

	s := &Session{
		projectID:   opts.ProjectID,
		room:        domain.RoomName(domain.EntityProject, opts.ProjectID),
		identity:    opts.Identity,
		conn:        opts.Conn,
		persist:     opts.Persist,
		fetch:       opts.Fetch,
		permissions: opts.Permissions,
		notifier:    opts.Notifier,
		delay:       opts.AutosaveDelay,
		clock:       opts.Clock,
		logger:      logger,
	}

	initial := opts.Initial
	initial.ProjectID = opts.ProjectID
	s.board = board.New(board.Options{
		ProjectID: opts.ProjectID,
		Identity:  opts.Identity,
		Clock:     opts.Clock,
		Logger:    logger,
	}, initial)

	s.scheduler = autosave.New[int64](autosave.Config{
		Timeout: opts.PersistTimeout,
		OnError: func(err error) {
			logger.Warn("Board save failed", zap.Error(err))
		},
	}, opts.Clock, opts.Metrics, logger)

	s.ledger = ledger.New(ledger.Config{
		CommitTimeout:  opts.CommitTimeout,
		CommitAttempts: opts.CommitAttempts,
		OnSuccess:      s.onCommitted,
		OnFailure:      s.onRolledBack,
	}, opts.Clock, opts.Metrics, logger)

	s.board.SetObserver(s.onBoardChange)

	router := realtime.NewRouter(opts.Conn, opts.Clock, opts.Metrics, logger)
	for _, entityType := range []string{domain.EntityProject, domain.EntityItem, domain.EntityColumn} {
		w, err := router.Watch(realtime.WatchOptions{
			EntityType: entityType,
			EntityID:   opts.ProjectID,
			Room:       s.room,
			OnUpdate:   s.onRemote,
		})
		if err != nil {
			s.closeWatches()
			return nil, err
		}
		s.watches = append(s.watches, w)
	}

	logger.Info("Session mounted", zap.String("room", s.room))
	return s, nil
}

// ProjectID returns the session's project
func (s *Session) ProjectID() string { return s.projectID }

// Board returns a deep copy of the current board
func (s *Session) Board() domain.Snapshot { return s.board.Snapshot() }

// Status returns pending work and versions
func (s *Session) Status() Status {
	snap := s.board.Snapshot()
	s.mu.Lock()
	persisted := s.persistedVersion
	s.mu.Unlock()
	return Status{
		ProjectID:        s.projectID,
		Version:          snap.Version,
		PersistedVersion: persisted,
		Pending:          s.ledger.Pending(),
		AutosavePending:  s.scheduler.IsPending(),
		Saving:           s.scheduler.InFlight(),
		Deleted:          s.board.Deleted(),
	}
}

// Refresh replaces the board with the stored one. It is refused while local
// changes are pending.
func (s *Session) Refresh(ctx context.Context) error {
	if s.fetch == nil {
		return nil
	}
	if s.ledger.Len() > 0 || s.scheduler.IsPending() {
		return response.NewAppError(response.ErrCodeValidation, "Cannot refresh while changes are pending", s.projectID)
	}
	snap, err := s.fetch(ctx, s.projectID)
	if err != nil {
		return err
	}
	snap.ProjectID = s.projectID
	s.board.Reset(snap)
	s.mu.Lock()
	s.persistedVersion = snap.Version
	s.mu.Unlock()
	return nil
}

// AddColumn creates a column
func (s *Session) AddColumn(col domain.Column) (board.Mutation, error) {
	return s.apply(permission.CanCreateColumns, "create columns", func() (board.Mutation, error) {
		return s.board.AddColumn(col)
	})
}

// DeleteColumn deletes a column and its values
func (s *Session) DeleteColumn(id string) (board.Mutation, error) {
	return s.apply(permission.CanDeleteColumns, "delete columns", func() (board.Mutation, error) {
		return s.board.DeleteColumn(id)
	})
}

// RenameColumn renames a column
func (s *Session) RenameColumn(id, name string) (board.Mutation, error) {
	return s.apply(permission.CanCreateColumns, "edit columns", func() (board.Mutation, error) {
		return s.board.RenameColumn(id, name)
	})
}

// ResizeColumn changes a column width
func (s *Session) ResizeColumn(id string, width int) (board.Mutation, error) {
	return s.apply(permission.CanCreateColumns, "edit columns", func() (board.Mutation, error) {
		return s.board.ResizeColumn(id, width)
	})
}

// SetColumnOptions replaces a select column's options
func (s *Session) SetColumnOptions(id string, options []string) (board.Mutation, error) {
	return s.apply(permission.CanCreateColumns, "edit columns", func() (board.Mutation, error) {
		return s.board.SetColumnOptions(id, options)
	})
}

// AddItem creates an item
func (s *Session) AddItem(fields map[string]any) (board.Mutation, error) {
	return s.apply(permission.CanEdit, "add items", func() (board.Mutation, error) {
		return s.board.AddItem(fields)
	})
}

// UpdateItemField sets one field of an item
func (s *Session) UpdateItemField(itemID, columnID string, value any) (board.Mutation, error) {
	return s.apply(permission.CanEdit, "edit items", func() (board.Mutation, error) {
		return s.board.UpdateItemField(itemID, columnID, value)
	})
}

// DeleteItem deletes an item
func (s *Session) DeleteItem(id string) (board.Mutation, error) {
	return s.apply(permission.CanDelete, "delete items", func() (board.Mutation, error) {
		return s.board.DeleteItem(id)
	})
}

// apply runs one local operation: permission check, optimistic mutation,
// ledger registration bound to the autosave covering it
func (s *Session) apply(capability permission.Capability, what string, mutate func() (board.Mutation, error)) (board.Mutation, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return board.Mutation{}, response.WrapAppError(response.ErrCodeValidation, "Project view is closed", ErrSessionClosed)
	}

	if err := permission.Require(s.permissions, capability); err != nil {
		s.notifier.Notify(notify.Notification{
			Level:     notify.LevelWarning,
			Title:     "Permission denied",
			Message:   fmt.Sprintf("You do not have permission to %s", what),
			ProjectID: s.projectID,
		})
		s.logger.Info("Operation denied", zap.String("capability", string(capability)))
		return board.Mutation{}, err
	}

	m, err := mutate()
	if err != nil {
		return board.Mutation{}, err
	}

	s.mu.Lock()
	gen := s.lastGen
	s.mu.Unlock()

	err = s.ledger.Register(ledger.Action{
		ID:       m.ID,
		Kind:     m.Kind,
		Payload:  change{entityType: m.EntityType, entityID: m.EntityID, data: m.Payload},
		Rollback: m.Rollback,
		Confirm:  m.Confirm,
	}, func(ctx context.Context) error {
		return s.scheduler.Wait(ctx, gen)
	})
	if err != nil {
		// never leave an untracked optimistic change behind
		m.Rollback()
		return board.Mutation{}, err
	}
	return m, nil
}

// onBoardChange schedules a save for local changes and rollbacks.
// A change older than the last scheduled one is already covered by it.
func (s *Session) onBoardChange(c board.Change) {
	if c.Source != board.SourceLocal && c.Source != board.SourceRollback {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unmounted || c.Snapshot.Version <= s.scheduledVersion {
		return
	}
	s.scheduledVersion = c.Snapshot.Version
	gen := s.scheduler.Schedule(c.Snapshot.Version, s.persistSnapshot, s.delay)
	if gen > s.lastGen {
		s.lastGen = gen
	}
}

// persistSnapshot saves the board as it is when the save runs
func (s *Session) persistSnapshot(ctx context.Context, version int64) error {
	snap := s.board.Snapshot()
	s.logger.Debug("Saving board",
		zap.Int64("scheduled_version", version),
		zap.Int64("version", snap.Version))
	stored, err := s.persist(ctx, snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if stored.Version > s.persistedVersion {
		s.persistedVersion = stored.Version
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) onCommitted(result ledger.Result) {
	c, ok := result.Payload.(change)
	if !ok {
		return
	}
	data, err := json.Marshal(c.data)
	if err != nil {
		s.logger.Error("Failed to encode outbound event", zap.String("action_id", result.ID), zap.Error(err))
		return
	}
	payload := domain.OutboundPayload{
		EntityID:  c.entityID,
		Data:      data,
		User:      s.identity.Label(),
		Timestamp: s.clock.Now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	event := domain.OutboundEventName(c.entityType, result.Kind)
	if err := s.conn.Emit(ctx, event, s.room, payload); err != nil {
		s.logger.Warn("Outbound event not delivered",
			zap.String("event", event),
			zap.String("action_id", result.ID),
			zap.Error(err))
	}
}

func (s *Session) onRolledBack(result ledger.Result) {
	s.notifier.Notify(notify.Notification{
		Level:     notify.LevelError,
		Title:     "Changes could not be saved",
		Message:   "Your change was reverted. Please try again.",
		ActionID:  result.ID,
		ProjectID: s.projectID,
	})
}

func (s *Session) onRemote(env domain.Envelope) {
	if err := s.board.ApplyRemote(env); err != nil {
		s.logger.Warn("Remote event rejected",
			zap.String("entity_type", env.EntityType),
			zap.String("kind", string(env.Kind)),
			zap.Error(err))
		return
	}

	if env.OriginUser != "" && env.OriginUser == s.identity.Label() {
		return
	}
	user := env.OriginUser
	if user == "" {
		user = "another user"
	}

	switch {
	case env.EntityType == domain.EntityProject && env.Kind == domain.KindDeleted:
		s.notifier.Notify(notify.Notification{
			Level:     notify.LevelWarning,
			Title:     "Project deleted",
			Message:   fmt.Sprintf("This project was deleted by %s", user),
			ProjectID: s.projectID,
		})
	case env.Kind == domain.KindUpdated:
		s.notifier.Notify(notify.Notification{
			Level:     notify.LevelInfo,
			Title:     "Board updated",
			Message:   fmt.Sprintf("%s updated by %s", env.EntityType, user),
			ProjectID: s.projectID,
		})
	}
}

// Flush persists an armed autosave now
func (s *Session) Flush(ctx context.Context) error {
	return s.scheduler.Flush(ctx)
}

// WaitIdle blocks until every pending action resolved
func (s *Session) WaitIdle(ctx context.Context) error {
	return s.ledger.Wait(ctx)
}

// Close unmounts the view. An armed autosave is flushed and pending actions
// are given until ctx is done to resolve. Then timers are canceled, the room
// is left and whatever is still outstanding fails.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var flushErr error
	if s.scheduler.IsPending() {
		if err := s.scheduler.Flush(ctx); err != nil {
			flushErr = err
			s.logger.Warn("Final save failed", zap.Error(err))
		}
	}
	if err := s.ledger.Wait(ctx); err != nil {
		s.logger.Warn("Closing with unresolved actions", zap.Int("pending", s.ledger.Len()))
	}
	// rollbacks while waiting may have armed another save
	if s.scheduler.IsPending() {
		if err := s.scheduler.Flush(ctx); err != nil && flushErr == nil {
			flushErr = err
			s.logger.Warn("Final save failed", zap.Error(err))
		}
	}
	s.mu.Lock()
	s.unmounted = true
	s.mu.Unlock()
	s.scheduler.Cancel()
	s.closeWatches()
	s.ledger.Close()
	s.board.SetObserver(nil)

	s.logger.Info("Session closed")
	return flushErr
}

func (s *Session) closeWatches() {
	s.mu.Lock()
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()
	for _, w := range watches {
		w.Close()
	}
}
