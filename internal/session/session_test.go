package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"project-board-sync/internal/board"
	"project-board-sync/internal/clock"
	"project-board-sync/internal/connection"
	"project-board-sync/internal/domain"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/notify"
	"project-board-sync/internal/permission"
	"project-board-sync/internal/response"
	"project-board-sync/internal/transport"
)

const waitTimeout = 2 * time.Second

type fakeStore struct {
	mu      sync.Mutex
	saved   []domain.Snapshot
	err     error
	gate    chan error
	entered chan struct{}
}

func (f *fakeStore) persist(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		if err := <-gate; err != nil {
			return domain.Snapshot{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Snapshot{}, f.err
	}
	snap.Version = int64(len(f.saved) + 1)
	f.saved = append(f.saved, snap)
	return snap, nil
}

func (f *fakeStore) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func (f *fakeStore) last() domain.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[len(f.saved)-1]
}

// holdNext blocks the next save until a result is sent on release
func (f *fakeStore) holdNext() (entered <-chan struct{}, release chan<- error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan error, 1)
	f.entered = make(chan struct{}, 1)
	return f.entered, f.gate
}

type fixture struct {
	session *Session
	server  transport.Conn
	conn    connection.Manager
	clock   *clock.FakeClock
	store   *fakeStore
	notes   *notify.Broadcaster
	inbox   <-chan notify.Notification
	metrics *metrics.Metrics
}

func seed() domain.Snapshot {
	return domain.Snapshot{
		Columns: []domain.Column{{ID: "1", Name: "Title", Type: domain.ColumnTypeText, Width: 150}},
		Items:   []domain.Item{{ID: "1", Fields: map[string]any{"1": "Task A"}}},
	}
}

func newFixture(t *testing.T, role string) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := metrics.NewWithRegistry(prometheus.NewRegistry(), zap.NewNop())
	dialer := transport.NewMemoryDialer(transport.ModeWebSocket)

	conn := connection.NewManager(connection.Config{URL: "ws://relay/ws"}, []transport.Dialer{dialer}, clk, m, zap.NewNop())
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Connect(context.Background()))

	var server transport.Conn
	select {
	case server = <-dialer.Accepted():
	case <-time.After(waitTimeout):
		t.Fatal("no connection was dialed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.AwaitConnected(ctx))

	store := &fakeStore{}
	notes := notify.NewBroadcaster(0, zap.NewNop())
	inbox, unsubscribe := notes.Subscribe(32)
	t.Cleanup(unsubscribe)

	s, err := New(Options{
		ProjectID:   "p1",
		Identity:    domain.Identity{ID: "u1", Email: "alice@example.com"},
		Initial:     seed(),
		Conn:        conn,
		Persist:     store.persist,
		Permissions: permission.Static(permission.ForRole(role)),
		Notifier:    notes,
		Clock:       clk,
		Metrics:     m,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })

	f := &fixture{session: s, server: server, conn: conn, clock: clk, store: store, notes: notes, inbox: inbox, metrics: m}
	join := f.expectFrame(t)
	require.Equal(t, domain.EventJoinRoom, join.Event)
	return f
}

func (f *fixture) expectFrame(t *testing.T) transport.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	msg, err := f.server.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, f.session.WaitIdle(ctx))
}

func (f *fixture) notifications() []notify.Notification {
	var out []notify.Notification
	for {
		select {
		case n := <-f.inbox:
			out = append(out, n)
		default:
			return out
		}
	}
}

func itemField(t *testing.T, s *Session, itemID, columnID string) any {
	t.Helper()
	item, ok := s.Board().Item(itemID)
	require.True(t, ok)
	return item.Fields[columnID]
}

func TestCommitFailureRevertsEditAndNotifiesOnce(t *testing.T) {
	f := newFixture(t, permission.RoleMember)
	f.store.fail(errors.New("backend unavailable"))

	_, err := f.session.UpdateItemField("1", "1", "Task B")
	require.NoError(t, err)
	assert.Equal(t, "Task B", itemField(t, f.session, "1", "1"))
	assert.True(t, f.session.Status().AutosavePending)

	f.clock.Advance(1500 * time.Millisecond)
	f.waitIdle(t)

	items, err := json.Marshal(f.session.Board().Items)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"1","1":"Task A"}]`, string(items))

	var failures int
	for _, n := range f.notifications() {
		if n.Level == notify.LevelError {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActionResolutionsTotal.WithLabelValues("update", "failure")))
}

func TestFailedSaveWithLaterEditQueued(t *testing.T) {
	f := newFixture(t, permission.RoleMember)

	_, err := f.session.UpdateItemField("1", "1", "Task B")
	require.NoError(t, err)
	entered, release := f.store.holdNext()
	f.clock.Advance(1500 * time.Millisecond)
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("first save never started")
	}

	// a second edit is armed and queued while the first save is in flight
	added, err := f.session.AddItem(map[string]any{"1": "Task C"})
	require.NoError(t, err)
	f.clock.Advance(1500 * time.Millisecond)

	release <- errors.New("backend unavailable")
	f.waitIdle(t)
	assert.Equal(t, "Task A", itemField(t, f.session, "1", "1"))

	// the rollback is saved as well
	require.Eventually(t, func() bool { return f.session.Status().AutosavePending }, waitTimeout, 5*time.Millisecond)
	f.clock.Advance(1500 * time.Millisecond)
	require.Eventually(t, func() bool {
		if f.store.count() == 0 {
			return false
		}
		item, ok := f.store.last().Item("1")
		return ok && item.Fields["1"] == "Task A"
	}, waitTimeout, 5*time.Millisecond)

	saved := f.store.last()
	_, ok := saved.Item(added.EntityID)
	assert.True(t, ok, "the later edit stays saved")
	item, _ := saved.Item("1")
	assert.Empty(t, item.UpdatedBy)

	var failures int
	for _, n := range f.notifications() {
		if n.Level == notify.LevelError {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestOutOfOrderChangeIsNotRescheduled(t *testing.T) {
	f := newFixture(t, permission.RoleMember)

	newer := f.session.Board()
	newer.Version = 10
	older := f.session.Board()
	older.Version = 9

	f.session.onBoardChange(board.Change{Source: board.SourceLocal, Snapshot: newer})
	gen := f.session.scheduler.Generation()
	f.session.onBoardChange(board.Change{Source: board.SourceLocal, Snapshot: older})
	f.session.onBoardChange(board.Change{Source: board.SourceRemote, Snapshot: domain.Snapshot{Version: 11}})

	assert.Equal(t, gen, f.session.scheduler.Generation())
}

func TestConcurrentEditsAreAllSaved(t *testing.T) {
	f := newFixture(t, permission.RoleMember)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.session.AddItem(map[string]any{"1": fmt.Sprintf("Task %d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	f.clock.Advance(1500 * time.Millisecond)
	f.waitIdle(t)

	require.Equal(t, 1, f.store.count())
	assert.Len(t, f.store.last().Items, 17)
	assert.Equal(t, f.session.Board().Items, f.store.last().Items)
}

func TestCommitSuccessEmitsGranularEvent(t *testing.T) {
	f := newFixture(t, permission.RoleMember)

	_, err := f.session.UpdateItemField("1", "1", "Task B")
	require.NoError(t, err)
	f.clock.Advance(1500 * time.Millisecond)
	f.waitIdle(t)

	assert.Equal(t, 1, f.store.count())
	assert.Equal(t, "Task B", itemField(t, f.session, "1", "1"))
	assert.Equal(t, int64(1), f.session.Status().PersistedVersion)

	msg := f.expectFrame(t)
	assert.Equal(t, "item:update", msg.Event)
	assert.Equal(t, "project-p1", msg.Room)

	var payload domain.OutboundPayload
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, "1", payload.EntityID)
	assert.Equal(t, "alice@example.com", payload.User)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 1, 500000000, time.UTC).UnixMilli(), payload.Timestamp)

	var data map[string]any
	require.NoError(t, json.Unmarshal(payload.Data, &data))
	assert.Equal(t, "Task B", data["1"])
	assert.Equal(t, "1", data["id"])
}

func TestBurstOfEditsPersistsOnce(t *testing.T) {
	f := newFixture(t, permission.RoleAdmin)

	col, err := f.session.AddColumn(domain.Column{Name: "Owner", Type: domain.ColumnTypePerson})
	require.NoError(t, err)
	_, err = f.session.UpdateItemField("1", col.EntityID, "carol")
	require.NoError(t, err)
	item, err := f.session.AddItem(map[string]any{"1": "Task C"})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.session.DeleteItem(item.EntityID)
	require.NoError(t, err)
	f.clock.Advance(1500 * time.Millisecond)
	f.waitIdle(t)

	assert.Equal(t, 1, f.store.count())
	events := map[string]bool{}
	for i := 0; i < 4; i++ {
		events[f.expectFrame(t).Event] = true
	}
	assert.Equal(t, map[string]bool{"column:create": true, "item:update": true, "item:create": true, "item:delete": true}, events)
}

func TestPermissionDeniedIsANoop(t *testing.T) {
	f := newFixture(t, permission.RoleViewer)

	_, err := f.session.UpdateItemField("1", "1", "Task B")
	assert.True(t, response.IsCode(err, response.ErrCodePermissionDenied))
	assert.Equal(t, "Task A", itemField(t, f.session, "1", "1"))
	assert.Empty(t, f.session.Status().Pending)
	assert.False(t, f.session.Status().AutosavePending)

	notes := f.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.LevelWarning, notes[0].Level)
}

func TestValidationErrorNeverEntersLedger(t *testing.T) {
	f := newFixture(t, permission.RoleAdmin)

	_, err := f.session.AddColumn(domain.Column{Name: ""})
	assert.True(t, response.IsCode(err, response.ErrCodeValidation))
	assert.Empty(t, f.session.Status().Pending)
	assert.False(t, f.session.Status().AutosavePending)
}

func TestRemoteUpdateIsMergedAndAnnounced(t *testing.T) {
	f := newFixture(t, permission.RoleMember)

	raw, err := json.Marshal(map[string]any{"id": "1", "1": "Remote title"})
	require.NoError(t, err)
	msg, err := transport.NewMessage("item:updated", "project-p1", domain.InboundPayload{Data: raw, User: "bob@example.com"})
	require.NoError(t, err)
	require.NoError(t, f.server.Send(context.Background(), msg))

	require.Eventually(t, func() bool {
		item, _ := f.session.Board().Item("1")
		return item.Fields["1"] == "Remote title"
	}, waitTimeout, 5*time.Millisecond)

	var note notify.Notification
	select {
	case note = <-f.inbox:
	case <-time.After(waitTimeout):
		t.Fatal("no notification")
	}
	assert.Equal(t, notify.LevelInfo, note.Level)
	assert.Contains(t, note.Message, "updated by bob@example.com")
	assert.False(t, f.session.Status().AutosavePending, "remote changes are not saved again")
}

func TestCloseLeavesRoomAndFlushes(t *testing.T) {
	f := newFixture(t, permission.RoleMember)

	_, err := f.session.UpdateItemField("1", "1", "Task B")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, f.session.Close(ctx))
	require.NoError(t, f.session.Close(ctx))

	assert.Equal(t, 1, f.store.count())
	assert.Empty(t, f.conn.Rooms())

	var sawLeave bool
	for i := 0; i < 2 && !sawLeave; i++ {
		sawLeave = f.expectFrame(t).Event == domain.EventLeaveRoom
	}
	assert.True(t, sawLeave)

	_, err = f.session.UpdateItemField("1", "1", "late")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, response.IsCode(err, response.ErrCodeValidation))
}

func TestRegistryTracksAndClosesSessions(t *testing.T) {
	f := newFixture(t, permission.RoleMember)
	other, err := New(Options{
		ProjectID: "p0",
		Conn:      f.conn,
		Persist:   f.store.persist,
		Clock:     f.clock,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	registry := NewRegistry()
	assert.Nil(t, registry.Add(f.session))
	assert.Nil(t, registry.Add(other))
	assert.Equal(t, []string{"p0", "p1"}, registry.ProjectIDs())

	got, ok := registry.Session("p1")
	require.True(t, ok)
	assert.Same(t, f.session, got)
	_, ok = registry.Session("missing")
	assert.False(t, ok)

	replacement, err := New(Options{
		ProjectID: "p0",
		Conn:      f.conn,
		Persist:   f.store.persist,
		Clock:     f.clock,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	assert.Same(t, other, registry.Add(replacement))
	require.NoError(t, other.Close(context.Background()))

	require.NoError(t, registry.CloseAll(context.Background()))
	assert.Empty(t, registry.ProjectIDs())

	_, err = f.session.AddItem(nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
