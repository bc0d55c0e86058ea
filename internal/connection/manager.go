package connection

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"project-board-sync/internal/clock"
	"project-board-sync/internal/domain"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/response"
	"project-board-sync/internal/transport"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 5 * time.Second
	controlSendTimeout = 5 * time.Second
)

// ErrManagerClosed is returned by operations on a closed manager
var ErrManagerClosed = errors.New("connection manager closed")

// Handler receives inbound frames of one event
type Handler func(msg transport.Message)

// Config controls dialing and reconnection
type Config struct {
	URL         string
	Header      http.Header
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Manager owns the single logical connection to the sync server
type Manager interface {
	// Connect starts the connection loop. Calling it while the loop runs is a no-op.
	Connect(ctx context.Context) error
	// AwaitConnected blocks until connected, exhausted or ctx is done
	AwaitConnected(ctx context.Context) error
	JoinRoom(join domain.JoinRoomPayload)
	LeaveRoom(room string)
	Rooms() []string
	On(event string, handler Handler) (unsubscribe func())
	Emit(ctx context.Context, event, room string, payload any) error
	State() State
	Status() Status
	IsConnected() bool
	Exhausted() bool
	OnStatus(fn func(Status)) (unsubscribe func())
	// Reconnect clears the exhausted flag and the transport fallback, then connects
	Reconnect(ctx context.Context) error
	Close() error
}

type roomEntry struct {
	join domain.JoinRoomPayload
	refs int
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

type manager struct {
	cfg     Config
	dialers []transport.Dialer
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	// ctrlMu orders room control frames: a reconnect replay and a
	// concurrent join or leave never interleave. Taken before mu.
	ctrlMu sync.Mutex

	mu         sync.Mutex
	state      State
	exhausted  bool
	lastErr    error
	dialerIdx  int
	conn       transport.Conn
	rooms      map[string]*roomEntry
	handlers   map[string][]handlerEntry
	statusSubs map[uint64]func(Status)
	nextID     uint64
	running    bool
	closed     bool
	cancel     context.CancelFunc
	loopDone   chan struct{}
	changed    chan struct{}
}

// NewManager creates a connection manager. dialers are tried in order:
// the first is primary, the next one is the fallback used when the
// first handshake of a websocket dialer fails.
func NewManager(cfg Config, dialers []transport.Dialer, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = defaultMaxDelay
		if cfg.MaxDelay < cfg.BaseDelay {
			cfg.MaxDelay = cfg.BaseDelay
		}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &manager{
		cfg:        cfg,
		dialers:    dialers,
		clock:      clk,
		metrics:    m,
		logger:     logger,
		rooms:      make(map[string]*roomEntry),
		handlers:   make(map[string][]handlerEntry),
		statusSubs: make(map[uint64]func(Status)),
		changed:    make(chan struct{}),
	}
}

// Backoff returns the delay before retry n (1-based): base*n capped at max
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base * time.Duration(n)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	if len(m.dialers) == 0 {
		m.mu.Unlock()
		return response.NewAppError(response.ErrCodeConnection, "No transport configured", "")
	}
	m.startLocked()
	m.mu.Unlock()
	return nil
}

func (m *manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.exhausted = false
	m.dialerIdx = 0
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.startLocked()
	m.mu.Unlock()
	return nil
}

func (m *manager) startLocked() {
	loopCtx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.exhausted = false
	m.cancel = cancel
	m.loopDone = make(chan struct{})
	go m.run(loopCtx, m.loopDone)
}

func (m *manager) AwaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, exhausted, closed, lastErr, changed := m.state, m.exhausted, m.closed, m.lastErr, m.changed
		m.mu.Unlock()

		switch {
		case state == StateConnected:
			return nil
		case closed:
			return ErrManagerClosed
		case exhausted:
			return response.WrapAppError(response.ErrCodeConnection, "Reconnect attempts exhausted", lastErr)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	everConnected := false
	retries := 0

	for {
		if retries == 0 && !everConnected {
			m.setState(StateConnecting, nil)
		} else {
			m.metrics.IncrementReconnectAttempt()
		}

		m.mu.Lock()
		dialer := m.dialers[m.dialerIdx]
		hasFallback := m.dialerIdx+1 < len(m.dialers)
		m.mu.Unlock()

		conn, err := dialer.Dial(ctx, m.cfg.URL, m.cfg.Header)
		if err == nil {
			everConnected = true
			retries = 0

			err = m.serve(ctx, conn, dialer.Mode())
			if ctx.Err() != nil {
				return
			}
			var closeErr *transport.CloseError
			if errors.As(err, &closeErr) && closeErr.ByPeer {
				m.logger.Info("Connection closed by server, reconnecting", zap.String("reason", closeErr.Reason))
			} else {
				m.logger.Warn("Connection lost, reconnecting", zap.Error(err))
			}
		} else {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Failed to connect",
				zap.String("transport", string(dialer.Mode())),
				zap.Int("retry", retries),
				zap.Error(err))

			if !everConnected && dialer.Mode() == transport.ModeWebSocket && hasFallback {
				m.mu.Lock()
				m.dialerIdx++
				next := m.dialers[m.dialerIdx].Mode()
				m.mu.Unlock()
				m.logger.Info("Falling back to alternate transport", zap.String("transport", string(next)))
			}
		}

		retries++
		if retries > m.cfg.MaxAttempts {
			m.exhaust(err)
			return
		}

		m.setState(StateReconnecting, err)
		select {
		case <-m.clock.After(Backoff(retries, m.cfg.BaseDelay, m.cfg.MaxDelay)):
		case <-ctx.Done():
			return
		}
	}
}

// serve attaches conn, replays rooms and dispatches frames until the connection ends
func (m *manager) serve(ctx context.Context, conn transport.Conn, mode transport.Mode) error {
	m.ctrlMu.Lock()
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		m.ctrlMu.Unlock()
		conn.Close()
		return ctx.Err()
	}
	// rooms are read in the same critical section that marks the
	// connection live, so every join or leave lands on one side of it
	m.conn = conn
	publish := m.setStateLocked(StateConnected, nil)
	joins := make([]domain.JoinRoomPayload, 0, len(m.rooms))
	for _, entry := range m.rooms {
		joins = append(joins, entry.join)
	}
	m.mu.Unlock()

	sort.Slice(joins, func(i, j int) bool { return joins[i].Room < joins[j].Room })
	for _, join := range joins {
		m.sendControl(conn, domain.EventJoinRoom, join)
	}
	m.ctrlMu.Unlock()

	publish()
	m.logger.Info("Connected to sync server",
		zap.String("transport", string(mode)),
		zap.Int("rooms", len(joins)))

	var err error
	for {
		var msg transport.Message
		msg, err = conn.Receive(ctx)
		if err != nil {
			break
		}
		m.dispatch(msg)
	}

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
	return err
}

func (m *manager) dispatch(msg transport.Message) {
	m.mu.Lock()
	entries := append([]handlerEntry(nil), m.handlers[msg.Event]...)
	m.mu.Unlock()

	if len(entries) == 0 {
		m.logger.Debug("No handler for event", zap.String("event", msg.Event))
		return
	}
	for _, e := range entries {
		m.invoke(msg, e.handler)
	}
}

func (m *manager) invoke(msg transport.Message, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in event handler",
				zap.String("event", msg.Event),
				zap.Any("panic", r),
				zap.Stack("stacktrace"))
		}
	}()
	h(msg)
}

func (m *manager) exhaust(err error) {
	m.mu.Lock()
	m.exhausted = true
	m.running = false
	m.mu.Unlock()

	m.metrics.IncrementReconnectExhausted()
	m.logger.Error("Reconnect attempts exhausted",
		zap.Int("max_attempts", m.cfg.MaxAttempts),
		zap.Error(err))
	m.setState(StateDisconnected, err)
}

func (m *manager) setState(state State, err error) {
	m.mu.Lock()
	publish := m.setStateLocked(state, err)
	m.mu.Unlock()
	publish()
}

// setStateLocked records state and returns the notification of status
// subscribers, to be run after mu is released
func (m *manager) setStateLocked(state State, err error) func() {
	m.state = state
	if err != nil {
		m.lastErr = err
	}
	if state == StateConnected {
		m.lastErr = nil
	}
	close(m.changed)
	m.changed = make(chan struct{})
	status := m.statusLocked()
	subs := make([]func(Status), 0, len(m.statusSubs))
	ids := make([]uint64, 0, len(m.statusSubs))
	for id := range m.statusSubs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		subs = append(subs, m.statusSubs[id])
	}

	return func() {
		m.metrics.SetConnectionState(int(state))
		for _, fn := range subs {
			fn(status)
		}
	}
}

func (m *manager) statusLocked() Status {
	status := Status{
		State:     m.state,
		Exhausted: m.exhausted,
		Rooms:     len(m.rooms),
		Err:       m.lastErr,
	}
	if len(m.dialers) > 0 {
		status.Mode = m.dialers[m.dialerIdx].Mode()
	}
	return status
}

func (m *manager) JoinRoom(join domain.JoinRoomPayload) {
	if join.Room == "" {
		join.Room = domain.RoomName(join.EntityType, join.EntityID)
	}

	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	m.mu.Lock()
	if entry, ok := m.rooms[join.Room]; ok {
		entry.refs++
		m.mu.Unlock()
		return
	}
	m.rooms[join.Room] = &roomEntry{join: join, refs: 1}
	conn := m.connectedLocked()
	m.mu.Unlock()

	m.logger.Debug("Joining room", zap.String("room", join.Room))
	if conn != nil {
		m.sendControl(conn, domain.EventJoinRoom, join)
	}
}

func (m *manager) LeaveRoom(room string) {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	m.mu.Lock()
	entry, ok := m.rooms[room]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, room)
	conn := m.connectedLocked()
	m.mu.Unlock()

	m.logger.Debug("Leaving room", zap.String("room", room))
	if conn != nil {
		m.sendControl(conn, domain.EventLeaveRoom, domain.LeaveRoomPayload{Room: room})
	}
}

func (m *manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (m *manager) connectedLocked() transport.Conn {
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

func (m *manager) sendControl(conn transport.Conn, event string, payload any) {
	msg, err := transport.NewMessage(event, "", payload)
	if err != nil {
		m.logger.Error("Failed to encode control frame", zap.String("event", event), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlSendTimeout)
	defer cancel()
	if err := conn.Send(ctx, msg); err != nil {
		m.logger.Warn("Failed to send control frame", zap.String("event", event), zap.Error(err))
	}
}

func (m *manager) On(event string, handler Handler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, handler: handler})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			entries := m.handlers[event]
			for i, e := range entries {
				if e.id == id {
					m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(m.handlers[event]) == 0 {
				delete(m.handlers, event)
			}
		})
	}
}

func (m *manager) Emit(ctx context.Context, event, room string, payload any) error {
	m.mu.Lock()
	conn := m.connectedLocked()
	state := m.state
	m.mu.Unlock()

	if conn == nil {
		m.metrics.IncrementEmitDropped(event)
		m.logger.Warn("Dropping event while not connected",
			zap.String("event", event),
			zap.String("state", state.String()))
		return response.NewAppError(response.ErrCodeConnection, "Not connected", state.String())
	}

	msg, err := transport.NewMessage(event, room, payload)
	if err != nil {
		return response.WrapAppError(response.ErrCodeValidation, "Invalid event payload", err)
	}
	if err := conn.Send(ctx, msg); err != nil {
		m.metrics.IncrementEmitDropped(event)
		return response.WrapAppError(response.ErrCodeConnection, "Failed to send event", err)
	}
	return nil
}

func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

func (m *manager) OnStatus(fn func(Status)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.statusSubs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.statusSubs, id)
		m.mu.Unlock()
	}
}

func (m *manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done, conn := m.cancel, m.loopDone, m.conn
	m.conn = nil
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	m.setState(StateDisconnected, nil)
	m.logger.Info("Connection manager closed")
	return nil
}
