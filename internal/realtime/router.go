package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"project-board-sync/internal/clock"
	"project-board-sync/internal/connection"
	"project-board-sync/internal/domain"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/response"
	"project-board-sync/internal/transport"
)

var kinds = []domain.EventKind{domain.KindCreated, domain.KindUpdated, domain.KindDeleted}

// WatchOptions selects the entity whose remote changes are delivered
type WatchOptions struct {
	EntityType string
	EntityID   string
	// Room defaults to <entityType>-<entityID>
	Room string
	// OnUpdate runs on the connection's read goroutine. It must not close
	// its own watch.
	OnUpdate func(domain.Envelope)
}

// Watch is an active subscription. Close it on unmount.
type Watch interface {
	Room() string
	Close()
}

// Router turns inbound frames into envelopes for watchers
type Router interface {
	Watch(opts WatchOptions) (Watch, error)
}

type router struct {
	conn    connection.Manager
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRouter creates a router on top of a connection manager
func NewRouter(conn connection.Manager, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) Router {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &router{conn: conn, clock: clk, metrics: m, logger: logger}
}

func (r *router) Watch(opts WatchOptions) (Watch, error) {
	if opts.EntityType == "" || opts.EntityID == "" {
		return nil, response.NewAppError(response.ErrCodeValidation, "Entity type and id are required", "")
	}
	if opts.OnUpdate == nil {
		return nil, response.NewAppError(response.ErrCodeValidation, "OnUpdate callback is required", opts.EntityType)
	}
	room := opts.Room
	if room == "" {
		room = domain.RoomName(opts.EntityType, opts.EntityID)
	}

	w := &watch{router: r, opts: opts, room: room}
	for _, kind := range kinds {
		kind := kind
		unsub := r.conn.On(domain.InboundEventName(opts.EntityType, kind), func(msg transport.Message) {
			w.deliver(kind, msg)
		})
		w.unsubs = append(w.unsubs, unsub)
	}
	r.conn.JoinRoom(domain.JoinRoomPayload{Room: room, EntityType: opts.EntityType, EntityID: opts.EntityID})

	r.logger.Debug("Watching room",
		zap.String("room", room),
		zap.String("entity_type", opts.EntityType))
	return w, nil
}

type watch struct {
	router *router
	opts   WatchOptions
	room   string

	mu     sync.Mutex
	closed bool
	unsubs []func()
}

func (w *watch) Room() string { return w.room }

func (w *watch) deliver(kind domain.EventKind, msg transport.Message) {
	// frames without a room come from servers that broadcast per socket
	if msg.Room != "" && msg.Room != w.room {
		return
	}

	var payload domain.InboundPayload
	if err := msg.Decode(&payload); err != nil {
		w.router.logger.Warn("Dropping malformed remote event",
			zap.String("event", msg.Event),
			zap.String("room", w.room),
			zap.Error(err))
		return
	}
	if len(payload.Data) == 0 || !json.Valid(payload.Data) {
		w.router.logger.Warn("Dropping remote event without data",
			zap.String("event", msg.Event),
			zap.String("room", w.room))
		return
	}

	env := domain.Envelope{
		EntityType: w.opts.EntityType,
		Kind:       kind,
		Data:       payload.Data,
		OriginUser: payload.User,
		Room:       w.room,
		ReceivedAt: w.router.clock.Now(),
	}

	// a Close racing with delivery must not see a callback afterwards
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.router.metrics.IncrementRemoteEvent(env.EntityType, string(env.Kind))
	w.opts.OnUpdate(env)
}

func (w *watch) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	unsubs := w.unsubs
	w.unsubs = nil
	w.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	w.router.conn.LeaveRoom(w.room)
	w.router.logger.Debug("Stopped watching room", zap.String("room", w.room))
}
