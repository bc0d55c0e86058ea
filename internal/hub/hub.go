package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"project-board-sync/internal/domain"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/transport"
)

const sendTimeout = 2 * time.Second

// Hub routes room events between connected peers. Peers reach it over
// websocket or polling. Both arrive as a transport.Conn.
type Hub struct {
	metrics *metrics.Metrics
	logger  *zap.Logger
	fanout  Fanout

	mu     sync.RWMutex
	peers  map[string]*peer
	rooms  map[string]map[string]*peer
	closed bool
}

type peer struct {
	id       string
	identity domain.Identity
	mode     transport.Mode
	conn     transport.Conn
	rooms    map[string]bool
}

// PeerInfo describes one connected peer
type PeerInfo struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Transport transport.Mode `json:"transport"`
	Rooms     []string       `json:"rooms"`
}

// New creates a hub. fanout may be nil for a single relay instance.
func New(fanout Fanout, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		metrics: m,
		logger:  logger,
		fanout:  fanout,
		peers:   make(map[string]*peer),
		rooms:   make(map[string]map[string]*peer),
	}
}

// Start subscribes to the fanout so events published by other relay
// instances reach local peers. It returns when ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if h.fanout == nil {
		<-ctx.Done()
		return nil
	}
	return h.fanout.Subscribe(ctx, func(room string, msg transport.Message) {
		h.deliver(room, msg, "")
	})
}

// Serve registers conn as a peer and processes its frames until the
// connection ends. It blocks.
func (h *Hub) Serve(ctx context.Context, conn transport.Conn, identity domain.Identity, mode transport.Mode) error {
	p := &peer{
		id:       uuid.NewString(),
		identity: identity,
		mode:     mode,
		conn:     conn,
		rooms:    make(map[string]bool),
	}
	if err := h.register(p); err != nil {
		conn.Close()
		return err
	}
	defer h.unregister(p)

	h.logger.Info("Peer connected",
		zap.String("peer_id", p.id),
		zap.String("user_id", identity.ID),
		zap.String("transport", string(mode)))

	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			var closeErr *transport.CloseError
			if errors.As(err, &closeErr) {
				h.logger.Debug("Peer connection ended", zap.String("peer_id", p.id), zap.Error(err))
				return nil
			}
			return err
		}
		h.handle(ctx, p, msg)
	}
}

func (h *Hub) handle(ctx context.Context, p *peer, msg transport.Message) {
	switch msg.Event {
	case domain.EventJoinRoom:
		var join domain.JoinRoomPayload
		if err := msg.Decode(&join); err != nil || join.Room == "" {
			h.logger.Warn("Invalid join frame", zap.String("peer_id", p.id), zap.Error(err))
			return
		}
		h.join(p, join.Room)

	case domain.EventLeaveRoom:
		var leave domain.LeaveRoomPayload
		if err := msg.Decode(&leave); err != nil || leave.Room == "" {
			h.logger.Warn("Invalid leave frame", zap.String("peer_id", p.id), zap.Error(err))
			return
		}
		h.leave(p, leave.Room)

	default:
		h.relay(ctx, p, msg)
	}
}

// relay turns item:update from one peer into item:updated for the rest of the room
func (h *Hub) relay(ctx context.Context, p *peer, msg transport.Message) {
	entityType, kind, err := domain.ParseOutboundEventName(msg.Event)
	if err != nil {
		h.logger.Debug("Ignoring unknown event", zap.String("peer_id", p.id), zap.String("event", msg.Event))
		return
	}
	if msg.Room == "" || !h.inRoom(p, msg.Room) {
		h.logger.Warn("Event for a room the peer has not joined",
			zap.String("peer_id", p.id),
			zap.String("event", msg.Event),
			zap.String("room", msg.Room))
		return
	}

	var out domain.OutboundPayload
	if err := msg.Decode(&out); err != nil || len(out.Data) == 0 {
		h.logger.Warn("Invalid event payload", zap.String("peer_id", p.id), zap.String("event", msg.Event), zap.Error(err))
		return
	}
	user := out.User
	if user == "" {
		user = p.identity.Label()
	}

	inbound, err := transport.NewMessage(
		domain.InboundEventName(entityType, domain.EventKindFor(kind)),
		msg.Room,
		domain.InboundPayload{Data: out.Data, User: user},
	)
	if err != nil {
		h.logger.Error("Failed to build relayed event", zap.Error(err))
		return
	}

	h.deliver(msg.Room, inbound, p.id)
	h.metrics.IncrementRelayedEvent(inbound.Event)

	if h.fanout != nil {
		if err := h.fanout.Publish(ctx, msg.Room, inbound); err != nil {
			h.logger.Warn("Failed to publish event to fanout",
				zap.String("room", msg.Room),
				zap.String("event", inbound.Event),
				zap.Error(err))
		}
	}
}

// Broadcast sends msg to every peer in room
func (h *Hub) Broadcast(room string, msg transport.Message) {
	h.deliver(room, msg, "")
}

// BroadcastAll sends msg to every connected peer
func (h *Hub) BroadcastAll(msg transport.Message) int {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	h.send(targets, msg)
	return len(targets)
}

// PublishPermissions tells every peer that the role of a company changed
func (h *Hub) PublishPermissions(payload domain.PermissionsPayload) (int, error) {
	msg, err := transport.NewMessage(domain.EventPermissionsUpdated, "", payload)
	if err != nil {
		return 0, err
	}
	return h.BroadcastAll(msg), nil
}

func (h *Hub) deliver(room string, msg transport.Message, exclude string) {
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*peer, 0, len(members))
	for id, p := range members {
		if id != exclude {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	h.send(targets, msg)
}

func (h *Hub) send(targets []*peer, msg transport.Message) {
	for _, p := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := p.conn.Send(ctx, msg)
		cancel()
		if err != nil {
			h.logger.Warn("Failed to send to peer",
				zap.String("peer_id", p.id),
				zap.String("event", msg.Event),
				zap.Error(err))
		}
	}
}

func (h *Hub) register(p *peer) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("hub closed")
	}
	h.peers[p.id] = p
	h.mu.Unlock()

	h.recordPeers()
	return nil
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	for room := range p.rooms {
		h.removeFromRoomLocked(p, room)
	}
	h.mu.Unlock()

	p.conn.Close()
	h.recordPeers()
	h.logger.Info("Peer disconnected", zap.String("peer_id", p.id), zap.String("user_id", p.identity.ID))
}

func (h *Hub) join(p *peer, room string) {
	h.mu.Lock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*peer)
		h.rooms[room] = members
	}
	members[p.id] = p
	p.rooms[room] = true
	h.mu.Unlock()

	h.recordRooms()
	h.logger.Debug("Peer joined room", zap.String("peer_id", p.id), zap.String("room", room))
}

func (h *Hub) leave(p *peer, room string) {
	h.mu.Lock()
	h.removeFromRoomLocked(p, room)
	h.mu.Unlock()

	h.recordRooms()
	h.logger.Debug("Peer left room", zap.String("peer_id", p.id), zap.String("room", room))
}

func (h *Hub) removeFromRoomLocked(p *peer, room string) {
	delete(p.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, p.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) inRoom(p *peer, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return p.rooms[room]
}

// Peers lists the connected peers
func (h *Hub) Peers() []PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		info := PeerInfo{ID: p.id, UserID: p.identity.ID, Transport: p.mode, Rooms: make([]string, 0, len(p.rooms))}
		for room := range p.rooms {
			info.Rooms = append(info.Rooms, room)
		}
		out = append(out, info)
	}
	return out
}

// RoomSize returns the number of peers in room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every peer and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]transport.Conn, 0, len(h.peers))
	for _, p := range h.peers {
		conns = append(conns, p.conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (h *Hub) recordPeers() {
	h.mu.RLock()
	counts := map[transport.Mode]int{transport.ModeWebSocket: 0, transport.ModePolling: 0}
	for _, p := range h.peers {
		counts[p.mode]++
	}
	h.mu.RUnlock()

	for mode, count := range counts {
		h.metrics.SetConnectedPeers(string(mode), count)
	}
	h.recordRooms()
}

func (h *Hub) recordRooms() {
	h.mu.RLock()
	count := len(h.rooms)
	h.mu.RUnlock()
	h.metrics.SetRoomsActive(count)
}

// fanoutEnvelope is what relay instances exchange over the fanout
type fanoutEnvelope struct {
	Origin  string            `json:"origin"`
	Room    string            `json:"room"`
	Message transport.Message `json:"message"`
}

func encodeEnvelope(origin, room string, msg transport.Message) ([]byte, error) {
	return json.Marshal(fanoutEnvelope{Origin: origin, Room: room, Message: msg})
}

func decodeEnvelope(data []byte) (fanoutEnvelope, error) {
	var env fanoutEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fanoutEnvelope{}, err
	}
	if env.Room == "" || env.Message.Event == "" {
		return fanoutEnvelope{}, errors.New("incomplete fanout envelope")
	}
	return env, nil
}
