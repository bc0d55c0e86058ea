package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"project-board-sync/internal/transport"
)

const (
	maxPendingFrames = 1024
	inboxSize        = 64
)

// ErrSessionNotFound is returned for unknown or closed polling sessions
var ErrSessionNotFound = errors.New("polling session not found")

// ErrSessionFull is returned when a polling client stopped draining frames
var ErrSessionFull = errors.New("polling session outbox full")

// PollSession is the server end of one HTTP long-poll client. The hub sees
// it as a transport.Conn. HTTP handlers feed it with Push and Drain.
type PollSession struct {
	id    string
	now   func() time.Time
	inbox chan transport.Message
	done  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	outbox   []transport.Message
	ready    chan struct{}
	lastSeen time.Time
}

func newPollSession(now func() time.Time) *PollSession {
	return &PollSession{
		id:       uuid.NewString(),
		now:      now,
		inbox:    make(chan transport.Message, inboxSize),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		lastSeen: now(),
	}
}

// ID returns the session id handed to the client
func (s *PollSession) ID() string { return s.id }

// Send queues msg for the next poll of the client
func (s *PollSession) Send(ctx context.Context, msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	if len(s.outbox) >= maxPendingFrames {
		return ErrSessionFull
	}
	s.outbox = append(s.outbox, msg)
	close(s.ready)
	s.ready = make(chan struct{})
	return nil
}

// Receive returns the next frame the client posted
func (s *PollSession) Receive(ctx context.Context) (transport.Message, error) {
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-s.done:
		return transport.Message{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

// Close ends the session. Later requests for it get ErrSessionNotFound.
func (s *PollSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether the session ended
func (s *PollSession) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Push hands a frame posted by the client to the hub
func (s *PollSession) Push(ctx context.Context, msg transport.Message) error {
	select {
	case <-s.done:
		return ErrSessionNotFound
	default:
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits up to wait for queued frames and returns all of them.
// An empty result means the wait elapsed.
func (s *PollSession) Drain(ctx context.Context, wait time.Duration) ([]transport.Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	// a held poll counts as activity until it returns
	defer s.touch()

	for {
		s.mu.Lock()
		if len(s.outbox) > 0 {
			out := s.outbox
			s.outbox = nil
			s.mu.Unlock()
			return out, nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-timer.C:
			return nil, nil
		case <-s.done:
			return nil, ErrSessionNotFound
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *PollSession) touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

func (s *PollSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// PollRegistry tracks the open polling sessions of a relay
type PollRegistry struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*PollSession
}

// NewPollRegistry creates an empty registry. now defaults to time.Now.
func NewPollRegistry(now func() time.Time) *PollRegistry {
	if now == nil {
		now = time.Now
	}
	return &PollRegistry{now: now, sessions: make(map[string]*PollSession)}
}

// Open creates a session
func (r *PollRegistry) Open() *PollSession {
	s := newPollSession(r.now)
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s
}

// Get returns a live session and marks it as seen
func (r *PollRegistry) Get(id string) (*PollSession, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || s.Closed() {
		return nil, ErrSessionNotFound
	}
	s.touch()
	return s, nil
}

// Remove closes and forgets a session
func (r *PollRegistry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return s.Close()
}

// Sweep closes sessions not seen for longer than idle and returns how many
func (r *PollRegistry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	var expired []*PollSession
	for id, s := range r.sessions {
		if s.Closed() || s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	return len(expired)
}

// Len returns the number of tracked sessions
func (r *PollRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
