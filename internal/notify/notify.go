package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Level of a notification
type Level string

// Level constants
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

const (
	defaultBuffer  = 16
	defaultHistory = 50
)

// Notification is a transient user-visible message
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ActionID  string    `json:"action_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier is what sync components publish to
type Notifier interface {
	Notify(n Notification)
}

// Broadcaster fans notifications out to subscribers. A subscriber whose
// buffer is full misses the notification.
type Broadcaster struct {
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[uint64]chan Notification
	nextID  uint64
	history []Notification
	limit   int
}

// NewBroadcaster creates a broadcaster keeping the last history notifications
func NewBroadcaster(history int, logger *zap.Logger) *Broadcaster {
	if history <= 0 {
		history = defaultHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{logger: logger, subs: make(map[uint64]chan Notification), limit: history}
}

// Notify publishes n without blocking
func (b *Broadcaster) Notify(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}

	b.mu.Lock()
	b.history = append(b.history, n)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			dropped++
		}
	}
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("Notification dropped for slow subscribers",
			zap.String("notification_id", n.ID),
			zap.Int("subscribers", dropped))
	}
}

// Subscribe returns a channel of future notifications and a cancel func
func (b *Broadcaster) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns the retained notifications, oldest first
func (b *Broadcaster) Recent() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.history...)
}

// Subscribers returns the number of active subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
