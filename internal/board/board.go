// Package board holds the in-memory board model. Local mutations apply
// immediately and return a rollback; remote events are shallow merged
// without clobbering pending local edits.
package board

import (
	"sync"

	"go.uber.org/zap"

	"project-board-sync/internal/clock"
	"project-board-sync/internal/domain"
)

// Source tells an observer what caused a change
type Source string

// Source constants
const (
	SourceLocal    Source = "local"
	SourceRemote   Source = "remote"
	SourceRollback Source = "rollback"
	SourceReset    Source = "reset"
)

// Change is delivered to the observer after every state change
type Change struct {
	Source   Source
	Snapshot domain.Snapshot
}

// Observer receives changes outside the board lock
type Observer func(Change)

// Mutation describes one applied local change
type Mutation struct {
	ID         string
	Kind       domain.ActionKind
	EntityType string
	EntityID   string
	// Payload is the JSON data peers merge for this change
	Payload any
	// Previous is the state replaced by the change
	Previous any
	Rollback func()
	Confirm  func()
}

// Options configure a Board
type Options struct {
	ProjectID string
	Identity  domain.Identity
	Clock     clock.Clock
	Logger    *zap.Logger
	OnChange  Observer
}

type itemTomb struct {
	item  domain.Item
	index int
	// final tombs come from confirmed or remote deletes and are never restored
	final bool
}

type columnTomb struct {
	column domain.Column
	index  int
	values map[string]any
	final  bool
}

type create struct {
	// seenRemote means the server reported the entity, so rollback keeps it
	seenRemote bool
}

// Board is safe for concurrent use
type Board struct {
	projectID string
	identity  domain.Identity
	clock     clock.Clock
	logger    *zap.Logger

	mu          sync.Mutex
	observer    Observer
	columns     []domain.Column
	items       []domain.Item
	version     int64
	deleted     bool
	pending     map[fieldKey][]*edit
	itemTombs   map[string]*itemTomb
	columnTombs map[string]*columnTomb
	creates     map[string]*create
}

// New creates a board seeded with initial
func New(opts Options, initial domain.Snapshot) *Board {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &Board{
		projectID: opts.ProjectID,
		identity:  opts.Identity,
		clock:     opts.Clock,
		logger:    opts.Logger,
		observer:  opts.OnChange,
	}
	b.resetLocked(initial)
	return b
}

// SetObserver replaces the change observer
func (b *Board) SetObserver(fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = fn
}

// Reset replaces the whole model, dropping pending bookkeeping. Use it for
// the initial load from the server.
func (b *Board) Reset(snap domain.Snapshot) {
	b.mu.Lock()
	b.resetLocked(snap)
	change, fn := b.changedLocked(SourceReset)
	b.mu.Unlock()
	b.notify(fn, change)
}

func (b *Board) resetLocked(snap domain.Snapshot) {
	snap = snap.Clone()
	if snap.ProjectID != "" && b.projectID == "" {
		b.projectID = snap.ProjectID
	}
	b.columns = snap.Columns
	b.items = snap.Items
	for i := range b.items {
		if b.items[i].Fields == nil {
			b.items[i].Fields = make(map[string]any)
		}
	}
	if snap.Version > b.version {
		b.version = snap.Version
	}
	b.deleted = false
	b.pending = make(map[fieldKey][]*edit)
	b.itemTombs = make(map[string]*itemTomb)
	b.columnTombs = make(map[string]*columnTomb)
	b.creates = make(map[string]*create)
}

// ProjectID returns the board's project
func (b *Board) ProjectID() string {
	return b.projectID
}

// Snapshot returns a deep copy of the current state
func (b *Board) Snapshot() domain.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Deleted reports whether the project was deleted remotely
func (b *Board) Deleted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted
}

// PendingEdits returns the number of unresolved edits of one item field
func (b *Board) PendingEdits(itemID, columnID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[itemField(itemID, columnID)])
}

func (b *Board) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		ProjectID: b.projectID,
		Columns:   b.columns,
		Items:     b.items,
		Version:   b.version,
	}.Clone()
}

func (b *Board) changedLocked(source Source) (Change, Observer) {
	b.version++
	if b.observer == nil {
		return Change{}, nil
	}
	return Change{Source: source, Snapshot: b.snapshotLocked()}, b.observer
}

func (b *Board) notify(fn Observer, change Change) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic in board observer", zap.Any("panic", r))
		}
	}()
	fn(change)
}

func (b *Board) columnIndexLocked(id string) int {
	for i := range b.columns {
		if b.columns[i].ID == id {
			return i
		}
	}
	return -1
}

func (b *Board) itemIndexLocked(id string) int {
	for i := range b.items {
		if b.items[i].ID == id {
			return i
		}
	}
	return -1
}

// itemRecordLocked returns the live item, or the saved copy of an item
// whose local delete is still pending
func (b *Board) itemRecordLocked(id string) *domain.Item {
	if i := b.itemIndexLocked(id); i >= 0 {
		return &b.items[i]
	}
	if t, ok := b.itemTombs[id]; ok && !t.final {
		return &t.item
	}
	return nil
}

func (b *Board) columnRecordLocked(id string) *domain.Column {
	if i := b.columnIndexLocked(id); i >= 0 {
		return &b.columns[i]
	}
	if t, ok := b.columnTombs[id]; ok && !t.final {
		return &t.column
	}
	return nil
}

func (b *Board) removeItemLocked(id string) (domain.Item, int, bool) {
	i := b.itemIndexLocked(id)
	if i < 0 {
		return domain.Item{}, -1, false
	}
	item := b.items[i]
	b.items = append(b.items[:i], b.items[i+1:]...)
	return item, i, true
}

func (b *Board) removeColumnLocked(id string) (domain.Column, int, bool) {
	i := b.columnIndexLocked(id)
	if i < 0 {
		return domain.Column{}, -1, false
	}
	col := b.columns[i]
	b.columns = append(b.columns[:i], b.columns[i+1:]...)
	return col, i, true
}

func insertAt[T any](list []T, index int, v T) []T {
	if index < 0 || index > len(list) {
		index = len(list)
	}
	list = append(list, v)
	copy(list[index+1:], list[index:])
	list[index] = v
	return list
}

// stripColumnLocked removes a column's values from every live item and every
// item awaiting delete confirmation. It returns the removed values by item.
func (b *Board) stripColumnLocked(columnID string) map[string]any {
	values := make(map[string]any)
	for i := range b.items {
		if v, ok := b.items[i].Fields[columnID]; ok {
			values[b.items[i].ID] = v
			delete(b.items[i].Fields, columnID)
		}
	}
	for id, t := range b.itemTombs {
		if t.final {
			continue
		}
		if v, ok := t.item.Fields[columnID]; ok {
			values[id] = v
			delete(t.item.Fields, columnID)
		}
	}
	return values
}

func createKey(entityType, id string) string {
	return entityType + "/" + id
}
