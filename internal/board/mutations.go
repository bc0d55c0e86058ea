package board

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"project-board-sync/internal/domain"
	"project-board-sync/internal/response"
)

// DeletePayload is the data of a delete event
type DeletePayload struct {
	ID string `json:"id"`
}

func (b *Board) checkLiveLocked() error {
	if b.deleted {
		return response.NewAppError(response.ErrCodeNotFound, "Project was deleted", b.projectID)
	}
	return nil
}

func (b *Board) now() time.Time {
	return b.clock.Now().UTC()
}

// AddColumn appends a column. An empty ID is generated, an empty type
// defaults to text and a select column without options gets the defaults.
func (b *Board) AddColumn(col domain.Column) (Mutation, error) {
	col = col.Clone()
	col.Name = strings.TrimSpace(col.Name)
	if col.ID == "" {
		col.ID = uuid.NewString()
	}
	if col.Type == "" {
		col.Type = domain.ColumnTypeText
	} else if t, ok := domain.ParseColumnType(string(col.Type)); ok {
		col.Type = t
	}
	if col.Width == 0 {
		col.Width = domain.DefaultColumnWidth
	}
	if col.IsSelect() {
		col.Options = domain.NormalizeOptions(col.Options)
		if len(col.Options) == 0 {
			col.Options = append([]string(nil), domain.DefaultSelectOptions...)
		}
	} else {
		col.Options = nil
	}
	if err := col.Validate(); err != nil {
		return Mutation{}, err
	}

	b.mu.Lock()
	if err := b.checkLiveLocked(); err != nil {
		b.mu.Unlock()
		return Mutation{}, err
	}
	if b.columnIndexLocked(col.ID) >= 0 || b.columnTombs[col.ID] != nil {
		b.mu.Unlock()
		return Mutation{}, response.NewAppError(response.ErrCodeAlreadyExists, "Column already exists", col.ID)
	}
	b.columns = append(b.columns, col)
	key := createKey(domain.EntityColumn, col.ID)
	b.creates[key] = &create{}
	change, fn := b.changedLocked(SourceLocal)
	b.mu.Unlock()
	b.notify(fn, change)

	b.logger.Debug("Column added", zap.String("column_id", col.ID), zap.String("type", string(col.Type)))

	return Mutation{
		ID:         uuid.NewString(),
		Kind:       domain.ActionCreate,
		EntityType: domain.EntityColumn,
		EntityID:   col.ID,
		Payload:    col.Clone(),
		Rollback:   func() { b.rollbackCreateColumn(key, col.ID) },
		Confirm:    func() { b.confirmCreate(key) },
	}, nil
}

func (b *Board) rollbackCreateColumn(key, id string) {
	b.mu.Lock()
	c, ok := b.creates[key]
	if !ok || c.seenRemote {
		delete(b.creates, key)
		b.mu.Unlock()
		return
	}
	delete(b.creates, key)
	_, _, removed := b.removeColumnLocked(id)
	delete(b.columnTombs, id)
	b.stripColumnLocked(id)
	b.dropColumnStacksLocked(id)
	if !removed {
		b.mu.Unlock()
		return
	}
	change, fn := b.changedLocked(SourceRollback)
	b.mu.Unlock()
	b.notify(fn, change)
}

func (b *Board) confirmCreate(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.creates, key)
}

// DeleteColumn removes a column and its value from every item
func (b *Board) DeleteColumn(id string) (Mutation, error) {
	b.mu.Lock()
	if err := b.checkLiveLocked(); err != nil {
		b.mu.Unlock()
		return Mutation{}, err
	}
	col, index, ok := b.removeColumnLocked(id)
	if !ok {
		b.mu.Unlock()
		return Mutation{}, response.NewAppError(response.ErrCodeNotFound, "Column not found", id)
	}
	tomb := &columnTomb{column: col, index: index, values: b.stripColumnLocked(id)}
	b.columnTombs[id] = tomb
	change, fn := b.changedLocked(SourceLocal)
	b.mu.Unlock()
	b.notify(fn, change)

	b.logger.Debug("Column deleted",
		zap.String("column_id", id),
		zap.Int("cleared_values", len(tomb.values)))

	return Mutation{
		ID:         uuid.NewString(),
		Kind:       domain.ActionDelete,
		EntityType: domain.EntityColumn,
		EntityID:   id,
		Payload:    DeletePayload{ID: id},
		Previous:   col.Clone(),
		Rollback:   func() { b.rollbackDeleteColumn(id, tomb) },
		Confirm:    func() { b.confirmDeleteColumn(id, tomb) },
	}, nil
}

func (b *Board) rollbackDeleteColumn(id string, tomb *columnTomb) {
	b.mu.Lock()
	if b.columnTombs[id] != tomb || tomb.final {
		b.mu.Unlock()
		return
	}
	delete(b.columnTombs, id)
	if b.columnIndexLocked(id) < 0 {
		b.columns = insertAt(b.columns, tomb.index, tomb.column)
	}
	for itemID, v := range tomb.values {
		rec := b.itemRecordLocked(itemID)
		if rec == nil {
			continue
		}
		if _, exists := rec.Fields[id]; !exists {
			rec.Fields[id] = v
		}
	}
	change, fn := b.changedLocked(SourceRollback)
	b.mu.Unlock()
	b.notify(fn, change)
}

func (b *Board) confirmDeleteColumn(id string, tomb *columnTomb) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.columnTombs[id] != tomb {
		return
	}
	tomb.final = true
	tomb.values = nil
	b.dropColumnStacksLocked(id)
}

// RenameColumn changes a column's display name
func (b *Board) RenameColumn(id, name string) (Mutation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Mutation{}, response.NewAppError(response.ErrCodeValidation, "Column name is required", id)
	}
	return b.editColumnAttr(id, attrName, name, func(col domain.Column) error { return nil })
}

// ResizeColumn changes a column's width
func (b *Board) ResizeColumn(id string, width int) (Mutation, error) {
	if width <= 0 {
		return Mutation{}, response.NewAppError(response.ErrCodeValidation, "Column width must be positive", id)
	}
	return b.editColumnAttr(id, attrWidth, width, func(col domain.Column) error { return nil })
}

// SetColumnOptions replaces the option list of a select column. Existing
// item values are kept even when they are no longer an option.
func (b *Board) SetColumnOptions(id string, options []string) (Mutation, error) {
	options = domain.NormalizeOptions(options)
	if len(options) == 0 {
		return Mutation{}, response.NewAppError(response.ErrCodeValidation, "Select column requires options", id)
	}
	return b.editColumnAttr(id, attrOptions, options, func(col domain.Column) error {
		if !col.IsSelect() {
			return response.NewAppError(response.ErrCodeValidation, "Only select columns have options", id)
		}
		return nil
	})
}

func (b *Board) editColumnAttr(id, attr string, value any, check func(domain.Column) error) (Mutation, error) {
	b.mu.Lock()
	if err := b.checkLiveLocked(); err != nil {
		b.mu.Unlock()
		return Mutation{}, err
	}
	i := b.columnIndexLocked(id)
	if i < 0 {
		b.mu.Unlock()
		return Mutation{}, response.NewAppError(response.ErrCodeNotFound, "Column not found", id)
	}
	if err := check(b.columns[i]); err != nil {
		b.mu.Unlock()
		return Mutation{}, err
	}

	key := columnAttr(id, attr)
	mutID := uuid.NewString()
	e := b.pushEditLocked(key, mutID, value)
	payload := map[string]any{"id": id, attr: value}
	change, fn := b.changedLocked(SourceLocal)
	b.mu.Unlock()
	b.notify(fn, change)

	return Mutation{
		ID:         mutID,
		Kind:       domain.ActionUpdate,
		EntityType: domain.EntityColumn,
		EntityID:   id,
		Payload:    payload,
		Previous:   e.prev,
		Rollback:   func() { b.rollbackEdit(key, e) },
		Confirm:    func() { b.confirmEdit(key, e) },
	}, nil
}

// AddItem appends an item. Field keys must be column IDs and values must
// match the column types.
func (b *Board) AddItem(fields map[string]any) (Mutation, error) {
	b.mu.Lock()
	if err := b.checkLiveLocked(); err != nil {
		b.mu.Unlock()
		return Mutation{}, err
	}
	normalized := make(map[string]any, len(fields))
	for columnID, v := range fields {
		i := b.columnIndexLocked(columnID)
		if i < 0 {
			b.mu.Unlock()
			return Mutation{}, response.NewAppError(response.ErrCodeValidation, "Unknown column", columnID)
		}
		nv, err := b.columns[i].NormalizeValue(v)
		if err != nil {
			b.mu.Unlock()
			return Mutation{}, err
		}
		if nv != nil {
			normalized[columnID] = nv
		}
	}

	now := b.now()
	item := domain.Item{
		ID:        uuid.NewString(),
		Fields:    normalized,
		CreatedBy: b.identity.Label(),
		CreatedAt: now,
		UpdatedBy: b.identity.Label(),
		UpdatedAt: now,
	}
	b.items = append(b.items, item)
	key := createKey(domain.EntityItem, item.ID)
	b.creates[key] = &create{}
	change, fn := b.changedLocked(SourceLocal)
	b.mu.Unlock()
	b.notify(fn, change)

	b.logger.Debug("Item added", zap.String("item_id", item.ID))

	return Mutation{
		ID:         uuid.NewString(),
		Kind:       domain.ActionCreate,
		EntityType: domain.EntityItem,
		EntityID:   item.ID,
		Payload:    item.Clone(),
		Rollback:   func() { b.rollbackCreateItem(key, item.ID) },
		Confirm:    func() { b.confirmCreate(key) },
	}, nil
}

func (b *Board) rollbackCreateItem(key, id string) {
	b.mu.Lock()
	c, ok := b.creates[key]
	delete(b.creates, key)
	if !ok || c.seenRemote {
		b.mu.Unlock()
		return
	}
	_, _, removed := b.removeItemLocked(id)
	if t, ok := b.itemTombs[id]; ok && !t.final {
		delete(b.itemTombs, id)
	}
	b.dropItemStacksLocked(id)
	if !removed {
		b.mu.Unlock()
		return
	}
	change, fn := b.changedLocked(SourceRollback)
	b.mu.Unlock()
	b.notify(fn, change)
}

// UpdateItemField sets one field of an item. A nil value clears it.
func (b *Board) UpdateItemField(itemID, columnID string, value any) (Mutation, error) {
	b.mu.Lock()
	if err := b.checkLiveLocked(); err != nil {
		b.mu.Unlock()
		return Mutation{}, err
	}
	i := b.itemIndexLocked(itemID)
	if i < 0 {
		b.mu.Unlock()
		return Mutation{}, response.NewAppError(response.ErrCodeNotFound, "Item not found", itemID)
	}
	c := b.columnIndexLocked(columnID)
	if c < 0 {
		b.mu.Unlock()
		return Mutation{}, response.NewAppError(response.ErrCodeNotFound, "Column not found", columnID)
	}
	normalized, err := b.columns[c].NormalizeValue(value)
	if err != nil {
		b.mu.Unlock()
		return Mutation{}, err
	}

	key := itemField(itemID, columnID)
	mutID := uuid.NewString()
	prevStamp := itemStamp(&b.items[i])
	e := b.pushEditLocked(key, mutID, normalized)

	now := b.now()
	b.items[i].UpdatedBy = b.identity.Label()
	b.items[i].UpdatedAt = now
	e.prevStamp = prevStamp
	e.stamp = itemStamp(&b.items[i])
	payload := map[string]any{
		domain.ItemKeyID:        itemID,
		columnID:                normalized,
		domain.ItemKeyUpdatedBy: b.identity.Label(),
		domain.ItemKeyUpdatedAt: now.Format(time.RFC3339Nano),
	}
	change, fn := b.changedLocked(SourceLocal)
	b.mu.Unlock()
	b.notify(fn, change)

	return Mutation{
		ID:         mutID,
		Kind:       domain.ActionUpdate,
		EntityType: domain.EntityItem,
		EntityID:   itemID,
		Payload:    payload,
		Previous:   e.prev,
		Rollback:   func() { b.rollbackEdit(key, e) },
		Confirm:    func() { b.confirmEdit(key, e) },
	}, nil
}

func (b *Board) rollbackEdit(key fieldKey, e *edit) {
	b.mu.Lock()
	if !b.rollbackEditLocked(key, e) {
		b.mu.Unlock()
		return
	}
	change, fn := b.changedLocked(SourceRollback)
	b.mu.Unlock()
	b.notify(fn, change)
}

func (b *Board) confirmEdit(key fieldKey, e *edit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmEditLocked(key, e)
}

// DeleteItem removes an item
func (b *Board) DeleteItem(id string) (Mutation, error) {
	b.mu.Lock()
	if err := b.checkLiveLocked(); err != nil {
		b.mu.Unlock()
		return Mutation{}, err
	}
	item, index, ok := b.removeItemLocked(id)
	if !ok {
		b.mu.Unlock()
		return Mutation{}, response.NewAppError(response.ErrCodeNotFound, "Item not found", id)
	}
	tomb := &itemTomb{item: item, index: index}
	b.itemTombs[id] = tomb
	change, fn := b.changedLocked(SourceLocal)
	b.mu.Unlock()
	b.notify(fn, change)

	return Mutation{
		ID:         uuid.NewString(),
		Kind:       domain.ActionDelete,
		EntityType: domain.EntityItem,
		EntityID:   id,
		Payload:    DeletePayload{ID: id},
		Previous:   item.Clone(),
		Rollback:   func() { b.rollbackDeleteItem(id, tomb) },
		Confirm:    func() { b.confirmDeleteItem(id, tomb) },
	}, nil
}

func (b *Board) rollbackDeleteItem(id string, tomb *itemTomb) {
	b.mu.Lock()
	if b.itemTombs[id] != tomb || tomb.final {
		b.mu.Unlock()
		return
	}
	delete(b.itemTombs, id)
	if b.itemIndexLocked(id) < 0 {
		b.items = insertAt(b.items, tomb.index, tomb.item)
	}
	change, fn := b.changedLocked(SourceRollback)
	b.mu.Unlock()
	b.notify(fn, change)
}

func (b *Board) confirmDeleteItem(id string, tomb *itemTomb) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.itemTombs[id] != tomb {
		return
	}
	tomb.final = true
	tomb.item = domain.Item{ID: id}
	b.dropItemStacksLocked(id)
}
