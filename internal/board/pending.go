package board

import (
	"time"

	"project-board-sync/internal/domain"
)

// Column attributes with their own pending stacks
const (
	attrName    = "name"
	attrWidth   = "width"
	attrOptions = "options"
)

// fieldKey addresses one item field or one column attribute
type fieldKey struct {
	entity string
	id     string
	field  string
}

func itemField(itemID, columnID string) fieldKey {
	return fieldKey{entity: domain.EntityItem, id: itemID, field: columnID}
}

func columnAttr(columnID, attr string) fieldKey {
	return fieldKey{entity: domain.EntityColumn, id: columnID, field: attr}
}

// stamp is an item's last-writer metadata
type stamp struct {
	by string
	at time.Time
}

func (s stamp) equal(o stamp) bool {
	return s.by == o.by && s.at.Equal(o.at)
}

func itemStamp(item *domain.Item) stamp {
	return stamp{by: item.UpdatedBy, at: item.UpdatedAt}
}

// edit is one optimistic write. prev is the value it replaced; nil means
// the field was absent. Item edits also carry the stamp they wrote and the
// one they replaced.
type edit struct {
	id        string
	value     any
	prev      any
	stamp     stamp
	prevStamp stamp
}

func (b *Board) readLocked(key fieldKey) any {
	switch key.entity {
	case domain.EntityItem:
		if rec := b.itemRecordLocked(key.id); rec != nil {
			return rec.Fields[key.field]
		}
	case domain.EntityColumn:
		if col := b.columnRecordLocked(key.id); col != nil {
			switch key.field {
			case attrName:
				return col.Name
			case attrWidth:
				return col.Width
			case attrOptions:
				return append([]string(nil), col.Options...)
			}
		}
	}
	return nil
}

func (b *Board) writeLocked(key fieldKey, v any) {
	switch key.entity {
	case domain.EntityItem:
		rec := b.itemRecordLocked(key.id)
		if rec == nil {
			return
		}
		if v == nil {
			delete(rec.Fields, key.field)
			return
		}
		rec.Fields[key.field] = v
	case domain.EntityColumn:
		col := b.columnRecordLocked(key.id)
		if col == nil {
			return
		}
		switch key.field {
		case attrName:
			if s, ok := v.(string); ok {
				col.Name = s
			}
		case attrWidth:
			if w, ok := v.(int); ok {
				col.Width = w
			}
		case attrOptions:
			if opts, ok := v.([]string); ok {
				col.Options = append([]string(nil), opts...)
			}
		}
	}
}

// pushEditLocked applies value optimistically on top of the field's stack
func (b *Board) pushEditLocked(key fieldKey, id string, value any) *edit {
	e := &edit{id: id, value: value, prev: b.readLocked(key)}
	b.pending[key] = append(b.pending[key], e)
	b.writeLocked(key, value)
	return e
}

func indexOfEdit(stack []*edit, e *edit) int {
	for i, candidate := range stack {
		if candidate == e {
			return i
		}
	}
	return -1
}

// rollbackEditLocked undoes e. The top edit restores its base value; a buried
// edit hands its base to the edit above it. It reports whether the visible
// value changed.
func (b *Board) rollbackEditLocked(key fieldKey, e *edit) bool {
	stack := b.pending[key]
	i := indexOfEdit(stack, e)
	if i < 0 {
		return false
	}

	visible := i == len(stack)-1
	if visible {
		b.writeLocked(key, e.prev)
		b.restoreStampLocked(key, e)
	} else {
		next := stack[i+1]
		next.prev = e.prev
		if next.prevStamp.equal(e.stamp) {
			next.prevStamp = e.prevStamp
		}
	}
	b.setStackLocked(key, append(stack[:i:i], stack[i+1:]...))
	return visible
}

// restoreStampLocked puts back the stamp e replaced, unless a later write
// to the item stamped it again
func (b *Board) restoreStampLocked(key fieldKey, e *edit) {
	if key.entity != domain.EntityItem {
		return
	}
	rec := b.itemRecordLocked(key.id)
	if rec == nil || !itemStamp(rec).equal(e.stamp) {
		return
	}
	rec.UpdatedBy = e.prevStamp.by
	rec.UpdatedAt = e.prevStamp.at
}

// confirmEditLocked makes e the server value. Edits below it are superseded.
func (b *Board) confirmEditLocked(key fieldKey, e *edit) {
	stack := b.pending[key]
	i := indexOfEdit(stack, e)
	if i < 0 {
		return
	}
	if i+1 < len(stack) {
		stack[i+1].prev = e.value
	}
	b.setStackLocked(key, stack[i+1:])
}

// rebaseLocked records a remote value for a field with pending edits. The
// visible value stays the optimistic one. It reports false when nothing is
// pending.
func (b *Board) rebaseLocked(key fieldKey, v any) bool {
	stack := b.pending[key]
	if len(stack) == 0 {
		return false
	}
	stack[0].prev = v
	return true
}

func (b *Board) setStackLocked(key fieldKey, stack []*edit) {
	if len(stack) == 0 {
		delete(b.pending, key)
		return
	}
	b.pending[key] = stack
}

// dropStacksLocked forgets pending edits matching pred. Their later
// resolution becomes a no-op.
func (b *Board) dropStacksLocked(pred func(fieldKey) bool) {
	for key := range b.pending {
		if pred(key) {
			delete(b.pending, key)
		}
	}
}

func (b *Board) dropItemStacksLocked(itemID string) {
	b.dropStacksLocked(func(k fieldKey) bool {
		return k.entity == domain.EntityItem && k.id == itemID
	})
}

func (b *Board) dropColumnStacksLocked(columnID string) {
	b.dropStacksLocked(func(k fieldKey) bool {
		if k.entity == domain.EntityColumn {
			return k.id == columnID
		}
		return k.field == columnID
	})
}
