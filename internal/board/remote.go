package board

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"project-board-sync/internal/domain"
	"project-board-sync/internal/response"
)

// ApplyRemote merges a remote event. Item fields and column attributes are
// merged one key at a time; fields with pending local edits keep their
// optimistic value. Deletes win over pending edits. Applying the same event
// twice yields the same state.
func (b *Board) ApplyRemote(env domain.Envelope) error {
	if len(env.Data) == 0 {
		return response.NewAppError(response.ErrCodeValidation, "Remote event has no data", env.EntityType)
	}

	b.mu.Lock()
	var changed bool
	var err error
	switch env.EntityType {
	case domain.EntityItem:
		changed, err = b.applyItemLocked(env.Kind, env.Data)
	case domain.EntityColumn:
		changed, err = b.applyColumnLocked(env.Kind, env.Data)
	case domain.EntityProject:
		changed, err = b.applyProjectLocked(env.Kind, env.Data)
	default:
		err = response.NewAppError(response.ErrCodeValidation, "Unsupported entity type", env.EntityType)
	}
	if err != nil || !changed {
		b.mu.Unlock()
		return err
	}
	change, fn := b.changedLocked(SourceRemote)
	b.mu.Unlock()
	b.notify(fn, change)

	b.logger.Debug("Remote change applied",
		zap.String("entity_type", env.EntityType),
		zap.String("kind", string(env.Kind)),
		zap.String("origin_user", env.OriginUser))
	return nil
}

func (b *Board) applyItemLocked(kind domain.EventKind, data json.RawMessage) (bool, error) {
	id, fields, meta, err := domain.DecodeItemPatch(data)
	if err != nil {
		return false, response.WrapAppError(response.ErrCodeValidation, "Malformed item data", err)
	}
	if id == "" {
		return false, response.NewAppError(response.ErrCodeValidation, "Item data has no id", "")
	}

	if kind == domain.KindDeleted {
		return b.deleteItemRemoteLocked(id), nil
	}

	if t, ok := b.itemTombs[id]; ok && t.final {
		return false, nil
	}
	if c, ok := b.creates[createKey(domain.EntityItem, id)]; ok {
		c.seenRemote = true
	}

	changed := false
	rec := b.itemRecordLocked(id)
	if rec == nil {
		b.items = append(b.items, domain.Item{
			ID:        id,
			Fields:    make(map[string]any, len(fields)),
			CreatedBy: meta.CreatedBy,
			CreatedAt: meta.CreatedAt,
		})
		rec = &b.items[len(b.items)-1]
		changed = true
	}

	for columnID, v := range fields {
		if _, gone := b.columnTombs[columnID]; gone {
			continue
		}
		if col := b.columnRecordLocked(columnID); col != nil {
			nv, err := col.NormalizeValue(v)
			if err != nil {
				b.logger.Warn("Remote field value does not match column type",
					zap.String("item_id", id),
					zap.String("column_id", columnID),
					zap.String("column_type", string(col.Type)),
					zap.Error(err))
				continue
			}
			v = nv
		}
		if b.rebaseLocked(itemField(id, columnID), v) {
			continue
		}
		current, exists := rec.Fields[columnID]
		if v == nil {
			if exists {
				delete(rec.Fields, columnID)
				changed = true
			}
			continue
		}
		if !exists || !sameValue(current, v) {
			rec.Fields[columnID] = v
			changed = true
		}
	}

	if rec.CreatedBy == "" && meta.CreatedBy != "" {
		rec.CreatedBy = meta.CreatedBy
		changed = true
	}
	if rec.CreatedAt.IsZero() && !meta.CreatedAt.IsZero() {
		rec.CreatedAt = meta.CreatedAt
		changed = true
	}
	if meta.UpdatedBy != "" && rec.UpdatedBy != meta.UpdatedBy {
		rec.UpdatedBy = meta.UpdatedBy
		changed = true
	}
	if !meta.UpdatedAt.IsZero() && !rec.UpdatedAt.Equal(meta.UpdatedAt) {
		rec.UpdatedAt = meta.UpdatedAt
		changed = true
	}
	return changed, nil
}

func (b *Board) deleteItemRemoteLocked(id string) bool {
	_, _, removed := b.removeItemLocked(id)
	if t, ok := b.itemTombs[id]; ok {
		t.final = true
		t.item = domain.Item{ID: id}
	} else {
		b.itemTombs[id] = &itemTomb{item: domain.Item{ID: id}, final: true}
	}
	delete(b.creates, createKey(domain.EntityItem, id))
	b.dropItemStacksLocked(id)
	return removed
}

func (b *Board) applyColumnLocked(kind domain.EventKind, data json.RawMessage) (bool, error) {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return false, response.WrapAppError(response.ErrCodeValidation, "Malformed column data", err)
	}
	var id string
	if err := json.Unmarshal(raw["id"], &id); err != nil || id == "" {
		return false, response.NewAppError(response.ErrCodeValidation, "Column data has no id", "")
	}

	if kind == domain.KindDeleted {
		return b.deleteColumnRemoteLocked(id), nil
	}

	if t, ok := b.columnTombs[id]; ok && t.final {
		return false, nil
	}
	if c, ok := b.creates[createKey(domain.EntityColumn, id)]; ok {
		c.seenRemote = true
	}

	col := b.columnRecordLocked(id)
	if col == nil {
		var created domain.Column
		if err := json.Unmarshal(data, &created); err != nil {
			return false, response.WrapAppError(response.ErrCodeValidation, "Malformed column data", err)
		}
		if created.Type == "" {
			created.Type = domain.ColumnTypeText
		}
		if created.Width == 0 {
			created.Width = domain.DefaultColumnWidth
		}
		b.columns = append(b.columns, created)
		return true, nil
	}

	changed := false
	if v, ok := raw[attrName]; ok {
		var name string
		if json.Unmarshal(v, &name) == nil && strings.TrimSpace(name) != "" {
			changed = b.mergeColumnAttrLocked(id, attrName, name) || changed
		}
	}
	if v, ok := raw[attrWidth]; ok {
		var width int
		if json.Unmarshal(v, &width) == nil && width > 0 {
			changed = b.mergeColumnAttrLocked(id, attrWidth, width) || changed
		}
	}
	if v, ok := raw[attrOptions]; ok {
		var options []string
		if json.Unmarshal(v, &options) == nil {
			changed = b.mergeColumnAttrLocked(id, attrOptions, domain.NormalizeOptions(options)) || changed
		}
	}
	if v, ok := raw["type"]; ok {
		var tag string
		if json.Unmarshal(v, &tag) == nil {
			if t, ok := domain.ParseColumnType(tag); ok && col.Type != t {
				col.Type = t
				changed = true
			}
		}
	}
	return changed, nil
}

func (b *Board) mergeColumnAttrLocked(id, attr string, v any) bool {
	key := columnAttr(id, attr)
	if b.rebaseLocked(key, v) {
		return false
	}
	if sameValue(b.readLocked(key), v) {
		return false
	}
	b.writeLocked(key, v)
	return true
}

func (b *Board) deleteColumnRemoteLocked(id string) bool {
	_, _, removed := b.removeColumnLocked(id)
	values := b.stripColumnLocked(id)
	if t, ok := b.columnTombs[id]; ok {
		t.final = true
		t.values = nil
	} else {
		b.columnTombs[id] = &columnTomb{column: domain.Column{ID: id}, final: true}
	}
	delete(b.creates, createKey(domain.EntityColumn, id))
	b.dropColumnStacksLocked(id)
	return removed || len(values) > 0
}

type projectPatch struct {
	Columns []json.RawMessage `json:"columns"`
	Items   []json.RawMessage `json:"items"`
}

func (b *Board) applyProjectLocked(kind domain.EventKind, data json.RawMessage) (bool, error) {
	if kind == domain.KindDeleted {
		if b.deleted {
			return false, nil
		}
		b.deleted = true
		b.columns = nil
		b.items = nil
		b.pending = make(map[fieldKey][]*edit)
		b.creates = make(map[string]*create)
		return true, nil
	}

	var patch projectPatch
	if err := json.Unmarshal(data, &patch); err != nil {
		return false, response.WrapAppError(response.ErrCodeValidation, "Malformed project data", err)
	}

	changed := false
	for _, raw := range patch.Columns {
		c, err := b.applyColumnLocked(domain.KindUpdated, raw)
		if err != nil {
			b.logger.Warn("Skipping malformed column in project update", zap.Error(err))
			continue
		}
		changed = c || changed
	}
	for _, raw := range patch.Items {
		c, err := b.applyItemLocked(domain.KindUpdated, raw)
		if err != nil {
			b.logger.Warn("Skipping malformed item in project update", zap.Error(err))
			continue
		}
		changed = c || changed
	}
	return changed, nil
}

// sameValue compares decoded JSON values
func sameValue(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
