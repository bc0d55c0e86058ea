package domain

import (
	"encoding/json"
	"time"
)

// System keys of the flat item JSON form
const (
	ItemKeyID        = "id"
	ItemKeyCreatedBy = "created_by"
	ItemKeyCreatedAt = "created_at"
	ItemKeyUpdatedBy = "updated_by"
	ItemKeyUpdatedAt = "updated_at"
)

// Item is one row of the board. Fields maps column ID to value.
type Item struct {
	ID        string
	Fields    map[string]any
	CreatedBy string
	CreatedAt time.Time
	UpdatedBy string
	UpdatedAt time.Time
}

// IsSystemKey reports whether key is reserved for item metadata
func IsSystemKey(key string) bool {
	switch key {
	case ItemKeyID, ItemKeyCreatedBy, ItemKeyCreatedAt, ItemKeyUpdatedBy, ItemKeyUpdatedAt:
		return true
	}
	return false
}

// Clone returns a copy with its own field map
func (i Item) Clone() Item {
	out := i
	out.Fields = make(map[string]any, len(i.Fields))
	for k, v := range i.Fields {
		out.Fields[k] = v
	}
	return out
}

// Get returns the value stored for a column
func (i Item) Get(columnID string) (any, bool) {
	v, ok := i.Fields[columnID]
	return v, ok
}

// MarshalJSON writes the flat form: {"id": ..., "<column>": value, "created_by": ...}
func (i Item) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(i.Fields)+5)
	for k, v := range i.Fields {
		out[k] = v
	}
	out[ItemKeyID] = i.ID
	if i.CreatedBy != "" {
		out[ItemKeyCreatedBy] = i.CreatedBy
	}
	if !i.CreatedAt.IsZero() {
		out[ItemKeyCreatedAt] = i.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if i.UpdatedBy != "" {
		out[ItemKeyUpdatedBy] = i.UpdatedBy
	}
	if !i.UpdatedAt.IsZero() {
		out[ItemKeyUpdatedAt] = i.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat form
func (i *Item) UnmarshalJSON(data []byte) error {
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	item := Item{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case ItemKeyID:
			item.ID = stringValue(v)
		case ItemKeyCreatedBy:
			item.CreatedBy = stringValue(v)
		case ItemKeyCreatedAt:
			item.CreatedAt = timeValue(v)
		case ItemKeyUpdatedBy:
			item.UpdatedBy = stringValue(v)
		case ItemKeyUpdatedAt:
			item.UpdatedAt = timeValue(v)
		default:
			item.Fields[k] = v
		}
	}

	*i = item
	return nil
}

// DecodeItemPatch reads a flat item object keeping only the keys present,
// so a partial update can be shallow merged.
func DecodeItemPatch(data []byte) (id string, fields map[string]any, meta ItemMeta, err error) {
	raw := make(map[string]any)
	if err = json.Unmarshal(data, &raw); err != nil {
		return "", nil, ItemMeta{}, err
	}

	fields = make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case ItemKeyID:
			id = stringValue(v)
		case ItemKeyCreatedBy:
			meta.CreatedBy = stringValue(v)
		case ItemKeyCreatedAt:
			meta.CreatedAt = timeValue(v)
		case ItemKeyUpdatedBy:
			meta.UpdatedBy = stringValue(v)
		case ItemKeyUpdatedAt:
			meta.UpdatedAt = timeValue(v)
		default:
			fields[k] = v
		}
	}
	return id, fields, meta, nil
}

// ItemMeta holds the system fields present in a patch
type ItemMeta struct {
	CreatedBy string
	CreatedAt time.Time
	UpdatedBy string
	UpdatedAt time.Time
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func timeValue(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
