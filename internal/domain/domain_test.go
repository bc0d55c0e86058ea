package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"project-board-sync/internal/response"
)

func TestParseColumnType_LegacyTags(t *testing.T) {
	tests := []struct {
		in   string
		want ColumnType
	}{
		{"text", ColumnTypeText},
		{"number", ColumnTypeNumber},
		{"status", ColumnTypeSingleSelect},
		{"dropdown", ColumnTypeSingleSelect},
		{"single-select", ColumnTypeSingleSelect},
		{"date", ColumnTypeDate},
		{"person", ColumnTypePerson},
		{"checkbox", ColumnTypeBoolean},
		{" Boolean ", ColumnTypeBoolean},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseColumnType(tt.in)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ParseColumnType("formula")
	assert.False(t, ok)
}

func TestColumn_UnmarshalNormalizesType(t *testing.T) {
	var col Column
	require.NoError(t, json.Unmarshal([]byte(`{"id":"3","name":"Status","type":"status","width":150,"options":["Todo","Done"]}`), &col))

	assert.Equal(t, ColumnTypeSingleSelect, col.Type)
	assert.Equal(t, []string{"Todo", "Done"}, col.Options)
	assert.NoError(t, col.Validate())
}

func TestColumn_Validate(t *testing.T) {
	tests := []struct {
		name    string
		col     Column
		wantErr bool
	}{
		{"valid text", Column{ID: "1", Name: "Title", Type: ColumnTypeText}, false},
		{"missing name", Column{ID: "1", Name: "  ", Type: ColumnTypeText}, true},
		{"missing id", Column{Name: "Title", Type: ColumnTypeText}, true},
		{"unknown type", Column{ID: "1", Name: "X", Type: "formula"}, true},
		{"select without options", Column{ID: "1", Name: "S", Type: ColumnTypeSingleSelect}, true},
		{"select duplicate options", Column{ID: "1", Name: "S", Type: ColumnTypeSingleSelect, Options: []string{"a", "a"}}, true},
		{"negative width", Column{ID: "1", Name: "W", Type: ColumnTypeText, Width: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.col.Validate()
			if tt.wantErr {
				assert.True(t, response.IsCode(err, response.ErrCodeValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestColumn_NormalizeValue(t *testing.T) {
	selectCol := Column{ID: "s", Name: "Status", Type: ColumnTypeSingleSelect, Options: []string{"Todo", "Done"}}

	tests := []struct {
		name    string
		col     Column
		in      any
		want    any
		wantErr bool
	}{
		{"text", Column{Type: ColumnTypeText}, "hello", "hello", false},
		{"text rejects number", Column{Type: ColumnTypeText}, 3.0, nil, true},
		{"number from int", Column{Type: ColumnTypeNumber}, 7, 7.0, false},
		{"number from string", Column{Type: ColumnTypeNumber}, " 2.5 ", 2.5, false},
		{"number rejects word", Column{Type: ColumnTypeNumber}, "many", nil, true},
		{"select member", selectCol, "Done", "Done", false},
		{"select non member", selectCol, "Blocked", nil, true},
		{"date plain", Column{Type: ColumnTypeDate}, "2024-03-01", "2024-03-01", false},
		{"date rfc3339", Column{Type: ColumnTypeDate}, "2024-03-01T10:00:00Z", "2024-03-01T10:00:00Z", false},
		{"date garbage", Column{Type: ColumnTypeDate}, "tomorrow", nil, true},
		{"person", Column{Type: ColumnTypePerson}, "u-1", "u-1", false},
		{"person empty", Column{Type: ColumnTypePerson}, " ", nil, true},
		{"boolean", Column{Type: ColumnTypeBoolean}, true, true, false},
		{"boolean string", Column{Type: ColumnTypeBoolean}, "false", false, false},
		{"nil clears", selectCol, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.col.NormalizeValue(tt.in)
			if tt.wantErr {
				assert.True(t, response.IsCode(err, response.ErrCodeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeOptions(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, NormalizeOptions([]string{" a", "", "b", "a "}))
}

func TestItem_FlatJSON(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	item := Item{
		ID:        "1",
		Fields:    map[string]any{"1": "Task A", "2": 3.0},
		CreatedBy: "ana@example.com",
		CreatedAt: created,
	}

	data, err := json.Marshal(item)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "1", flat["id"])
	assert.Equal(t, "Task A", flat["1"])
	assert.Equal(t, "ana@example.com", flat["created_by"])
	assert.NotContains(t, flat, "updated_by")

	var decoded Item
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, item.ID, decoded.ID)
	assert.Equal(t, item.Fields, decoded.Fields)
	assert.True(t, created.Equal(decoded.CreatedAt))
}

func TestItem_CloneIsIndependent(t *testing.T) {
	item := Item{ID: "1", Fields: map[string]any{"1": "a"}}
	clone := item.Clone()
	clone.Fields["1"] = "b"
	assert.Equal(t, "a", item.Fields["1"])
}

func TestDecodeItemPatch(t *testing.T) {
	id, fields, meta, err := DecodeItemPatch([]byte(`{"id":"7","1":"Renamed","updated_by":"bo"}`))
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.Equal(t, map[string]any{"1": "Renamed"}, fields)
	assert.Equal(t, "bo", meta.UpdatedBy)
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	snap := Snapshot{
		Columns: []Column{{ID: "s", Name: "S", Type: ColumnTypeSingleSelect, Options: []string{"a"}}},
		Items:   []Item{{ID: "1", Fields: map[string]any{"s": "a"}}},
	}
	clone := snap.Clone()
	clone.Columns[0].Options[0] = "z"
	clone.Items[0].Fields["s"] = "z"

	assert.Equal(t, "a", snap.Columns[0].Options[0])
	assert.Equal(t, "a", snap.Items[0].Fields["s"])
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "project-42", RoomName(EntityProject, "42"))
	assert.Equal(t, "item:updated", InboundEventName(EntityItem, KindUpdated))
	assert.Equal(t, "column:deleted", InboundEventName(EntityColumn, KindDeleted))
	assert.Equal(t, "item:create", OutboundEventName(EntityItem, ActionCreate))

	entity, kind, err := ParseOutboundEventName("column:delete")
	require.NoError(t, err)
	assert.Equal(t, EntityColumn, entity)
	assert.Equal(t, ActionDelete, kind)

	_, _, err = ParseOutboundEventName("column:created")
	assert.Error(t, err)
	_, _, err = ParseOutboundEventName("room")
	assert.Error(t, err)
}

func TestIdentity_Label(t *testing.T) {
	assert.Equal(t, "ana@example.com", Identity{ID: "u1", Email: "ana@example.com"}.Label())
	assert.Equal(t, "u1", Identity{ID: "u1"}.Label())
}

func TestEnvelope_EntityID(t *testing.T) {
	env := Envelope{Data: json.RawMessage(`{"id":"9","1":"x"}`)}
	assert.Equal(t, "9", env.EntityID())
	assert.Equal(t, "", Envelope{Data: json.RawMessage(`[]`)}.EntityID())
}
