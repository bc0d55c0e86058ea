package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entity types that carry realtime events
const (
	EntityProject = "project"
	EntityItem    = "item"
	EntityColumn  = "column"
)

// Control events of the wire protocol
const (
	EventJoinRoom           = "room:join"
	EventLeaveRoom          = "room:leave"
	EventPermissionsUpdated = "permissions:updated"
)

// EventKind is the kind of a remote change
type EventKind string

// EventKind constants
const (
	KindCreated EventKind = "CREATE"
	KindUpdated EventKind = "UPDATE"
	KindDeleted EventKind = "DELETE"
)

// ActionKind is the kind of a local change
type ActionKind string

// ActionKind constants
const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// RoomName derives the default room of an entity
func RoomName(entityType, entityID string) string {
	return entityType + "-" + entityID
}

// InboundEventName returns the server-to-client event name, e.g. item:updated
func InboundEventName(entityType string, kind EventKind) string {
	switch kind {
	case KindCreated:
		return entityType + ":created"
	case KindDeleted:
		return entityType + ":deleted"
	default:
		return entityType + ":updated"
	}
}

// OutboundEventName returns the client-to-server event name, e.g. item:update
func OutboundEventName(entityType string, kind ActionKind) string {
	return entityType + ":" + string(kind)
}

// ParseOutboundEventName splits item:update into (item, update)
func ParseOutboundEventName(event string) (string, ActionKind, error) {
	entityType, verb, ok := strings.Cut(event, ":")
	if !ok || entityType == "" {
		return "", "", fmt.Errorf("malformed event name %q", event)
	}
	switch ActionKind(verb) {
	case ActionCreate, ActionUpdate, ActionDelete:
		return entityType, ActionKind(verb), nil
	}
	return "", "", fmt.Errorf("unsupported event verb %q", verb)
}

// EventKindFor maps a local action kind to the kind peers observe
func EventKindFor(kind ActionKind) EventKind {
	switch kind {
	case ActionCreate:
		return KindCreated
	case ActionDelete:
		return KindDeleted
	default:
		return KindUpdated
	}
}

// JoinRoomPayload is sent with room:join
type JoinRoomPayload struct {
	Room       string `json:"room"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
}

// LeaveRoomPayload is sent with room:leave
type LeaveRoomPayload struct {
	Room string `json:"room"`
}

// OutboundPayload is sent after a local change was persisted
type OutboundPayload struct {
	EntityID  string          `json:"entityId"`
	Data      json.RawMessage `json:"data"`
	User      string          `json:"user"`
	Timestamp int64           `json:"timestamp"`
}

// InboundPayload is the data of <entityType>:created|updated|deleted
type InboundPayload struct {
	Data json.RawMessage `json:"data"`
	User string          `json:"user"`
}

// PermissionsPayload is the data of permissions:updated
type PermissionsPayload struct {
	CompanyID string `json:"companyId"`
	Role      string `json:"role"`
}

// Envelope is a normalized remote event
type Envelope struct {
	EntityType string          `json:"entity_type"`
	Kind       EventKind       `json:"kind"`
	Data       json.RawMessage `json:"data"`
	OriginUser string          `json:"origin_user"`
	Room       string          `json:"room"`
	ReceivedAt time.Time       `json:"received_at"`
}

// EntityID extracts the id of the data object, if present
func (e Envelope) EntityID() string {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Data, &head); err != nil {
		return ""
	}
	return head.ID
}
