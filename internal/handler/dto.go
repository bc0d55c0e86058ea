package handler

import (
	"project-board-sync/internal/board"
	"project-board-sync/internal/domain"
)

// CreateColumnRequest is the body of POST /projects/:projectId/columns
type CreateColumnRequest struct {
	ID      string   `json:"id"`
	Name    string   `json:"name" binding:"required"`
	Type    string   `json:"type"`
	Width   int      `json:"width"`
	Options []string `json:"options"`
}

// UpdateColumnRequest is the body of PATCH /projects/:projectId/columns/:columnId.
// Every set field becomes its own change.
type UpdateColumnRequest struct {
	Name    *string  `json:"name"`
	Width   *int     `json:"width"`
	Options []string `json:"options"`
}

// CreateItemRequest is the body of POST /projects/:projectId/items
type CreateItemRequest struct {
	Fields map[string]any `json:"fields"`
}

// UpdateFieldRequest is the body of PATCH /projects/:projectId/items/:itemId/fields/:columnId
type UpdateFieldRequest struct {
	Value any `json:"value"`
}

// MutationResponse describes an applied change that is waiting to be saved
type MutationResponse struct {
	ActionID   string            `json:"action_id"`
	Kind       domain.ActionKind `json:"kind"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
}

func toMutationResponse(m board.Mutation) MutationResponse {
	return MutationResponse{
		ActionID:   m.ID,
		Kind:       m.Kind,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
	}
}

// PollSessionResponse is returned when a polling session is opened
type PollSessionResponse struct {
	SessionID string `json:"session_id"`
}

// PermissionsRequest is the body of POST /permissions
type PermissionsRequest struct {
	CompanyID string `json:"companyId" binding:"required"`
	Role      string `json:"role" binding:"required"`
}
