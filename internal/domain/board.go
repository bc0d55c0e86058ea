package domain

import "strings"

// Snapshot is the full state of one board
type Snapshot struct {
	ProjectID string   `json:"project_id,omitempty"`
	Columns   []Column `json:"columns"`
	Items     []Item   `json:"items"`
	Version   int64    `json:"version,omitempty"`
}

// Clone returns a deep copy
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		ProjectID: s.ProjectID,
		Version:   s.Version,
		Columns:   make([]Column, len(s.Columns)),
		Items:     make([]Item, len(s.Items)),
	}
	for i, c := range s.Columns {
		out.Columns[i] = c.Clone()
	}
	for i, it := range s.Items {
		out.Items[i] = it.Clone()
	}
	return out
}

// Column returns the column with the given id
func (s Snapshot) Column(id string) (Column, bool) {
	for _, c := range s.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// Item returns the item with the given id
func (s Snapshot) Item(id string) (Item, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Identity is the local user, used to label outbound events
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Label is the user string carried on outbound events
func (i Identity) Label() string {
	if strings.TrimSpace(i.Email) != "" {
		return i.Email
	}
	return i.ID
}
