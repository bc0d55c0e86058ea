package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"project-board-sync/internal/response"
)

// ColumnType is the runtime type tag of a column
type ColumnType string

// ColumnType constants
const (
	ColumnTypeText         ColumnType = "text"
	ColumnTypeNumber       ColumnType = "number"
	ColumnTypeSingleSelect ColumnType = "single-select"
	ColumnTypeDate         ColumnType = "date"
	ColumnTypePerson       ColumnType = "person"
	ColumnTypeBoolean      ColumnType = "boolean"
)

const (
	// DefaultColumnWidth is the display width used when none is given
	DefaultColumnWidth = 150

	dateLayout = "2006-01-02"
)

// DefaultSelectOptions are used for a single-select column created without options
var DefaultSelectOptions = []string{"Option 1", "Option 2", "Option 3"}

// ParseColumnType accepts the canonical tags and the legacy board UI tags
// (status, dropdown, checkbox).
func ParseColumnType(s string) (ColumnType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return ColumnTypeText, true
	case "number":
		return ColumnTypeNumber, true
	case "single-select", "select", "status", "dropdown":
		return ColumnTypeSingleSelect, true
	case "date":
		return ColumnTypeDate, true
	case "person":
		return ColumnTypePerson, true
	case "boolean", "checkbox":
		return ColumnTypeBoolean, true
	}
	return "", false
}

// Column defines one field of the board
type Column struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	Width   int        `json:"width"`
	Options []string   `json:"options,omitempty"`
}

// UnmarshalJSON normalizes legacy type tags
func (c *Column) UnmarshalJSON(data []byte) error {
	type alias Column
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type != "" {
		if t, ok := ParseColumnType(string(raw.Type)); ok {
			raw.Type = t
		}
	}
	*c = Column(raw)
	return nil
}

// Clone returns a copy that shares no slices with c
func (c Column) Clone() Column {
	out := c
	if c.Options != nil {
		out.Options = append([]string(nil), c.Options...)
	}
	return out
}

// IsSelect reports whether the column carries an option list
func (c Column) IsSelect() bool {
	return c.Type == ColumnTypeSingleSelect
}

// Validate checks the column definition
func (c Column) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return response.NewAppError(response.ErrCodeValidation, "Column ID is required", "")
	}
	if strings.TrimSpace(c.Name) == "" {
		return response.NewAppError(response.ErrCodeValidation, "Column name is required", "")
	}
	if _, ok := ParseColumnType(string(c.Type)); !ok {
		return response.NewAppError(response.ErrCodeValidation, "Unknown column type", string(c.Type))
	}
	if c.Width < 0 {
		return response.NewAppError(response.ErrCodeValidation, "Column width must not be negative", strconv.Itoa(c.Width))
	}
	if c.IsSelect() {
		if len(c.Options) == 0 {
			return response.NewAppError(response.ErrCodeValidation, "Select column requires options", c.ID)
		}
		seen := make(map[string]bool, len(c.Options))
		for _, opt := range c.Options {
			if strings.TrimSpace(opt) == "" {
				return response.NewAppError(response.ErrCodeValidation, "Select option must not be empty", c.ID)
			}
			if seen[opt] {
				return response.NewAppError(response.ErrCodeValidation, "Duplicate select option", opt)
			}
			seen[opt] = true
		}
	}
	return nil
}

// NormalizeOptions trims, drops empties and deduplicates option labels in order
func NormalizeOptions(options []string) []string {
	out := make([]string, 0, len(options))
	seen := make(map[string]bool, len(options))
	for _, opt := range options {
		opt = strings.TrimSpace(opt)
		if opt == "" || seen[opt] {
			continue
		}
		seen[opt] = true
		out = append(out, opt)
	}
	return out
}

// NormalizeValue validates v against the column type and returns the stored form.
// A nil value clears the field and is always accepted.
func (c Column) NormalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch c.Type {
	case ColumnTypeText:
		s, ok := v.(string)
		if !ok {
			return nil, c.typeError(v)
		}
		return s, nil

	case ColumnTypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, c.typeError(v)
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, c.typeError(v)
			}
			return f, nil
		}
		return nil, c.typeError(v)

	case ColumnTypeSingleSelect:
		s, ok := v.(string)
		if !ok {
			return nil, c.typeError(v)
		}
		for _, opt := range c.Options {
			if opt == s {
				return s, nil
			}
		}
		return nil, response.NewAppError(response.ErrCodeValidation, "Value is not an option of this column", fmt.Sprintf("%s: %q", c.Name, s))

	case ColumnTypeDate:
		switch d := v.(type) {
		case time.Time:
			return d.UTC().Format(time.RFC3339), nil
		case string:
			if _, err := time.Parse(dateLayout, d); err == nil {
				return d, nil
			}
			if _, err := time.Parse(time.RFC3339, d); err == nil {
				return d, nil
			}
		}
		return nil, c.typeError(v)

	case ColumnTypePerson:
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, c.typeError(v)
		}
		return s, nil

	case ColumnTypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, c.typeError(v)
			}
			return parsed, nil
		}
		return nil, c.typeError(v)
	}

	return nil, response.NewAppError(response.ErrCodeValidation, "Unknown column type", string(c.Type))
}

func (c Column) typeError(v any) error {
	return response.NewAppError(response.ErrCodeValidation,
		fmt.Sprintf("Invalid value for %s column", c.Type),
		fmt.Sprintf("%s: %T", c.Name, v))
}
