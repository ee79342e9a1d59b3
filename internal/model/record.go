// Package model contains simple struct definitions shared across packages.
package model

import (
	"encoding/json"
	"time"
)

// EmptyGroup is stored when a form does not set a group label.
const EmptyGroup = "(Empty)"

// AttachableRecord is the attachable_type used for files linked to records.
const AttachableRecord = "record"

// Record is one stored form submission. It is created once and only ever
// changed afterwards by soft-deleting it.
type Record struct {
	ID        string         `json:"id"`
	Group     string         `json:"group"`
	Data      map[string]any `json:"data"`
	IP        string         `json:"ip"`
	Files     []Attachment   `json:"files,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	// DeletedAt is nil until the record is trashed.
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Trashed reports whether the record has been soft-deleted.
func (r *Record) Trashed() bool {
	return r.DeletedAt != nil
}

// FormDataJSON encodes Data the way it is persisted in form_data.
func (r *Record) FormDataJSON() (string, error) {
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	buf, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Attachment links a stored file to a record. Path is the storage reference
// (local path or object key); FileName is the client's original name.
type Attachment struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"recordId"`
	Path      string    `json:"-"`
	FileName  string    `json:"fileName"`
	Size      int64     `json:"size"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
}

// Filter narrows record queries for listing and export.
type Filter struct {
	Groups      []string
	After       *time.Time
	Before      *time.Time
	WithTrashed bool
}

// Match reports whether rec passes the filter. After is inclusive, Before
// exclusive.
func (f Filter) Match(rec *Record) bool {
	if rec.Trashed() && !f.WithTrashed {
		return false
	}
	if f.After != nil && rec.CreatedAt.Before(*f.After) {
		return false
	}
	if f.Before != nil && !rec.CreatedAt.Before(*f.Before) {
		return false
	}
	if len(f.Groups) == 0 {
		return true
	}
	for _, g := range f.Groups {
		if g == rec.Group {
			return true
		}
	}
	return false
}
