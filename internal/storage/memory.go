package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/FormDrop/internal/model"
)

// MemoryStore keeps records in a map guarded by an RWMutex. Used when no
// database is configured and throughout the tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.Record
	now     func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores rec, filling in the id, group and timestamps when unset.
func (m *MemoryStore) Create(_ context.Context, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Group == "" {
		rec.Group = model.EmptyGroup
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.ID] = clone(rec)
	return nil
}

// AttachFiles links files to the record in order.
func (m *MemoryStore) AttachFiles(_ context.Context, recordID string, files []model.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	for _, f := range files {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.RecordID = recordID
		f.Position = len(rec.Files)
		f.CreatedAt = now
		rec.Files = append(rec.Files, f)
	}
	return nil
}

// SoftDelete marks the record trashed.
func (m *MemoryStore) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	return nil
}

// Get returns a copy of the record, trashed or not.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

// List returns matching records oldest first.
func (m *MemoryStore) List(_ context.Context, f model.Filter) ([]*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Record
	for _, rec := range m.records {
		if f.Match(rec) {
			out = append(out, clone(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

// Groups lists the distinct group labels in use.
func (m *MemoryStore) Groups(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, rec := range m.records {
		if !seen[rec.Group] {
			seen[rec.Group] = true
			out = append(out, rec.Group)
		}
	}
	sort.Strings(out)
	return out, nil
}

// PurgeBefore removes records created before cutoff, trashed ones included.
func (m *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) ([]model.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var files []model.Attachment
	for id, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			files = append(files, rec.Files...)
			delete(m.records, id)
		}
	}
	return files, nil
}

func sortRecords(recs []*model.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// clone copies rec so callers never share the stored maps and slices.
func clone(rec *model.Record) *model.Record {
	cp := *rec
	if rec.Data != nil {
		cp.Data = make(map[string]any, len(rec.Data))
		for k, v := range rec.Data {
			cp.Data[k] = v
		}
	}
	cp.Files = append([]model.Attachment(nil), rec.Files...)
	if rec.DeletedAt != nil {
		t := *rec.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}
