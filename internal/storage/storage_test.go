package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/FormDrop/internal/model"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := &model.Record{Data: map[string]any{"name": "Ada"}, IP: "203.0.113.5", CreatedAt: base}
	require.NoError(t, store.Create(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, model.EmptyGroup, first.Group)

	second := &model.Record{Group: "contact", Data: map[string]any{"name": "Grace"}, CreatedAt: base.Add(48 * time.Hour)}
	require.NoError(t, store.Create(ctx, second))

	require.NoError(t, store.AttachFiles(ctx, first.ID, []model.Attachment{
		{Path: "records/a", FileName: "a.pdf"},
		{Path: "records/b", FileName: "b.pdf"},
	}))
	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, got.Files, 2)
	assert.Equal(t, 1, got.Files[1].Position)
	assert.Equal(t, first.ID, got.Files[0].RecordID)

	got.Data["name"] = "mutated"
	again, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.Data["name"], "Get returns copies")

	groups, err := store.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{model.EmptyGroup, "contact"}, groups)

	require.NoError(t, store.SoftDelete(ctx, second.ID))
	list, err := store.List(ctx, model.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	list, err = store.List(ctx, model.Filter{WithTrashed: true})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	files, err := store.PurgeBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	_, err = store.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.SoftDelete(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, store.AttachFiles(ctx, "missing", nil), ErrNotFound)
}

func TestFilterMatch(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 12, 0, 0, 0, time.UTC) }
	after, before := day(2), day(4)
	deleted := day(5)
	recs := []*model.Record{
		{ID: "1", Group: "a", CreatedAt: day(1)},
		{ID: "2", Group: "b", CreatedAt: day(2)},
		{ID: "3", Group: "a", CreatedAt: day(3)},
		{ID: "4", Group: "a", CreatedAt: day(4)},
		{ID: "5", Group: "a", CreatedAt: day(3), DeletedAt: &deleted},
	}
	ids := func(f model.Filter) []string {
		var out []string
		for _, r := range recs {
			if f.Match(r) {
				out = append(out, r.ID)
			}
		}
		return out
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(model.Filter{}))
	assert.Equal(t, []string{"2", "3"}, ids(model.Filter{After: &after, Before: &before}))
	assert.Equal(t, []string{"1", "3", "4", "5"}, ids(model.Filter{Groups: []string{"a"}, WithTrashed: true}))
}

func TestDiskStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d, err := NewDiskStore(root)
	require.NoError(t, err)

	require.NoError(t, d.Put(ctx, "records/r1/a.txt", strings.NewReader("hello"), 5, "text/plain"))
	_, err = os.Stat(filepath.Join(root, "records", "r1", "a.txt"))
	require.NoError(t, err)

	rc, err := d.Open(ctx, "records/r1/a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	require.NoError(t, d.Delete(ctx, "records/r1/a.txt"))
	require.NoError(t, d.Delete(ctx, "records/r1/a.txt"))
	_, err = d.Open(ctx, "records/r1/a.txt")
	assert.True(t, errors.Is(err, ErrNotFound))

	for _, key := range []string{"../escape", "/etc/passwd", "", "a/../../b"} {
		assert.Error(t, d.Put(ctx, key, strings.NewReader("x"), 1, ""), key)
	}
}
