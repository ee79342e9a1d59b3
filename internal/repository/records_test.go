package repository_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/FormDrop/internal/model"
	"github.com/dharsanguruparan/FormDrop/internal/repository"
	"github.com/dharsanguruparan/FormDrop/internal/storage"
)

var (
	recordColumns = []string{"id", "group", "form_data", "ip", "created_at", "updated_at", "deleted_at"}
	fileColumns   = []string{"id", "attachable_id", "disk_name", "file_name", "file_size", "sort_order", "created_at"}
	testTime      = time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestRecordRepository_Create(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)

	mock.ExpectExec("INSERT INTO records").
		WithArgs("rec-1", model.EmptyGroup, `{"name":"Ada"}`, "203.0.113.5", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := &model.Record{ID: "rec-1", Data: map[string]any{"name": "Ada"}, IP: "203.0.113.5"}
	require.NoError(t, repo.Create(context.Background(), rec))
	assert.Equal(t, model.EmptyGroup, rec.Group)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_CreateError(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)

	mock.ExpectExec("INSERT INTO records").WillReturnError(errors.New("connection reset"))
	err := repo.Create(context.Background(), &model.Record{})
	assert.ErrorContains(t, err, "insert record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_AttachFiles(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1,$2,$3,$4,$5,$6,$7,$8),($9,$10,$11,$12,$13,$14,$15,$16)")).
		WithArgs(
			pgxmock.AnyArg(), "records/rec-1/a.pdf", "a.pdf", int64(10), model.AttachableRecord, "rec-1", 0, pgxmock.AnyArg(),
			pgxmock.AnyArg(), "records/rec-1/b.pdf", "b.pdf", int64(20), model.AttachableRecord, "rec-1", 1, pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	files := []model.Attachment{
		{Path: "records/rec-1/a.pdf", FileName: "a.pdf", Size: 10},
		{Path: "records/rec-1/b.pdf", FileName: "b.pdf", Size: 20},
	}
	require.NoError(t, repo.AttachFiles(context.Background(), "rec-1", files))
	assert.Equal(t, "rec-1", files[1].RecordID)
	assert.NotEmpty(t, files[0].ID)

	require.NoError(t, repo.AttachFiles(context.Background(), "rec-1", nil), "no files, no query")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_SoftDelete(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)

	mock.ExpectExec("UPDATE records SET deleted_at").
		WithArgs(pgxmock.AnyArg(), "rec-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE records SET deleted_at").
		WithArgs(pgxmock.AnyArg(), "rec-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.SoftDelete(context.Background(), "rec-1"))
	assert.ErrorIs(t, repo.SoftDelete(context.Background(), "rec-1"), storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_Get(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)

	mock.ExpectQuery("FROM records WHERE id").
		WithArgs("rec-1").
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow("rec-1", "contact", `{"name":"Ada","topics":["a","b"]}`, "203.0.113.5", testTime, testTime, nil))
	mock.ExpectQuery("FROM files").
		WithArgs(model.AttachableRecord, []string{"rec-1"}).
		WillReturnRows(pgxmock.NewRows(fileColumns).
			AddRow("f1", "rec-1", "records/rec-1/a.pdf", "a.pdf", int64(10), 0, testTime))

	rec, err := repo.Get(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "contact", rec.Group)
	assert.Equal(t, "Ada", rec.Data["name"])
	assert.Equal(t, []any{"a", "b"}, rec.Data["topics"])
	assert.False(t, rec.Trashed())
	require.Len(t, rec.Files, 1)
	assert.Equal(t, "a.pdf", rec.Files[0].FileName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_GetNotFound(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)

	mock.ExpectQuery("FROM records WHERE id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_List(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)
	after := testTime.Add(-24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE deleted_at IS NULL AND "group" = ANY($1) AND created_at >= $2 ORDER BY created_at, id`)).
		WithArgs([]string{"contact"}, after).
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow("rec-1", "contact", `{"name":"Ada"}`, "", testTime, testTime, nil).
			AddRow("rec-2", "contact", `{"name":"Grace"}`, "", testTime, testTime, nil))
	mock.ExpectQuery("FROM files").
		WithArgs(model.AttachableRecord, []string{"rec-1", "rec-2"}).
		WillReturnRows(pgxmock.NewRows(fileColumns).
			AddRow("f1", "rec-2", "records/rec-2/a.pdf", "a.pdf", int64(10), 0, testTime))

	recs, err := repo.List(context.Background(), model.Filter{Groups: []string{"contact"}, After: &after})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Empty(t, recs[0].Files)
	assert.Len(t, recs[1].Files, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_ListWithTrashedNoFilters(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM records ORDER BY created_at, id`)).
		WillReturnRows(pgxmock.NewRows(recordColumns))

	recs, err := repo.List(context.Background(), model.Filter{WithTrashed: true})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_Groups(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)

	mock.ExpectQuery(`SELECT DISTINCT "group"`).
		WillReturnRows(pgxmock.NewRows([]string{"group"}).AddRow(model.EmptyGroup).AddRow("contact"))

	groups, err := repo.Groups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{model.EmptyGroup, "contact"}, groups)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_PurgeBefore(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)
	cutoff := testTime

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM files").
		WithArgs(model.AttachableRecord, cutoff).
		WillReturnRows(pgxmock.NewRows(fileColumns).
			AddRow("f1", "rec-1", "records/rec-1/a.pdf", "a.pdf", int64(10), 0, testTime))
	mock.ExpectExec("DELETE FROM records").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	files, err := repo.PurgeBefore(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "records/rec-1/a.pdf", files[0].Path)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_PurgeBeforeRollsBack(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewRecordRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM files").WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err := repo.PurgeBefore(context.Background(), testTime)
	assert.ErrorContains(t, err, "lock timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}
