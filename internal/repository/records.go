// Package repository implements record persistence on Postgres.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dharsanguruparan/FormDrop/internal/database"
	"github.com/dharsanguruparan/FormDrop/internal/model"
	"github.com/dharsanguruparan/FormDrop/internal/storage"
)

// RecordRepository wraps all SQL touching records and their files.
type RecordRepository struct {
	db  database.DB
	now func() time.Time
}

// NewRecordRepository constructs a repository.
func NewRecordRepository(db database.DB) *RecordRepository {
	return &RecordRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts rec, filling in the id, group and timestamps when unset.
func (r *RecordRepository) Create(ctx context.Context, rec *model.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Group == "" {
		rec.Group = model.EmptyGroup
	}
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	data, err := rec.FormDataJSON()
	if err != nil {
		return fmt.Errorf("encode form data: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO records (id, "group", form_data, ip, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.Group, data, rec.IP, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// AttachFiles links files to the record with a single multi-row insert.
func (r *RecordRepository) AttachFiles(ctx context.Context, recordID string, files []model.Attachment) error {
	if len(files) == 0 {
		return nil
	}
	now := r.now()
	var (
		rows []string
		args []any
	)
	for i := range files {
		f := &files[i]
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.RecordID = recordID
		f.Position = i
		f.CreatedAt = now
		n := len(args)
		rows = append(rows, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8))
		args = append(args, f.ID, f.Path, f.FileName, f.Size, model.AttachableRecord, recordID, f.Position, f.CreatedAt)
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO files (id, disk_name, file_name, file_size, attachable_type, attachable_id, sort_order, created_at)
		VALUES `+strings.Join(rows, ","), args...)
	if err != nil {
		return fmt.Errorf("insert files: %w", err)
	}
	return nil
}

// SoftDelete trashes the record.
func (r *RecordRepository) SoftDelete(ctx context.Context, id string) error {
	now := r.now()
	tag, err := r.db.Exec(ctx, `
		UPDATE records SET deleted_at=$1, updated_at=$1 WHERE id=$2 AND deleted_at IS NULL
	`, now, id)
	if err != nil {
		return fmt.Errorf("soft delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

const selectRecords = `
	SELECT id, "group", form_data, COALESCE(ip,''), created_at, updated_at, deleted_at
	FROM records`

// Get returns a record by id, including trashed ones.
func (r *RecordRepository) Get(ctx context.Context, id string) (*model.Record, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, selectRecords+` WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("select record: %w", err)
	}
	if err := r.loadFiles(ctx, []*model.Record{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns matching records oldest first.
func (r *RecordRepository) List(ctx context.Context, f model.Filter) ([]*model.Record, error) {
	var (
		where []string
		args  []any
	)
	if !f.WithTrashed {
		where = append(where, "deleted_at IS NULL")
	}
	if len(f.Groups) > 0 {
		args = append(args, f.Groups)
		where = append(where, fmt.Sprintf(`"group" = ANY($%d)`, len(args)))
	}
	if f.After != nil {
		args = append(args, *f.After)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.Before != nil {
		args = append(args, *f.Before)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	query := selectRecords
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if err := r.loadFiles(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Groups lists the distinct group labels in use.
func (r *RecordRepository) Groups(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT "group" FROM records ORDER BY "group"`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// PurgeBefore hard-deletes records created before cutoff together with their
// file rows, in one transaction.
func (r *RecordRepository) PurgeBefore(ctx context.Context, cutoff time.Time) ([]model.Attachment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin purge: %w", err)
	}
	files, err := purge(ctx, tx, cutoff)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit purge: %w", err)
	}
	return files, nil
}

func purge(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]model.Attachment, error) {
	rows, err := tx.Query(ctx, `
		DELETE FROM files
		WHERE attachable_type=$1 AND attachable_id IN (SELECT id FROM records WHERE created_at < $2)
		RETURNING id, attachable_id, disk_name, file_name, file_size, sort_order, created_at
	`, model.AttachableRecord, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge files: %w", err)
	}
	files, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM records WHERE created_at < $1`, cutoff); err != nil {
		return nil, fmt.Errorf("purge records: %w", err)
	}
	return files, nil
}

func (r *RecordRepository) loadFiles(ctx context.Context, recs []*model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	byID := make(map[string]*model.Record, len(recs))
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, attachable_id, disk_name, file_name, file_size, sort_order, created_at
		FROM files WHERE attachable_type=$1 AND attachable_id = ANY($2)
		ORDER BY attachable_id, sort_order
	`, model.AttachableRecord, ids)
	if err != nil {
		return fmt.Errorf("select files: %w", err)
	}
	files, err := scanFiles(rows)
	if err != nil {
		return err
	}
	for _, f := range files {
		if rec, ok := byID[f.RecordID]; ok {
			rec.Files = append(rec.Files, f)
		}
	}
	return nil
}

func scanFiles(rows pgx.Rows) ([]model.Attachment, error) {
	defer rows.Close()
	var out []model.Attachment
	for rows.Next() {
		var f model.Attachment
		if err := rows.Scan(&f.ID, &f.RecordID, &f.Path, &f.FileName, &f.Size, &f.Position, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read files: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*model.Record, error) {
	var (
		rec  model.Record
		data string
	)
	if err := row.Scan(&rec.ID, &rec.Group, &data, &rec.IP, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("decode form data of %s: %w", rec.ID, err)
	}
	return &rec, nil
}
