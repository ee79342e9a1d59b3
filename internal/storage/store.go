// Package storage defines where records and their archived uploads live and
// provides the in-process implementations used without Postgres or S3.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dharsanguruparan/FormDrop/internal/model"
)

// ErrNotFound is returned for unknown record ids or blob keys.
var ErrNotFound = errors.New("not found")

// Records persists submission records and their attachment rows.
type Records interface {
	Create(ctx context.Context, rec *model.Record) error
	AttachFiles(ctx context.Context, recordID string, files []model.Attachment) error
	SoftDelete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Record, error)
	List(ctx context.Context, f model.Filter) ([]*model.Record, error)
	Groups(ctx context.Context) ([]string, error)
	// PurgeBefore hard-deletes records created before cutoff and returns
	// their attachments so the blobs can be removed too.
	PurgeBefore(ctx context.Context, cutoff time.Time) ([]model.Attachment, error)
}

// Blobs archives attachment contents by key.
type Blobs interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
