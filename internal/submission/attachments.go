package submission

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dharsanguruparan/FormDrop/internal/model"
	"github.com/dharsanguruparan/FormDrop/internal/upload"
)

// ArchiveKey is where the n-th attachment of a record is archived.
func ArchiveKey(recordID string, n int, name string) string {
	return fmt.Sprintf("records/%s/%d_%s", recordID, n, name)
}

// linkAttachments resolves every submitted upload token, archives the temp
// files and links them to the record. Any failure trashes the record so no
// half-linked submission stays visible.
func (p *Pipeline) linkAttachments(ctx context.Context, r *run) *Abort {
	if r.cfg.SkipDatabase || len(r.tokens) == 0 {
		return nil
	}
	if p.deps.Uploads == nil || p.deps.Archive == nil {
		return p.compensate(ctx, r, http.StatusInternalServerError, errors.New("uploads are not configured"))
	}

	paths := make([]string, 0, len(r.tokens))
	for _, tok := range r.tokens {
		path, err := p.deps.Uploads.Resolve(tok)
		if err != nil {
			status := http.StatusUnprocessableEntity
			var uerr *upload.Error
			if errors.As(err, &uerr) {
				status = uerr.Status()
			}
			return p.compensate(ctx, r, status, err)
		}
		paths = append(paths, path)
	}

	files := make([]model.Attachment, 0, len(paths))
	for i, path := range paths {
		name := upload.OriginalName(path)
		key := ArchiveKey(r.record.ID, i, name)
		size, err := p.archive(ctx, key, path, name)
		if err != nil {
			p.discard(ctx, r, files)
			return p.compensate(ctx, r, http.StatusInternalServerError, err)
		}
		files = append(files, model.Attachment{Path: key, FileName: name, Size: size})
	}
	if err := p.deps.Store.AttachFiles(ctx, r.record.ID, files); err != nil {
		p.discard(ctx, r, files)
		return p.compensate(ctx, r, http.StatusInternalServerError, err)
	}
	r.record.Files = files

	for _, path := range paths {
		if err := p.deps.Uploads.Release(path); err != nil {
			r.log.WithError(err).Warn("release temp upload")
		}
	}
	return nil
}

func (p *Pipeline) archive(ctx context.Context, key, path, name string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open temp upload: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat temp upload: %w", err)
	}
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	if err := p.deps.Archive.Put(ctx, key, f, info.Size(), ctype); err != nil {
		return 0, fmt.Errorf("archive %s: %w", name, err)
	}
	return info.Size(), nil
}

// discard removes blobs archived before a later step failed.
func (p *Pipeline) discard(ctx context.Context, r *run, files []model.Attachment) {
	for _, f := range files {
		if err := p.deps.Archive.Delete(ctx, f.Path); err != nil {
			r.log.WithError(err).WithField("key", f.Path).Warn("discard archived attachment")
		}
	}
}

func (p *Pipeline) compensate(ctx context.Context, r *run, status int, cause error) *Abort {
	r.log.WithError(cause).Error("attachment resolution failed")
	if err := p.deps.Store.SoftDelete(ctx, r.record.ID); err != nil {
		r.log.WithError(err).Error("trash record after attachment failure")
	}
	return &Abort{Kind: ErrAttachmentResolution, Status: status, Message: MsgUpload, Err: cause}
}
