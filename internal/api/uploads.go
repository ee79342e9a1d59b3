// Package api serves the temp-upload protocol used by FilePond-style
// widgets: POST /upload parks a file and answers with a token, POST or
// DELETE /delete drops it again. Every body is plain text.
package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/upload"
)

// FieldHeader names the multipart field carrying the file.
const FieldHeader = "FilePond-Field"

// fallbackFields are tried when the header is absent.
var fallbackFields = []string{"filepond", "file"}

const maxTokenBytes = 4 << 10

// Manager is the part of *upload.Manager the handlers need.
type Manager interface {
	MaxSize() int64
	Upload(field string, file *upload.File) (string, error)
	Delete(token string) error
}

// Uploads exposes a Manager over HTTP.
type Uploads struct {
	manager Manager
}

// NewUploads wraps m.
func NewUploads(m Manager) *Uploads {
	return &Uploads{manager: m}
}

// Routes registers the upload endpoints on r.
func (u *Uploads) Routes(r chi.Router) {
	r.Post("/upload", u.handleUpload)
	r.Post("/delete", u.handleDelete)
	r.Delete("/delete", u.handleDelete)
}

func (u *Uploads) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Leave room for multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, u.manager.MaxSize()+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		respondText(w, http.StatusUnprocessableEntity, "expecting multipart form")
		return
	}

	field := r.Header.Get(FieldHeader)
	names := fallbackFields
	if field != "" {
		names = []string{field}
	} else {
		field = fallbackFields[0]
	}
	part, err := nextFilePart(mr, names)
	var file *upload.File
	switch {
	case err == nil:
		defer part.Close()
		file = &upload.File{Name: part.FileName(), Reader: part}
	case errors.Is(err, io.EOF):
	default:
		respondText(w, http.StatusUnprocessableEntity, "failed to read upload")
		return
	}

	token, err := u.manager.Upload(field, file)
	if err != nil {
		respondUploadError(w, err)
		return
	}
	respondText(w, http.StatusOK, token)
}

func (u *Uploads) handleDelete(w http.ResponseWriter, r *http.Request) {
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxTokenBytes))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := u.manager.Delete(strings.TrimSpace(string(buf))); err != nil {
		log.WithError(err).Info("temp upload delete refused")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// nextFilePart returns the first part whose form name is in names. io.EOF
// means the form carried no such part.
func nextFilePart(mr *multipart.Reader, names []string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if part.FormName() == n {
				return part, nil
			}
		}
		part.Close()
	}
}

func respondUploadError(w http.ResponseWriter, err error) {
	var uerr *upload.Error
	if !errors.As(err, &uerr) {
		log.WithError(err).Error("upload failed")
		respondText(w, http.StatusInternalServerError, upload.MsgSaveFile)
		return
	}
	entry := log.WithField("kind", uerr.Kind.String())
	if uerr.Status() >= http.StatusInternalServerError {
		entry.WithError(err).Error("upload failed")
	} else {
		entry.Info("upload rejected")
	}
	respondText(w, uerr.Status(), uerr.Message)
}

func respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, body); err != nil {
		log.WithError(err).Debug("write response")
	}
}
