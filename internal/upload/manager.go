// Package upload implements the temp-upload protocol: files are parked in a
// temporary directory and handed back to the client as signed tokens, which
// are later resolved when a record is saved or deleted on request.
package upload

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	log "github.com/sirupsen/logrus"

	pdfutil "github.com/dharsanguruparan/FormDrop/internal/pdf"
	"github.com/dharsanguruparan/FormDrop/internal/signing"
)

// Delimiter separates the random prefix from the original file name.
const Delimiter = "__"

const prefixLen = 8

var tempNamePattern = regexp.MustCompile(`^[A-Za-z0-9]{8}__[^/\\]+$`)

// Options configure a Manager.
type Options struct {
	Dir          string
	MaxSize      int64
	AllowedTypes []string
	TokenTTL     time.Duration
}

// Manager owns the temporary upload directory.
type Manager struct {
	dir     string
	maxSize int64
	allowed map[string]bool
	ttl     time.Duration
	signer  *signing.Signer
	now     func() time.Time
}

// File is one uploaded part. A nil *File means the field carried no file.
type File struct {
	Name   string
	Reader io.Reader
}

// NewManager creates the upload directory if needed.
func NewManager(opts Options, signer *signing.Signer) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("upload dir is required")
	}
	if opts.MaxSize <= 0 {
		return nil, errors.New("max upload size must be positive")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	allowed := make(map[string]bool, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(strings.TrimPrefix(t, "."))] = true
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		dir:     opts.Dir,
		maxSize: opts.MaxSize,
		allowed: allowed,
		ttl:     ttl,
		signer:  signer,
		now:     time.Now,
	}, nil
}

// MaxSize is the largest accepted upload in bytes.
func (m *Manager) MaxSize() int64 {
	return m.maxSize
}

// Upload validates file and parks it in the temp directory. It returns the
// token identifying the stored file.
func (m *Manager) Upload(field string, file *File) (string, error) {
	var data []byte
	if file != nil {
		// Read one byte past the limit; oversize uploads never reach disk.
		buf, err := io.ReadAll(io.LimitReader(file.Reader, m.maxSize+1))
		if err != nil {
			return "", newError(KindStorageFailure, MsgSaveFile, fmt.Errorf("read upload: %w", err))
		}
		if int64(len(buf)) > m.maxSize {
			return "", newError(KindSizeExceeded, MsgFileSize, nil)
		}
		if !m.allowedType(file.Name, buf) {
			return "", newError(KindTypeRejected, MsgFileType, nil)
		}
		data = buf
	}
	if file == nil || len(data) == 0 {
		return "", newError(KindMissingFile, field+" is required", nil)
	}

	path, err := m.write(file.Name, data)
	if err != nil {
		return "", newError(KindStorageFailure, MsgSaveFile, err)
	}
	log.WithFields(log.Fields{
		"field": field,
		"file":  filepath.Base(path),
		"size":  len(data),
	}).Debug("upload stored")
	return m.signer.Seal(filepath.Base(path), m.ttl), nil
}

// Resolve turns a token back into the path of its temp file. The signature
// is checked before the filesystem is consulted.
func (m *Manager) Resolve(token string) (string, error) {
	name, err := m.signer.Open(token)
	if err != nil {
		return "", newError(KindInvalidToken, MsgBadToken, err)
	}
	if !tempNamePattern.MatchString(name) || filepath.Base(name) != name {
		return "", newError(KindInvalidToken, MsgBadToken, errors.New("unexpected payload"))
	}
	path := filepath.Join(m.dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", newError(KindInvalidToken, MsgNotExists, err)
	}
	return path, nil
}

// Delete removes the temp file behind token. Deleting twice fails the second
// time.
func (m *Manager) Delete(token string) error {
	path, err := m.Resolve(token)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return newError(KindStorageFailure, MsgSaveFile, err)
	}
	return nil
}

// Release removes a resolved temp file once its contents have been archived.
func (m *Manager) Release(path string) error {
	if filepath.Dir(path) != filepath.Clean(m.dir) || !tempNamePattern.MatchString(filepath.Base(path)) {
		return fmt.Errorf("release %s: not a temp upload", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release %s: %w", path, err)
	}
	return nil
}

// Sweep removes temp uploads older than age and returns how many went.
func (m *Manager) Sweep(age time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}
	cutoff := m.now().Add(-age)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !tempNamePattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, e.Name())); err != nil {
			log.WithError(err).WithField("file", e.Name()).Warn("sweep: remove failed")
			continue
		}
		removed++
	}
	return removed, nil
}

// OriginalName recovers the client-supplied file name from a temp path.
func OriginalName(path string) string {
	base := filepath.Base(path)
	if _, name, ok := strings.Cut(base, Delimiter); ok && name != "" {
		return name
	}
	return base
}

func (m *Manager) write(original string, data []byte) (string, error) {
	prefix, err := randomString(prefixLen)
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.dir, prefix+Delimiter+cleanName(original))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

func (m *Manager) allowedType(name string, data []byte) bool {
	detected := mimetype.Detect(data)
	ok := m.allowed[strings.TrimPrefix(detected.Extension(), ".")]
	if !ok {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		if declared := mime.TypeByExtension("." + ext); m.allowed[ext] && declared != "" {
			ok = detected.Is(declared)
		}
	}
	if ok && detected.Is("application/pdf") {
		if _, err := pdfutil.PageCount(data); err != nil {
			return false
		}
	}
	return ok
}

// cleanName strips any directory part a client may have sent.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '/' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random name: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
