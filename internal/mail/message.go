// Package mail renders composed messages into MIME and delivers them over
// SMTP.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/dharsanguruparan/FormDrop/internal/notify"
)

// Opener reads a stored attachment.
type Opener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// Build encodes msg as a multipart/mixed message with an HTML body and one
// part per attachment. Bcc recipients are left out of the headers.
func Build(ctx context.Context, from string, msg *notify.Message, body string, open Opener) ([]byte, error) {
	var h gomail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if err := setAddresses(&h, "From", []string{from}); err != nil {
		return nil, err
	}
	if err := setAddresses(&h, "To", msg.To); err != nil {
		return nil, err
	}
	if msg.ReplyTo != "" {
		if err := setAddresses(&h, "Reply-To", []string{msg.ReplyTo}); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	var ih gomail.InlineHeader
	ih.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ih)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		if err := attach(ctx, mw, a, open); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func attach(ctx context.Context, mw *gomail.Writer, a notify.Attachment, open Opener) error {
	if open == nil {
		return fmt.Errorf("attachment %s: no opener configured", a.Name)
	}
	rc, err := open.Open(ctx, a.Path)
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", a.Name, err)
	}
	defer rc.Close()

	var ah gomail.AttachmentHeader
	ctype := mime.TypeByExtension(filepath.Ext(a.Name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	ah.Set("Content-Type", ctype)
	ah.SetFilename(a.Name)
	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("copy attachment %s: %w", a.Name, err)
	}
	return w.Close()
}

func setAddresses(h *gomail.Header, key string, list []string) error {
	var addrs []*gomail.Address
	for _, s := range list {
		parsed, err := gomail.ParseAddressList(s)
		if err != nil {
			return fmt.Errorf("%s address %q: %w", key, s, err)
		}
		addrs = append(addrs, parsed...)
	}
	if len(addrs) > 0 {
		h.SetAddressList(key, addrs)
	}
	return nil
}

// envelope returns the bare addresses of list.
func envelope(list []string) ([]string, error) {
	var out []string
	for _, s := range list {
		parsed, err := gomail.ParseAddressList(s)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", s, err)
		}
		for _, a := range parsed {
			out = append(out, a.Address)
		}
	}
	return out, nil
}
