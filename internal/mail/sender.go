package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/notify"
)

// SMTPConfig holds the relay settings.
type SMTPConfig struct {
	Addr     string
	User     string
	Password string
	From     string
	Timeout  time.Duration
}

// transport hands a finished message to a relay.
type transport func(ctx context.Context, from string, to []string, raw []byte) error

// Sender renders and delivers messages synchronously.
type Sender struct {
	cfg       SMTPConfig
	templates *Registry
	opener    Opener
	send      transport
}

// NewSender builds a Sender. opener may be nil when no form attaches uploads.
func NewSender(cfg SMTPConfig, templates *Registry, opener Opener) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	s := &Sender{cfg: cfg, templates: templates, opener: opener}
	s.send = s.smtpSend
	return s
}

// Send renders msg and delivers it to every recipient, Bcc included.
func (s *Sender) Send(ctx context.Context, msg *notify.Message) error {
	rcpts, err := envelope(msg.Recipients())
	if err != nil {
		return err
	}
	if len(rcpts) == 0 {
		return errors.New("message has no recipients")
	}
	from := msg.From
	if from == "" {
		from = s.cfg.From
	}
	sender, err := envelope([]string{from})
	if err != nil || len(sender) != 1 {
		return fmt.Errorf("invalid sender %q", from)
	}
	body, err := s.templates.Render(msg.Template, msg.Data)
	if err != nil {
		return err
	}
	raw, err := Build(ctx, from, msg, body, s.opener)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := s.send(ctx, sender[0], rcpts, raw); err != nil {
		return fmt.Errorf("deliver %s: %w", msg.Kind, err)
	}
	log.WithFields(log.Fields{
		"kind":       msg.Kind,
		"recipients": len(rcpts),
		"record":     msg.Data.ID,
	}).Info("mail delivered")
	return nil
}

func (s *Sender) smtpSend(ctx context.Context, from string, to []string, raw []byte) error {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("smtp addr: %w", err)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.User != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Password, host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, addr := range to {
		if err := c.Rcpt(addr); err != nil {
			return fmt.Errorf("rcpt %s: %w", addr, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
