// Package server exposes forms over HTTP: metadata and session issuance,
// submission, and the temp-upload endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/api"
	"github.com/dharsanguruparan/FormDrop/internal/fields"
	"github.com/dharsanguruparan/FormDrop/internal/forms"
	"github.com/dharsanguruparan/FormDrop/internal/render"
	"github.com/dharsanguruparan/FormDrop/internal/session"
	"github.com/dharsanguruparan/FormDrop/internal/submission"
)

const (
	maxFormMemory = 32 << 20
	maxJSONBody   = 1 << 20
)

// Captcha describes the global CAPTCHA keys.
type Captcha interface {
	SiteKey() string
	Misconfigured() bool
}

// Deps are the collaborators of a Server.
type Deps struct {
	Address     string
	Forms       *forms.Registry
	Pipeline    *submission.Pipeline
	Sessions    *session.Store
	Captcha     Captcha
	Renderer    *render.Renderer
	Uploads     *api.Uploads
	MaxFileSize int64
	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

// Server hosts the HTTP handlers.
type Server struct {
	deps   Deps
	router chi.Router
	server *http.Server
	once   sync.Once
}

// New builds a Server and its routes.
func New(deps Deps) *Server {
	s := &Server{deps: deps}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.deps.Address,
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.WithField("address", s.deps.Address).Info("http server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.deps.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(api.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/forms/{alias}", s.handleForm)
	r.Post("/forms/{alias}", s.handleSubmit)
	if s.deps.Uploads != nil {
		r.Group(func(r chi.Router) {
			r.Use(api.CORS)
			s.deps.Uploads.Routes(r)
		})
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// formMeta is what a page needs to render a form.
type formMeta struct {
	Alias           string `json:"alias"`
	Token           string `json:"_token"`
	SessionKey      string `json:"_session_key"`
	FlashTarget     string `json:"flash_target"`
	InlineErrors    string `json:"inline_errors"`
	UploaderEnabled bool   `json:"uploader_enabled"`
	MaxFileSize     int64  `json:"max_file_size"`
	Recaptcha       struct {
		Enabled bool   `json:"enabled"`
		SiteKey string `json:"site_key,omitempty"`
		Size    string `json:"size,omitempty"`
		Widget  string `json:"widget,omitempty"`
	} `json:"recaptcha"`
	RecaptchaWarn bool `json:"recaptcha_warn"`
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.form(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Sessions.Ensure(w, r)
	if err != nil {
		log.WithError(err).Error("issue session")
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "session unavailable"})
		return
	}

	meta := formMeta{
		Alias:           cfg.Alias,
		Token:           sess.Token,
		SessionKey:      sess.Key,
		FlashTarget:     render.FlashTarget(cfg.Alias),
		InlineErrors:    cfg.InlineErrors,
		UploaderEnabled: cfg.UploaderEnabled,
		MaxFileSize:     s.deps.MaxFileSize,
	}
	if cfg.Recaptcha.Enabled {
		if s.deps.Captcha == nil || s.deps.Captcha.Misconfigured() {
			log.WithField("form", cfg.Alias).Warn("recaptcha enabled but site or secret key missing")
			meta.RecaptchaWarn = true
		} else {
			meta.Recaptcha.Enabled = true
			meta.Recaptcha.SiteKey = s.deps.Captcha.SiteKey()
			meta.Recaptcha.Size = cfg.Recaptcha.Size
			meta.Recaptcha.Widget, err = s.deps.Renderer.Render(render.PartialRecaptcha, render.Widget{
				SiteKey:   meta.Recaptcha.SiteKey,
				Size:      cfg.Recaptcha.Size,
				Invisible: cfg.Recaptcha.Size == forms.CaptchaInvisible,
			})
			if err != nil {
				log.WithError(err).Error("render recaptcha widget")
			}
		}
	}
	respondJSON(w, http.StatusOK, meta)
}

// submitResponse is the JSON answer to a submission.
type submitResponse struct {
	Status      string              `json:"status"`
	State       string              `json:"state"`
	Kind        string              `json:"kind,omitempty"`
	Redirect    string              `json:"redirect,omitempty"`
	Target      string              `json:"target"`
	Flash       string              `json:"flash,omitempty"`
	Errors      map[string][]string `json:"errors,omitempty"`
	ErrorFields []string            `json:"error_fields,omitempty"`
	Messages    []string            `json:"messages,omitempty"`
	RecordID    string              `json:"record_id,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.form(w, r)
	if !ok {
		return
	}
	raw, err := decodeFields(w, r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req := submission.Request{Fields: raw, RemoteIP: clientIP(r)}
	if sess, ok := s.deps.Sessions.Load(r); ok {
		req.SessionToken = sess.Token
	}

	res := s.deps.Pipeline.Submit(r.Context(), cfg, req)
	for _, warn := range res.Warnings {
		log.WithFields(log.Fields{"form": cfg.Alias, "warning": warn}).Warn("submission warning")
	}

	if !wantsJSON(r) {
		s.respondHTML(w, r, res)
		return
	}
	out := submitResponse{
		Status:      "success",
		State:       res.State.String(),
		Redirect:    res.Redirect,
		Target:      res.Target,
		Flash:       res.Flash,
		Errors:      res.FieldErrors,
		ErrorFields: res.ErrorFields,
		Messages:    res.Messages,
	}
	if res.Record != nil {
		out.RecordID = res.Record.ID
	}
	if res.Abort != nil {
		out.Status = "error"
		out.Kind = string(res.Abort.Kind)
	}
	respondJSON(w, res.Status, out)
}

// respondHTML answers a plain browser form post without JavaScript.
func (s *Server) respondHTML(w http.ResponseWriter, r *http.Request, res *submission.Result) {
	if res.Completed() && res.Redirect != "" {
		http.Redirect(w, r, res.Redirect, http.StatusSeeOther)
		return
	}
	body := res.Flash
	if body == "" {
		body = strings.Join(res.Messages, "\n")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(res.Status)
	_, _ = io.WriteString(w, body)
}

func (s *Server) form(w http.ResponseWriter, r *http.Request) (*forms.Configuration, bool) {
	cfg, err := s.deps.Forms.Get(chi.URLParam(r, "alias"))
	if err != nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "form not found"})
		return nil, false
	}
	return cfg, true
}

// decodeFields reads a JSON object or an urlencoded/multipart body.
func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	ctype := r.Header.Get("Content-Type")
	if strings.HasPrefix(ctype, "application/json") {
		var raw map[string]any
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}
	if strings.HasPrefix(ctype, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return nil, fmt.Errorf("parse multipart body: %w", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse form body: %w", err)
	}
	return fields.FromValues(r.PostForm), nil
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		r.Header.Get("X-Requested-With") == "XMLHttpRequest" ||
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

// clientIP strips the port from RemoteAddr, which RealIP may already have
// replaced with a bare address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithError(err).Error("encode response")
	}
}
