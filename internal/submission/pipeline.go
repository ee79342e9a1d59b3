// Package submission runs a form post through CSRF check, field
// preparation, validation, CAPTCHA, persistence, attachment linking and
// notification, stopping at the first stage that aborts.
package submission

import (
	"context"
	"crypto/subtle"
	"html/template"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/captcha"
	"github.com/dharsanguruparan/FormDrop/internal/fields"
	"github.com/dharsanguruparan/FormDrop/internal/forms"
	"github.com/dharsanguruparan/FormDrop/internal/model"
	"github.com/dharsanguruparan/FormDrop/internal/notify"
	"github.com/dharsanguruparan/FormDrop/internal/render"
	"github.com/dharsanguruparan/FormDrop/internal/validation"
)

// Messages shown to submitters for failures that have no form-level text.
const (
	MsgCSRF    = "Form session expired! Please refresh the page."
	MsgStorage = "Your submission could not be saved. Please try again later."
	MsgUpload  = "One of the uploaded files is no longer available. Please upload it again."
)

// Store persists records.
type Store interface {
	Create(ctx context.Context, rec *model.Record) error
	AttachFiles(ctx context.Context, recordID string, files []model.Attachment) error
	SoftDelete(ctx context.Context, id string) error
}

// Resolver turns upload tokens into temp files.
type Resolver interface {
	Resolve(token string) (string, error)
	Release(path string) error
}

// Archive keeps attachment contents after the temp upload is gone.
type Archive interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Mailer delivers composed messages.
type Mailer interface {
	Send(ctx context.Context, msg *notify.Message) error
}

// Renderer renders named partials.
type Renderer interface {
	Render(name string, data any) (string, error)
}

// CaptchaStatus reports whether the CAPTCHA keys are usable.
type CaptchaStatus interface {
	Misconfigured() bool
}

// BeforeSaveFunc may rewrite the field map before it is stored. A non-nil
// error rejects the submission.
type BeforeSaveFunc func(ctx context.Context, cfg *forms.Configuration, data map[string]any) (map[string]any, error)

// AfterSaveFunc observes the finished record.
type AfterSaveFunc func(ctx context.Context, cfg *forms.Configuration, rec *model.Record)

// Deps are the collaborators of a Pipeline. Validator, Store, Renderer and
// Composer are required; the rest may be nil.
type Deps struct {
	Validator   *validation.Validator
	Captcha     CaptchaStatus
	Store       Store
	Uploads     Resolver
	Archive     Archive
	Mailer      Mailer
	Composer    *notify.Composer
	Renderer    Renderer
	BeforeSave  BeforeSaveFunc
	AfterSave   AfterSaveFunc
	CSRFEnabled bool
}

// Pipeline processes submissions. It holds no per-submission state and is
// safe for concurrent use.
type Pipeline struct {
	deps Deps
	now  func() time.Time
}

// New builds a Pipeline.
func New(deps Deps) *Pipeline {
	if deps.Composer == nil {
		deps.Composer = notify.NewComposer(nil)
	}
	return &Pipeline{deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

// Request is one decoded form post.
type Request struct {
	// Fields is the raw posted field map, transport keys included.
	Fields map[string]any
	// SessionToken is the CSRF token bound to the visitor's session.
	SessionToken string
	RemoteIP     string
}

// run carries the state of a single submission between stages.
type run struct {
	cfg       *forms.Configuration
	req       Request
	log       *log.Entry
	captchaOn bool
	fields    map[string]any
	tokens    []string
	record    *model.Record
	result    *Result
}

type stage struct {
	enter State
	fn    func(ctx context.Context, r *run) *Abort
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{StateCSRFChecked, p.checkCSRF},
		{StateFieldsPrepared, p.prepare},
		{StateValidatedFields, p.validate},
		{StateCaptchaVerified, p.verifyCaptcha},
		{StatePersisted, p.persist},
		{StateAttachmentsLinked, p.linkAttachments},
		{StateNotificationsSent, p.sendNotifications},
		{StateCompleted, p.complete},
	}
}

// Submit runs req through every stage for the form cfg.
func (p *Pipeline) Submit(ctx context.Context, cfg *forms.Configuration, req Request) *Result {
	r := &run{
		cfg:    cfg,
		req:    req,
		log:    log.WithField("form", cfg.Alias),
		result: &Result{State: StateStart, Reached: StateStart, Target: render.FlashTarget(cfg.Alias)},
	}
	r.captchaOn = p.captchaEnabled(r)

	for _, st := range p.stages() {
		if abort := st.fn(ctx, r); abort != nil {
			p.fail(r, abort)
			return r.result
		}
		r.result.Reached = st.enter
	}
	r.result.State = StateCompleted
	r.result.Status = http.StatusOK
	r.result.Record = r.record
	return r.result
}

// captchaEnabled is the effective CAPTCHA state. Missing keys are reported
// to operators and do not block the submission.
func (p *Pipeline) captchaEnabled(r *run) bool {
	if !r.cfg.Recaptcha.Enabled {
		return false
	}
	if p.deps.Captcha == nil || p.deps.Captcha.Misconfigured() {
		r.log.Warn("recaptcha enabled but site or secret key missing; skipping verification")
		r.result.Warnings = append(r.result.Warnings, WarnRecaptchaMisconfigured)
		return false
	}
	return true
}

func (p *Pipeline) checkCSRF(_ context.Context, r *run) *Abort {
	if !p.deps.CSRFEnabled {
		return nil
	}
	submitted, _ := r.req.Fields[fields.TokenField].(string)
	if r.req.SessionToken == "" ||
		subtle.ConstantTimeCompare([]byte(submitted), []byte(r.req.SessionToken)) != 1 {
		return &Abort{Kind: ErrCSRF, Status: http.StatusForbidden, Message: MsgCSRF}
	}
	return nil
}

func (p *Pipeline) prepare(_ context.Context, r *run) *Abort {
	r.fields = fields.Prepare(r.req.Fields, r.cfg, r.captchaOn)
	r.tokens = fields.Strings(r.req.Fields[fields.FilesField])
	return nil
}

func (p *Pipeline) labels(cfg *forms.Configuration) map[string]string {
	labels := make(map[string]string, len(cfg.CustomAttributes)+1)
	labels[fields.CaptchaField] = "reCAPTCHA"
	for k, v := range cfg.CustomAttributes {
		labels[k] = v
	}
	return labels
}

func (p *Pipeline) validate(ctx context.Context, r *run) *Abort {
	rules := make(map[string]string, len(r.cfg.Rules)+1)
	for k, v := range r.cfg.Rules {
		if k != fields.CaptchaField {
			rules[k] = v
		}
	}
	if r.captchaOn && r.cfg.CaptchaRequired() {
		rules[fields.CaptchaField] = "required"
	}
	outcome := p.deps.Validator.Validate(ctx, r.fields, rules, r.cfg.Messages, p.labels(r.cfg))
	if !outcome.Passed() {
		return &Abort{Kind: ErrValidation, Status: http.StatusUnprocessableEntity, Message: r.cfg.MessagesErrors, Outcome: outcome}
	}
	return nil
}

func (p *Pipeline) verifyCaptcha(ctx context.Context, r *run) *Abort {
	if !r.captchaOn {
		return nil
	}
	ctx = captcha.WithRemoteIP(ctx, r.req.RemoteIP)
	rules := map[string]string{fields.CaptchaField: captcha.RuleName}
	outcome := p.deps.Validator.Validate(ctx, r.fields, rules, r.cfg.Messages, p.labels(r.cfg))
	if !outcome.Passed() {
		return &Abort{Kind: ErrCaptcha, Status: http.StatusUnprocessableEntity, Message: r.cfg.MessagesErrors, Outcome: outcome}
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, r *run) *Abort {
	data := fields.Strip(r.fields, fields.TransportKeys...)
	if p.deps.BeforeSave != nil {
		changed, err := p.deps.BeforeSave(ctx, r.cfg, data)
		if err != nil {
			return &Abort{Kind: ErrRejected, Status: http.StatusUnprocessableEntity, Message: err.Error(), Err: err}
		}
		if changed != nil {
			data = changed
		}
	}
	data = fields.Rename(data, r.cfg.CustomAttributes)

	r.record = &model.Record{
		Group:     r.cfg.Group,
		Data:      data,
		IP:        CaptureIP(r.req.RemoteIP, r.cfg.AnonymizeIP),
		CreatedAt: p.now(),
	}
	if r.record.Group == "" {
		r.record.Group = model.EmptyGroup
	}
	if r.cfg.SkipDatabase {
		return nil
	}
	if err := p.deps.Store.Create(ctx, r.record); err != nil {
		r.log.WithError(err).Error("persist record")
		return &Abort{Kind: ErrPersistence, Status: http.StatusInternalServerError, Message: MsgStorage, Err: err}
	}
	r.log = r.log.WithField("record", r.record.ID)
	return nil
}

func (p *Pipeline) sendNotifications(ctx context.Context, r *run) *Abort {
	if p.deps.Mailer == nil {
		return nil
	}
	for _, msg := range p.deps.Composer.Compose(r.cfg, r.record) {
		if err := p.deps.Mailer.Send(ctx, msg); err != nil {
			r.log.WithError(err).WithField("kind", msg.Kind).Error("mail delivery failed")
		}
	}
	return nil
}

func (p *Pipeline) complete(ctx context.Context, r *run) *Abort {
	if p.deps.AfterSave != nil {
		p.deps.AfterSave(ctx, r.cfg, r.record)
	}
	if r.cfg.Redirect != "" {
		r.result.Redirect = r.cfg.Redirect
		return nil
	}
	script := r.cfg.JSOnSuccess
	if r.captchaOn {
		script += render.RecaptchaResetJS
	}
	if r.cfg.ResetForm {
		script += render.ResetFormJS(r.result.Target)
	}
	r.result.Flash = p.flash(r, render.Flash{
		Status:  "success",
		Type:    "success",
		Content: r.cfg.MessagesSuccess,
		Script:  template.JS(script),
	})
	return nil
}

// fail records abort on the result and renders it per the inline mode.
func (p *Pipeline) fail(r *run, abort *Abort) {
	res := r.result
	res.State = StateAborted
	res.Abort = abort
	res.Status = abort.Status
	r.log.WithFields(log.Fields{
		"kind":    abort.Kind,
		"reached": res.Reached.String(),
	}).Info("submission aborted")

	var messages []string
	content := abort.Message
	switch {
	case abort.Outcome != nil:
		messages = abort.Outcome.All()
		content = r.cfg.MessagesErrors
		switch r.cfg.InlineErrors {
		case forms.InlineDisplay:
			res.FieldErrors = abort.Outcome.Errors
			res.Messages = messages
			return
		case forms.InlineVariable:
			res.FieldErrors = abort.Outcome.Errors
			res.ErrorFields = abort.Outcome.Fields()
		}
	case abort.Kind == ErrRejected:
		messages = []string{abort.Message}
		content = r.cfg.MessagesErrors
	}
	res.Messages = messages
	if res.Messages == nil {
		res.Messages = []string{abort.Message}
	}

	res.Flash = p.flash(r, render.Flash{
		Status:  "error",
		Type:    "danger",
		Content: content,
		Errors:  messages,
		Script:  template.JS(r.cfg.JSOnError),
	})
}

func (p *Pipeline) flash(r *run, data render.Flash) string {
	out, err := p.deps.Renderer.Render(r.cfg.MessagesPartial, data)
	if err != nil {
		r.log.WithError(err).Error("render flash")
		return template.HTMLEscapeString(data.Content)
	}
	return out
}
