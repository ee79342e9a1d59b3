package submission

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/FormDrop/internal/captcha"
	"github.com/dharsanguruparan/FormDrop/internal/fields"
	"github.com/dharsanguruparan/FormDrop/internal/forms"
	"github.com/dharsanguruparan/FormDrop/internal/model"
	"github.com/dharsanguruparan/FormDrop/internal/notify"
	"github.com/dharsanguruparan/FormDrop/internal/render"
	"github.com/dharsanguruparan/FormDrop/internal/signing"
	"github.com/dharsanguruparan/FormDrop/internal/storage"
	"github.com/dharsanguruparan/FormDrop/internal/upload"
	"github.com/dharsanguruparan/FormDrop/internal/validation"
)

type countingStore struct {
	*storage.MemoryStore
	mu          sync.Mutex
	creates     int
	attaches    int
	softDeletes int
	createErr   error
}

func (s *countingStore) Create(ctx context.Context, rec *model.Record) error {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	return s.MemoryStore.Create(ctx, rec)
}

func (s *countingStore) AttachFiles(ctx context.Context, id string, files []model.Attachment) error {
	s.mu.Lock()
	s.attaches++
	s.mu.Unlock()
	return s.MemoryStore.AttachFiles(ctx, id, files)
}

func (s *countingStore) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	s.softDeletes++
	s.mu.Unlock()
	return s.MemoryStore.SoftDelete(ctx, id)
}

func (s *countingStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates + s.attaches + s.softDeletes
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []*notify.Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg *notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

type captchaKeys struct{ missing bool }

func (c captchaKeys) Misconfigured() bool { return c.missing }

type harness struct {
	pipeline     *Pipeline
	store        *countingStore
	mailer       *recordingMailer
	uploads      *upload.Manager
	archiveRoot  string
	captchaCalls int
	captchaIPs   []string
}

type option func(*Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		store:  &countingStore{MemoryStore: storage.NewMemoryStore()},
		mailer: &recordingMailer{},
	}
	v, err := validation.New(validation.WithRule(captcha.RuleName, func(ctx context.Context, value string) bool {
		h.captchaCalls++
		return value == "human"
	}))
	require.NoError(t, err)
	r, err := render.New("")
	require.NoError(t, err)

	h.uploads, err = upload.NewManager(upload.Options{
		Dir:          t.TempDir(),
		MaxSize:      1 << 20,
		AllowedTypes: []string{"txt"},
		TokenTTL:     time.Hour,
	}, signing.NewSigner([]byte("secret")))
	require.NoError(t, err)
	h.archiveRoot = t.TempDir()
	archive, err := storage.NewDiskStore(h.archiveRoot)
	require.NoError(t, err)

	deps := Deps{
		Validator: v,
		Captcha:   captchaKeys{},
		Store:     h.store,
		Uploads:   h.uploads,
		Archive:   archive,
		Mailer:    h.mailer,
		Composer:  notify.NewComposer(nil),
		Renderer:  r,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.pipeline = New(deps)
	return h
}

func form(t *testing.T, mutate func(*forms.Configuration)) *forms.Configuration {
	t.Helper()
	cfg := &forms.Configuration{
		Alias: "contact",
		Mail:  forms.Notification{Enabled: true, Recipients: []string{"ops@example.com"}},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func (h *harness) records(t *testing.T) []*model.Record {
	t.Helper()
	recs, err := h.store.List(context.Background(), model.Filter{WithTrashed: true})
	require.NoError(t, err)
	return recs
}

func TestSubmitCompletes(t *testing.T) {
	h := newHarness(t)
	cfg := form(t, nil)

	res := h.pipeline.Submit(context.Background(), cfg, Request{
		RemoteIP: "203.0.113.5",
		Fields: map[string]any{
			"name":                 "Ada",
			"message":              "Hello",
			fields.TokenField:      "tok",
			fields.SessionKeyField: "sess",
			fields.CaptchaField:    "",
			fields.FilesField:      []any{},
		},
	})

	require.True(t, res.Completed(), "abort: %v", res.Abort)
	assert.Equal(t, StateCompleted, res.Reached)
	assert.Equal(t, http.StatusOK, res.Status)
	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]any{"name": "Ada", "message": "Hello"}, recs[0].Data)
	assert.Equal(t, "203.0.113.5", recs[0].IP)
	assert.Equal(t, model.EmptyGroup, recs[0].Group)
	require.Len(t, h.mailer.sent, 1)
	assert.Equal(t, notify.TemplateNotification, h.mailer.sent[0].Kind)
	assert.Contains(t, res.Flash, "Form successfully sent!")
	assert.Equal(t, "#contact_forms_flash", res.Target)
}

func TestCSRFMismatchAbortsBeforeAnyWork(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.CSRFEnabled = true })
	cfg := form(t, nil)

	for _, req := range []Request{
		{SessionToken: "expected", Fields: map[string]any{fields.TokenField: "forged", "name": "Ada"}},
		{SessionToken: "expected", Fields: map[string]any{"name": "Ada"}},
		{SessionToken: "", Fields: map[string]any{fields.TokenField: ""}},
	} {
		res := h.pipeline.Submit(context.Background(), cfg, req)
		require.Equal(t, StateAborted, res.State)
		assert.Equal(t, ErrCSRF, res.Abort.Kind)
		assert.Equal(t, http.StatusForbidden, res.Status)
		assert.Equal(t, StateStart, res.Reached)
		assert.Contains(t, res.Flash, MsgCSRF)
	}
	assert.Zero(t, h.store.writes())
	assert.Empty(t, h.mailer.sent)

	res := h.pipeline.Submit(context.Background(), cfg, Request{
		SessionToken: "expected",
		Fields:       map[string]any{fields.TokenField: "expected", "name": "Ada"},
	})
	assert.True(t, res.Completed())
}

func TestCaptchaCalledOnlyAfterValidation(t *testing.T) {
	h := newHarness(t)
	cfg := form(t, func(c *forms.Configuration) {
		c.Recaptcha.Enabled = true
		c.Rules = map[string]string{"name": "required"}
	})

	res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{fields.CaptchaField: "human"}})
	assert.Equal(t, ErrValidation, res.Abort.Kind)
	assert.Zero(t, h.captchaCalls)

	res = h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{"name": "Ada"}})
	assert.Equal(t, ErrValidation, res.Abort.Kind, "visible widget requires a response")
	assert.Contains(t, res.Messages, "The reCAPTCHA field is required.")
	assert.Zero(t, h.captchaCalls)

	res = h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{"name": "Ada", fields.CaptchaField: "bot"}})
	require.Equal(t, StateAborted, res.State)
	assert.Equal(t, ErrCaptcha, res.Abort.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.Equal(t, StateValidatedFields, res.Reached)
	assert.Equal(t, 1, h.captchaCalls)
	assert.Zero(t, h.store.writes())

	res = h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{"name": "Ada", fields.CaptchaField: "human"}})
	require.True(t, res.Completed())
	assert.Equal(t, 2, h.captchaCalls)
	assert.NotContains(t, h.records(t)[0].Data, fields.CaptchaField)
}

func TestInvisibleCaptchaStillVerifiesEmptyResponse(t *testing.T) {
	h := newHarness(t)
	cfg := form(t, func(c *forms.Configuration) {
		c.Recaptcha = forms.Recaptcha{Enabled: true, Size: forms.CaptchaInvisible}
	})

	res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{"name": "Ada"}})
	assert.Equal(t, ErrCaptcha, res.Abort.Kind)
	assert.Equal(t, 1, h.captchaCalls)
}

func TestMisconfiguredCaptchaWarnsWithoutBlocking(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Captcha = captchaKeys{missing: true} })
	cfg := form(t, func(c *forms.Configuration) {
		c.Recaptcha.Enabled = true
		c.AllowedFields = []string{"name"}
	})

	res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{"name": "Ada"}})
	require.True(t, res.Completed())
	assert.Equal(t, []string{WarnRecaptchaMisconfigured}, res.Warnings)
	assert.Zero(t, h.captchaCalls)
	assert.Equal(t, map[string]any{"name": "Ada"}, h.records(t)[0].Data)
	assert.NotContains(t, res.Flash, "grecaptcha.reset")
}

func TestAllowListShapesStoredFields(t *testing.T) {
	h := newHarness(t)
	cfg := form(t, func(c *forms.Configuration) {
		c.AllowedFields = []string{"name", "email"}
		c.Sanitize = forms.SanitizeEscape
	})

	res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{
		"name":       "<b>Ada</b>",
		"is_admin":   "1",
		"unexpected": "x",
	}})
	require.True(t, res.Completed())
	assert.Equal(t, map[string]any{"name": "&lt;b&gt;Ada&lt;/b&gt;", "email": nil}, h.records(t)[0].Data)
}

func TestInlineErrorModes(t *testing.T) {
	rules := map[string]string{"name": "required", "email": "required,email"}
	raw := map[string]any{"email": "nope"}

	t.Run("display", func(t *testing.T) {
		h := newHarness(t)
		cfg := form(t, func(c *forms.Configuration) { c.Rules = rules; c.InlineErrors = forms.InlineDisplay })
		res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: raw})
		assert.Equal(t, ErrValidation, res.Abort.Kind)
		assert.Empty(t, res.Flash)
		assert.Equal(t, []string{"The email must be a valid email address."}, res.FieldErrors["email"])
		assert.Equal(t, []string{"The name field is required."}, res.FieldErrors["name"])
	})
	t.Run("variable", func(t *testing.T) {
		h := newHarness(t)
		cfg := form(t, func(c *forms.Configuration) {
			c.Rules = rules
			c.InlineErrors = forms.InlineVariable
			c.JSOnError = "window.failed = true;"
		})
		res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: raw})
		assert.ElementsMatch(t, []string{"email", "name"}, res.ErrorFields)
		assert.Contains(t, res.Flash, cfg.MessagesErrors)
		assert.Contains(t, res.Flash, "window.failed = true;")
		assert.Len(t, res.Messages, 2)
	})
	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t)
		cfg := form(t, func(c *forms.Configuration) {
			c.Rules = rules
			c.CustomAttributes = map[string]string{"name": "Full name"}
		})
		res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: raw})
		assert.Nil(t, res.FieldErrors)
		assert.Empty(t, res.ErrorFields)
		assert.Contains(t, res.Flash, "The Full name field is required.")
		assert.Contains(t, res.Flash, "alert-danger")
	})
}

func TestBeforeSaveHook(t *testing.T) {
	var seen map[string]any
	h := newHarness(t, func(d *Deps) {
		d.BeforeSave = func(_ context.Context, _ *forms.Configuration, data map[string]any) (map[string]any, error) {
			seen = data
			if data["name"] == "spam" {
				return nil, errors.New("Submissions from spam are not accepted.")
			}
			data["source"] = "web"
			return data, nil
		}
	})
	cfg := form(t, func(c *forms.Configuration) {
		c.CustomAttributes = map[string]string{"name": "Full name", "source": "Source"}
	})

	res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{"name": "Ada", fields.TokenField: "t"}})
	require.True(t, res.Completed())
	assert.NotContains(t, seen, fields.TokenField, "hook sees stripped fields")
	assert.Contains(t, seen, "name", "hook sees original keys")
	assert.Equal(t, map[string]any{"Full name": "Ada", "Source": "web"}, h.records(t)[0].Data)

	res = h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{"name": "spam"}})
	require.Equal(t, StateAborted, res.State)
	assert.Equal(t, ErrRejected, res.Abort.Kind)
	assert.Contains(t, res.Flash, "Submissions from spam are not accepted.")
	assert.Len(t, h.records(t), 1)
}

func TestSkipDatabase(t *testing.T) {
	var after *model.Record
	h := newHarness(t, func(d *Deps) {
		d.AfterSave = func(_ context.Context, _ *forms.Configuration, rec *model.Record) { after = rec }
	})
	cfg := form(t, func(c *forms.Configuration) {
		c.SkipDatabase = true
		c.Redirect = "/thanks"
		c.AnonymizeIP = forms.AnonymizeFull
	})

	res := h.pipeline.Submit(context.Background(), cfg, Request{
		RemoteIP: "203.0.113.5",
		Fields:   map[string]any{"name": "Ada", fields.FilesField: []any{"not-a-token"}},
	})
	require.True(t, res.Completed())
	assert.Equal(t, "/thanks", res.Redirect)
	assert.Empty(t, res.Flash)
	assert.Zero(t, h.store.writes())
	assert.Len(t, h.mailer.sent, 1)
	require.NotNil(t, after)
	assert.Equal(t, NotStored, after.IP)
	assert.Equal(t, "Ada", after.Data["name"])
}

func TestPersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.store.createErr = errors.New("disk full")
	res := h.pipeline.Submit(context.Background(), form(t, nil), Request{Fields: map[string]any{"name": "Ada"}})
	require.Equal(t, StateAborted, res.State)
	assert.Equal(t, ErrPersistence, res.Abort.Kind)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Equal(t, StateCaptchaVerified, res.Reached)
	assert.Empty(t, h.mailer.sent)
	assert.Contains(t, res.Flash, MsgStorage)
}

func TestMailFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.mailer.err = errors.New("relay down")
	cfg := form(t, func(c *forms.Configuration) {
		c.Autoresponse = forms.Autoresponse{Enabled: true, AddressField: "email"}
	})
	res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{"email": "ada@example.com"}})
	require.True(t, res.Completed())
	assert.Len(t, h.mailer.sent, 2)
	assert.Len(t, h.records(t), 1)
}

func TestSuccessScriptOrder(t *testing.T) {
	h := newHarness(t)
	cfg := form(t, func(c *forms.Configuration) {
		c.Recaptcha.Enabled = true
		c.ResetForm = true
		c.JSOnSuccess = "window.done = true;"
	})
	res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{fields.CaptchaField: "human"}})
	require.True(t, res.Completed())

	js := res.Flash[strings.Index(res.Flash, "<script>"):]
	first := strings.Index(js, "window.done = true;")
	second := strings.Index(js, render.RecaptchaResetJS)
	third := strings.Index(js, "form.reset()")
	assert.True(t, first >= 0 && first < second && second < third, js)
}

func TestAttachmentsAreArchivedAndLinked(t *testing.T) {
	h := newHarness(t)
	cfg := form(t, func(c *forms.Configuration) { c.Mail.Uploads = true })
	token, err := h.uploads.Upload("files", &upload.File{Name: "notes.txt", Reader: strings.NewReader("hello")})
	require.NoError(t, err)
	tempPath, err := h.uploads.Resolve(token)
	require.NoError(t, err)

	res := h.pipeline.Submit(context.Background(), cfg, Request{Fields: map[string]any{
		"name":            "Ada",
		fields.FilesField: []any{token},
	}})
	require.True(t, res.Completed(), "abort: %v", res.Abort)

	rec := h.records(t)[0]
	require.Len(t, rec.Files, 1)
	assert.Equal(t, "notes.txt", rec.Files[0].FileName)
	assert.Equal(t, int64(5), rec.Files[0].Size)
	assert.Equal(t, ArchiveKey(rec.ID, 0, "notes.txt"), rec.Files[0].Path)

	archived, err := os.Open(h.archiveRoot + "/" + rec.Files[0].Path)
	require.NoError(t, err)
	data, _ := io.ReadAll(archived)
	archived.Close()
	assert.Equal(t, "hello", string(data))

	_, err = os.Stat(tempPath)
	assert.True(t, os.IsNotExist(err), "temp upload released")
	require.Len(t, h.mailer.sent[0].Attachments, 1)
	assert.Equal(t, "notes.txt", h.mailer.sent[0].Attachments[0].Name)
}

func TestUnresolvableAttachmentTrashesRecord(t *testing.T) {
	h := newHarness(t)
	res := h.pipeline.Submit(context.Background(), form(t, nil), Request{Fields: map[string]any{
		"name":            "Ada",
		fields.FilesField: []any{"forged-token"},
	}})

	require.Equal(t, StateAborted, res.State)
	assert.Equal(t, ErrAttachmentResolution, res.Abort.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.Equal(t, StatePersisted, res.Reached)
	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Trashed())
	assert.Empty(t, h.mailer.sent)
}

func TestCaptureIP(t *testing.T) {
	cases := []struct {
		ip, mode, want string
	}{
		{"203.0.113.5", forms.AnonymizeDisabled, "203.0.113.5"},
		{"203.0.113.5", forms.AnonymizePartial, "203.0.113.0"},
		{"::ffff:203.0.113.5", forms.AnonymizePartial, "203.0.113.0"},
		{"2001:db8:abcd:12::1", forms.AnonymizePartial, "2001:db8:abcd::"},
		{"not-an-ip", forms.AnonymizePartial, ""},
		{"203.0.113.5", forms.AnonymizeFull, NotStored},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CaptureIP(tc.ip, tc.mode), "%s/%s", tc.ip, tc.mode)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "captcha_verified", StateCaptchaVerified.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.Equal(t, "state(42)", State(42).String())
}
