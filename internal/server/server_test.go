package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/FormDrop/internal/api"
	"github.com/dharsanguruparan/FormDrop/internal/captcha"
	"github.com/dharsanguruparan/FormDrop/internal/forms"
	"github.com/dharsanguruparan/FormDrop/internal/model"
	"github.com/dharsanguruparan/FormDrop/internal/render"
	"github.com/dharsanguruparan/FormDrop/internal/session"
	"github.com/dharsanguruparan/FormDrop/internal/signing"
	"github.com/dharsanguruparan/FormDrop/internal/storage"
	"github.com/dharsanguruparan/FormDrop/internal/submission"
	"github.com/dharsanguruparan/FormDrop/internal/upload"
	"github.com/dharsanguruparan/FormDrop/internal/validation"
)

type fixture struct {
	handler http.Handler
	store   *storage.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newProxiedFixture(t, false)
}

func newProxiedFixture(t *testing.T, trustProxy bool) *fixture {
	t.Helper()
	reg, err := forms.NewRegistry(
		&forms.Configuration{Alias: "contact", Rules: map[string]string{"name": "required"}},
		&forms.Configuration{Alias: "thanks", Redirect: "/thanks"},
		&forms.Configuration{Alias: "protected", Recaptcha: forms.Recaptcha{Enabled: true, Size: forms.CaptchaCompact}},
	)
	require.NoError(t, err)
	v, err := validation.New()
	require.NoError(t, err)
	rnd, err := render.New("")
	require.NoError(t, err)
	sessions, err := session.NewStore("test-hash-key", "", false)
	require.NoError(t, err)
	uploads, err := upload.NewManager(upload.Options{
		Dir: t.TempDir(), MaxSize: 1024, AllowedTypes: []string{"txt"}, TokenTTL: time.Hour,
	}, signing.NewSigner([]byte("secret")))
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	verifier := captcha.New("site-key", "secret-key")
	pipeline := submission.New(submission.Deps{
		Validator:   v,
		Captcha:     verifier,
		Store:       store,
		Renderer:    rnd,
		CSRFEnabled: true,
	})
	srv := New(Deps{
		Forms:       reg,
		Pipeline:    pipeline,
		Sessions:    sessions,
		Captcha:     verifier,
		Renderer:    rnd,
		Uploads:     api.NewUploads(uploads),
		MaxFileSize: uploads.MaxSize(),
		TrustProxy:  trustProxy,
	})
	return &fixture{handler: srv.Handler(), store: store}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// open fetches form metadata and returns the CSRF token and session cookie.
func (f *fixture) open(t *testing.T, alias string) (formMeta, *http.Cookie) {
	t.Helper()
	rec := f.do(httptest.NewRequest(http.MethodGet, "/forms/"+alias, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var meta formMeta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	return meta, cookies[0]
}

func jsonPost(alias string, body map[string]any, cookie *http.Cookie) *http.Request {
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/forms/"+alias, strings.NewReader(string(buf)))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func TestHealth(t *testing.T) {
	rec := newFixture(t).do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestFormMetadata(t *testing.T) {
	f := newFixture(t)
	meta, _ := f.open(t, "contact")
	assert.Len(t, meta.Token, 40)
	assert.NotEmpty(t, meta.SessionKey)
	assert.Equal(t, "#contact_forms_flash", meta.FlashTarget)
	assert.Equal(t, forms.InlineDisabled, meta.InlineErrors)
	assert.Equal(t, int64(1024), meta.MaxFileSize)
	assert.False(t, meta.Recaptcha.Enabled)

	meta, _ = f.open(t, "protected")
	assert.True(t, meta.Recaptcha.Enabled)
	assert.Equal(t, "site-key", meta.Recaptcha.SiteKey)
	assert.Contains(t, meta.Recaptcha.Widget, `data-size="compact"`)
	assert.False(t, meta.RecaptchaWarn)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/forms/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitJSON(t *testing.T) {
	f := newFixture(t)
	meta, cookie := f.open(t, "contact")

	rec := f.do(jsonPost("contact", map[string]any{"_token": meta.Token, "name": "Ada"}, cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "completed", out.State)
	assert.Contains(t, out.Flash, "Form successfully sent!")

	stored, err := f.store.Get(context.Background(), out.RecordID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada"}, stored.Data)
	assert.Equal(t, "192.0.2.1", stored.IP)

	rec = f.do(jsonPost("contact", map[string]any{"_token": meta.Token}, cookie))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "error", out.Status)
	assert.Equal(t, string(submission.ErrValidation), out.Kind)
	assert.Equal(t, []string{"The name field is required."}, out.Messages)
}

func TestForwardedForNeedsTrustedProxy(t *testing.T) {
	for _, tc := range []struct {
		trust bool
		want  string
	}{
		{trust: false, want: "192.0.2.1"},
		{trust: true, want: "203.0.113.7"},
	} {
		f := newProxiedFixture(t, tc.trust)
		meta, cookie := f.open(t, "contact")
		req := jsonPost("contact", map[string]any{"_token": meta.Token, "name": "Ada"}, cookie)
		req.Header.Set("X-Forwarded-For", "203.0.113.7")

		rec := f.do(req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out submitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		stored, err := f.store.Get(context.Background(), out.RecordID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, stored.IP, "trust proxy %v", tc.trust)
	}
}

func TestSubmitWithoutSessionIsForbidden(t *testing.T) {
	f := newFixture(t)
	rec := f.do(jsonPost("contact", map[string]any{"_token": "guess", "name": "Ada"}, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	recs, err := f.store.List(context.Background(), model.Filter{WithTrashed: true})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPlainFormPostRedirects(t *testing.T) {
	f := newFixture(t)
	meta, cookie := f.open(t, "thanks")

	form := url.Values{"_token": {meta.Token}, "topics[]": {"a", "b"}}
	req := httptest.NewRequest(http.MethodPost, "/forms/thanks", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	req.AddCookie(cookie)
	rec := f.do(req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/thanks", rec.Header().Get("Location"))
	recs, err := f.store.List(context.Background(), model.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []any{"a", "b"}, recs[0].Data["topics"])
	assert.Equal(t, "198.51.100.7", recs[0].IP)
}

func TestPlainFormPostErrorRendersFlash(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/forms/contact", strings.NewReader("name=Ada"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), submission.MsgCSRF)
}

func TestUploadRoutesMounted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/delete", strings.NewReader("bogus")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
