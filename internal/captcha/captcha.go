// Package captcha verifies reCAPTCHA responses against the remote
// siteverify endpoint.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultEndpoint is Google's verification API.
const DefaultEndpoint = "https://www.google.com/recaptcha/api/siteverify"

// RuleName is the validation rule backed by Verify.
const RuleName = "recaptcha"

type remoteIPKey struct{}

// WithRemoteIP stores the submitter's IP for the validation rule.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, remoteIPKey{}, ip)
}

func remoteIP(ctx context.Context) string {
	ip, _ := ctx.Value(remoteIPKey{}).(string)
	return ip
}

// Verifier checks challenge responses. The zero timeout means 5 seconds.
type Verifier struct {
	siteKey  string
	secret   string
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithEndpoint overrides the verification URL.
func WithEndpoint(u string) Option {
	return func(v *Verifier) {
		if u != "" {
			v.endpoint = u
		}
	}
}

// WithTimeout bounds each verification call.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

// New creates a Verifier for the given key pair.
func New(siteKey, secret string, opts ...Option) *Verifier {
	v := &Verifier{
		siteKey:  siteKey,
		secret:   secret,
		endpoint: DefaultEndpoint,
		timeout:  5 * time.Second,
		client:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SiteKey is the public key rendered into the widget.
func (v *Verifier) SiteKey() string {
	return v.siteKey
}

// Misconfigured reports a missing key. This is an operator problem, separate
// from a failed verification.
func (v *Verifier) Misconfigured() bool {
	return strings.TrimSpace(v.siteKey) == "" || strings.TrimSpace(v.secret) == ""
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Hostname   string   `json:"hostname"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify asks the remote service about response. Every failure mode,
// including network errors, counts as a failed verification.
func (v *Verifier) Verify(ctx context.Context, response, ip string) bool {
	ok, err := v.verify(ctx, response, ip)
	if err != nil {
		log.WithError(err).WithField("remote_ip", ip).Warn("recaptcha verification failed")
		return false
	}
	return ok
}

func (v *Verifier) verify(ctx context.Context, response, ip string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", response)
	if ip != "" {
		form.Set("remoteip", ip)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("siteverify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("siteverify: unexpected status %d", resp.StatusCode)
	}
	var body siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return false, fmt.Errorf("decode siteverify: %w", err)
	}
	if !body.Success {
		log.WithField("error_codes", body.ErrorCodes).Debug("recaptcha rejected response")
	}
	return body.Success, nil
}

// Rule adapts Verify to a validation rule; the remote IP is taken from the
// context (see WithRemoteIP).
func (v *Verifier) Rule() func(ctx context.Context, value string) bool {
	return func(ctx context.Context, value string) bool {
		return v.Verify(ctx, value, remoteIP(ctx))
	}
}
