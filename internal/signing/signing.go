// Package signing implements a minimal HMAC helper for minting and verifying
// tamper-evident tokens.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned for tokens that do not have the signed shape.
	ErrMalformed = errors.New("malformed token")
	// ErrSignature is returned when the MAC does not match the payload.
	ErrSignature = errors.New("invalid token signature")
	// ErrExpired is returned for correctly signed tokens past their expiry.
	ErrExpired = errors.New("token expired")
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature for inputs.
func (s *Signer) Sign(payload string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	// The canonical payload keeps value ordering consistent.
	fmt.Fprintf(mac, "%s:%d", payload, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected.
func (s *Signer) Validate(payload, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(payload, exp)
	// hmac.Equal performs constant-time comparison.
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Seal packs payload into an opaque token valid for ttl:
// base64url(payload) "." expiresUnix "." signature.
func (s *Signer) Seal(payload string, ttl time.Duration) string {
	exp := s.now().Add(ttl).Unix()
	enc := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return enc + "." + strconv.FormatInt(exp, 10) + "." + s.Sign(payload, exp)
}

// Open verifies a token produced by Seal and returns its payload. The
// signature is checked before the expiry so forged tokens never reveal
// anything about timing.
func (s *Signer) Open(token string) (string, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] == "" {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrMalformed
	}
	payload := string(raw)
	if !s.Validate(payload, parts[1], parts[2]) {
		return "", ErrSignature
	}
	exp, _ := strconv.ParseInt(parts[1], 10, 64)
	if s.now().Unix() > exp {
		return "", ErrExpired
	}
	return payload, nil
}
