// Package session keeps the per-visitor CSRF token and session key in an
// encrypted cookie.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

// CookieName is the name of the session cookie.
const CookieName = "formdrop_session"

const defaultMaxAge = 2 * time.Hour

// Session is the state carried by the cookie.
type Session struct {
	Token string `json:"token"`
	Key   string `json:"key"`
}

// Store encodes and decodes sessions.
type Store struct {
	codec  *securecookie.SecureCookie
	secure bool
	maxAge time.Duration
}

// NewStore builds a Store. The block key is stretched to an AES-256 key;
// when empty it is derived from hashKey.
func NewStore(hashKey, blockKey string, secure bool) (*Store, error) {
	if hashKey == "" {
		return nil, errors.New("session hash key is required")
	}
	if blockKey == "" {
		blockKey = "block:" + hashKey
	}
	block := sha256.Sum256([]byte(blockKey))
	codec := securecookie.New([]byte(hashKey), block[:])
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(defaultMaxAge.Seconds()))
	return &Store{codec: codec, secure: secure, maxAge: defaultMaxAge}, nil
}

// Load decodes the session on r. ok is false when no valid cookie is present.
func (s *Store) Load(r *http.Request) (sess *Session, ok bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return nil, false
	}
	sess = &Session{}
	if err := s.codec.Decode(CookieName, c.Value, sess); err != nil {
		return nil, false
	}
	return sess, sess.Token != ""
}

// Ensure returns the current session, issuing a fresh one when the request
// carries none.
func (s *Store) Ensure(w http.ResponseWriter, r *http.Request) (*Session, error) {
	if sess, ok := s.Load(r); ok {
		return sess, nil
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	sess := &Session{Token: token, Key: uuid.NewString()}
	if err := s.Save(w, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Save writes sess as a cookie on w.
func (s *Store) Save(w http.ResponseWriter, sess *Session) error {
	value, err := s.codec.Encode(CookieName, sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("csrf token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
