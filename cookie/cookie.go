// Package cookie stores the client-held part of a session in a sealed HTTP cookie.
//
// The cookie carries only what the server needs to find and open the durable
// session record (the session id and the AAD the content was encrypted under)
// plus the freshest expiry timestamps.
package cookie

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultName is the cookie name used when Options.Name is empty.
const DefaultName = "sid"

// Value is the session state held by the client.
type Value struct {
	SID                   string     `json:"sid"`
	AAD                   string     `json:"aad"`
	IdleTimeoutExpiration *time.Time `json:"idleTimeoutExpiration"`
	LifespanExpiration    *time.Time `json:"lifespanExpiration"`
}

// Sealer encrypts and decrypts the serialized cookie value.
type Sealer interface {
	Encrypt(plaintext []byte, aad string) (string, error)
	Decrypt(ciphertext, aad string) ([]byte, error)
}

// Options controls the attributes of the issued cookie.
type Options struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// Store reads and writes the session cookie.
type Store struct {
	sealer Sealer
	opts   Options
}

// New creates a cookie Store that seals values with sealer.
func New(sealer Sealer, opts Options) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("cookie: sealer is required")
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}
	return &Store{sealer: sealer, opts: opts}, nil
}

// Name returns the cookie name.
func (s *Store) Name() string {
	return s.opts.Name
}

// Get returns the session cookie value carried by r. A missing, unreadable
// or incomplete cookie is reported as nil without an error.
func (s *Store) Get(r *http.Request) (*Value, error) {
	c, err := r.Cookie(s.opts.Name)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return nil, nil
		}
		return nil, fmt.Errorf("cookie: failed to read cookie: %w", err)
	}

	plaintext, err := s.sealer.Decrypt(c.Value, s.opts.Name)
	if err != nil {
		return nil, nil
	}

	var v Value
	if err := json.Unmarshal(plaintext, &v); err != nil {
		return nil, nil
	}
	if v.SID == "" || v.AAD == "" {
		return nil, nil
	}
	return &v, nil
}

// Set issues the session cookie on w.
func (s *Store) Set(w http.ResponseWriter, _ *http.Request, v Value) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cookie: failed to marshal value: %w", err)
	}

	sealed, err := s.sealer.Encrypt(data, s.opts.Name)
	if err != nil {
		return fmt.Errorf("cookie: failed to seal value: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.Name,
		Value:    sealed,
		Path:     s.opts.Path,
		Domain:   s.opts.Domain,
		Secure:   s.opts.Secure,
		HttpOnly: true,
		SameSite: s.opts.SameSite,
	})
	return nil
}

// Clear instructs the client to drop the session cookie.
func (s *Store) Clear(w http.ResponseWriter, _ *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.Name,
		Value:    "",
		Path:     s.opts.Path,
		Domain:   s.opts.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   s.opts.Secure,
		HttpOnly: true,
		SameSite: s.opts.SameSite,
	})
	return nil
}
