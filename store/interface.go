package store

import (
	"context"
	"fmt"
	"time"
)

// Provider identifies the authentication provider a session belongs to.
type Provider struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// String returns the provider as "<type>.<name>".
func (p Provider) String() string {
	return p.Type + "." + p.Name
}

// Record is the durable part of a session.
type Record struct {
	SID      string
	Provider Provider

	IdleTimeoutExpiration *time.Time
	LifespanExpiration    *time.Time

	// CreatedAt is the zero time for legacy records created before the field existed.
	CreatedAt time.Time

	// UsernameHash is a one-way hash of the username; empty for unauthenticated sessions.
	UsernameHash string

	AccessAgreementAcknowledged bool

	// Content is the encrypted confidential payload of the session.
	Content string

	// Version is the optimistic concurrency token maintained by the store.
	// Update only succeeds when it matches the stored value.
	Version int64
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.IdleTimeoutExpiration = cloneTime(r.IdleTimeoutExpiration)
	c.LifespanExpiration = cloneTime(r.LifespanExpiration)
	return &c
}

// Match selects the kind of a Filter.
type Match string

const (
	MatchAll   Match = "all"
	MatchSID   Match = "sid"
	MatchQuery Match = "query"
)

// ProviderQuery selects sessions by provider. An empty Name matches every
// provider of the given Type.
type ProviderQuery struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Filter selects the records to invalidate.
type Filter struct {
	Match Match

	// SID is used with MatchSID.
	SID string

	// Provider and UsernameHash are used with MatchQuery. An empty
	// UsernameHash matches every session of the provider.
	Provider     ProviderQuery
	UsernameHash string
}

// IndexStore defines the interface for durable session storage backends.
// Implementations must be safe for concurrent use.
type IndexStore interface {
	// Get returns the live record for sid, or nil if it does not exist or
	// has been invalidated.
	Get(ctx context.Context, sid string) (*Record, error)

	// Create persists a new record and returns it with its initial Version.
	Create(ctx context.Context, rec *Record) (*Record, error)

	// Update replaces the stored record when rec.Version matches. It returns
	// nil without an error when the record has been invalidated. When the
	// record is live but was modified concurrently, the currently stored
	// record is returned unchanged.
	Update(ctx context.Context, rec *Record) (*Record, error)

	// Invalidate removes every live record matching filter and returns how
	// many were removed.
	Invalidate(ctx context.Context, filter Filter) (int, error)

	// IsWithinConcurrentSessionLimit reports whether rec is among the most
	// recently created sessions of its identity allowed by the configured limit.
	IsWithinConcurrentSessionLimit(ctx context.Context, rec *Record) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}

// Cleaner is implemented by stores that can purge dead records.
type Cleaner interface {
	// CleanUp deletes invalidated records, records past their lifespan and
	// records whose idle timeout passed more than idleGrace before now.
	CleanUp(ctx context.Context, now time.Time, idleGrace time.Duration) (int, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	maxConcurrentSessions int
	keyPrefix             string
}

// WithMaxConcurrentSessions caps the number of concurrent sessions per
// identity. Zero disables the limit.
func WithMaxConcurrentSessions(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentSessions = n
		}
	}
}

// WithKeyPrefix sets the key namespace used by the Redis store.
// It typically ends with a colon.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{keyPrefix: "sessionguard:"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (f Filter) validate() error {
	switch f.Match {
	case MatchAll, MatchSID, MatchQuery:
		return nil
	}
	return fmt.Errorf("store: unknown filter match %q", f.Match)
}

// matches reports whether rec is selected by f.
func (f Filter) matches(rec *Record) bool {
	switch f.Match {
	case MatchAll:
		return true
	case MatchSID:
		return rec.SID == f.SID
	case MatchQuery:
		if rec.Provider.Type != f.Provider.Type {
			return false
		}
		if f.Provider.Name != "" && rec.Provider.Name != f.Provider.Name {
			return false
		}
		return f.UsernameHash == "" || rec.UsernameHash == f.UsernameHash
	}
	return false
}

// isDead reports whether rec should be purged by CleanUp.
func isDead(rec *Record, now time.Time, idleGrace time.Duration) bool {
	if rec.LifespanExpiration != nil && rec.LifespanExpiration.Before(now) {
		return true
	}
	return rec.IdleTimeoutExpiration != nil && rec.IdleTimeoutExpiration.Before(now.Add(-idleGrace))
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func createdAtMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func createdAtFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
