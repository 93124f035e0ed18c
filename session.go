package sessionguard

import (
	"encoding/json"
	"time"

	"github.com/aadithya-v/sessionguard/store"
)

// Provider is the name and type of the authentication provider a session belongs to.
type Provider = store.Provider

// SessionValue is a session as seen by API consumers.
type SessionValue struct {
	// SID is the unique session id.
	SID string

	// Username is set only for authenticated sessions. Sessions without a
	// username are intermediate, e.g. during an SSO handshake.
	Username string

	// UserProfileID is the id of the associated user profile, if any.
	UserProfileID string

	Provider Provider

	// IdleTimeoutExpiration is when the session idles out. Nil means it never does.
	IdleTimeoutExpiration *time.Time

	// LifespanExpiration is the absolute end of the session. Nil means the
	// session can be extended indefinitely.
	LifespanExpiration *time.Time

	// CreatedAt is the zero time for sessions created before it was recorded.
	CreatedAt time.Time

	// State is opaque, provider specific session state.
	State json.RawMessage

	AccessAgreementAcknowledged bool

	Metadata Metadata
}

// Metadata links a SessionValue to the index record it was built from.
type Metadata struct {
	Index *store.Record
}

// NewSession holds the caller supplied part of a session passed to Create.
type NewSession struct {
	Provider                    Provider
	Username                    string
	UserProfileID               string
	State                       json.RawMessage
	AccessAgreementAcknowledged bool
}

// content is the confidential part of a session, stored encrypted.
type content struct {
	Username      string          `json:"username,omitempty"`
	UserProfileID string          `json:"userProfileId,omitempty"`
	State         json.RawMessage `json:"state"`
}

// InvalidateMatch selects the kind of an InvalidateFilter.
type InvalidateMatch string

const (
	// InvalidateAll matches every active and inactive session.
	InvalidateAll InvalidateMatch = "all"
	// InvalidateCurrent matches the session bound to the request cookie.
	InvalidateCurrent InvalidateMatch = "current"
	// InvalidateQuery matches sessions of a provider, optionally of one user.
	InvalidateQuery InvalidateMatch = "query"
)

// SessionQuery narrows an InvalidateQuery filter.
type SessionQuery struct {
	Provider store.ProviderQuery
	Username string
}

// InvalidateFilter determines which sessions Invalidate removes.
type InvalidateFilter struct {
	Match InvalidateMatch
	Query SessionQuery
}

// MatchAll returns a filter matching every session.
func MatchAll() InvalidateFilter {
	return InvalidateFilter{Match: InvalidateAll}
}

// MatchCurrent returns a filter matching the session of the current request.
func MatchCurrent() InvalidateFilter {
	return InvalidateFilter{Match: InvalidateCurrent}
}

// MatchQuery returns a filter matching the sessions of provider. A non-empty
// username narrows it to that user's sessions.
func MatchQuery(provider store.ProviderQuery, username string) InvalidateFilter {
	return InvalidateFilter{
		Match: InvalidateQuery,
		Query: SessionQuery{Provider: provider, Username: username},
	}
}

// toSessionValue converts a record from the index to the value returned to
// API consumers.
func toSessionValue(rec *store.Record, c content) *SessionValue {
	return &SessionValue{
		SID:                         rec.SID,
		Username:                    c.Username,
		UserProfileID:               c.UserProfileID,
		Provider:                    rec.Provider,
		IdleTimeoutExpiration:       cloneTime(rec.IdleTimeoutExpiration),
		LifespanExpiration:          cloneTime(rec.LifespanExpiration),
		CreatedAt:                   rec.CreatedAt,
		State:                       c.State,
		AccessAgreementAcknowledged: rec.AccessAgreementAcknowledged,
		Metadata:                    Metadata{Index: rec},
	}
}

func (v *SessionValue) content() content {
	return content{
		Username:      v.Username,
		UserProfileID: v.UserProfileID,
		State:         v.State,
	}
}
