package sessionguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aadithya-v/sessionguard/aead"
	"github.com/aadithya-v/sessionguard/cookie"
	"github.com/aadithya-v/sessionguard/store"
)

// CookieStore reads and writes the session cookie of a request.
type CookieStore interface {
	// Get returns nil without error when the request carries no usable cookie.
	Get(r *http.Request) (*cookie.Value, error)
	Set(w http.ResponseWriter, r *http.Request, v cookie.Value) error
	Clear(w http.ResponseWriter, r *http.Request) error
}

// Crypto encrypts session content with additional authenticated data.
type Crypto interface {
	Encrypt(plaintext []byte, aad string) (string, error)
	Decrypt(ciphertext, aad string) ([]byte, error)
}

// Manager runs the session lifecycle on top of a cookie store and an index
// store. It holds no per-session state and is safe for concurrent use.
type Manager struct {
	config  Config
	index   store.IndexStore
	cookies CookieStore
	crypto  Crypto
	auditor Auditor
	geoip   *GeoIPReader
	logger  *slog.Logger

	stopCleanup chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// New creates a new Manager with the given configuration.
// Collaborators that are not provided are replaced by defaults:
// - Crypto: AES-256-GCM cipher keyed from EncryptionKey
// - CookieStore: cookie.Store sealed with Crypto
// - IndexStore: SQLite (creates sessionguard.db)
// - Auditor: SlogAuditor on Logger
func New(cfg Config) (*Manager, error) {
	cfg.applyDefaults()

	m := &Manager{
		config:      cfg,
		index:       cfg.IndexStore,
		cookies:     cfg.CookieStore,
		crypto:      cfg.Crypto,
		auditor:     cfg.Auditor,
		logger:      cfg.Logger,
		stopCleanup: make(chan struct{}),
	}

	if m.crypto == nil {
		if cfg.EncryptionKey == "" {
			return nil, ErrEncryptionKeyRequired
		}
		cipher, err := aead.New(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("sessionguard: failed to initialize crypto: %w", err)
		}
		m.crypto = cipher
	}

	if m.cookies == nil {
		cookies, err := cookie.New(m.crypto, cookie.Options{
			Name:   cfg.CookieName,
			Secure: cfg.SecureCookies,
		})
		if err != nil {
			return nil, fmt.Errorf("sessionguard: failed to initialize cookie store: %w", err)
		}
		m.cookies = cookies
	}

	if m.auditor == nil {
		m.auditor = NewSlogAuditor(m.logger)
	}

	if cfg.GeoIPDatabasePath != "" {
		geoip, err := NewGeoIPReader(cfg.GeoIPDatabasePath)
		if err != nil {
			return nil, fmt.Errorf("sessionguard: failed to initialize GeoIP: %w", err)
		}
		m.geoip = geoip
	}

	// Initialize index store (default: SQLite)
	if m.index == nil {
		sqliteStore, err := store.NewSQLite(cfg.DatabasePath,
			store.WithMaxConcurrentSessions(cfg.MaxConcurrentSessions))
		if err != nil {
			_ = m.geoip.Close()
			return nil, fmt.Errorf("sessionguard: failed to initialize SQLite store: %w", err)
		}
		m.index = sqliteStore
	}

	if cleaner, ok := m.index.(store.Cleaner); ok && cfg.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop(cleaner, cfg.CleanupInterval)
	}

	return m, nil
}

// Close stops background cleanup and releases the index store and the
// GeoIP database. Should be called when the application shuts down.
func (m *Manager) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		close(m.stopCleanup)
		m.wg.Wait()

		if err := m.index.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := m.geoip.Close(); err != nil {
			errs = append(errs, err)
		}
	})

	if len(errs) > 0 {
		return fmt.Errorf("sessionguard: errors during close: %w", errors.Join(errs...))
	}
	return nil
}

// GetSID returns the session id of the request cookie without validating the
// session. It returns an empty string when there is no cookie.
func (m *Manager) GetSID(r *http.Request) (string, error) {
	cv, err := m.cookies.Get(r)
	if err != nil {
		return "", fmt.Errorf("sessionguard: failed to read session cookie: %w", err)
	}
	if cv == nil {
		return "", nil
	}
	return cv.SID, nil
}

// Get returns the session bound to the request.
//
// It fails with ErrSessionMissing when there is no cookie, ErrSessionExpired
// when the cookie expiry has passed and ErrSessionUnexpected when the index
// does not agree with the cookie. Expired and inconsistent sessions are
// invalidated before returning.
func (m *Manager) Get(w http.ResponseWriter, r *http.Request) (*SessionValue, error) {
	ctx := r.Context()

	cv, err := m.cookies.Get(r)
	if err != nil {
		return nil, fmt.Errorf("sessionguard: failed to read session cookie: %w", err)
	}
	if cv == nil {
		return nil, ErrSessionMissing
	}

	log := m.sessionLogger(cv.SID)
	now := m.now()

	if expired(cv.IdleTimeoutExpiration, now) || expired(cv.LifespanExpiration, now) {
		log.Debug("Session has expired and will be invalidated")
		if _, err := m.invalidateCurrent(w, r, cv.SID, log); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}

	rec, err := m.index.Get(ctx, cv.SID)
	if err != nil {
		return nil, fmt.Errorf("sessionguard: failed to read session index: %w", err)
	}
	if rec == nil {
		log.Debug("Session value is not available in the index, session cookie will be cleared")
		if err := m.cookies.Clear(w, r); err != nil {
			return nil, fmt.Errorf("sessionguard: failed to clear session cookie: %w", err)
		}
		return nil, ErrSessionUnexpected
	}

	c, err := m.decryptContent(rec.Content, cv.AAD)
	if err != nil {
		log.Warn("Unable to decrypt session content, session will be invalidated", slog.Any("error", err))
		if _, err := m.invalidateCurrent(w, r, cv.SID, log); err != nil {
			return nil, err
		}
		return nil, ErrSessionUnexpected
	}

	within, err := m.index.IsWithinConcurrentSessionLimit(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("sessionguard: failed to check concurrent session limit: %w", err)
	}

	v := toSessionValue(rec, c)
	v.IdleTimeoutExpiration = cloneTime(cv.IdleTimeoutExpiration)

	if !within {
		log.Warn("Session is outside the concurrent session limit and will be invalidated")
		m.auditor.LogConcurrentLimitLogout(ctx, m.concurrentLimitEvent(r, now, v))
		if _, err := m.invalidateCurrent(w, r, cv.SID, log); err != nil {
			return nil, err
		}
		return nil, ErrSessionUnexpected
	}

	return v, nil
}

// Create starts a new session and binds it to the response.
func (m *Manager) Create(w http.ResponseWriter, r *http.Request, ns NewSession) (*SessionValue, error) {
	sid, err := randomToken(sidLength)
	if err != nil {
		return nil, err
	}
	aad, err := randomToken(aadLength)
	if err != nil {
		return nil, err
	}

	log := m.sessionLogger(sid)
	log.Debug("Creating a new session")

	now := truncate(m.now())
	exp := CalculateExpiry(now, m.config.ExpirationTimeouts(ns.Provider), nil)

	c := content{Username: ns.Username, UserProfileID: ns.UserProfileID, State: ns.State}
	encrypted, err := m.encryptContent(c, aad)
	if err != nil {
		return nil, err
	}

	rec, err := m.index.Create(r.Context(), &store.Record{
		SID:                         sid,
		Provider:                    ns.Provider,
		IdleTimeoutExpiration:       exp.IdleTimeoutExpiration,
		LifespanExpiration:          exp.LifespanExpiration,
		CreatedAt:                   now,
		UsernameHash:                usernameHash(ns.Username),
		AccessAgreementAcknowledged: ns.AccessAgreementAcknowledged,
		Content:                     encrypted,
	})
	if err != nil {
		return nil, fmt.Errorf("sessionguard: failed to create session index: %w", err)
	}

	if err := m.cookies.Set(w, r, cookie.Value{
		SID:                   sid,
		AAD:                   aad,
		IdleTimeoutExpiration: exp.IdleTimeoutExpiration,
		LifespanExpiration:    exp.LifespanExpiration,
	}); err != nil {
		return nil, fmt.Errorf("sessionguard: failed to set session cookie: %w", err)
	}

	log.Debug("Successfully created a new session")
	return toSessionValue(rec, c), nil
}

// Update replaces the content of an existing session and renews its expiry.
//
// It returns nil without error when the request has no session cookie or the
// session has been invalidated concurrently. In the latter case the cookie is
// cleared.
func (m *Manager) Update(w http.ResponseWriter, r *http.Request, v *SessionValue) (*SessionValue, error) {
	if v.Metadata.Index == nil {
		return nil, ErrMissingIndexMetadata
	}

	log := m.sessionLogger(v.SID)

	cv, err := m.cookies.Get(r)
	if err != nil {
		return nil, fmt.Errorf("sessionguard: failed to read session cookie: %w", err)
	}
	if cv == nil {
		log.Warn("Session cannot be updated since it does not exist")
		return nil, nil
	}
	if cv.SID != v.SID {
		log.Warn("Session cannot be updated since it is not bound to the request")
		return nil, nil
	}

	exp := CalculateExpiry(m.now(), m.config.ExpirationTimeouts(v.Provider), cv.LifespanExpiration)

	c := v.content()
	encrypted, err := m.encryptContent(c, cv.AAD)
	if err != nil {
		return nil, err
	}

	next := v.Metadata.Index.Clone()
	next.Provider = v.Provider
	next.IdleTimeoutExpiration = exp.IdleTimeoutExpiration
	next.LifespanExpiration = exp.LifespanExpiration
	next.UsernameHash = usernameHash(v.Username)
	next.AccessAgreementAcknowledged = v.AccessAgreementAcknowledged
	next.Content = encrypted

	rec, err := m.index.Update(r.Context(), next)
	if err != nil {
		return nil, fmt.Errorf("sessionguard: failed to update session index: %w", err)
	}
	if rec == nil {
		log.Warn("Session cannot be updated as it has been invalidated already")
		if err := m.cookies.Clear(w, r); err != nil {
			return nil, fmt.Errorf("sessionguard: failed to clear session cookie: %w", err)
		}
		return nil, nil
	}

	if err := m.setCookie(w, r, cv, exp); err != nil {
		return nil, err
	}

	log.Debug("Successfully updated existing session")
	updated := toSessionValue(rec, c)
	updated.IdleTimeoutExpiration = exp.IdleTimeoutExpiration
	updated.LifespanExpiration = exp.LifespanExpiration
	return updated, nil
}

// Extend renews the expiry of a session. The cookie is rewritten whenever the
// expiry changes, the index only when an expiry was added or removed or the
// index idle expiration lags too far behind.
//
// Like Update it returns nil without error when the request has no cookie or
// the session has been invalidated concurrently.
func (m *Manager) Extend(w http.ResponseWriter, r *http.Request, v *SessionValue) (*SessionValue, error) {
	if v.Metadata.Index == nil {
		return nil, ErrMissingIndexMetadata
	}

	log := m.sessionLogger(v.SID)

	cv, err := m.cookies.Get(r)
	if err != nil {
		return nil, fmt.Errorf("sessionguard: failed to read session cookie: %w", err)
	}
	if cv == nil {
		log.Warn("Session cannot be extended since it does not exist")
		return nil, nil
	}

	timeouts := m.config.ExpirationTimeouts(v.Provider)
	exp := CalculateExpiry(m.now(), timeouts, cv.LifespanExpiration)

	if sameTime(exp.IdleTimeoutExpiration, v.IdleTimeoutExpiration) &&
		sameTime(exp.LifespanExpiration, v.LifespanExpiration) {
		return v, nil
	}

	extended := *v
	if m.indexNeedsRefresh(v, exp, timeouts, log) {
		next := v.Metadata.Index.Clone()
		next.IdleTimeoutExpiration = exp.IdleTimeoutExpiration
		next.LifespanExpiration = exp.LifespanExpiration

		rec, err := m.index.Update(r.Context(), next)
		if err != nil {
			return nil, fmt.Errorf("sessionguard: failed to update session index: %w", err)
		}
		if rec == nil {
			log.Warn("Session cannot be extended as it has been invalidated already")
			if err := m.cookies.Clear(w, r); err != nil {
				return nil, fmt.Errorf("sessionguard: failed to clear session cookie: %w", err)
			}
			return nil, nil
		}
		extended.Metadata.Index = rec
	}

	if err := m.setCookie(w, r, cv, exp); err != nil {
		return nil, err
	}

	log.Debug("Successfully extended existing session")
	extended.IdleTimeoutExpiration = exp.IdleTimeoutExpiration
	extended.LifespanExpiration = exp.LifespanExpiration
	return &extended, nil
}

// indexNeedsRefresh decides whether Extend must write the index record.
func (m *Manager) indexNeedsRefresh(v *SessionValue, exp Expiration, timeouts ExpirationTimeouts, log *slog.Logger) bool {
	index := v.Metadata.Index

	if (exp.IdleTimeoutExpiration == nil) != (v.IdleTimeoutExpiration == nil) {
		log.Debug("Session idle timeout configuration has changed, session index will be updated")
		return true
	}
	if (exp.LifespanExpiration == nil) != (v.LifespanExpiration == nil) {
		log.Debug("Session lifespan configuration has changed, session index will be updated")
		return true
	}
	if exp.IdleTimeoutExpiration == nil || index.IdleTimeoutExpiration == nil {
		return false
	}

	threshold := time.Duration(m.config.IndexRefreshMultiplier) * timeouts.IdleTimeout
	if threshold < exp.IdleTimeoutExpiration.Sub(*index.IdleTimeoutExpiration) {
		log.Debug("Session idle timeout stored in the index is too old and will be updated")
		return true
	}
	return false
}

// Invalidate removes the sessions matched by filter and returns how many were
// removed. Only the current session filter touches the request cookie.
func (m *Manager) Invalidate(w http.ResponseWriter, r *http.Request, filter InvalidateFilter) (int, error) {
	var f store.Filter
	switch filter.Match {
	case InvalidateCurrent:
		cv, err := m.cookies.Get(r)
		if err != nil {
			return 0, fmt.Errorf("sessionguard: failed to read session cookie: %w", err)
		}
		if cv == nil {
			return 0, nil
		}
		log := m.sessionLogger(cv.SID)
		log.Debug("Invalidating current session")
		return m.invalidateCurrent(w, r, cv.SID, log)

	case InvalidateAll:
		m.logger.Debug("Invalidating all sessions")
		f = store.Filter{Match: store.MatchAll}

	case InvalidateQuery:
		q := filter.Query
		username := ""
		if q.Username != "" {
			username = "[REDACTED]"
		}
		m.logger.Debug("Invalidating sessions that match query",
			slog.String("provider_type", q.Provider.Type),
			slog.String("provider_name", q.Provider.Name),
			slog.String("username", username))
		f = store.Filter{
			Match:        store.MatchQuery,
			Provider:     q.Provider,
			UsernameHash: usernameHash(q.Username),
		}

	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidFilter, filter.Match)
	}

	n, err := m.index.Invalidate(r.Context(), f)
	if err != nil {
		return 0, fmt.Errorf("sessionguard: failed to invalidate sessions: %w", err)
	}
	m.logger.Debug("Successfully invalidated sessions", slog.Int("count", n))
	return n, nil
}

// CleanUp removes expired and invalidated records from the index if the
// store supports it and returns how many were removed.
func (m *Manager) CleanUp(ctx context.Context) (int, error) {
	cleaner, ok := m.index.(store.Cleaner)
	if !ok {
		return 0, nil
	}
	return m.cleanUp(ctx, cleaner)
}

func (m *Manager) cleanUp(ctx context.Context, cleaner store.Cleaner) (int, error) {
	// The index idle expiration may trail the cookie by up to
	// IndexRefreshMultiplier idle timeouts.
	grace := time.Duration(m.config.IndexRefreshMultiplier+1) * m.config.maxIdleTimeout()
	n, err := cleaner.CleanUp(ctx, truncate(m.now()), grace)
	if err != nil {
		return 0, fmt.Errorf("sessionguard: failed to clean up sessions: %w", err)
	}
	return n, nil
}

// cleanupLoop periodically purges the index.
func (m *Manager) cleanupLoop(cleaner store.Cleaner, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := m.cleanUp(context.Background(), cleaner)
			if err != nil {
				m.logger.Error("Failed to clean up session index", slog.Any("error", err))
				continue
			}
			if n > 0 {
				m.logger.Debug("Cleaned up session index", slog.Int("count", n))
			}
		case <-m.stopCleanup:
			return
		}
	}
}

// invalidateCurrent clears the cookie and removes the index record of sid.
func (m *Manager) invalidateCurrent(w http.ResponseWriter, r *http.Request, sid string, log *slog.Logger) (int, error) {
	if err := m.cookies.Clear(w, r); err != nil {
		return 0, fmt.Errorf("sessionguard: failed to clear session cookie: %w", err)
	}
	n, err := m.index.Invalidate(r.Context(), store.Filter{Match: store.MatchSID, SID: sid})
	if err != nil {
		return 0, fmt.Errorf("sessionguard: failed to invalidate session: %w", err)
	}
	log.Debug("Successfully invalidated session", slog.Int("count", n))
	return n, nil
}

func (m *Manager) setCookie(w http.ResponseWriter, r *http.Request, cv *cookie.Value, exp Expiration) error {
	err := m.cookies.Set(w, r, cookie.Value{
		SID:                   cv.SID,
		AAD:                   cv.AAD,
		IdleTimeoutExpiration: exp.IdleTimeoutExpiration,
		LifespanExpiration:    exp.LifespanExpiration,
	})
	if err != nil {
		return fmt.Errorf("sessionguard: failed to set session cookie: %w", err)
	}
	return nil
}

func (m *Manager) encryptContent(c content, aad string) (string, error) {
	plaintext, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("sessionguard: failed to encode session content: %w", err)
	}
	encrypted, err := m.crypto.Encrypt(plaintext, aad)
	if err != nil {
		return "", fmt.Errorf("sessionguard: failed to encrypt session content: %w", err)
	}
	return encrypted, nil
}

func (m *Manager) decryptContent(encrypted, aad string) (content, error) {
	plaintext, err := m.crypto.Decrypt(encrypted, aad)
	if err != nil {
		return content{}, err
	}
	var c content
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return content{}, fmt.Errorf("sessionguard: failed to decode session content: %w", err)
	}
	if string(c.State) == "null" {
		c.State = nil
	}
	return c, nil
}

func (m *Manager) concurrentLimitEvent(r *http.Request, now time.Time, v *SessionValue) ConcurrentLimitLogoutEvent {
	device := ExtractDeviceInfo(r)
	return ConcurrentLimitLogoutEvent{
		ID:            uuid.NewString(),
		Time:          now,
		SessionID:     v.SID,
		Username:      v.Username,
		UserProfileID: v.UserProfileID,
		Provider:      v.Provider,
		Device:        device,
		Location:      m.geoip.Locate(device.IP),
	}
}

func (m *Manager) sessionLogger(sid string) *slog.Logger {
	return m.logger.With(slog.String("session", printableSessionID(sid)))
}

func (m *Manager) now() time.Time {
	return m.config.Now()
}
