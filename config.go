package sessionguard

import (
	"errors"
	"io/fs"
	"log/slog"
	"maps"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/aadithya-v/sessionguard/store"
)

// Disabled turns off the global idle timeout or lifespan when assigned to
// Config.IdleTimeout or Config.Lifespan. The zero value selects the default.
const Disabled time.Duration = -1

// Config contains configuration options for the session Manager.
// It is copied by New and must not be changed afterwards.
type Config struct {
	// EncryptionKey is the secret used by the default crypto service for both
	// session content and the session cookie. At least 32 characters.
	// Required unless Crypto is set.
	EncryptionKey string

	// IdleTimeout is how long an unused session stays valid.
	// Default: 8 hours. Use Disabled for sessions that never idle out.
	IdleTimeout time.Duration

	// Lifespan is the maximum age of a session regardless of activity.
	// Default: 30 days. Use Disabled for sessions that can be extended forever.
	Lifespan time.Duration

	// Providers overrides IdleTimeout and Lifespan per authentication
	// provider, keyed by "<type>.<name>". A zero duration in an override
	// means the timeout does not apply to that provider.
	Providers map[string]ExpirationTimeouts

	// IndexRefreshMultiplier controls how far the cookie idle expiration may
	// run ahead of the index before Extend writes the index again, measured
	// in idle timeouts. Default: 2.
	IndexRefreshMultiplier int

	// MaxConcurrentSessions is the number of sessions a user may have per
	// provider. Only used if IndexStore is nil. Default: 0 (no limit).
	MaxConcurrentSessions int

	// CleanupInterval is how often expired and invalidated sessions are
	// purged from the index. Default: 1 hour. Use Disabled to turn it off.
	CleanupInterval time.Duration

	// CookieName is the name of the session cookie. Default: "sid".
	CookieName string

	// SecureCookies sets the Secure attribute on the session cookie.
	SecureCookies bool

	// DatabasePath is the path for the default SQLite database.
	// Only used if IndexStore is nil.
	// Default: "sessionguard.db".
	DatabasePath string

	// GeoIPDatabasePath is the path to a MaxMind GeoLite2-City.mmdb file used
	// to add locations to audit events. Optional.
	GeoIPDatabasePath string

	// IndexStore is the storage backend for session index records.
	// Default: SQLite store at DatabasePath.
	IndexStore store.IndexStore

	// CookieStore reads and writes the session cookie.
	// Default: cookie.Store sealed with Crypto.
	CookieStore CookieStore

	// Crypto encrypts session content.
	// Default: aead.Cipher built from EncryptionKey.
	Crypto Crypto

	// Auditor receives security events. Default: SlogAuditor on Logger.
	Auditor Auditor

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:            8 * time.Hour,
		Lifespan:               30 * 24 * time.Hour,
		IndexRefreshMultiplier: 2,
		CleanupInterval:        time.Hour,
		CookieName:             "sid",
		DatabasePath:           "sessionguard.db",
	}
}

// applyDefaults fills in default values for zero-value fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.Lifespan == 0 {
		c.Lifespan = defaults.Lifespan
	}
	if c.IndexRefreshMultiplier <= 0 {
		c.IndexRefreshMultiplier = defaults.IndexRefreshMultiplier
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = defaults.CleanupInterval
	}
	if c.CookieName == "" {
		c.CookieName = defaults.CookieName
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Providers = maps.Clone(c.Providers)
}

// ExpirationTimeouts returns the timeouts that apply to sessions of provider.
func (c *Config) ExpirationTimeouts(provider Provider) ExpirationTimeouts {
	if t, ok := c.Providers[provider.String()]; ok {
		return t.normalize()
	}
	return ExpirationTimeouts{IdleTimeout: c.IdleTimeout, Lifespan: c.Lifespan}.normalize()
}

// maxIdleTimeout is the longest idle timeout of any provider.
func (c *Config) maxIdleTimeout() time.Duration {
	longest := max(c.IdleTimeout, 0)
	for _, t := range c.Providers {
		longest = max(longest, t.IdleTimeout)
	}
	return longest
}

func (t ExpirationTimeouts) normalize() ExpirationTimeouts {
	return ExpirationTimeouts{
		IdleTimeout: max(t.IdleTimeout, 0),
		Lifespan:    max(t.Lifespan, 0),
	}
}

// envConfig holds the part of Config that can be read from the environment.
type envConfig struct {
	EncryptionKey          string        `env:"SESSION_ENCRYPTION_KEY,required"`
	IdleTimeout            time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"8h"`
	Lifespan               time.Duration `env:"SESSION_LIFESPAN" envDefault:"720h"`
	IndexRefreshMultiplier int           `env:"SESSION_INDEX_REFRESH_MULTIPLIER" envDefault:"2"`
	MaxConcurrentSessions  int           `env:"SESSION_MAX_CONCURRENT" envDefault:"0"`
	CleanupInterval        time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"1h"`
	CookieName             string        `env:"SESSION_COOKIE_NAME" envDefault:"sid"`
	SecureCookies          bool          `env:"SESSION_SECURE_COOKIES" envDefault:"false"`
	DatabasePath           string        `env:"SESSION_DATABASE_PATH" envDefault:"sessionguard.db"`
	GeoIPDatabasePath      string        `env:"SESSION_GEOIP_DATABASE_PATH"`
}

// LoadConfig reads a Config from environment variables. The given .env files
// are loaded first; without arguments a .env file in the working directory is
// loaded if it exists. Variables already set in the environment take
// precedence over .env files.
func LoadConfig(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, errors.Join(ErrLoadingConfig, err)
		}
	}

	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return Config{}, errors.Join(ErrLoadingConfig, err)
	}

	return Config{
		EncryptionKey:          ec.EncryptionKey,
		IdleTimeout:            ec.IdleTimeout,
		Lifespan:               ec.Lifespan,
		IndexRefreshMultiplier: ec.IndexRefreshMultiplier,
		MaxConcurrentSessions:  ec.MaxConcurrentSessions,
		CleanupInterval:        ec.CleanupInterval,
		CookieName:             ec.CookieName,
		SecureCookies:          ec.SecureCookies,
		DatabasePath:           ec.DatabasePath,
		GeoIPDatabasePath:      ec.GeoIPDatabasePath,
	}, nil
}
