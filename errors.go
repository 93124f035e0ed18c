package sessionguard

import "errors"

var (
	// ErrSessionMissing is returned when the request carries no session cookie.
	ErrSessionMissing = errors.New("sessionguard: session is missing")

	// ErrSessionExpired is returned when the idle timeout or lifespan recorded
	// in the session cookie has passed.
	ErrSessionExpired = errors.New("sessionguard: session has expired")

	// ErrSessionUnexpected is returned for any inconsistency between the cookie
	// and the index: missing index record, undecryptable content, or a session
	// outside the concurrent session limit.
	ErrSessionUnexpected = errors.New("sessionguard: session is in an unexpected state")

	// ErrEncryptionKeyRequired is returned when no encryption key is configured
	// and the default crypto service must be built.
	ErrEncryptionKeyRequired = errors.New("sessionguard: encryption key is required")

	// ErrLoadingConfig is returned when LoadConfig cannot read the environment.
	ErrLoadingConfig = errors.New("sessionguard: failed to load configuration")

	// ErrInvalidFilter is returned by Invalidate for an unknown filter.
	ErrInvalidFilter = errors.New("sessionguard: invalid invalidate filter")

	// ErrMissingIndexMetadata is returned by Update and Extend for a session
	// value that was not obtained from the Manager.
	ErrMissingIndexMetadata = errors.New("sessionguard: session value has no index metadata")

	// ErrGeoIPDatabaseNotConfigured is returned when GeoIP lookup is attempted
	// without configuring the GeoIP database path.
	ErrGeoIPDatabaseNotConfigured = errors.New("sessionguard: GeoIP database path not configured")

	// ErrGeoIPLookupFailed is returned when IP geolocation lookup fails.
	ErrGeoIPLookupFailed = errors.New("sessionguard: GeoIP lookup failed")

	// ErrInvalidIP is returned when an invalid IP address is provided.
	ErrInvalidIP = errors.New("sessionguard: invalid IP address")
)
