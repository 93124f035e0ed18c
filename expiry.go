package sessionguard

import "time"

// ExpirationTimeouts are the configured expiry durations of a provider.
// Zero means the timeout is not configured.
type ExpirationTimeouts struct {
	IdleTimeout time.Duration
	Lifespan    time.Duration
}

// Expiration holds the absolute expiry timestamps of a session. Nil means
// the corresponding timeout does not apply.
type Expiration struct {
	IdleTimeoutExpiration *time.Time
	LifespanExpiration    *time.Time
}

// CalculateExpiry computes the expiry of a session renewed at now.
//
// The idle timeout always restarts at now. The lifespan is anchored to the
// original authentication: currentLifespan is carried forward as long as a
// lifespan is configured. A lifespan configured after the session was created
// starts at now, and removing the lifespan from the configuration removes it
// from renewed sessions.
func CalculateExpiry(now time.Time, timeouts ExpirationTimeouts, currentLifespan *time.Time) Expiration {
	now = truncate(now)

	var exp Expiration
	if timeouts.IdleTimeout > 0 {
		t := now.Add(timeouts.IdleTimeout)
		exp.IdleTimeoutExpiration = &t
	}

	switch {
	case timeouts.Lifespan > 0 && currentLifespan != nil:
		exp.LifespanExpiration = cloneTime(currentLifespan)
	case timeouts.Lifespan > 0:
		t := now.Add(timeouts.Lifespan)
		exp.LifespanExpiration = &t
	}

	return exp
}

// truncate normalizes t to UTC millisecond precision, the resolution every
// store and the cookie preserve.
func truncate(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// sameTime reports whether a and b are both nil or the same instant.
func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// expired reports whether t is set and strictly before now.
func expired(t *time.Time, now time.Time) bool {
	return t != nil && t.Before(now)
}
