package sessionguard

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateExpiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	carried := now.Add(-time.Hour)

	tests := []struct {
		name     string
		timeouts ExpirationTimeouts
		current  *time.Time
		want     Expiration
	}{
		{
			name: "nothing configured",
			want: Expiration{},
		},
		{
			name:    "nothing configured drops carried lifespan",
			current: &carried,
			want:    Expiration{},
		},
		{
			name:     "idle only",
			timeouts: ExpirationTimeouts{IdleTimeout: 10 * time.Minute},
			want:     Expiration{IdleTimeoutExpiration: ptr(now.Add(10 * time.Minute))},
		},
		{
			name:     "idle only drops carried lifespan",
			timeouts: ExpirationTimeouts{IdleTimeout: 10 * time.Minute},
			current:  &carried,
			want:     Expiration{IdleTimeoutExpiration: ptr(now.Add(10 * time.Minute))},
		},
		{
			name:     "lifespan starts now",
			timeouts: ExpirationTimeouts{Lifespan: time.Hour},
			want:     Expiration{LifespanExpiration: ptr(now.Add(time.Hour))},
		},
		{
			name:     "lifespan is carried forward",
			timeouts: ExpirationTimeouts{Lifespan: time.Hour},
			current:  &carried,
			want:     Expiration{LifespanExpiration: &carried},
		},
		{
			name:     "both configured",
			timeouts: ExpirationTimeouts{IdleTimeout: 10 * time.Minute, Lifespan: time.Hour},
			want: Expiration{
				IdleTimeoutExpiration: ptr(now.Add(10 * time.Minute)),
				LifespanExpiration:    ptr(now.Add(time.Hour)),
			},
		},
		{
			name:     "both configured with carried lifespan",
			timeouts: ExpirationTimeouts{IdleTimeout: 10 * time.Minute, Lifespan: time.Hour},
			current:  &carried,
			want: Expiration{
				IdleTimeoutExpiration: ptr(now.Add(10 * time.Minute)),
				LifespanExpiration:    &carried,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateExpiry(now, tt.timeouts, tt.current)
			assert.True(t, sameTime(tt.want.IdleTimeoutExpiration, got.IdleTimeoutExpiration),
				"idle: want %v, got %v", tt.want.IdleTimeoutExpiration, got.IdleTimeoutExpiration)
			assert.True(t, sameTime(tt.want.LifespanExpiration, got.LifespanExpiration),
				"lifespan: want %v, got %v", tt.want.LifespanExpiration, got.LifespanExpiration)
		})
	}
}

func TestCalculateExpiry_CopiesCarriedLifespan(t *testing.T) {
	carried := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	got := CalculateExpiry(carried.Add(-time.Hour), ExpirationTimeouts{Lifespan: time.Hour}, &carried)

	carried = carried.Add(time.Minute)
	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), *got.LifespanExpiration)
}

func TestCalculateExpiry_TruncatesToMilliseconds(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))
	got := CalculateExpiry(now, ExpirationTimeouts{IdleTimeout: time.Second}, nil)

	assert.Equal(t, time.UTC, got.IdleTimeoutExpiration.Location())
	assert.Equal(t, 123000000, got.IdleTimeoutExpiration.Nanosecond())
}

func TestExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, expired(nil, now))
	assert.False(t, expired(&now, now), "expiry equal to now is still valid")
	assert.True(t, expired(ptr(now.Add(-time.Millisecond)), now))
	assert.False(t, expired(ptr(now.Add(time.Millisecond)), now))
}

func TestUsernameHash(t *testing.T) {
	assert.Equal(t, "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a", UsernameHash(""))

	h := UsernameHash("alice")
	assert.Len(t, h, 64)
	assert.Equal(t, h, UsernameHash("alice"))
	assert.NotEqual(t, h, UsernameHash("bob"))
	assert.NotContains(t, h, "alice")

	assert.Empty(t, usernameHash(""))
}

func TestPrintableSessionID(t *testing.T) {
	assert.Equal(t, "no_session", printableSessionID(""))
	assert.Equal(t, "short", printableSessionID("short"))
	assert.Equal(t, "0123456789", printableSessionID(strings.Repeat("x", 30)+"0123456789"))
}

func TestRandomToken(t *testing.T) {
	token, err := randomToken(sidLength)
	assert.NoError(t, err)
	assert.Len(t, token, 44)
}
