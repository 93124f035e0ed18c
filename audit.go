package sessionguard

import (
	"context"
	"log/slog"
	"time"
)

// ConcurrentLimitLogoutEvent records a session that was logged out because
// its user exceeded the concurrent session limit.
type ConcurrentLimitLogoutEvent struct {
	ID            string
	Time          time.Time
	SessionID     string
	Username      string
	UserProfileID string
	Provider      Provider
	Device        DeviceInfo
	Location      LocationInfo
}

// Auditor receives security relevant session events.
// Implementations must not block the request for long.
type Auditor interface {
	LogConcurrentLimitLogout(ctx context.Context, event ConcurrentLimitLogoutEvent)
}

// SlogAuditor writes audit events as structured log records.
type SlogAuditor struct {
	logger *slog.Logger
}

// NewSlogAuditor returns an Auditor writing to logger.
func NewSlogAuditor(logger *slog.Logger) *SlogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditor{logger: logger.With(slog.String("log_type", "audit"))}
}

func (a *SlogAuditor) LogConcurrentLimitLogout(ctx context.Context, e ConcurrentLimitLogoutEvent) {
	a.logger.LogAttrs(ctx, slog.LevelInfo,
		"User session has been logged out due to the concurrent session limit",
		slog.String("event.id", e.ID),
		slog.String("event.action", "user_session_concurrent_limit_logout"),
		slog.Time("event.time", e.Time),
		slog.String("session", printableSessionID(e.SessionID)),
		slog.String("user.name", e.Username),
		slog.String("user.profile_id", e.UserProfileID),
		slog.String("provider", e.Provider.String()),
		slog.Group("device",
			slog.String("ip", e.Device.IP),
			slog.String("browser", e.Device.Browser),
			slog.String("os", e.Device.OS),
			slog.String("type", e.Device.DeviceType),
		),
		slog.Group("location",
			slog.String("city", e.Location.City),
			slog.String("country", e.Location.Country),
		),
	)
}
