package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const recordColumns = `sid, provider_type, provider_name, username_hash,
	idle_timeout_expiration, lifespan_expiration, created_at,
	access_agreement_acknowledged, content, version`

// sqlIndex implements IndexStore on top of database/sql. Invalidation is a
// soft delete through the invalidated_at column; CleanUp purges the rows.
type sqlIndex struct {
	db      *sql.DB
	dialect string
	opts    options
}

func (s *sqlIndex) errorf(format string, err error) error {
	return fmt.Errorf("%s: %s: %w", s.dialect, format, err)
}

// Get returns the live record for sid.
func (s *sqlIndex) Get(ctx context.Context, sid string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM sessions WHERE sid = ? AND invalidated_at IS NULL",
		sid,
	)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.errorf("failed to get session", err)
	}
	return rec, nil
}

// Create persists a new record.
func (s *sqlIndex) Create(ctx context.Context, rec *Record) (*Record, error) {
	stored := rec.Clone()
	stored.Version = 1

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sessions (`+recordColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.SID,
		stored.Provider.Type,
		stored.Provider.Name,
		stored.UsernameHash,
		toMillis(stored.IdleTimeoutExpiration),
		toMillis(stored.LifespanExpiration),
		createdAtMillis(stored.CreatedAt),
		stored.AccessAgreementAcknowledged,
		stored.Content,
		stored.Version,
	)
	if err != nil {
		return nil, s.errorf("failed to create session", err)
	}
	return stored, nil
}

// Update replaces the record if its version matches and it is still live.
func (s *sqlIndex) Update(ctx context.Context, rec *Record) (*Record, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE sessions SET
		provider_type = ?,
		provider_name = ?,
		username_hash = ?,
		idle_timeout_expiration = ?,
		lifespan_expiration = ?,
		access_agreement_acknowledged = ?,
		content = ?,
		version = version + 1
	WHERE sid = ? AND version = ? AND invalidated_at IS NULL`,
		rec.Provider.Type,
		rec.Provider.Name,
		rec.UsernameHash,
		toMillis(rec.IdleTimeoutExpiration),
		toMillis(rec.LifespanExpiration),
		rec.AccessAgreementAcknowledged,
		rec.Content,
		rec.SID,
		rec.Version,
	)
	if err != nil {
		return nil, s.errorf("failed to update session", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, s.errorf("failed to read update result", err)
	}
	if affected == 0 {
		// Either invalidated (nil) or modified concurrently (current record).
		return s.Get(ctx, rec.SID)
	}

	updated := rec.Clone()
	updated.Version = rec.Version + 1
	return updated, nil
}

// Invalidate soft deletes every live record matching filter.
func (s *sqlIndex) Invalidate(ctx context.Context, filter Filter) (int, error) {
	where := []string{"invalidated_at IS NULL"}
	args := []any{time.Now().UnixMilli()}

	switch filter.Match {
	case MatchAll:
	case MatchSID:
		where = append(where, "sid = ?")
		args = append(args, filter.SID)
	case MatchQuery:
		where = append(where, "provider_type = ?")
		args = append(args, filter.Provider.Type)
		if filter.Provider.Name != "" {
			where = append(where, "provider_name = ?")
			args = append(args, filter.Provider.Name)
		}
		if filter.UsernameHash != "" {
			where = append(where, "username_hash = ?")
			args = append(args, filter.UsernameHash)
		}
	default:
		return 0, fmt.Errorf("%s: unknown filter match %q", s.dialect, filter.Match)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET invalidated_at = ? WHERE "+strings.Join(where, " AND "),
		args...,
	)
	if err != nil {
		return 0, s.errorf("failed to invalidate sessions", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, s.errorf("failed to read invalidate result", err)
	}
	return int(affected), nil
}

// IsWithinConcurrentSessionLimit reports whether rec is among the newest
// live sessions of its identity.
func (s *sqlIndex) IsWithinConcurrentSessionLimit(ctx context.Context, rec *Record) (bool, error) {
	limit := s.opts.maxConcurrentSessions
	if limit == 0 || rec.UsernameHash == "" {
		return true, nil
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT sid FROM sessions
	WHERE provider_type = ? AND provider_name = ? AND username_hash = ? AND invalidated_at IS NULL
	ORDER BY created_at DESC
	LIMIT ?`,
		rec.Provider.Type,
		rec.Provider.Name,
		rec.UsernameHash,
		limit,
	)
	if err != nil {
		return false, s.errorf("failed to query concurrent sessions", err)
	}
	defer rows.Close()

	within := false
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return false, s.errorf("failed to scan session id", err)
		}
		if sid == rec.SID {
			within = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, s.errorf("error iterating sessions", err)
	}
	return within, nil
}

// CleanUp purges invalidated and expired rows.
func (s *sqlIndex) CleanUp(ctx context.Context, now time.Time, idleGrace time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
	DELETE FROM sessions
	WHERE invalidated_at IS NOT NULL
		OR lifespan_expiration < ?
		OR idle_timeout_expiration < ?`,
		now.UnixMilli(),
		now.Add(-idleGrace).UnixMilli(),
	)
	if err != nil {
		return 0, s.errorf("failed to clean up sessions", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, s.errorf("failed to read clean up result", err)
	}
	return int(affected), nil
}

// Close closes the database connection.
func (s *sqlIndex) Close() error {
	return s.db.Close()
}

// scanRecord scans a record selected with recordColumns.
func scanRecord(row *sql.Row) (*Record, error) {
	var (
		rec       Record
		idle      sql.NullInt64
		lifespan  sql.NullInt64
		createdAt int64
	)
	err := row.Scan(
		&rec.SID,
		&rec.Provider.Type,
		&rec.Provider.Name,
		&rec.UsernameHash,
		&idle,
		&lifespan,
		&createdAt,
		&rec.AccessAgreementAcknowledged,
		&rec.Content,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}

	rec.IdleTimeoutExpiration = fromNullMillis(idle)
	rec.LifespanExpiration = fromNullMillis(lifespan)
	rec.CreatedAt = createdAtFromMillis(createdAt)
	return &rec, nil
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	return fromMillis(&n.Int64)
}
