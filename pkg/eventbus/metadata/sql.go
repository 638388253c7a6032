package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	// bind returns the placeholder for the n-th (1-based) argument.
	bind func(n int) string

	// timeArg converts a timestamp into a driver argument.
	timeArg func(t time.Time) any
}

var sqliteDialect = dialect{
	bind:    func(int) string { return "?" },
	timeArg: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
}

var postgresDialect = dialect{
	bind:    func(n int) string { return "$" + strconv.Itoa(n) },
	timeArg: func(t time.Time) any { return t.UTC() },
}

// sqlStore implements Store on database/sql. SQLiteStore and PostgresStore
// wrap it with their own connection setup.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// placeholders renders "$1, $2, ..." (or "?, ?, ...") starting at start.
func (s *sqlStore) placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = s.dialect.bind(start + i)
	}
	return strings.Join(parts, ", ")
}

func (s *sqlStore) insertQuery() string {
	return `INSERT INTO event_metadata (
			event_id, event_type, tenant_id, stream_position,
			status, attempts, last_error, created_at, updated_at
		)
		VALUES (` + s.placeholders(1, 9) + `)
		ON CONFLICT (event_id) DO NOTHING`
}

func (s *sqlStore) selectQuery() string {
	return `SELECT event_id, event_type, tenant_id, stream_position,
			status, attempts, last_error, processed_at, created_at, updated_at
		FROM event_metadata
		WHERE event_id = ` + s.dialect.bind(1)
}

func (s *sqlStore) transitionQuery(fromCount int) string {
	q := `UPDATE event_metadata
		SET status = ` + s.dialect.bind(1) + `,
			updated_at = ` + s.dialect.bind(2) + `,
			processed_at = COALESCE(` + s.dialect.bind(3) + `, processed_at)
		WHERE event_id = ` + s.dialect.bind(4)
	if fromCount > 0 {
		q += ` AND status IN (` + s.placeholders(5, fromCount) + `)`
	}
	return q
}

func (s *sqlStore) attemptQuery(fromCount int) string {
	q := `UPDATE event_metadata
		SET attempts = ` + s.dialect.bind(1) + `,
			last_error = ` + s.dialect.bind(2) + `,
			status = ` + s.dialect.bind(3) + `,
			updated_at = ` + s.dialect.bind(4) + `,
			processed_at = COALESCE(` + s.dialect.bind(5) + `, processed_at)
		WHERE event_id = ` + s.dialect.bind(6)
	if fromCount > 0 {
		q += ` AND status IN (` + s.placeholders(7, fromCount) + `)`
	}
	return q
}

const countQuery = `SELECT status, COUNT(*) FROM event_metadata GROUP BY status`

// Create implements Store.
func (s *sqlStore) Create(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := s.now()
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	res, err := s.db.ExecContext(ctx, s.insertQuery(),
		rec.EventID, rec.EventType, rec.TenantID, rec.StreamPosition,
		string(rec.Status), rec.Attempts, nullString(rec.LastError),
		s.dialect.timeArg(rec.CreatedAt), s.dialect.timeArg(now),
	)
	if err != nil {
		return fmt.Errorf("create metadata %s: %w", rec.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create metadata %s: %w", rec.EventID, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Get implements Store.
func (s *sqlStore) Get(ctx context.Context, eventID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	var (
		rec                             Record
		status                          string
		lastError                       sql.NullString
		processedAt, createdAt, updated any
	)
	err := s.db.QueryRowContext(ctx, s.selectQuery(), eventID).Scan(
		&rec.EventID, &rec.EventType, &rec.TenantID, &rec.StreamPosition,
		&status, &rec.Attempts, &lastError, &processedAt, &createdAt, &updated,
	)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get metadata %s: %w", eventID, err)
	}

	rec.Status = Status(status)
	rec.LastError = lastError.String
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, fmt.Errorf("get metadata %s: created_at: %w", eventID, err)
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return Record{}, fmt.Errorf("get metadata %s: updated_at: %w", eventID, err)
	}
	if processedAt != nil {
		t, err := parseTime(processedAt)
		if err != nil {
			return Record{}, fmt.Errorf("get metadata %s: processed_at: %w", eventID, err)
		}
		rec.ProcessedAt = &t
	}
	return rec, nil
}

// Transition implements Store.
func (s *sqlStore) Transition(ctx context.Context, eventID string, to Status, from ...Status) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	now := s.now()
	args := []any{string(to), s.dialect.timeArg(now), s.processedArg(to, now), eventID}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, s.transitionQuery(len(from)), args...)
	if err != nil {
		return false, fmt.Errorf("transition metadata %s to %s: %w", eventID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition metadata %s to %s: %w", eventID, to, err)
	}
	return n == 1, nil
}

// RecordAttempt implements Store.
func (s *sqlStore) RecordAttempt(ctx context.Context, eventID string, attempts int, lastErr string, status Status, from ...Status) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	now := s.now()
	args := []any{
		attempts, nullString(lastErr), string(status),
		s.dialect.timeArg(now), s.processedArg(status, now), eventID,
	}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, s.attemptQuery(len(from)), args...)
	if err != nil {
		return false, fmt.Errorf("record attempt %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record attempt %s: %w", eventID, err)
	}
	if n == 0 && len(from) == 0 {
		return false, ErrNotFound
	}
	return n == 1, nil
}

// CountByStatus implements Store.
func (s *sqlStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, countQuery)
	if err != nil {
		return nil, fmt.Errorf("count metadata: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// Close implements Store.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *sqlStore) processedArg(status Status, now time.Time) any {
	if status.Terminal() {
		return s.dialect.timeArg(now)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// parseTime accepts the representations the drivers hand back for a
// timestamp column scanned into an interface value.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(t))
	case nil:
		return time.Time{}, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", v)
}
