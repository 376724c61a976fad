package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"alarmd/internal/alarm"
	"alarmd/internal/localtime"
	logx "alarmd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultAcquireTimeout = 2 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	acquireTimeout time.Duration

	getStmt   *sql.Stmt
	claimStmt *sql.Stmt
	rearmStmt *sql.Stmt
	markStmt  *sql.Stmt
}

// Open connects to the configured database, applies pragmas and migrations,
// and prepares the hot-path statements.
func Open(cfg Config, log logx.Logger) (Store, error) {
	path := databasePath(cfg.DatabaseURL)
	if path == "" {
		return nil, errors.New("database url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	// Pragmas go on the DSN so every pooled connection gets them, not just
	// the one a bare Exec happens to land on.
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	if cfg.BusyTimeout > 0 {
		dsn += fmt.Sprintf("&_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 20
	}
	minConns := cfg.MinConns
	if minConns <= 0 {
		minConns = 5
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	// WAL lets readers run alongside the single writer, so the pool is
	// sized for the read side.
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	acquire := cfg.AcquireTimeout
	if acquire <= 0 {
		acquire = defaultAcquireTimeout
	}

	s := &sqliteStore{db: db, log: log, acquireTimeout: acquire}

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepare(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug("store ready",
		logx.String("path", path),
		logx.Int("max_conns", maxConns),
		logx.Int("min_conns", minConns))
	return s, nil
}

// databasePath strips the accepted URL schemes down to a filesystem path.
func databasePath(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, prefix := range []string{"sqlite://", "sqlite3://", "file://"} {
		if strings.HasPrefix(raw, prefix) {
			return strings.TrimPrefix(raw, prefix)
		}
	}
	return raw
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

const alarmColumns = `code_id, email, local_time, utc_time, timezone, is_recurring, days_of_week, status, last_fired_date, created_at, updated_at`

func (s *sqliteStore) prepare(ctx context.Context) error {
	var err error
	s.getStmt, err = s.db.PrepareContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE code_id = ?`)
	if err != nil {
		return err
	}
	s.claimStmt, err = s.db.PrepareContext(ctx,
		`UPDATE alarms
		    SET last_fired_date = ?,
		        status = CASE WHEN is_recurring = 1 THEN 'scheduled' ELSE 'triggered' END,
		        updated_at = ?
		  WHERE code_id = ? AND status = 'scheduled' AND last_fired_date < ?`)
	if err != nil {
		return err
	}
	s.rearmStmt, err = s.db.PrepareContext(ctx,
		`UPDATE alarms SET utc_time = ?, updated_at = ? WHERE code_id = ? AND status = 'scheduled'`)
	if err != nil {
		return err
	}
	s.markStmt, err = s.db.PrepareContext(ctx,
		`UPDATE alarms SET status = ?, updated_at = ? WHERE code_id = ? AND status = ?`)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, st := range []*sql.Stmt{s.getStmt, s.claimStmt, s.rearmStmt, s.markStmt} {
		if st != nil {
			_ = st.Close()
		}
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// opCtx bounds every operation by the pool acquire timeout unless the
// caller already set a tighter deadline.
func (s *sqliteStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.acquireTimeout)
}

func (s *sqliteStore) Create(ctx context.Context, a alarm.Alarm) (alarm.Alarm, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	a.Status = alarm.StatusScheduled
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms(`+alarmColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		a.CodeID, a.Email, a.LocalTime.String(), a.UTCTime.String(), a.Timezone,
		boolInt(a.Recurring), a.Days.String(), string(a.Status), a.LastFiredDate,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraint(err) {
			return alarm.Alarm{}, fmt.Errorf("%w: %s", ErrConflict, a.CodeID)
		}
		return alarm.Alarm{}, err
	}
	return a, nil
}

func (s *sqliteStore) Update(ctx context.Context, codeID string, p Patch) (alarm.Alarm, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return alarm.Alarm{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAlarm(tx.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE code_id = ?`, codeID))
	if err != nil {
		return alarm.Alarm{}, err
	}

	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.LocalTime != nil {
		a.LocalTime = *p.LocalTime
	}
	if p.UTCTime != nil {
		a.UTCTime = *p.UTCTime
	}
	if p.Timezone != nil {
		a.Timezone = *p.Timezone
	}
	if p.Recurring != nil {
		a.Recurring = *p.Recurring
	}
	if p.Days != nil {
		a.Days = *p.Days
	}
	a.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE alarms SET email=?, local_time=?, utc_time=?, timezone=?, is_recurring=?, days_of_week=?, updated_at=? WHERE code_id=?`,
		a.Email, a.LocalTime.String(), a.UTCTime.String(), a.Timezone,
		boolInt(a.Recurring), a.Days.String(), a.UpdatedAt.Format(time.RFC3339Nano), codeID,
	)
	if err != nil {
		return alarm.Alarm{}, err
	}
	if err := tx.Commit(); err != nil {
		return alarm.Alarm{}, err
	}
	return a, nil
}

func (s *sqliteStore) Cancel(ctx context.Context, codeID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE alarms SET status=?, updated_at=? WHERE code_id=? AND status NOT IN (?, ?)`,
		string(alarm.StatusCanceled), time.Now().UTC().Format(time.RFC3339Nano), codeID,
		string(alarm.StatusCanceled), string(alarm.StatusTriggered),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Missing row is 404; an already canceled or triggered row makes
		// cancel a no-op.
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM alarms WHERE code_id = ?`, codeID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, codeID)
		}
		return err
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, codeID string) (alarm.Alarm, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return scanAlarm(s.getStmt.QueryRowContext(ctx, codeID))
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]alarm.Alarm, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	q := `SELECT ` + alarmColumns + ` FROM alarms`
	var conds []string
	var args []any
	if f.Email != "" {
		conds = append(conds, "email = ?")
		args = append(args, f.Email)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY code_id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListScheduled(ctx context.Context, fn func(alarm.Alarm) error) error {
	// No opCtx here: the scan is as long as the fleet is large, and the
	// caller's context bounds it.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE status = ? ORDER BY code_id`,
		string(alarm.StatusScheduled))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqliteStore) MarkStatus(ctx context.Context, codeID string, next, expect alarm.Status) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.markStmt.ExecContext(ctx,
		string(next), time.Now().UTC().Format(time.RFC3339Nano), codeID, string(expect))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notFoundOr(ctx, codeID, ErrStale)
	}
	return nil
}

func (s *sqliteStore) ClaimOccurrence(ctx context.Context, codeID, occurrenceDate string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// last_fired_date is ISO (YYYY-MM-DD), so the lexicographic compare is
	// chronological and '' loses to every real date.
	res, err := s.claimStmt.ExecContext(ctx,
		occurrenceDate, time.Now().UTC().Format(time.RFC3339Nano), codeID, occurrenceDate)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notFoundOr(ctx, codeID, ErrStale)
	}
	return nil
}

func (s *sqliteStore) Rearm(ctx context.Context, codeID string, utc localtime.Clock) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.rearmStmt.ExecContext(ctx,
		utc.String(), time.Now().UTC().Format(time.RFC3339Nano), codeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notFoundOr(ctx, codeID, ErrStale)
	}
	return nil
}

func (s *sqliteStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alarms
		  WHERE is_recurring = 0
		    AND status IN (?, ?)
		    AND updated_at < ?`,
		string(alarm.StatusTriggered), string(alarm.StatusFailed),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (map[alarm.Status]int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM alarms GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[alarm.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[alarm.Status(st)] = n
	}
	return out, rows.Err()
}

// notFoundOr maps a zero-rows-affected update to ErrNotFound when the row
// is missing, otherwise to orElse (a lost CAS).
func (s *sqliteStore) notFoundOr(ctx context.Context, codeID string, orElse error) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM alarms WHERE code_id = ?`, codeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, codeID)
	}
	if orElse != nil {
		return fmt.Errorf("%w: %s", orElse, codeID)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, codeID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(r rowScanner) (alarm.Alarm, error) {
	var (
		a                  alarm.Alarm
		localRaw, utcRaw   string
		recurring          int
		daysRaw, statusRaw string
		createdRaw, updRaw string
	)
	err := r.Scan(&a.CodeID, &a.Email, &localRaw, &utcRaw, &a.Timezone,
		&recurring, &daysRaw, &statusRaw, &a.LastFiredDate, &createdRaw, &updRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Alarm{}, ErrNotFound
	}
	if err != nil {
		return alarm.Alarm{}, err
	}

	if a.LocalTime, err = localtime.ParseClock(localRaw); err != nil {
		return alarm.Alarm{}, fmt.Errorf("row %s: %w", a.CodeID, err)
	}
	if a.UTCTime, err = localtime.ParseClock(utcRaw); err != nil {
		return alarm.Alarm{}, fmt.Errorf("row %s: %w", a.CodeID, err)
	}
	a.Recurring = recurring != 0
	if a.Days, err = alarm.ParseDaySet(daysRaw); err != nil {
		return alarm.Alarm{}, fmt.Errorf("row %s: %w", a.CodeID, err)
	}
	if a.Status, err = alarm.ParseStatus(statusRaw); err != nil {
		return alarm.Alarm{}, fmt.Errorf("row %s: %w", a.CodeID, err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updRaw)
	return a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint")
}
