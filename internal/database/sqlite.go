package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chunkup/internal/database/migrations"
	"chunkup/internal/upload"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRegistry implements upload.Registry on SQLite. Every status change
// runs in a transaction whose UPDATE is conditioned on the expected status,
// which makes it a compare-and-set across processes sharing the file.
type SQLiteRegistry struct {
	db    *sql.DB
	path  string
	clock upload.Clock
}

// NewSQLiteRegistry opens the registry at path (a file path or ":memory:").
// A nil clock uses the real time.
func NewSQLiteRegistry(path string, clock upload.Clock) (*SQLiteRegistry, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = upload.RealClock{}
	}
	return &SQLiteRegistry{db: db, path: path, clock: clock}, nil
}

// OpenConnection opens and configures a SQLite connection.
// The pool is limited to one connection: SQLite has a single writer, and an
// in-memory database exists only on the connection that created it.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

const uploadColumns = `id, extension, declared_size, status, created_at, post_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, extra ...any) (*upload.Record, error) {
	var (
		rec    upload.Record
		status string
	)
	dest := append([]any{&rec.ID, &rec.Extension, &rec.DeclaredSize, &status, &rec.CreatedAt, &rec.PostID}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	st, err := upload.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("upload %d: %w", rec.ID, err)
	}
	rec.Status = st
	return &rec, nil
}

// Upload records

func (s *SQLiteRegistry) Create(ctx context.Context, u upload.NewUpload) (*upload.Record, error) {
	created := u.CreatedAt.UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (extension, declared_size, status, created_at, post_id) VALUES (?, ?, ?, ?, ?)`,
		u.Extension, u.DeclaredSize, string(upload.StatusInitialized), created, u.PostID)
	if err != nil {
		return nil, fmt.Errorf("inserting upload: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading upload id: %w", err)
	}
	return &upload.Record{
		ID:           id,
		Extension:    u.Extension,
		DeclaredSize: u.DeclaredSize,
		Status:       upload.StatusInitialized,
		CreatedAt:    created,
		PostID:       u.PostID,
	}, nil
}

func (s *SQLiteRegistry) Get(ctx context.Context, id int64) (*upload.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding upload %d: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteRegistry) CompareAndSetStatus(ctx context.Context, id int64, from, to upload.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := casStatus(ctx, tx, id, from, to); err != nil {
		return err
	}

	if to == upload.StatusHiding && from != upload.StatusHiding {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO upload_reclaims (upload_id, prior_status, attempts, last_error, updated_at)
			VALUES (?, ?, 0, '', ?)
			ON CONFLICT(upload_id) DO UPDATE SET
				prior_status = excluded.prior_status,
				integrity_checked = 0,
				updated_at = excluded.updated_at`,
			id, string(from), s.now())
		if err != nil {
			return fmt.Errorf("recording prior status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// casStatus performs the conditional update and classifies a miss as
// ErrNotFound or ErrConflict.
func casStatus(ctx context.Context, tx *sql.Tx, id int64, from, to upload.Status) error {
	res, err := tx.ExecContext(ctx, `UPDATE uploads SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("updating upload status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM uploads WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return upload.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking upload %d: %w", id, err)
	}
	return upload.ErrConflict
}

// Reaper operations

func (s *SQLiteRegistry) ListReclaimCandidates(ctx context.Context, staleBefore time.Time, afterID int64, limit int) ([]*upload.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.extension, u.declared_size, u.status, u.created_at, u.post_id, COALESCE(r.attempts, 0)
		FROM uploads u
		LEFT JOIN upload_reclaims r ON r.upload_id = u.id
		WHERE u.id > ?
		  AND u.status NOT IN ('PUBLISHED', 'HIDDEN', 'MISSING')
		  AND (u.created_at < ? OR u.status = 'HIDING')
		ORDER BY u.id
		LIMIT ?`,
		afterID, staleBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing reclaim candidates: %w", err)
	}
	defer rows.Close()

	var result []*upload.Candidate
	for rows.Next() {
		var attempts int
		rec, err := scanRecord(rows, &attempts)
		if err != nil {
			return nil, fmt.Errorf("scanning reclaim candidate: %w", err)
		}
		result = append(result, &upload.Candidate{Record: rec, Attempts: attempts})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing reclaim candidates: %w", err)
	}
	return result, nil
}

func (s *SQLiteRegistry) Claim(ctx context.Context, id int64, from upload.Status, attempts int) (*upload.Reclaim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := casStatus(ctx, tx, id, from, upload.StatusHiding); err != nil {
		return nil, err
	}

	now := s.now()
	var res sql.Result
	if from != upload.StatusHiding {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO upload_reclaims (upload_id, prior_status, attempts, last_error, updated_at)
			VALUES (?, ?, 1, '', ?)
			ON CONFLICT(upload_id) DO UPDATE SET
				prior_status = excluded.prior_status,
				attempts = upload_reclaims.attempts + 1,
				integrity_checked = 0,
				updated_at = excluded.updated_at
			WHERE upload_reclaims.attempts = ?`,
			id, string(from), now, attempts)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE upload_reclaims SET attempts = attempts + 1, updated_at = ?
			WHERE upload_id = ? AND attempts = ?`,
			now, id, attempts)
	}
	if err != nil {
		return nil, fmt.Errorf("incrementing reclaim attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		if from != upload.StatusHiding || attempts != 0 {
			return nil, upload.ErrConflict
		}
		// HIDING without bookkeeping: the prior status is unknown.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO upload_reclaims (upload_id, prior_status, attempts, last_error, updated_at)
			VALUES (?, '', 1, '', ?)`,
			id, now)
		if err != nil {
			return nil, fmt.Errorf("creating reclaim record: %w", err)
		}
	}

	rc, err := getReclaim(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return rc, nil
}

func (s *SQLiteRegistry) RecordReclaimFailure(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_reclaims SET last_error = ?, updated_at = ? WHERE upload_id = ?`,
		reason, s.now(), id)
	if err != nil {
		return fmt.Errorf("recording reclaim failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return upload.ErrNotFound
	}
	return nil
}

func (s *SQLiteRegistry) MarkIntegrityChecked(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_reclaims SET integrity_checked = 1, updated_at = ? WHERE upload_id = ?`,
		s.now(), id)
	if err != nil {
		return fmt.Errorf("marking integrity checked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return upload.ErrNotFound
	}
	return nil
}

func (s *SQLiteRegistry) GetReclaim(ctx context.Context, id int64) (*upload.Reclaim, error) {
	rc, err := getReclaim(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	return rc, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getReclaim(ctx context.Context, q queryRower, id int64) (*upload.Reclaim, error) {
	var (
		rc    upload.Reclaim
		prior string
	)
	err := q.QueryRowContext(ctx, `
		SELECT upload_id, prior_status, attempts, integrity_checked, last_error, updated_at
		FROM upload_reclaims WHERE upload_id = ?`, id).
		Scan(&rc.UploadID, &prior, &rc.Attempts, &rc.IntegrityChecked, &rc.LastError, &rc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("finding reclaim for upload %d: %w", id, err)
	}
	if prior != "" {
		st, err := upload.ParseStatus(prior)
		if err != nil {
			return nil, fmt.Errorf("reclaim for upload %d: %w", id, err)
		}
		rc.PriorStatus = st
	}
	return &rc, nil
}

// Sweep run history

func (s *SQLiteRegistry) CreateSweepRun(ctx context.Context, run *upload.SweepRun) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reaper_runs (run_id, started_at, status, cursor_from) VALUES (?, ?, 'running', ?)`,
		run.RunID, run.StartedAt.UTC(), run.CursorFrom)
	if err != nil {
		return fmt.Errorf("creating sweep run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading sweep run id: %w", err)
	}
	run.ID = id
	return nil
}

func (s *SQLiteRegistry) FinishSweepRun(ctx context.Context, run *upload.SweepRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reaper_runs SET
			finished_at = ?, status = ?, cursor_next = ?,
			selected = ?, claimed = ?, hidden = ?, missing = ?, retried = ?, conflicts = ?
		WHERE id = ?`,
		run.FinishedAt.UTC(), run.Status, run.CursorNext,
		run.Selected, run.Claimed, run.Hidden, run.Missing, run.Retried, run.Conflicts,
		run.ID)
	if err != nil {
		return fmt.Errorf("finishing sweep run: %w", err)
	}
	return nil
}

const sweepRunColumns = `id, run_id, started_at, finished_at, status, cursor_from, cursor_next,
	selected, claimed, hidden, missing, retried, conflicts`

func scanSweepRun(row rowScanner) (*upload.SweepRun, error) {
	var (
		run      upload.SweepRun
		finished sql.NullTime
	)
	err := row.Scan(&run.ID, &run.RunID, &run.StartedAt, &finished, &run.Status, &run.CursorFrom, &run.CursorNext,
		&run.Selected, &run.Claimed, &run.Hidden, &run.Missing, &run.Retried, &run.Conflicts)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

func (s *SQLiteRegistry) LastSweepRun(ctx context.Context) (*upload.SweepRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sweepRunColumns+` FROM reaper_runs WHERE finished_at IS NOT NULL ORDER BY id DESC LIMIT 1`)
	run, err := scanSweepRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding last sweep run: %w", err)
	}
	return run, nil
}

func (s *SQLiteRegistry) ListSweepRuns(ctx context.Context, limit int) ([]*upload.SweepRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sweepRunColumns+` FROM reaper_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sweep runs: %w", err)
	}
	defer rows.Close()

	var result []*upload.SweepRun
	for rows.Next() {
		run, err := scanSweepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sweep run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sweep runs: %w", err)
	}
	return result, nil
}

// Reporting

// CountByStatus returns the number of uploads in each status. Statuses with
// no uploads are omitted.
func (s *SQLiteRegistry) CountByStatus(ctx context.Context) (map[upload.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM uploads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting uploads: %w", err)
	}
	defer rows.Close()

	counts := make(map[upload.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning upload count: %w", err)
		}
		st, err := upload.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting uploads: %w", err)
	}
	return counts, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteRegistry) Path() string {
	return s.path
}

// MigrateUp applies pending schema migrations.
func (s *SQLiteRegistry) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteRegistry) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Version returns the schema version, 0 for a database that was never
// migrated.
func (s *SQLiteRegistry) Version() (uint, error) {
	v, dirty, err := migrations.Version(s.db)
	if errors.Is(err, migrations.ErrNoVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("database is in dirty state at version %d", v)
	}
	return v, nil
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteRegistry) BackupTo(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteRegistry) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteRegistry) now() time.Time {
	return s.clock.Now().UTC()
}

var _ upload.Registry = (*SQLiteRegistry)(nil)
