package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stemmix/internal/mixstate"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database wraps a *sql.DB holding saved mixes and export history. It is
// safe for concurrent use because the underlying *sql.DB is concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger *logrus.Logger

	// Prepared statements
	getStateStmt    *sql.Stmt
	putStateStmt    *sql.Stmt
	deleteStateStmt *sql.Stmt
	upsertJobStmt   *sql.Stmt
	getJobStmt      *sql.Stmt
}

// ExportJobRecord is the persisted form of a finished or running export
type ExportJobRecord struct {
	ID          string
	SessionID   string
	Format      string
	Quality     string
	Status      string
	Stage       string
	Progress    int
	Error       string
	OutputPath  string
	URL         string
	Warnings    []string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures all required tables and indices exist. Caller should Close() it
// when finished.
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// createTables creates tables and indices if they do not already exist. This
// is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	mixStatesTable := `
	CREATE TABLE IF NOT EXISTS mix_states (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	exportJobsTable := `
	CREATE TABLE IF NOT EXISTS export_jobs (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		format TEXT,
		quality TEXT,
		status TEXT,
		stage TEXT,
		progress INTEGER,
		error TEXT,
		output_path TEXT,
		url TEXT,
		warnings TEXT,
		created_at DATETIME,
		completed_at DATETIME
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs(status);",
		"CREATE INDEX IF NOT EXISTS idx_export_jobs_created ON export_jobs(created_at);",
		"CREATE INDEX IF NOT EXISTS idx_export_jobs_session ON export_jobs(session_id);",
	}

	for _, table := range []string{mixStatesTable, exportJobsTable} {
		if _, err := db.conn.Exec(table); err != nil {
			return err
		}
	}

	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}
	return nil
}

// prepareStatements prepares commonly used SQL statements
func (db *Database) prepareStatements() error {
	var err error

	db.getStateStmt, err = db.conn.Prepare(`SELECT value FROM mix_states WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get state statement: %w", err)
	}

	db.putStateStmt, err = db.conn.Prepare(`
		INSERT INTO mix_states (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare put state statement: %w", err)
	}

	db.deleteStateStmt, err = db.conn.Prepare(`DELETE FROM mix_states WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete state statement: %w", err)
	}

	db.upsertJobStmt, err = db.conn.Prepare(`
		INSERT INTO export_jobs (id, session_id, format, quality, status, stage, progress, error, output_path, url, warnings, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			stage=excluded.stage,
			progress=excluded.progress,
			error=excluded.error,
			output_path=excluded.output_path,
			url=excluded.url,
			warnings=excluded.warnings,
			completed_at=excluded.completed_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert export job statement: %w", err)
	}

	db.getJobStmt, err = db.conn.Prepare(`
		SELECT id, session_id, format, quality, status, stage, progress, error, output_path, url, warnings, created_at, completed_at
		FROM export_jobs WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get export job statement: %w", err)
	}

	return nil
}

// Get implements mixstate.Store
func (db *Database) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := db.getStateStmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mixstate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mix state: %w", err)
	}
	return value, nil
}

// Put implements mixstate.Store
func (db *Database) Put(ctx context.Context, key string, value []byte) error {
	if _, err := db.putStateStmt.ExecContext(ctx, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write mix state: %w", err)
	}
	return nil
}

// Delete implements mixstate.Store
func (db *Database) Delete(ctx context.Context, key string) error {
	if _, err := db.deleteStateStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("failed to delete mix state: %w", err)
	}
	return nil
}

// UpsertExportJob inserts or updates an export job record by ID
func (db *Database) UpsertExportJob(rec ExportJobRecord) error {
	_, err := db.upsertJobStmt.Exec(
		rec.ID, rec.SessionID, rec.Format, rec.Quality, rec.Status, rec.Stage, rec.Progress,
		rec.Error, rec.OutputPath, rec.URL, strings.Join(rec.Warnings, "\n"),
		rec.CreatedAt.UTC(), utcOrNil(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save export job: %w", err)
	}
	return nil
}

// GetExportJob returns a persisted export job
func (db *Database) GetExportJob(id string) (*ExportJobRecord, error) {
	rec, err := scanJob(db.getJobStmt.QueryRow(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("export job %s not found", id)
	}
	return rec, err
}

// ListExportJobs returns persisted jobs, newest first. An empty sessionID
// lists every session.
func (db *Database) ListExportJobs(sessionID string, limit int) ([]ExportJobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, session_id, format, quality, status, stage, progress, error, output_path, url, warnings, created_at, completed_at
		FROM export_jobs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []ExportJobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *rec)
	}
	return jobs, rows.Err()
}

// DeleteExportJobsBefore removes finished jobs completed before cutoff
func (db *Database) DeleteExportJobsBefore(cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM export_jobs WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		db.logger.WithField("jobs_deleted", n).Info("Deleted old export jobs")
	}
	return n, nil
}

// Ping checks the connection
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the prepared statements and the connection
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.getStateStmt,
		db.putStateStmt,
		db.deleteStateStmt,
		db.upsertJobStmt,
		db.getJobStmt,
	}

	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ExportJobRecord, error) {
	var rec ExportJobRecord
	var sessionID, format, quality, status, stage, errMsg, outputPath, url, warnings sql.NullString
	var progress sql.NullInt64
	var createdAt, completedAt sql.NullTime

	if err := row.Scan(&rec.ID, &sessionID, &format, &quality, &status, &stage, &progress,
		&errMsg, &outputPath, &url, &warnings, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	rec.SessionID = sessionID.String
	rec.Format = format.String
	rec.Quality = quality.String
	rec.Status = status.String
	rec.Stage = stage.String
	rec.Progress = int(progress.Int64)
	rec.Error = errMsg.String
	rec.OutputPath = outputPath.String
	rec.URL = url.String
	if warnings.String != "" {
		rec.Warnings = strings.Split(warnings.String, "\n")
	}
	if createdAt.Valid {
		rec.CreatedAt = createdAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
