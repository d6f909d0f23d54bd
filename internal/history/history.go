// Package history keeps a journal of pipeline runs in sqlite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/Lookout/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

const defaultLimit = 100

type Run struct {
	ID            int64      `json:"-"`
	UUID          string     `json:"run_id"`
	Image         string     `json:"image"`
	InProgress    bool       `json:"in_progress"`
	Success       *bool      `json:"success,omitempty"`
	Stage         string     `json:"stage"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Started       time.Time  `json:"started"`
	Stopped       *time.Time `json:"stopped,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
}

func (r Run) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, image: %q, in_progress: %t, stage: %s", r.UUID, r.Image, r.InProgress, r.Stage)
	if r.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *r.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	}
	return sb.String()
}

// InitDB opens the database and creates the schema. The pool is limited to a
// single connection, sqlite serializes writers anyway.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			image TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			stage TEXT NOT NULL,
			exit_code INTEGER DEFAULT NULL,
			started INTEGER NOT NULL,
			stopped INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS runs_image ON runs (image)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

// Start persists that the run of report is in progress. Starting a run in
// progress is a no-op, starting a finished one returns ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, report model.Report) error {
	uuid := report.RunID.String()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, image, in_progress, stage, started) VALUES (?,?,?,?,?);`,
		uuid, report.Image, true, report.Stage.String(), report.Started.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish stores the outcome of the run. A run which was never started is
// inserted as finished.
func Finish(ctx context.Context, db *sql.DB, report model.Report) error {
	uuid := report.RunID.String()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (uuid, image, in_progress, stage, started) VALUES (?,?,?,?,?);`,
			uuid, report.Image, true, report.Stage.String(), report.Started.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	success := report.Err == nil
	var exitCode *int
	var reason *string
	var perr *model.ProcessError
	if errors.As(report.Err, &perr) {
		exitCode = &perr.ExitCode
	}
	if report.Err != nil {
		s := report.Err.Error()
		reason = &s
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			success = ?,
			stage = ?,
			exit_code = ?,
			stopped = ?,
			failure_reason = ?
		WHERE uuid = ?;
		`, success, report.Stage.String(), exitCode, report.Stopped.UnixMilli(), reason, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const columns = `id, uuid, image, in_progress, success, stage, exit_code, started, stopped, failure_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var started int64
	var stopped sql.NullInt64
	var exitCode sql.NullInt64
	err := row.Scan(
		&r.ID,
		&r.UUID,
		&r.Image,
		&r.InProgress,
		&r.Success,
		&r.Stage,
		&exitCode,
		&started,
		&stopped,
		&r.FailureReason,
	)
	if err != nil {
		return Run{}, err
	}
	r.Started = time.UnixMilli(started).UTC()
	if stopped.Valid {
		t := time.UnixMilli(stopped.Int64).UTC()
		r.Stopped = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	return r, nil
}

// Get returns the run identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (Run, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM runs WHERE uuid=?`, uuid,
	)
	r, err := scanRun(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Run{}, ErrNotFound
	case err != nil:
		return Run{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// List returns the newest runs first, optionally only for one image. A limit
// lower than one means the default.
func List(ctx context.Context, db *sql.DB, image string, limit int) ([]Run, error) {
	if limit < 1 {
		limit = defaultLimit
	}
	query := `SELECT ` + columns + ` FROM runs`
	args := []any{}
	if image != "" {
		query += ` WHERE image=?`
		args = append(args, image)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return runs, nil
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM runs WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

// Journal adapts the database to the pipeline journal.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) Journal {
	return Journal{db: db}
}

func (j Journal) Started(ctx context.Context, report model.Report) error {
	return Start(ctx, j.db, report)
}

func (j Journal) Finished(ctx context.Context, report model.Report) error {
	return Finish(ctx, j.db, report)
}
