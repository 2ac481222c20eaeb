// Package completionlog records finished job numbers to a sqlite-backed
// append-only log, the same role original_source's file_appender utility
// played for its simple_server helper.
package completionlog

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rs/zerolog"

	"distasks/internal/dispatch"
)

// Log appends completion records to the completions table.
type Log struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New creates a Log backed by db. The completions table must already exist
// (see db.Migrate).
func New(db *sql.DB, logger zerolog.Logger) *Log {
	return &Log{db: db, logger: logger}
}

// Append inserts a completion record for the given job number, run count,
// and raw result payload.
func (l *Log) Append(ctx context.Context, num dispatch.JobNumber, runs int, result json.RawMessage) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO completions(job_number, runs, result) VALUES(?,?,?)`,
		int64(num), runs, string(result))
	return err
}

// Count returns how many completion records exist for num, useful for
// detecting duplicate deliveries under at-least-once re-enqueue.
func (l *Log) Count(ctx context.Context, num dispatch.JobNumber) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM completions WHERE job_number=?`, int64(num)).Scan(&n)
	return n, err
}

// OnComplete builds an OnCompleteFunc (matching session.OnCompleteFunc's
// shape) that appends the result to this log and never asks for a repeat.
// A result failing validate is logged and still recorded as-is; this log
// is a record of what was received, not a judgment on it.
func (l *Log) OnComplete(validate func(json.RawMessage) error) func(task dispatch.Task, result json.RawMessage) (bool, error) {
	return func(task dispatch.Task, result json.RawMessage) (bool, error) {
		if validate != nil {
			if err := validate(result); err != nil {
				l.logger.Warn().Uint64("num", task.Num).Err(err).Msg("completion result failed validation")
			}
		}
		if err := l.Append(context.Background(), task.Num, task.Runs, result); err != nil {
			return false, err
		}
		return false, nil
	}
}
