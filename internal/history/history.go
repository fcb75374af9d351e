// Package history keeps a durable log of dispatched commands.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/oc2gw/internal/dispatch"
	"github.com/mattjoyce/oc2gw/internal/openc2"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// timeLayout is fixed width so started_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var ErrNotFound = errors.New("history entry not found")

// Entry is one stored dispatch record.
type Entry struct {
	ID string `json:"id"`
	dispatch.Record
}

// Log stores dispatch records in the command_log table. It implements
// dispatch.Recorder.
type Log struct {
	db    *sql.DB
	newID func() string
}

func NewLog(db *sql.DB) *Log {
	return &Log{
		db:    db,
		newID: func() string { return uuid.New().String() },
	}
}

// Record persists rec under a fresh id.
func (l *Log) Record(ctx context.Context, rec dispatch.Record) error {
	_, err := l.Append(ctx, rec)
	return err
}

// Append persists rec and returns its id.
func (l *Log) Append(ctx context.Context, rec dispatch.Record) (string, error) {
	id := l.newID()
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO command_log(id, action, target, actuator, profile, status, error, started_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, rec.Action, string(rec.Target), string(rec.Actuator), rec.Profile, string(rec.Status), errText,
		rec.Started.UTC().Format(timeLayout), rec.Duration.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("insert command_log: %w", err)
	}
	return id, nil
}

// List returns up to limit entries, newest first. limit <= 0 means
// DefaultListLimit; values above MaxListLimit are clamped.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT id, action, target, actuator, profile, status, error, started_at, duration_ms
FROM command_log
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query command_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate command_log: %w", err)
	}
	return out, nil
}

// Get returns the entry with id, or ErrNotFound.
func (l *Log) Get(ctx context.Context, id string) (Entry, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, action, target, actuator, profile, status, error, started_at, duration_ms
FROM command_log WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// Prune deletes entries that started before cutoff and returns how many
// were removed.
func (l *Log) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM command_log WHERE started_at < ?;", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune command_log: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                        Entry
		target, actuator, status string
		errText                  sql.NullString
		startedAt                string
		durationMS               int64
	)
	if err := s.Scan(&e.ID, &e.Action, &target, &actuator, &e.Profile, &status, &errText, &startedAt, &durationMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan command_log: %w", err)
	}
	started, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	e.Target = openc2.Tag(target)
	e.Actuator = openc2.Tag(actuator)
	e.Status = dispatch.Status(status)
	e.Error = errText.String
	e.Started = started
	e.Duration = time.Duration(durationMS) * time.Millisecond
	return e, nil
}
