// Package state persists per-profile JSON state in the gateway database.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

const DefaultMaxStateBytes = 1 << 20 // 1 MiB

var ErrStateTooLarge = errors.New("profile state exceeds max size")

type Store struct {
	db            *sql.DB
	maxStateBytes int
	now           func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:            db,
		maxStateBytes: DefaultMaxStateBytes,
		now:           time.Now,
	}
}

// Get returns the full state blob for a profile, or {} if missing.
func (s *Store) Get(ctx context.Context, profile string) (json.RawMessage, error) {
	if profile == "" {
		return nil, fmt.Errorf("profile name is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM profile_state WHERE profile_name = ?;", profile).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile state: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored profile state is invalid JSON for profile=%q", profile)
	}
	return json.RawMessage(raw), nil
}

// ShallowMerge applies updates as a shallow merge (top-level keys replaced).
// The merged state is persisted and returned.
func (s *Store) ShallowMerge(ctx context.Context, profile string, updates json.RawMessage) (json.RawMessage, error) {
	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode state updates: %w", err)
	}
	return s.Update(ctx, profile, func(cur map[string]json.RawMessage) error {
		maps.Copy(cur, upd)
		return nil
	})
}

// Update runs fn on the decoded state inside one transaction and persists
// whatever fn leaves in the map. An error from fn aborts without writing.
func (s *Store) Update(ctx context.Context, profile string, fn func(map[string]json.RawMessage) error) (json.RawMessage, error) {
	if profile == "" {
		return nil, fmt.Errorf("profile name is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT state FROM profile_state WHERE profile_name = ?;", profile).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return nil, fmt.Errorf("read profile state: %w", err)
	}

	cur, err := decodeObjectOrEmpty(json.RawMessage(curRaw))
	if err != nil {
		return nil, fmt.Errorf("decode stored state: %w", err)
	}
	if err := fn(cur); err != nil {
		return nil, err
	}

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if len(merged) > s.maxStateBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrStateTooLarge, s.maxStateBytes)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO profile_state(profile_name, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(profile_name) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, profile, string(merged), now)
	if err != nil {
		return nil, fmt.Errorf("upsert profile state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}

// Reset deletes the stored state of a profile.
func (s *Store) Reset(ctx context.Context, profile string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM profile_state WHERE profile_name = ?;", profile); err != nil {
		return fmt.Errorf("reset profile state: %w", err)
	}
	return nil
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
