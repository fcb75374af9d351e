package state

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/oc2gw/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreGetMissingReturnsEmptyObject(t *testing.T) {
	t.Parallel()

	raw, err := openStore(t).Get(context.Background(), "slpf")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}

func TestStoreShallowMergeReplacesTopLevelKeys(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	_, err := s.ShallowMerge(ctx, "p", json.RawMessage(`{"a":1,"b":{"x":1}}`))
	require.NoError(t, err)
	merged, err := s.ShallowMerge(ctx, "p", json.RawMessage(`{"b":{"y":2}}`))
	require.NoError(t, err)

	// "b" is replaced, not deep-merged.
	assert.JSONEq(t, `{"a":1,"b":{"y":2}}`, string(merged))

	got, err := s.Get(ctx, "p")
	require.NoError(t, err)
	assert.JSONEq(t, string(merged), string(got))
}

func TestStoreUpdateAbortsOnError(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	_, err := s.ShallowMerge(ctx, "p", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	sentinel := errors.New("stop")
	_, err = s.Update(ctx, "p", func(m map[string]json.RawMessage) error {
		m["a"] = json.RawMessage(`2`)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := s.Get(ctx, "p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))
}

func TestStoreReset(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	_, err := s.ShallowMerge(ctx, "p", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx, "p"))

	got, err := s.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}

func TestStoreRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "")
	assert.Error(t, err)
	_, err = s.ShallowMerge(ctx, "p", json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestStoreStateSizeLimit(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	update := json.RawMessage(`{"blob":"` + strings.Repeat("a", DefaultMaxStateBytes+100_000) + `"}`)
	_, err := s.ShallowMerge(context.Background(), "p", update)
	assert.ErrorIs(t, err, ErrStateTooLarge)
}
