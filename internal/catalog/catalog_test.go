package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/oc2gw/internal/log"
	"github.com/mattjoyce/oc2gw/internal/openc2"
	"github.com/mattjoyce/oc2gw/internal/state"
	"github.com/mattjoyce/oc2gw/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

func openState(t *testing.T) *state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "oc2gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return state.NewStore(db)
}

type fakeIntrospector struct {
	names []string
	pairs map[string][]openc2.Tag
}

func (f fakeIntrospector) ProfileNames() []string { return f.names }
func (f fakeIntrospector) Pairs() map[string][]openc2.Tag { return f.pairs }

func TestNamesAndLookup(t *testing.T) {
	assert.Equal(t, []string{"query", "slpf"}, Names())

	_, ok := Lookup("slpf")
	assert.True(t, ok)
	_, ok = Lookup("nope")
	assert.False(t, ok)

	_, err := Build("nope", nil, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestActionsMatchBuiltProfiles(t *testing.T) {
	deps := Deps{State: openState(t), Resolver: &Ref{}}
	for _, name := range Names() {
		p, err := Build(name, nil, deps)
		require.NoError(t, err, name)

		want, ok := Actions(name)
		require.True(t, ok, name)
		assert.Equal(t, want, p.Actions(), name)
	}

	_, ok := Actions("nope")
	assert.False(t, ok)
}

func TestRefBind(t *testing.T) {
	var r Ref
	_, ok := r.Get()
	assert.False(t, ok)

	r.Bind(fakeIntrospector{names: []string{"a"}})
	got, ok := r.Get()
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, got.ProfileNames())
}

func TestQueryFeatures(t *testing.T) {
	ref := &Ref{}
	p, err := Build("query", map[string]any{"rate_limit": 60}, Deps{Resolver: ref})
	require.NoError(t, err)
	assert.Equal(t, []string{"query"}, p.Actions())

	inv, ok := p.Lookup("query")
	require.True(t, ok)
	ctx := context.Background()

	t.Run("heartbeat", func(t *testing.T) {
		got, err := inv.Invoke(ctx, openc2.TypedObject{"type": "features"}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{}, got)
	})

	t.Run("resolver not bound", func(t *testing.T) {
		_, err := inv.Invoke(ctx, openc2.TypedObject{"type": "features", "features": []any{"profiles"}}, nil, nil)
		assert.Error(t, err)
	})

	ref.Bind(fakeIntrospector{
		names: []string{"slpf", "query"},
		pairs: map[string][]openc2.Tag{"deny": {"ipv4_net"}},
	})

	t.Run("all features", func(t *testing.T) {
		got, err := inv.Invoke(ctx, openc2.TypedObject{
			"type":     "features",
			"features": []any{"versions", "profiles", "pairs", "rate_limit"},
		}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"versions":   []string{"1.0"},
			"profiles":   []string{"slpf", "query"},
			"pairs":      map[string][]openc2.Tag{"deny": {"ipv4_net"}},
			"rate_limit": 60,
		}, got)
	})

	t.Run("unsupported feature", func(t *testing.T) {
		_, err := inv.Invoke(ctx, openc2.TypedObject{"type": "features", "features": []string{"color"}}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "color")
	})

	t.Run("other target has no signature", func(t *testing.T) {
		_, err := inv.Invoke(ctx, openc2.TypedObject{"type": "device"}, nil, nil)
		assert.Error(t, err)
	})
}

func TestQueryConfigErrors(t *testing.T) {
	_, err := NewQuery("query", map[string]any{"rate_limit": "fast"}, Deps{Resolver: &Ref{}})
	assert.Error(t, err)

	_, err = NewQuery("query", nil, Deps{})
	assert.Error(t, err)
}
