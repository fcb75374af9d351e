package profile

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/oc2gw/internal/action"
	"github.com/mattjoyce/oc2gw/internal/log"
	"github.com/mattjoyce/oc2gw/internal/openc2"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

func returns(v string) action.Handler {
	return func(context.Context, openc2.TypedObject, openc2.TypedObject, any) (any, error) {
		return v, nil
	}
}

func invoke(t *testing.T, p Profile, name string, target, actuator openc2.TypedObject) (any, error) {
	t.Helper()
	inv, ok := p.Lookup(name)
	require.True(t, ok, "action %q not defined", name)
	return inv.Invoke(context.Background(), target, actuator, nil)
}

func TestBuilder_DeclarationsMergeIntoOneRegistry(t *testing.T) {
	b := NewBuilder("slpf")

	first := b.Declare("deny", openc2.Tags("device"), nil, returns("denyDevice"))
	second := b.Declare("deny", openc2.Tags("device"), openc2.Tags("firewall"), returns("denyDeviceViaFirewall"))

	require.NotNil(t, first)
	assert.Same(t, first, second, "declarations under one name share a registry")
	assert.Equal(t, 2, first.Len())

	p, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, "slpf", p.Name())
	assert.Equal(t, []string{"deny"}, p.Actions())

	inv, ok := p.Lookup("deny")
	require.True(t, ok)
	assert.Same(t, first, inv)

	got, err := invoke(t, p, "deny", openc2.TypedObject{"type": "device"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "denyDevice", got)

	got, err = invoke(t, p, "deny", openc2.TypedObject{"type": "device"}, openc2.TypedObject{"type": "firewall"})
	require.NoError(t, err)
	assert.Equal(t, "denyDeviceViaFirewall", got)

	_, err = invoke(t, p, "deny", openc2.TypedObject{"type": "file"}, nil)
	assert.True(t, errors.Is(err, action.ErrNoMatchingSignature))
}

func TestBuilder_SeparateProfilesDoNotShareRegistries(t *testing.T) {
	a := NewBuilder("a")
	b := NewBuilder("b")
	ra := a.Declare("deny", openc2.Tags("device"), nil, returns("a"))
	rb := b.Declare("deny", openc2.Tags("file"), nil, returns("b"))
	assert.NotSame(t, ra, rb)

	pa, err := a.Build()
	require.NoError(t, err)
	_, err = invoke(t, pa, "deny", openc2.TypedObject{"type": "file"}, nil)
	assert.True(t, errors.Is(err, action.ErrNoMatchingSignature))
}

func TestBuilder_DeclareOne(t *testing.T) {
	b := NewBuilder("p")
	reg := b.DeclareOne("delete", "slpf:rule_number", "slpf", returns("deleted"))
	require.NotNil(t, reg)
	assert.Equal(t, []action.Signature{{Target: "slpf:rule_number", Actuator: "slpf"}}, reg.Signatures())

	reg = b.DeclareOne("query", "features", openc2.Absent, returns("q"))
	assert.Equal(t, []action.Signature{{Target: "features"}}, reg.Signatures())
}

func TestBuilder_OverwriteHookApplies(t *testing.T) {
	var seen []action.Overwrite
	b := NewBuilder("p", action.WithOverwriteHook(func(o action.Overwrite) { seen = append(seen, o) }))

	b.Declare("deny", openc2.Tags("device"), nil, returns("f"))
	b.Declare("deny", openc2.Tags("device"), nil, returns("g"))

	require.Len(t, seen, 1)
	assert.Equal(t, "deny", seen[0].Action)

	p, err := b.Build()
	require.NoError(t, err)
	got, err := invoke(t, p, "deny", openc2.TypedObject{"type": "device"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "g", got)
}

func TestBuilder_BareHandler(t *testing.T) {
	b := NewBuilder("p")
	b.Handle("start", returns("started"))

	p, err := b.Build()
	require.NoError(t, err)

	got, err := invoke(t, p, "start", openc2.TypedObject{"type": "anything"}, openc2.TypedObject{"type": "any"})
	require.NoError(t, err)
	assert.Equal(t, "started", got)
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		build   func(b *Builder)
		wantErr error
	}{
		{
			name:    "empty action name",
			build:   func(b *Builder) { b.Declare(" ", openc2.Tags("device"), nil, returns("x")) },
			wantErr: ErrEmptyActionName,
		},
		{
			name:    "no targets",
			build:   func(b *Builder) { b.Declare("deny", nil, nil, returns("x")) },
			wantErr: ErrNoTargets,
		},
		{
			name: "registry then bare",
			build: func(b *Builder) {
				b.Declare("deny", openc2.Tags("device"), nil, returns("x"))
				b.Handle("deny", returns("y"))
			},
			wantErr: ErrKindConflict,
		},
		{
			name: "bare then registry",
			build: func(b *Builder) {
				b.Handle("deny", returns("y"))
				b.Declare("deny", openc2.Tags("device"), nil, returns("x"))
			},
			wantErr: ErrKindConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder("p")
			tt.build(b)
			_, err := b.Build()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestBuilder_NilHandler(t *testing.T) {
	b := NewBuilder("p")
	assert.Nil(t, b.Declare("deny", openc2.Tags("device"), nil, nil))
	_, err := b.Build()
	assert.Error(t, err)
}

func TestBuilder_EmptyProfileName(t *testing.T) {
	_, err := NewBuilder("").Build()
	assert.Error(t, err)
}

func TestBuilder_Registry(t *testing.T) {
	b := NewBuilder("p")
	_, ok := b.Registry("deny")
	assert.False(t, ok)

	reg := b.Declare("deny", openc2.Tags("device"), nil, returns("x"))
	got, ok := b.Registry("deny")
	require.True(t, ok)
	assert.Same(t, reg, got)
}

func TestStatic_LookupMissing(t *testing.T) {
	p, err := NewBuilder("p").Build()
	require.NoError(t, err)
	_, ok := p.Lookup("deny")
	assert.False(t, ok)
	assert.Empty(t, p.Actions())
}
