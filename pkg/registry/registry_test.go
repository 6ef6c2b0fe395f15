package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/types"
)

type fakeCatalog struct {
	profiles []types.ModuleProfile
	err      error
}

func (f *fakeCatalog) ListModuleProfiles(ctx context.Context) ([]types.ModuleProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profiles, nil
}

func profile(name string, enabled bool, deps ...string) types.ModuleProfile {
	modDeps := make([]types.ModuleName, len(deps))
	for i, d := range deps {
		modDeps[i] = types.ModuleName(d)
	}
	return types.ModuleProfile{
		Name:          types.ModuleName(name),
		ContainerName: name + "-container",
		Dependencies:  modDeps,
		Enabled:       enabled,
	}
}

func TestLoad_PopulatesSnapshot(t *testing.T) {
	cat := &fakeCatalog{profiles: []types.ModuleProfile{
		profile("enumerator", true),
		profile("resolver", true, "enumerator"),
	}}
	r := New(cat)
	require.NoError(t, r.Load(context.Background()))

	deps, err := r.Dependencies("resolver")
	require.NoError(t, err)
	assert.Equal(t, []types.ModuleName{"enumerator"}, deps)

	assert.ElementsMatch(t, []types.ModuleName{"enumerator", "resolver"}, r.AllEnabled())
}

func TestLoad_CatalogUnreachable_Fails(t *testing.T) {
	cat := &fakeCatalog{err: assert.AnError}
	r := New(cat)
	err := r.Load(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigLoad))
}

func TestLoad_UnknownModule(t *testing.T) {
	r := New(&fakeCatalog{})
	require.NoError(t, r.Load(context.Background()))

	_, err := r.Profile("nope")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownModule))
}

func TestLoad_DependencyCycleRejected(t *testing.T) {
	cat := &fakeCatalog{profiles: []types.ModuleProfile{
		profile("a", true, "b"),
		profile("b", true, "a"),
	}}
	r := New(cat)
	err := r.Load(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDependencyCycle))
}

func TestLoad_DependencyOnDisabledModuleRejected(t *testing.T) {
	cat := &fakeCatalog{profiles: []types.ModuleProfile{
		profile("prober", true, "enumerator"),
		profile("enumerator", false),
	}}
	r := New(cat)
	err := r.Load(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfiguration))
}

func TestReload_KeepsOldSnapshotOnError(t *testing.T) {
	cat := &fakeCatalog{profiles: []types.ModuleProfile{profile("enumerator", true)}}
	r := New(cat)
	require.NoError(t, r.Load(context.Background()))

	cat.err = assert.AnError
	err := r.Reload(context.Background())
	require.Error(t, err)

	// old snapshot still active
	assert.True(t, r.IsEnabled("enumerator"))
}

func TestContainerName(t *testing.T) {
	cat := &fakeCatalog{profiles: []types.ModuleProfile{profile("prober", true)}}
	r := New(cat)
	require.NoError(t, r.Load(context.Background()))

	name, err := r.ContainerName("prober")
	require.NoError(t, err)
	assert.Equal(t, "prober-container", name)
}
