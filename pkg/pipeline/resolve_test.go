package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/types"
)

type fakeDeps map[types.ModuleName][]types.ModuleName

func (f fakeDeps) Dependencies(name types.ModuleName) ([]types.ModuleName, error) {
	deps, ok := f[name]
	if !ok {
		return nil, apperrors.ErrUnknownModule
	}
	return deps, nil
}

func TestResolve_SingleProducerMultipleConsumers(t *testing.T) {
	reg := fakeDeps{
		"enumerator": nil,
		"resolver":   {"enumerator"},
		"prober":     {"enumerator"},
	}

	pl, err := resolve([]types.ModuleName{"resolver", "prober"}, reg)
	require.NoError(t, err)
	assert.Equal(t, types.ModuleName("enumerator"), pl.producer)
	assert.ElementsMatch(t, []types.ModuleName{"enumerator", "resolver", "prober"}, pl.modules)
	assert.ElementsMatch(t, []types.ModuleName{"resolver", "prober"}, pl.dependents["enumerator"])
}

func TestResolve_MultiHopChain(t *testing.T) {
	reg := fakeDeps{
		"enumerator": nil,
		"resolver":   {"enumerator"},
		"prober":     {"resolver"},
	}

	pl, err := resolve([]types.ModuleName{"prober"}, reg)
	require.NoError(t, err)
	assert.Equal(t, types.ModuleName("enumerator"), pl.producer)
	assert.ElementsMatch(t, []types.ModuleName{"enumerator", "resolver", "prober"}, pl.modules)
	assert.ElementsMatch(t, []types.ModuleName{"resolver"}, pl.dependents["enumerator"])
	assert.ElementsMatch(t, []types.ModuleName{"prober"}, pl.dependents["resolver"])
}

func TestResolve_AmbiguousProducer(t *testing.T) {
	reg := fakeDeps{
		"enumerator-a": nil,
		"enumerator-b": nil,
		"merger":       {"enumerator-a", "enumerator-b"},
	}

	_, err := resolve([]types.ModuleName{"merger"}, reg)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrAmbiguousProducer))
}

func TestResolve_CycleDetected(t *testing.T) {
	reg := fakeDeps{
		"a": {"b"},
		"b": {"a"},
	}

	_, err := resolve([]types.ModuleName{"a"}, reg)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDependencyCycle))
}

func TestResolve_UnknownModule(t *testing.T) {
	reg := fakeDeps{"resolver": {"enumerator"}}

	_, err := resolve([]types.ModuleName{"resolver"}, reg)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownModule))
}

func TestResolve_AutoIncludesDependencyNotRequested(t *testing.T) {
	reg := fakeDeps{
		"enumerator": nil,
		"resolver":   {"enumerator"},
	}

	pl, err := resolve([]types.ModuleName{"resolver"}, reg)
	require.NoError(t, err)
	assert.Contains(t, pl.modules, types.ModuleName("enumerator"))
}
