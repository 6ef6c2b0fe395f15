package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/types"
)

type fakeRegistry struct {
	enabled map[types.ModuleName]bool
}

func (f fakeRegistry) IsEnabled(name types.ModuleName) bool { return f.enabled[name] }

func TestValidate_HappyPath(t *testing.T) {
	reg := fakeRegistry{enabled: map[types.ModuleName]bool{"enumerator": true, "resolver": true}}
	req := Request{
		OwnerID: "owner-1",
		Assets: map[string]AssetInput{
			"asset-1": {Modules: []string{"enumerator", "resolver"}},
		},
	}
	assert.NoError(t, Validate(req, reg))
}

func TestValidate_EmptyOwner(t *testing.T) {
	reg := fakeRegistry{}
	req := Request{Assets: map[string]AssetInput{"a": {Modules: []string{"x"}}}}
	err := Validate(req, reg)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestValidate_EmptyAssetMap(t *testing.T) {
	reg := fakeRegistry{}
	req := Request{OwnerID: "owner-1", Assets: map[string]AssetInput{}}
	err := Validate(req, reg)
	require.Error(t, err)
}

func TestValidate_EmptyModuleSet(t *testing.T) {
	reg := fakeRegistry{}
	req := Request{OwnerID: "owner-1", Assets: map[string]AssetInput{"a": {Modules: []string{}}}}
	err := Validate(req, reg)
	require.Error(t, err)
}

func TestValidate_UnknownModule(t *testing.T) {
	reg := fakeRegistry{enabled: map[types.ModuleName]bool{"enumerator": true}}
	req := Request{
		OwnerID: "owner-1",
		Assets:  map[string]AssetInput{"a": {Modules: []string{"nope"}}},
	}
	err := Validate(req, reg)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownModule))
}

func TestValidate_DisabledModule(t *testing.T) {
	reg := fakeRegistry{enabled: map[types.ModuleName]bool{"enumerator": false}}
	req := Request{
		OwnerID: "owner-1",
		Assets:  map[string]AssetInput{"a": {Modules: []string{"enumerator"}}},
	}
	err := Validate(req, reg)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownModule))
}

func TestToAssetSpecs(t *testing.T) {
	req := Request{
		OwnerID: "owner-1",
		Assets: map[string]AssetInput{
			"asset-1": {Modules: []string{"enumerator"}, Options: AssetOptionsInput{ActiveDomainsOnly: true}},
		},
	}
	specs := ToAssetSpecs(req)
	require.Len(t, specs, 1)
	assert.Equal(t, "asset-1", specs[0].AssetID)
	assert.Equal(t, []types.ModuleName{"enumerator"}, specs[0].Modules)
	assert.True(t, specs[0].Options.ActiveDomainsOnly)
}
