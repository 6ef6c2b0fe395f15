// Package validation validates an inbound execute_scan request before any
// Scan Record is created: unknown modules, disabled modules, empty module
// sets, and structural shape. Ownership checks are delegated to the
// external auth layer and are not this package's concern.
package validation

import (
	"github.com/go-playground/validator/v10"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/types"
)

// ModuleEnabler is the minimal registry surface validation needs: does a
// module exist and is it enabled. pkg/registry.Registry satisfies this.
type ModuleEnabler interface {
	IsEnabled(name types.ModuleName) bool
}

// Request is the validator-tagged shape of a multi-asset execute_scan
// request body.
type Request struct {
	// OwnerID is populated from the request ingress layer's authenticated
	// caller, never from the request body.
	OwnerID string                `json:"-" validate:"required"`
	Assets  map[string]AssetInput `json:"assets" validate:"required,min=1,dive"`
}

// AssetInput is one entry of Request.Assets.
type AssetInput struct {
	Modules []string          `json:"modules" validate:"required,min=1,dive,required"`
	Options AssetOptionsInput `json:"options"`
}

// AssetOptionsInput mirrors types.AssetOptions for request binding.
type AssetOptionsInput struct {
	ActiveDomainsOnly bool `json:"active_domains_only"`
}

var structValidator = validator.New()

// Validate checks structural shape (non-empty owner, non-empty asset map,
// non-empty module lists) and then, against reg, that every requested
// module is a known enabled name. It returns the first violation: a
// structural one wrapped in apperrors.ErrValidation, an empty module list
// in apperrors.ErrEmptyModuleSet, an unknown or disabled module in
// apperrors.ErrUnknownModule. The caller creates no Scan Record on error.
func Validate(req Request, reg ModuleEnabler) error {
	if err := structValidator.Struct(req); err != nil {
		return apperrors.Wrapf(apperrors.ErrValidation, "%v", err)
	}

	for assetID, asset := range req.Assets {
		if len(asset.Modules) == 0 {
			return apperrors.Wrapf(apperrors.ErrEmptyModuleSet, "asset %q", assetID)
		}
		for _, m := range asset.Modules {
			name := types.ModuleName(m)
			if !reg.IsEnabled(name) {
				return apperrors.Wrapf(apperrors.ErrUnknownModule, "asset %q requested module %q", assetID, m)
			}
		}
	}
	return nil
}

// ToAssetSpecs converts a validated Request into the AssetRequest slice
// the orchestrator consumes.
func ToAssetSpecs(req Request) []types.AssetRequest {
	out := make([]types.AssetRequest, 0, len(req.Assets))
	for assetID, asset := range req.Assets {
		modules := make([]types.ModuleName, len(asset.Modules))
		for i, m := range asset.Modules {
			modules[i] = types.ModuleName(m)
		}
		out = append(out, types.AssetRequest{
			AssetID: assetID,
			Modules: modules,
			Options: types.AssetOptions{ActiveDomainsOnly: asset.Options.ActiveDomainsOnly},
		})
	}
	return out
}
