package registry

import (
	"encoding/json"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/types"
)

// decodeRows converts the raw SQL row shape (JSON-encoded resource tiers
// and optimization hints, a text[] dependency column) into the domain
// ModuleProfile type.
func decodeRows(rows []moduleProfileRow) ([]types.ModuleProfile, error) {
	out := make([]types.ModuleProfile, 0, len(rows))
	for _, r := range rows {
		var tiers []types.ResourceTier
		if len(r.ResourceTiers) > 0 {
			if err := json.Unmarshal(r.ResourceTiers, &tiers); err != nil {
				return nil, apperrors.Wrapf(err, "decode resource_tiers for module %q", r.Name)
			}
		}

		var hints map[string]any
		if len(r.OptimizationHints) > 0 {
			if err := json.Unmarshal(r.OptimizationHints, &hints); err != nil {
				return nil, apperrors.Wrapf(err, "decode optimization_hints for module %q", r.Name)
			}
		}

		deps := make([]types.ModuleName, len(r.Dependencies))
		for i, d := range r.Dependencies {
			deps[i] = types.ModuleName(d)
		}

		out = append(out, types.ModuleProfile{
			Name:                    types.ModuleName(r.Name),
			ImageRef:                r.ImageRef,
			ContainerName:           r.ContainerName,
			Dependencies:            deps,
			ResourceTiers:           tiers,
			EstimatedSecondsPerUnit: r.EstimatedSecondsPerUnit,
			MaxBatchSize:            r.MaxBatchSize,
			OptimizationHints:       hints,
			Enabled:                 r.Enabled,
		})
	}
	return out, nil
}
