// Package registry implements the Module Registry: a process-wide,
// concurrency-safe in-memory catalog of Module Profiles loaded from a
// relational catalog table at startup and refreshable on demand.
//
// The registry is the single source of truth for module dependency order,
// container names, and resource tiers -- the class of bug this removes is
// one code path believing module X depends on Y while another does not.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/types"
)

// Catalog is the read side of the relational store the registry loads
// from. It is deliberately narrow -- module_profiles is the only table
// this package touches.
type Catalog interface {
	ListModuleProfiles(ctx context.Context) ([]types.ModuleProfile, error)
}

// sqlxCatalog is the production Catalog backed by the module_profiles
// table.
type sqlxCatalog struct {
	db *sqlx.DB
}

// NewSQLCatalog adapts a *sqlx.DB into a Catalog.
func NewSQLCatalog(db *sqlx.DB) Catalog {
	return &sqlxCatalog{db: db}
}

type moduleProfileRow struct {
	Name                    string         `db:"name"`
	ImageRef                string         `db:"image_ref"`
	ContainerName           string         `db:"container_name"`
	Dependencies            pq.StringArray `db:"dependencies"`
	ResourceTiers           []byte         `db:"resource_tiers"`
	EstimatedSecondsPerUnit int            `db:"estimated_seconds_per_unit"`
	MaxBatchSize            int            `db:"max_batch_size"`
	OptimizationHints       []byte         `db:"optimization_hints"`
	Enabled                 bool           `db:"enabled"`
}

func (c *sqlxCatalog) ListModuleProfiles(ctx context.Context) ([]types.ModuleProfile, error) {
	var rows []moduleProfileRow
	err := c.db.SelectContext(ctx, &rows, `
		SELECT name, image_ref, container_name, dependencies, resource_tiers,
		       estimated_seconds_per_unit, max_batch_size, optimization_hints, enabled
		FROM module_profiles`)
	if err != nil {
		return nil, apperrors.Wrap(err, "list module profiles")
	}
	return decodeRows(rows)
}

// snapshot is the immutable view readers see. A reload swaps the pointer
// atomically so concurrent readers never observe a partial snapshot.
type snapshot struct {
	byName  map[types.ModuleName]types.ModuleProfile
	enabled []types.ModuleName
}

// Registry is the process-wide Module Registry. Zero value is not usable;
// construct with New.
type Registry struct {
	catalog Catalog
	current atomic.Pointer[snapshot]
	mu      sync.Mutex // serializes reload() callers, not readers
}

// New constructs a Registry bound to catalog. Call Load before use.
func New(catalog Catalog) *Registry {
	return &Registry{catalog: catalog}
}

// Load populates the in-memory view from the catalog. It is fatal to
// process startup: the caller must abort initialization rather than serve
// traffic with a stale or empty view if Load fails.
func (r *Registry) Load(ctx context.Context) error {
	snap, err := r.buildSnapshot(ctx)
	if err != nil {
		return apperrors.Wrap(err, "registry: load_all")
	}
	r.current.Store(snap)
	componentLogger := log.WithComponent("registry")
	componentLogger.Info().Int("modules", len(snap.byName)).Msg("module registry loaded")
	return nil
}

// Reload re-reads the catalog atomically. On error the old snapshot
// remains active and the error is returned to the caller; Reload never
// leaves the registry without a usable snapshot.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.buildSnapshot(ctx)
	if err != nil {
		componentLogger := log.WithComponent("registry")
		componentLogger.Warn().Err(err).Msg("reload failed, keeping previous snapshot")
		return apperrors.Wrap(err, "registry: reload")
	}
	r.current.Store(snap)
	componentLogger := log.WithComponent("registry")
	componentLogger.Info().Int("modules", len(snap.byName)).Msg("module registry reloaded")
	return nil
}

func (r *Registry) buildSnapshot(ctx context.Context) (*snapshot, error) {
	profiles, err := r.catalog.ListModuleProfiles(ctx)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrConfigLoad, "%v", err)
	}

	byName := make(map[types.ModuleName]types.ModuleProfile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}

	if err := validateDAG(byName); err != nil {
		return nil, err
	}

	enabled := make([]types.ModuleName, 0, len(byName))
	for name, p := range byName {
		if p.Enabled {
			enabled = append(enabled, name)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i] < enabled[j] })

	return &snapshot{byName: byName, enabled: enabled}, nil
}

// validateDAG rejects a catalog load if an enabled module's dependency
// closure contains a cycle, or if a dependency references a profile that
// does not exist or is disabled. The process refuses to start rather than
// discover a bad graph mid-pipeline.
func validateDAG(byName map[types.ModuleName]types.ModuleProfile) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[types.ModuleName]int, len(byName))

	var visit func(types.ModuleName) error
	visit = func(name types.ModuleName) error {
		switch color[name] {
		case black:
			return nil
		case grey:
			return apperrors.Wrapf(apperrors.ErrDependencyCycle, "module %q", name)
		}
		p, ok := byName[name]
		if !ok || !p.Enabled {
			return nil
		}
		color[name] = grey
		for _, dep := range p.Dependencies {
			depProfile, ok := byName[dep]
			if !ok || !depProfile.Enabled {
				return apperrors.Wrapf(apperrors.ErrConfiguration,
					"module %q declares dependency %q which is missing or disabled", name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for name, p := range byName {
		if !p.Enabled {
			continue
		}
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) snap() *snapshot {
	s := r.current.Load()
	if s == nil {
		return &snapshot{byName: map[types.ModuleName]types.ModuleProfile{}}
	}
	return s
}

// Dependencies returns the declared dependency set for name.
func (r *Registry) Dependencies(name types.ModuleName) ([]types.ModuleName, error) {
	p, ok := r.snap().byName[name]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrUnknownModule, "%q", name)
	}
	return p.Dependencies, nil
}

// ContainerName returns the scheduler-facing container identifier for name.
func (r *Registry) ContainerName(name types.ModuleName) (string, error) {
	p, ok := r.snap().byName[name]
	if !ok {
		return "", apperrors.Wrapf(apperrors.ErrUnknownModule, "%q", name)
	}
	return p.ContainerName, nil
}

// Profile returns the full profile for name.
func (r *Registry) Profile(name types.ModuleName) (types.ModuleProfile, error) {
	p, ok := r.snap().byName[name]
	if !ok {
		return types.ModuleProfile{}, apperrors.Wrapf(apperrors.ErrUnknownModule, "%q", name)
	}
	return p, nil
}

// IsEnabled reports whether name is a known, enabled module.
func (r *Registry) IsEnabled(name types.ModuleName) bool {
	p, ok := r.snap().byName[name]
	return ok && p.Enabled
}

// AllEnabled returns a snapshot of enabled module names, sorted for
// deterministic iteration.
func (r *Registry) AllEnabled() []types.ModuleName {
	s := r.snap()
	out := make([]types.ModuleName, len(s.enabled))
	copy(out, s.enabled)
	return out
}
