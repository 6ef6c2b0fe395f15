// Package types holds the plain data structures shared across the scan
// orchestration engine: module catalog entries, scan records, and module
// job records. None of these types carry behavior; lookups and mutation
// live in pkg/registry, pkg/jobstore, and pkg/pipeline.
package types

import "time"

// ModuleName identifies a scanner capability, e.g. "enumerator", "resolver".
type ModuleName string

// ModuleRole distinguishes the single upstream discovery module in a
// pipeline from the modules that consume its output stream.
type ModuleRole string

const (
	RoleProducer ModuleRole = "producer"
	RoleConsumer ModuleRole = "consumer"
)

// JobStatus is the lifecycle of one Module Job Record. A worker writes its
// terminal status (Completed, Failed, Timeout) on exit; the pipeline writes
// Failed or Timeout only for a job whose worker has not.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
)

// Terminal reports whether s is one of the statuses a worker writes on exit.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout:
		return true
	default:
		return false
	}
}

// ScanStatus is the lifecycle of one Scan Record. pending -> running ->
// terminal, each transition exactly once; terminal statuses are write-once.
type ScanStatus string

const (
	ScanPending        ScanStatus = "pending"
	ScanRunning        ScanStatus = "running"
	ScanCompleted      ScanStatus = "completed"
	ScanPartialFailure ScanStatus = "partial_failure"
	ScanFailed         ScanStatus = "failed"
	ScanCancelled      ScanStatus = "cancelled"
)

// Terminal reports whether s is a final scan status.
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanCompleted, ScanPartialFailure, ScanFailed, ScanCancelled:
		return true
	default:
		return false
	}
}

// ResourceTier is one entry of a module profile's ordered resource ladder.
// The launcher picks the smallest tier whose Threshold is >= the batch size
// being processed; ties and overflow use the largest tier.
type ResourceTier struct {
	Threshold int `json:"threshold" yaml:"threshold" db:"threshold"`
	CPUUnits  int `json:"cpu_units" yaml:"cpu_units" db:"cpu_units"`
	MemoryMiB int `json:"memory_mib" yaml:"memory_mib" db:"memory_mib"`
}

// ModuleProfile is the Module Registry's catalog entry for one scanner
// capability: its container image, declared dependencies, and launch
// tuning. Mutated only via administrative migration; read-only to every
// other component.
type ModuleProfile struct {
	Name                    ModuleName     `json:"name" yaml:"name" db:"name"`
	ImageRef                string         `json:"image_ref" yaml:"image_ref" db:"image_ref"`
	ContainerName           string         `json:"container_name" yaml:"container_name" db:"container_name"`
	Dependencies            []ModuleName   `json:"dependencies" yaml:"dependencies" db:"dependencies"`
	ResourceTiers           []ResourceTier `json:"resource_tiers" yaml:"resource_tiers" db:"resource_tiers"`
	EstimatedSecondsPerUnit int            `json:"estimated_seconds_per_unit" yaml:"estimated_seconds_per_unit" db:"estimated_seconds_per_unit"`
	MaxBatchSize            int            `json:"max_batch_size" yaml:"max_batch_size" db:"max_batch_size"`
	OptimizationHints       map[string]any `json:"optimization_hints,omitempty" yaml:"optimization_hints,omitempty" db:"optimization_hints"`
	Enabled                 bool           `json:"enabled" yaml:"enabled" db:"enabled"`
}

// DependencySet returns p.Dependencies as a set for membership checks.
func (p ModuleProfile) DependencySet() map[ModuleName]struct{} {
	set := make(map[ModuleName]struct{}, len(p.Dependencies))
	for _, d := range p.Dependencies {
		set[d] = struct{}{}
	}
	return set
}

// ResourceTierFor picks the smallest tier whose Threshold is >= batch. Ties
// and overflow beyond the largest tier fall back to the largest tier.
func (p ModuleProfile) ResourceTierFor(batch int) (ResourceTier, bool) {
	if len(p.ResourceTiers) == 0 {
		return ResourceTier{}, false
	}
	largest := p.ResourceTiers[0]
	var best *ResourceTier
	for i, tier := range p.ResourceTiers {
		if tier.Threshold > largest.Threshold {
			largest = tier
		}
		if tier.Threshold >= batch && (best == nil || tier.Threshold < best.Threshold) {
			best = &p.ResourceTiers[i]
		}
	}
	if best == nil {
		return largest, true
	}
	return *best, true
}

// ScanRecord is the per-request parent row owned exclusively by the Scan
// Orchestrator. Terminal statuses are write-once.
type ScanRecord struct {
	ID              string     `json:"id" db:"id"`
	OwnerID         string     `json:"owner_id" db:"owner_id"`
	RequestedAt     time.Time  `json:"requested_at" db:"requested_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Status          ScanStatus `json:"status" db:"status"`
	AssetsRequested int        `json:"assets_requested" db:"assets_requested"`
	AssetsCompleted int        `json:"assets_completed" db:"assets_completed"`
	AssetsFailed    int        `json:"assets_failed" db:"assets_failed"`
	ExecutionMode   string     `json:"execution_mode" db:"execution_mode"`
	CorrelationID   string     `json:"correlation_id" db:"correlation_id"`
}

// ModuleJobRecord is one (scan, asset, module) execution. Created by the
// pipeline in Pending status; the owning worker transitions it to a
// terminal status, except where the pipeline marks it failed or timed out.
type ModuleJobRecord struct {
	ID           string     `json:"id" db:"id"`
	ScanID       string     `json:"scan_id" db:"scan_id"`
	AssetID      string     `json:"asset_id" db:"asset_id"`
	Module       ModuleName `json:"module" db:"module"`
	Role         ModuleRole `json:"role" db:"role"`
	Status       JobStatus  `json:"status" db:"status"`
	TaskHandle   *string    `json:"task_handle,omitempty" db:"task_handle"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ResultCount  *int       `json:"result_count,omitempty" db:"result_count"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
}

// JobStatusView is the shape get_job_statuses returns for the pipeline's
// polling hot path: module, status, and completion time only.
type JobStatusView struct {
	Module      ModuleName
	Status      JobStatus
	CompletedAt *time.Time
}

// AssetRequest is one entry of a multi-asset execute_scan request.
type AssetRequest struct {
	AssetID string
	Modules []ModuleName
	Options AssetOptions
}

// AssetOptions carries per-asset scan options from the request.
type AssetOptions struct {
	ActiveDomainsOnly bool
}

// Placement carries the network placement a worker launches into.
type Placement struct {
	SecurityGroupIDs []string
	SubnetIDs        []string
}

// TaskHandle is the opaque identifier the Worker Launcher hands back for a
// launched container. The core never interprets its contents.
type TaskHandle string

// TaskLifecycle is the coarse liveness describe() reports. Never
// authoritative for business completion -- used only for health detection
// and retry decisions.
type TaskLifecycle string

const (
	TaskPending TaskLifecycle = "pending"
	TaskRunning TaskLifecycle = "running"
	TaskStopped TaskLifecycle = "stopped"
)

// TaskDescription is the result of describe(handle).
type TaskDescription struct {
	Lifecycle     TaskLifecycle
	ExitCode      *int
	StoppedReason string
}
