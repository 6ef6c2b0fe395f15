// Package orchestrator implements the Scan Orchestrator: the entry point
// that validates an execute_scan request, opens its Scan Record, and fans
// out one Streaming Pipeline run per asset bounded by a per-scan
// concurrency limit, aggregating per-asset outcomes into the scan's own
// terminal status once every asset pipeline has finished. execute_scan
// itself never blocks on any of that: it returns as soon as the Scan
// Record exists, and the fan-out runs in the background, observable only
// by polling get_scan.
package orchestrator

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/internal/config"
	"github.com/cuemby/scanorc/pkg/jobstore"
	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/types"
	"github.com/cuemby/scanorc/pkg/validation"
)

// ModuleCatalog is the registry surface the orchestrator needs for request
// validation and the rough cost estimate returned alongside a new scan.
type ModuleCatalog interface {
	validation.ModuleEnabler
	Profile(name types.ModuleName) (types.ModuleProfile, error)
}

// JobStore is the Job Store surface the orchestrator drives the scan row
// lifecycle through.
type JobStore interface {
	CreateScan(ctx context.Context, ownerID string, assetsRequested int) (*types.ScanRecord, error)
	MarkScanRunning(ctx context.Context, scanID string) error
	UpdateScanCounters(ctx context.Context, scanID string, completed, failed int) error
	FinalizeScan(ctx context.Context, scanID string, agg jobstore.ScanAggregate) error
	GetScan(ctx context.Context, scanID string) (*types.ScanRecord, error)
	ListJobs(ctx context.Context, scanID string) ([]types.ModuleJobRecord, error)
}

// PipelineRunner is the Streaming Pipeline surface the orchestrator fans
// out one asset at a time through. *pipeline.Pipeline satisfies this.
type PipelineRunner interface {
	Run(ctx context.Context, scanID, assetID string, requested []types.ModuleName, batchSize int, placement types.Placement) (pipeline.Result, error)
}

// defaultBatchSize is used until per-asset batch sizing (driven by a prior
// enumeration pass) is wired; every module's resource tier still resolves
// correctly against it via ResourceTierFor's threshold lookup.
const defaultBatchSize = 1

// Orchestrator is the Scan Orchestrator.
type Orchestrator struct {
	Registry ModuleCatalog
	Jobs     JobStore
	Pipeline PipelineRunner
	Config   config.OrchestratorConfig
}

// ExecuteScanRequest is the parsed, already-validated execute_scan input:
// owner plus the asset specs the request resolved to.
type ExecuteScanRequest struct {
	OwnerID string
	Assets  []types.AssetRequest
}

// ExecuteScanResult is what execute_scan hands back immediately: the new
// Scan Record plus a rough cost estimate, before any asset pipeline has
// necessarily started.
type ExecuteScanResult struct {
	Scan             *types.ScanRecord
	EstimatedSeconds int
}

// ValidateAndExecute runs pkg/validation's request checks against the
// Module Registry before handing the request to ExecuteScan, so an
// unknown or disabled module name is rejected before any Scan Record is
// created.
func (o *Orchestrator) ValidateAndExecute(ctx context.Context, req validation.Request) (*ExecuteScanResult, error) {
	if err := validation.Validate(req, o.Registry); err != nil {
		return nil, err
	}
	return o.ExecuteScan(ctx, ExecuteScanRequest{OwnerID: req.OwnerID, Assets: validation.ToAssetSpecs(req)})
}

// ExecuteScan rejects a request with no assets, opens a Scan Record, and
// launches the per-asset fan-out in the background. It does not check
// module names against the Module Registry (ValidateAndExecute does), and
// it does not wait for any asset pipeline to finish.
func (o *Orchestrator) ExecuteScan(ctx context.Context, req ExecuteScanRequest) (*ExecuteScanResult, error) {
	if len(req.Assets) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrEmptyModuleSet, "execute_scan: no assets requested")
	}

	scan, err := o.Jobs.CreateScan(ctx, req.OwnerID, len(req.Assets))
	if err != nil {
		return nil, err
	}

	estimate := o.estimateSeconds(req.Assets)

	go o.runScan(context.Background(), scan.ID, req.Assets)

	return &ExecuteScanResult{Scan: scan, EstimatedSeconds: estimate}, nil
}

// runScan is the background fan-out: it marks the scan running, launches
// one pipeline per asset bounded by MaxParallelAssetsPerScan, and
// finalizes the scan once every asset pipeline has reached an outcome.
func (o *Orchestrator) runScan(ctx context.Context, scanID string, assets []types.AssetRequest) {
	scanLogger := log.WithScan(scanID)
	if err := o.Jobs.MarkScanRunning(ctx, scanID); err != nil {
		scanLogger.Warn().Err(err).Msg("failed to mark scan running")
	}

	maxParallel := o.Config.MaxParallelAssetsPerScan
	if maxParallel <= 0 {
		maxParallel = 1
	}
	sem := semaphore.NewWeighted(int64(maxParallel))

	timer := metrics.NewTimer()

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		completed  int
		failed     int
		anyPartial bool
	)

	for _, asset := range assets {
		asset := asset
		if err := sem.Acquire(ctx, 1); err != nil {
			scanLogger.Warn().Err(err).Str("asset_id", asset.AssetID).Msg("asset pipeline not started")
			mu.Lock()
			failed++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			result, err := o.Pipeline.Run(ctx, scanID, asset.AssetID, asset.Modules, defaultBatchSize, types.Placement{})
			if err != nil {
				scanLogger.Warn().Err(err).Str("asset_id", asset.AssetID).Msg("asset pipeline returned an error")
			}

			// The counter write happens under mu so concurrent asset
			// completions serialize their UPDATEs in increment order: a
			// poller must never observe assets_completed decrease.
			mu.Lock()
			switch result.Outcome {
			case pipeline.OutcomeCompleted:
				completed++
			case pipeline.OutcomePartialFailure:
				completed++
				anyPartial = true
			default:
				failed++
			}
			if err := o.Jobs.UpdateScanCounters(ctx, scanID, completed, failed); err != nil {
				scanLogger.Warn().Err(err).Msg("failed to update scan counters")
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := finalStatus(completed, failed, len(assets), anyPartial)
	metrics.ScansTotal.WithLabelValues(string(status)).Inc()
	timer.ObserveDuration(metrics.ScanDuration)

	if err := o.Jobs.FinalizeScan(ctx, scanID, jobstore.ScanAggregate{
		Status:          status,
		AssetsCompleted: completed,
		AssetsFailed:    failed,
	}); err != nil {
		scanLogger.Warn().Err(err).Msg("failed to finalize scan")
	}
}

// finalStatus implements the strictest multi-asset aggregation rule:
// completed only if every asset's pipeline completed cleanly, failed only
// if every asset's pipeline failed, partial_failure otherwise.
func finalStatus(completed, failed, total int, anyPartial bool) types.ScanStatus {
	switch {
	case total == 0:
		return types.ScanFailed
	case failed == total:
		return types.ScanFailed
	case completed == total && !anyPartial:
		return types.ScanCompleted
	default:
		return types.ScanPartialFailure
	}
}

// estimateSeconds sums estimated_seconds_per_unit times batch size across
// every requested module on every asset. Advisory only, never persisted.
func (o *Orchestrator) estimateSeconds(assets []types.AssetRequest) int {
	total := 0
	for _, asset := range assets {
		for _, module := range asset.Modules {
			profile, err := o.Registry.Profile(module)
			if err != nil {
				continue
			}
			total += profile.EstimatedSecondsPerUnit * defaultBatchSize
		}
	}
	return total
}

// AssetJobs groups a scan's child Module Job Records under their asset.
type AssetJobs struct {
	AssetID string                  `json:"asset_id"`
	Jobs    []types.ModuleJobRecord `json:"per_module"`
}

// GetScanResult is get_scan's response: the Scan Record plus every child
// Module Job Record, grouped per asset.
type GetScanResult struct {
	Scan     *types.ScanRecord `json:"scan"`
	PerAsset []AssetJobs       `json:"per_asset"`
}

// GetScan reads a Scan Record and its child Module Job Records. Read-only
// and safe to poll while the scan runs; the scan row and the job rows are
// read in two separate queries, not in one transaction.
func (o *Orchestrator) GetScan(ctx context.Context, scanID string) (*GetScanResult, error) {
	scan, err := o.Jobs.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	jobs, err := o.Jobs.ListJobs(ctx, scanID)
	if err != nil {
		return nil, err
	}

	byAsset := make(map[string][]types.ModuleJobRecord)
	for _, job := range jobs {
		byAsset[job.AssetID] = append(byAsset[job.AssetID], job)
	}
	perAsset := make([]AssetJobs, 0, len(byAsset))
	for assetID, assetJobs := range byAsset {
		perAsset = append(perAsset, AssetJobs{AssetID: assetID, Jobs: assetJobs})
	}
	sort.Slice(perAsset, func(i, j int) bool { return perAsset[i].AssetID < perAsset[j].AssetID })

	return &GetScanResult{Scan: scan, PerAsset: perAsset}, nil
}
