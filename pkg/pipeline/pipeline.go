// Package pipeline implements the Streaming Pipeline: for one (scan, asset)
// pair it resolves the requested module set into a producer/consumer launch
// plan, opens the Redis streams consumers read the producer's results
// through, launches one worker per module, and then runs the sequential
// job-status-driven monitoring loop that is the only authority on
// completion. Stream liveness and worker process liveness are both
// advisory signals surfaced to operators; neither one ever substitutes for
// a terminal row in the Job Store.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/internal/config"
	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/streambus"
	"github.com/cuemby/scanorc/pkg/types"
)

// Outcome is the terminal result of one asset's pipeline run, the unit the
// Scan Orchestrator aggregates across assets into the scan's own status.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeFailed         Outcome = "failed"
)

// Result is what Run returns: the asset's outcome plus the final state of
// every job it launched, for the orchestrator's read path and counters.
type Result struct {
	AssetID string
	Outcome Outcome
	Jobs    []types.ModuleJobRecord
}

// ModuleCatalog is the registry surface the pipeline needs: dependency
// edges for resolution and the profile to launch.
type ModuleCatalog interface {
	dependencySource
	Profile(name types.ModuleName) (types.ModuleProfile, error)
}

// JobStore is the Job Store surface the pipeline writes and polls through.
type JobStore interface {
	CreateJob(ctx context.Context, scanID, assetID string, module types.ModuleName, role types.ModuleRole) (*types.ModuleJobRecord, error)
	AttachTaskHandle(ctx context.Context, jobID, handle string) error
	MarkJobFailed(ctx context.Context, jobID, reason string) error
	MarkJobTimeout(ctx context.Context, jobID string) error
	GetJobStatuses(ctx context.Context, jobIDs []string) (map[string]types.JobStatusView, error)
}

// StreamBus is the Stream Bus surface the pipeline wires edges through.
type StreamBus interface {
	CreateStream(ctx context.Context, key, group string) error
	PendingCount(ctx context.Context, key, group string) (int64, error)
	CompletionMarkerPresent(ctx context.Context, key string) (bool, error)
	DeleteStream(ctx context.Context, key string) error
}

// Launcher is the Worker Launcher surface the pipeline starts and
// supervises workers through. Both launcher.Launcher and launcher.Fake
// satisfy this shape.
type Launcher interface {
	Launch(ctx context.Context, id string, profile types.ModuleProfile, batchSize int, env map[string]string, placement types.Placement, configMountPath string) (types.TaskHandle, error)
	Describe(ctx context.Context, handle types.TaskHandle) (types.TaskDescription, error)
	Stop(ctx context.Context, handle types.TaskHandle, grace time.Duration) error
}

// Pipeline wires the Module Registry, Job Store, Stream Bus, and Worker
// Launcher into one asset's run.
type Pipeline struct {
	Registry ModuleCatalog
	Jobs     JobStore
	Stream   StreamBus
	Launch   Launcher
	Config   config.PipelineConfig
}

// streamKeyFunc and groupNameFunc default to the streambus naming scheme
// so the keys and groups handed to workers are byte-identical to what the
// bus layer computes; they are vars only so tests can substitute
// deterministic naming.
var (
	streamKeyFunc = streambus.StreamKey
	groupNameFunc = streambus.ConsumerGroupName
	stopGrace     = 15 * time.Second
)

// Run executes one asset's pipeline to completion: resolve, launch, then
// monitor until every job reaches a terminal status, the hard timeout
// elapses, or the context is cancelled.
func (p *Pipeline) Run(ctx context.Context, scanID, assetID string, requested []types.ModuleName, batchSize int, placement types.Placement) (Result, error) {
	metrics.AssetsInFlight.Inc()
	defer metrics.AssetsInFlight.Dec()

	result := Result{AssetID: assetID}

	pl, err := resolve(requested, p.Registry)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}

	jobs, err := p.createJobs(ctx, scanID, assetID, pl)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}

	if err := p.openStreams(ctx, scanID, assetID, pl); err != nil {
		p.abortAll(ctx, jobs, "stream setup failed")
		result.Outcome = OutcomeFailed
		return result, err
	}

	if err := p.launchAll(ctx, scanID, assetID, pl, jobs, batchSize, placement); err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}

	statuses, err := p.monitor(ctx, scanID, assetID, pl, jobs)
	if err != nil {
		scanLogger := log.WithScan(scanID)
		scanLogger.Warn().Err(err).Str("asset_id", assetID).Msg("pipeline monitor loop ended with error")
		if ctx.Err() != nil {
			statuses = p.cancelAll(scanID, jobs, statuses)
		}
	}

	for _, job := range jobs {
		if st, ok := statuses[job.ID]; ok {
			job.Status = st.Status
			job.CompletedAt = st.CompletedAt
		}
		metrics.ModuleJobsTotal.WithLabelValues(string(job.Module), string(job.Status)).Inc()
		if job.CompletedAt != nil {
			metrics.ModuleJobDuration.WithLabelValues(string(job.Module)).Observe(job.CompletedAt.Sub(job.CreatedAt).Seconds())
		}
		result.Jobs = append(result.Jobs, *job)
	}
	result.Outcome = aggregate(statuses, jobs)

	cleanupCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cleanupCtx, cancel = context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
	}
	p.cleanupStreams(cleanupCtx, scanID, assetID, pl)
	return result, nil
}

// createJobs inserts one pending Module Job Record per module in the plan.
// Any failure (most commonly ErrDuplicateJob) aborts the whole asset:
// jobs already created in this call are marked failed so none are left
// dangling in pending.
func (p *Pipeline) createJobs(ctx context.Context, scanID, assetID string, pl *plan) (map[types.ModuleName]*types.ModuleJobRecord, error) {
	jobs := make(map[types.ModuleName]*types.ModuleJobRecord, len(pl.modules))
	for _, m := range pl.modules {
		role := types.RoleConsumer
		if m == pl.producer {
			role = types.RoleProducer
		}
		job, err := p.Jobs.CreateJob(ctx, scanID, assetID, m, role)
		if err != nil {
			p.abortAll(ctx, jobs, "sibling job creation failed")
			return nil, err
		}
		jobs[m] = job
	}
	return jobs, nil
}

// openStreams creates the producer stream and consumer group for every
// edge in the plan: one stream per module that has at least one dependent,
// one group per (producer, consumer) pair reading it.
func (p *Pipeline) openStreams(ctx context.Context, scanID, assetID string, pl *plan) error {
	for producer, consumers := range pl.dependents {
		key := streamKeyFunc(scanID, assetID, producer)
		for _, consumer := range consumers {
			group := groupNameFunc(producer, consumer)
			if err := p.Stream.CreateStream(ctx, key, group); err != nil {
				return err
			}
		}
	}
	return nil
}

// cleanupStreams deletes every stream the plan opened, once the asset's
// pipeline has reached a terminal outcome. Best-effort.
func (p *Pipeline) cleanupStreams(ctx context.Context, scanID, assetID string, pl *plan) {
	for producer := range pl.dependents {
		key := streamKeyFunc(scanID, assetID, producer)
		if err := p.Stream.DeleteStream(ctx, key); err != nil {
			scanLogger := log.WithScan(scanID)
			scanLogger.Warn().Err(err).Str("stream_key", key).Msg("failed to delete stream")
		}
	}
}

// launchAll starts the producer first, so consumers always find a stream
// to read, then every consumer in parallel. A launch failure at either
// stage stops and rolls back every sibling already started for this asset.
func (p *Pipeline) launchAll(ctx context.Context, scanID, assetID string, pl *plan, jobs map[types.ModuleName]*types.ModuleJobRecord, batchSize int, placement types.Placement) error {
	if err := p.launchOne(ctx, scanID, assetID, pl, jobs[pl.producer], batchSize, placement); err != nil {
		p.abortAll(ctx, jobs, "producer launch failed")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range pl.modules {
		if m == pl.producer {
			continue
		}
		m := m
		g.Go(func() error {
			return p.launchOne(gctx, scanID, assetID, pl, jobs[m], batchSize, placement)
		})
	}
	if err := g.Wait(); err != nil {
		for m, job := range jobs {
			if m == pl.producer {
				continue
			}
			if job.TaskHandle != nil {
				_ = p.Launch.Stop(ctx, types.TaskHandle(*job.TaskHandle), stopGrace)
			}
		}
		p.stopAndFail(ctx, jobs[pl.producer], "sibling launch failed, rolling back producer")
		for m, job := range jobs {
			if m == pl.producer {
				continue
			}
			if job.Status != types.JobFailed {
				_ = p.Jobs.MarkJobFailed(ctx, job.ID, "sibling launch failed")
			}
		}
		return err
	}
	return nil
}

// launchOne builds the module's environment (input/output stream edges)
// and launches its worker, attaching the resulting handle to the job row.
func (p *Pipeline) launchOne(ctx context.Context, scanID, assetID string, pl *plan, job *types.ModuleJobRecord, batchSize int, placement types.Placement) error {
	profile, err := p.Registry.Profile(job.Module)
	if err != nil {
		_ = p.Jobs.MarkJobFailed(ctx, job.ID, "unknown module profile")
		return err
	}

	env := map[string]string{
		"SCAN_ID":     scanID,
		"ASSET_ID":    assetID,
		"JOB_ID":      job.ID,
		"MODULE":      string(job.Module),
		"MODULE_ROLE": string(job.Role),
		"BATCH_SIZE":  fmt.Sprintf("%d", batchSize),
	}
	deps := pl.dependsOn[job.Module]
	for i, d := range deps {
		key := streamKeyFunc(scanID, assetID, d)
		group := groupNameFunc(d, job.Module)
		if i == 0 {
			env["INPUT_STREAM_KEY"] = key
			env["CONSUMER_GROUP"] = group
		}
		env[fmt.Sprintf("INPUT_STREAM_KEY_%d", i)] = key
		env[fmt.Sprintf("CONSUMER_GROUP_%d", i)] = group
	}
	if _, hasDependents := pl.dependents[job.Module]; hasDependents {
		env["OUTPUT_STREAM_KEY"] = streamKeyFunc(scanID, assetID, job.Module)
	}

	handle, err := p.launchWithRetry(ctx, job.ID, profile, batchSize, env, placement)
	if err != nil {
		_ = p.Jobs.MarkJobFailed(ctx, job.ID, "launch failed: "+err.Error())
		return apperrors.Wrap(err, "launch module")
	}
	h := string(handle)
	job.TaskHandle = &h
	if err := p.Jobs.AttachTaskHandle(ctx, job.ID, h); err != nil {
		scanLogger := log.WithScan(scanID)
		scanLogger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record task handle")
	}
	return nil
}

// launchWithRetry retries transient launcher failures with bounded
// exponential backoff. A rejection (quota, invalid input) or a missing
// image is permanent: retrying a quota rejection would only pile more
// launches onto an already-saturated scheduler.
func (p *Pipeline) launchWithRetry(ctx context.Context, jobID string, profile types.ModuleProfile, batchSize int, env map[string]string, placement types.Placement) (types.TaskHandle, error) {
	var handle types.TaskHandle
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(func() error {
		var launchErr error
		handle, launchErr = p.Launch.Launch(ctx, jobID, profile, batchSize, env, placement, "")
		if launchErr == nil {
			return nil
		}
		if apperrors.Is(launchErr, apperrors.ErrLaunchInfrastructure) {
			return launchErr
		}
		return backoff.Permanent(launchErr)
	}, b)
	return handle, err
}

// cancelAll handles an orchestrator-initiated cancel: stop every running
// worker, record failed with a cancelled message on any job not yet
// terminal, and re-read the final statuses. The incoming ctx is already
// cancelled, so the teardown runs on its own bounded context.
func (p *Pipeline) cancelAll(scanID string, jobs map[types.ModuleName]*types.ModuleJobRecord, statuses map[string]types.JobStatusView) map[string]types.JobStatusView {
	ctx, cancel := context.WithTimeout(context.Background(), 2*stopGrace)
	defer cancel()

	jobIDs := make([]string, 0, len(jobs))
	for _, job := range jobs {
		jobIDs = append(jobIDs, job.ID)
		if v, ok := statuses[job.ID]; ok && v.Status.Terminal() {
			continue
		}
		if job.TaskHandle != nil {
			_ = p.Launch.Stop(ctx, types.TaskHandle(*job.TaskHandle), stopGrace)
		}
		_ = p.Jobs.MarkJobFailed(ctx, job.ID, "cancelled")
	}
	scanLogger := log.WithScan(scanID)
	scanLogger.Info().Int("jobs", len(jobIDs)).Msg("pipeline cancelled")

	final, err := p.Jobs.GetJobStatuses(ctx, jobIDs)
	if err != nil {
		return statuses
	}
	return final
}

// abortAll marks every job in jobs that is not already terminal as failed,
// used when an asset's pipeline must be aborted before any worker ran.
func (p *Pipeline) abortAll(ctx context.Context, jobs map[types.ModuleName]*types.ModuleJobRecord, reason string) {
	for _, job := range jobs {
		if job == nil || job.Status.Terminal() {
			continue
		}
		_ = p.Jobs.MarkJobFailed(ctx, job.ID, reason)
	}
}

func (p *Pipeline) stopAndFail(ctx context.Context, job *types.ModuleJobRecord, reason string) {
	if job == nil {
		return
	}
	if job.TaskHandle != nil {
		_ = p.Launch.Stop(ctx, types.TaskHandle(*job.TaskHandle), stopGrace)
	}
	_ = p.Jobs.MarkJobFailed(ctx, job.ID, reason)
}

// aggregate computes the asset's terminal outcome from final job statuses:
// completed iff every job completed, failed iff every job reached a
// failure-class terminal status, partial_failure otherwise.
func aggregate(statuses map[string]types.JobStatusView, jobs map[types.ModuleName]*types.ModuleJobRecord) Outcome {
	completed, failedLike := 0, 0
	total := 0
	for _, job := range jobs {
		total++
		st := job.Status
		if v, ok := statuses[job.ID]; ok {
			st = v.Status
		}
		switch st {
		case types.JobCompleted:
			completed++
		case types.JobFailed, types.JobTimeout:
			failedLike++
		}
	}
	switch {
	case total == 0:
		return OutcomeFailed
	case completed == total:
		return OutcomeCompleted
	case failedLike == total:
		return OutcomeFailed
	default:
		return OutcomePartialFailure
	}
}
