package pipeline

import (
	"context"
	"time"

	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/types"
)

// monitor runs the sequential job-status-driven loop that is the
// pipeline's only source of truth for completion. Three signals are in
// play and only one of them decides anything:
//
//   - job status, polled from the Job Store every PollInterval -- authoritative.
//   - worker liveness, probed through the launcher every HealthInterval --
//     advisory; a worker that exited without writing a terminal status is
//     logged and counted, never fast-pathed into a decision.
//   - stream progress (pending counts, completion marker) -- advisory;
//     surfaced in progress logs and gauges only.
//
// It returns once every job has reached a terminal status, the hard
// Timeout budget elapses (force-timing-out whatever is left), or ctx is
// cancelled.
func (p *Pipeline) monitor(ctx context.Context, scanID, assetID string, pl *plan, jobs map[types.ModuleName]*types.ModuleJobRecord) (map[string]types.JobStatusView, error) {
	pollInterval := p.Config.PollInterval
	healthInterval := p.Config.HealthInterval
	startupBudget := p.Config.StartupBudget
	timeout := p.Config.Timeout
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	if startupBudget <= 0 {
		startupBudget = 120 * time.Second
	}
	if timeout <= 0 {
		timeout = time.Hour
	}

	jobIDs := make([]string, 0, len(jobs))
	launchedAt := make(map[string]time.Time, len(jobs))
	seenRunning := make(map[string]bool, len(jobs))
	now := time.Now()
	for _, job := range jobs {
		jobIDs = append(jobIDs, job.ID)
		launchedAt[job.ID] = now
	}

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	healthTicker := time.NewTicker(healthInterval)
	defer healthTicker.Stop()

	deadline := time.Now().Add(timeout)
	polls := 0
	defer func() { metrics.PipelinePolls.Observe(float64(polls)) }()

	var latest map[string]types.JobStatusView

	for {
		latest, _ = p.Jobs.GetJobStatuses(ctx, jobIDs)
		polls++
		if allTerminal(jobIDs, latest) {
			return latest, nil
		}
		p.checkStartupBudget(ctx, jobs, latest, launchedAt, startupBudget)
		p.emitProgress(ctx, scanID, assetID, pl, jobIDs, latest, polls)

		select {
		case <-ctx.Done():
			return latest, ctx.Err()
		case now := <-pollTicker.C:
			if now.After(deadline) {
				p.forceTimeout(ctx, jobs, latest)
				latest, _ = p.Jobs.GetJobStatuses(ctx, jobIDs)
				return latest, nil
			}
		case <-healthTicker.C:
			p.checkHealth(ctx, jobs, latest, seenRunning)
		}
	}
}

func allTerminal(jobIDs []string, statuses map[string]types.JobStatusView) bool {
	if len(statuses) < len(jobIDs) {
		return false
	}
	for _, id := range jobIDs {
		v, ok := statuses[id]
		if !ok || !v.Status.Terminal() {
			return false
		}
	}
	return true
}

// emitProgress logs the asset's current terminal/total count plus the
// advisory stream signals: whether each producing module has written its
// end-of-stream marker yet, and how many entries each consumer group has
// delivered-but-unacknowledged. A bus error degrades the stream fields to
// "unknown" and the loop keeps polling the Job Store.
func (p *Pipeline) emitProgress(ctx context.Context, scanID, assetID string, pl *plan, jobIDs []string, statuses map[string]types.JobStatusView, polls int) {
	terminal := 0
	for _, id := range jobIDs {
		if v, ok := statuses[id]; ok && v.Status.Terminal() {
			terminal++
		}
	}

	scanLogger := log.WithScan(scanID)
	ev := scanLogger.Info().
		Str("asset_id", assetID).
		Int("jobs_terminal", terminal).
		Int("jobs_total", len(jobIDs)).
		Int("polls", polls)

	for producer, consumers := range pl.dependents {
		key := streamKeyFunc(scanID, assetID, producer)
		if done, err := p.Stream.CompletionMarkerPresent(ctx, key); err != nil {
			ev = ev.Str("stream_"+string(producer)+"_complete", "unknown")
		} else {
			ev = ev.Bool("stream_"+string(producer)+"_complete", done)
		}
		for _, consumer := range consumers {
			group := groupNameFunc(producer, consumer)
			pending, err := p.Stream.PendingCount(ctx, key, group)
			if err != nil {
				ev = ev.Str("pending_"+string(consumer), "unknown")
				continue
			}
			metrics.StreamPendingCount.WithLabelValues(string(consumer)).Set(float64(pending))
			ev = ev.Int64("pending_"+string(consumer), pending)
		}
	}
	ev.Msg("pipeline progress")
}

// checkStartupBudget marks a job failed if its worker has not moved past
// pending within startupBudget of launch -- the worker either never
// started or died before writing any status at all.
func (p *Pipeline) checkStartupBudget(ctx context.Context, jobs map[types.ModuleName]*types.ModuleJobRecord, statuses map[string]types.JobStatusView, launchedAt map[string]time.Time, startupBudget time.Duration) {
	for _, job := range jobs {
		v, ok := statuses[job.ID]
		if ok && v.Status != types.JobPending {
			continue
		}
		started, ok := launchedAt[job.ID]
		if !ok || time.Since(started) < startupBudget {
			continue
		}
		jobLogger := log.WithJob(job.ID)
		jobLogger.Warn().Str("module", string(job.Module)).Msg("worker did not leave pending within startup budget")
		_ = p.Jobs.MarkJobFailed(ctx, job.ID, "worker did not report running status within startup budget")
		if job.TaskHandle != nil {
			_ = p.Launch.Stop(ctx, types.TaskHandle(*job.TaskHandle), stopGrace)
		}
	}
}

// checkHealth probes the launcher for every still-non-terminal job. A
// worker the launcher reports as stopped while the job store still shows
// a non-terminal status is surfaced as a health note: logged and counted,
// but the loop still waits for the job store's own write (or the hard
// timeout) before treating the job as done.
func (p *Pipeline) checkHealth(ctx context.Context, jobs map[types.ModuleName]*types.ModuleJobRecord, statuses map[string]types.JobStatusView, seenRunning map[string]bool) {
	for _, job := range jobs {
		v, ok := statuses[job.ID]
		if ok && v.Status.Terminal() {
			continue
		}
		if job.TaskHandle == nil {
			continue
		}
		desc, err := p.Launch.Describe(ctx, types.TaskHandle(*job.TaskHandle))
		if err != nil {
			continue
		}
		if desc.Lifecycle == types.TaskRunning {
			seenRunning[job.ID] = true
			continue
		}
		if desc.Lifecycle == types.TaskStopped {
			metrics.WorkerExitedWithoutTerminal.WithLabelValues(string(job.Module)).Inc()
			jobLogger := log.WithJob(job.ID)
			jobLogger.Warn().
				Str("module", string(job.Module)).
				Str("stopped_reason", desc.StoppedReason).
				Msg("worker exited without writing a terminal job status")
		}
	}
}

// forceTimeout marks every still-non-terminal job as timed out and stops
// its worker once the hard timeout budget has elapsed.
func (p *Pipeline) forceTimeout(ctx context.Context, jobs map[types.ModuleName]*types.ModuleJobRecord, statuses map[string]types.JobStatusView) {
	for _, job := range jobs {
		v, ok := statuses[job.ID]
		if ok && v.Status.Terminal() {
			continue
		}
		_ = p.Jobs.MarkJobTimeout(ctx, job.ID)
		if job.TaskHandle != nil {
			_ = p.Launch.Stop(ctx, types.TaskHandle(*job.TaskHandle), stopGrace)
		}
	}
}
