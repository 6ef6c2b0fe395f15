// Package jobstore provides transactional write access to Scan Records and
// Module Job Records, plus the polling read surface the Streaming Pipeline
// uses to resolve authoritative job status. It is backed by Postgres
// through jmoiron/sqlx and the jackc/pgx/v5 stdlib driver: the store must
// support concurrent writers (the workers) that this process does not
// control, so row-level concurrency lives in the database, not here.
package jobstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/types"
)

// Store is the Job Store access layer.
type Store struct {
	db *sqlx.DB
}

// Config configures the backing connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres via the pgx stdlib driver and returns a Store.
func Open(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "connect job store: %v", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *sqlx.DB, used by tests against sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// retry wraps a transient Job Store operation in bounded exponential
// backoff. A semantic error (DuplicateJob, not-found) is permanent: fn
// must return it wrapped in backoff.Permanent so retry gives up at once.
func retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	b2 := backoff.WithContext(b, ctx)
	err := backoff.Retry(func() error {
		err := fn()
		if err != nil {
			metrics.JobStoreRetries.WithLabelValues(op).Inc()
		}
		return err
	}, b2)
	return err
}

// CreateScan inserts a pending Scan Record. correlation_id is a short
// stable prefix of the generated id.
func (s *Store) CreateScan(ctx context.Context, ownerID string, assetsRequested int) (*types.ScanRecord, error) {
	rec := &types.ScanRecord{
		ID:              uuid.New().String(),
		OwnerID:         ownerID,
		RequestedAt:     time.Now().UTC(),
		Status:          types.ScanPending,
		AssetsRequested: assetsRequested,
		ExecutionMode:   "streaming",
	}
	rec.CorrelationID = shortID(rec.ID)

	err := retry(ctx, "create_scan", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scans (id, owner_id, requested_at, status, assets_requested,
			                    assets_completed, assets_failed, execution_mode, correlation_id)
			VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7)`,
			rec.ID, rec.OwnerID, rec.RequestedAt, rec.Status, rec.AssetsRequested,
			rec.ExecutionMode, rec.CorrelationID)
		return err
	})
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "create_scan: %v", err)
	}
	return rec, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// MarkScanRunning transitions a scan from pending to running. This is the
// orchestrator's only pre-terminal write to the scan row.
func (s *Store) MarkScanRunning(ctx context.Context, scanID string) error {
	now := time.Now().UTC()
	return retry(ctx, "mark_scan_running", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scans SET status = $1, started_at = $2
			WHERE id = $3 AND status = $4`,
			types.ScanRunning, now, scanID, types.ScanPending)
		return err
	})
}

// ScanAggregate is what finalize_scan writes: the scan's terminal status
// and final per-asset counters.
type ScanAggregate struct {
	Status          types.ScanStatus
	AssetsCompleted int
	AssetsFailed    int
}

// FinalizeScan performs the scan's single write-once terminal transition.
func (s *Store) FinalizeScan(ctx context.Context, scanID string, agg ScanAggregate) error {
	if !agg.Status.Terminal() {
		return apperrors.Wrapf(apperrors.ErrConfiguration, "finalize_scan: %q is not a terminal status", agg.Status)
	}
	now := time.Now().UTC()
	return retry(ctx, "finalize_scan", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scans
			SET status = $1, completed_at = $2, assets_completed = $3, assets_failed = $4
			WHERE id = $5 AND completed_at IS NULL`,
			agg.Status, now, agg.AssetsCompleted, agg.AssetsFailed, scanID)
		return err
	})
}

// UpdateScanCounters updates the running assets_completed/assets_failed
// tally as asset pipelines finish, without touching status -- used by the
// orchestrator's incremental bookkeeping during background execution.
func (s *Store) UpdateScanCounters(ctx context.Context, scanID string, completed, failed int) error {
	return retry(ctx, "update_scan_counters", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scans SET assets_completed = $1, assets_failed = $2 WHERE id = $3`,
			completed, failed, scanID)
		return err
	})
}

// GetScan reads one Scan Record.
func (s *Store) GetScan(ctx context.Context, scanID string) (*types.ScanRecord, error) {
	var rec types.ScanRecord
	err := retry(ctx, "get_scan", func() error {
		err := s.db.GetContext(ctx, &rec, `SELECT * FROM scans WHERE id = $1`, scanID)
		if err == sql.ErrNoRows {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.Wrapf(apperrors.ErrValidation, "scan %q not found", scanID)
		}
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "get_scan: %v", err)
	}
	return &rec, nil
}

// CreateJob inserts a pending Module Job Record. It fails with
// apperrors.ErrDuplicateJob if a non-terminal row already exists for the
// same (scan_id, asset_id, module) tuple.
func (s *Store) CreateJob(ctx context.Context, scanID, assetID string, module types.ModuleName, role types.ModuleRole) (*types.ModuleJobRecord, error) {
	rec := &types.ModuleJobRecord{
		ID:        uuid.New().String(),
		ScanID:    scanID,
		AssetID:   assetID,
		Module:    module,
		Role:      role,
		Status:    types.JobPending,
		CreatedAt: time.Now().UTC(),
	}

	err := retry(ctx, "create_job", func() error {
		var existing int
		if countErr := s.db.GetContext(ctx, &existing, `
			SELECT count(*) FROM module_jobs
			WHERE scan_id = $1 AND asset_id = $2 AND module = $3
			  AND status NOT IN ($4, $5, $6)`,
			scanID, assetID, module, types.JobCompleted, types.JobFailed, types.JobTimeout); countErr != nil {
			return countErr
		}
		if existing > 0 {
			return backoff.Permanent(apperrors.Wrapf(apperrors.ErrDuplicateJob,
				"job already exists for scan=%s asset=%s module=%s", scanID, assetID, module))
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO module_jobs (id, scan_id, asset_id, module, role, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, rec.ScanID, rec.AssetID, rec.Module, rec.Role, rec.Status, rec.CreatedAt)
		return err
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDuplicateJob) {
			return nil, err
		}
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "create_job: %v", err)
	}
	return rec, nil
}

// AttachTaskHandle records the launcher's opaque handle on a job row once
// known. Apart from the failed/timeout writes of MarkJobFailed and
// MarkJobTimeout, this is the only field the pipeline writes after
// creation.
func (s *Store) AttachTaskHandle(ctx context.Context, jobID, handle string) error {
	return retry(ctx, "attach_task_handle", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE module_jobs SET task_handle = $1 WHERE id = $2`, handle, jobID)
		return err
	})
}

// MarkJobFailed is used by the pipeline when a launch fails or is rolled
// back, when a worker does not leave pending within the startup budget,
// and on cancellation. A row that is already terminal is left untouched.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, reason string) error {
	now := time.Now().UTC()
	return retry(ctx, "mark_job_failed", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE module_jobs SET status = $1, completed_at = $2, error_message = $3
			WHERE id = $4 AND status NOT IN ($5, $6, $7)`,
			types.JobFailed, now, reason, jobID, types.JobCompleted, types.JobFailed, types.JobTimeout)
		return err
	})
}

// MarkJobTimeout is used by the pipeline's monitoring loop when the hard
// timeout elapses and the job has still not reached a terminal status.
func (s *Store) MarkJobTimeout(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	return retry(ctx, "mark_job_timeout", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE module_jobs SET status = $1, completed_at = $2
			WHERE id = $3 AND status NOT IN ($4, $5, $6)`,
			types.JobTimeout, now, jobID, types.JobCompleted, types.JobFailed, types.JobTimeout)
		return err
	})
}

// ListJobs returns every Module Job Record owned by a scan.
func (s *Store) ListJobs(ctx context.Context, scanID string) ([]types.ModuleJobRecord, error) {
	var rows []types.ModuleJobRecord
	err := retry(ctx, "list_jobs", func() error {
		return s.db.SelectContext(ctx, &rows, `SELECT * FROM module_jobs WHERE scan_id = $1 ORDER BY created_at`, scanID)
	})
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "list_jobs: %v", err)
	}
	return rows, nil
}

// ListJobsForAsset returns the jobs for one (scan, asset) pair.
func (s *Store) ListJobsForAsset(ctx context.Context, scanID, assetID string) ([]types.ModuleJobRecord, error) {
	var rows []types.ModuleJobRecord
	err := retry(ctx, "list_jobs_for_asset", func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM module_jobs WHERE scan_id = $1 AND asset_id = $2 ORDER BY created_at`,
			scanID, assetID)
	})
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "list_jobs_for_asset: %v", err)
	}
	return rows, nil
}

// SweepOrphanedJobs marks every job still pending or running after
// olderThan as failed. It exists for the case the in-memory monitoring
// loop can't cover by itself: the control-plane process that owned a
// pipeline's monitor crashed or was redeployed, leaving jobs with no
// process left polling them. It is driven by the serve command's periodic
// sweep (gated by pkg/coordination's leader election when coordination is
// enabled), not by any in-flight pipeline run.
func (s *Store) SweepOrphanedJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var result sql.Result
	err := retry(ctx, "sweep_orphaned_jobs", func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, `
			UPDATE module_jobs SET status = $1, completed_at = $2, error_message = $3
			WHERE status IN ($4, $5) AND created_at < $6`,
			types.JobFailed, time.Now().UTC(), "orphaned: no monitoring process observed this job before the sweep threshold",
			types.JobPending, types.JobRunning, cutoff)
		return execErr
	})
	if err != nil {
		return 0, apperrors.Wrapf(apperrors.ErrInfrastructure, "sweep_orphaned_jobs: %v", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// GetJobStatuses is the pipeline's hot-path poll: module, status, and
// completion time for a batch of job ids, in one WHERE id IN (...) query.
func (s *Store) GetJobStatuses(ctx context.Context, jobIDs []string) (map[string]types.JobStatusView, error) {
	if len(jobIDs) == 0 {
		return map[string]types.JobStatusView{}, nil
	}

	query, args, err := sqlx.In(`SELECT id, module, status, completed_at FROM module_jobs WHERE id IN (?)`, jobIDs)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "get_job_statuses: %v", err)
	}
	query = s.db.Rebind(query)

	type row struct {
		ID          string           `db:"id"`
		Module      types.ModuleName `db:"module"`
		Status      types.JobStatus  `db:"status"`
		CompletedAt *time.Time       `db:"completed_at"`
	}
	var rows []row

	err = retry(ctx, "get_job_statuses", func() error {
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "get_job_statuses: %v", err)
	}

	out := make(map[string]types.JobStatusView, len(rows))
	for _, r := range rows {
		out[r.ID] = types.JobStatusView{Module: r.Module, Status: r.Status, CompletedAt: r.CompletedAt}
	}
	return out, nil
}
