package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanorc/internal/config"
	"github.com/cuemby/scanorc/pkg/jobstore"
	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/types"
)

type fakeCatalog struct {
	enabled  map[types.ModuleName]bool
	profiles map[types.ModuleName]types.ModuleProfile
}

func (f *fakeCatalog) IsEnabled(name types.ModuleName) bool { return f.enabled[name] }
func (f *fakeCatalog) Profile(name types.ModuleName) (types.ModuleProfile, error) {
	p, ok := f.profiles[name]
	if !ok {
		return types.ModuleProfile{}, fmt.Errorf("unknown module %q", name)
	}
	return p, nil
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		enabled: map[types.ModuleName]bool{"enumerator": true, "resolver": true},
		profiles: map[types.ModuleName]types.ModuleProfile{
			"enumerator": {Name: "enumerator", EstimatedSecondsPerUnit: 5},
			"resolver":   {Name: "resolver", EstimatedSecondsPerUnit: 10},
		},
	}
}

type fakeJobStore struct {
	mu    sync.Mutex
	scans map[string]*types.ScanRecord
	seq   int
	jobs  map[string][]types.ModuleJobRecord
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{scans: map[string]*types.ScanRecord{}, jobs: map[string][]types.ModuleJobRecord{}}
}

func (s *fakeJobStore) CreateScan(_ context.Context, ownerID string, assetsRequested int) (*types.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec := &types.ScanRecord{ID: fmt.Sprintf("scan-%d", s.seq), OwnerID: ownerID, Status: types.ScanPending, AssetsRequested: assetsRequested}
	s.scans[rec.ID] = rec
	return rec, nil
}

func (s *fakeJobStore) MarkScanRunning(_ context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.scans[scanID]; ok {
		r.Status = types.ScanRunning
	}
	return nil
}

func (s *fakeJobStore) UpdateScanCounters(_ context.Context, scanID string, completed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.scans[scanID]; ok {
		r.AssetsCompleted = completed
		r.AssetsFailed = failed
	}
	return nil
}

func (s *fakeJobStore) FinalizeScan(_ context.Context, scanID string, agg jobstore.ScanAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.scans[scanID]; ok {
		r.Status = agg.Status
		r.AssetsCompleted = agg.AssetsCompleted
		r.AssetsFailed = agg.AssetsFailed
	}
	return nil
}

func (s *fakeJobStore) GetScan(_ context.Context, scanID string) (*types.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *r
	return &cp, nil
}

func (s *fakeJobStore) ListJobs(_ context.Context, scanID string) ([]types.ModuleJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[scanID], nil
}

func (s *fakeJobStore) waitTerminal(t *testing.T, scanID string) types.ScanStatus {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		status := s.scans[scanID].Status
		s.mu.Unlock()
		if status.Terminal() {
			return status
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("scan never reached a terminal status")
	return ""
}

type fakePipeline struct {
	outcomeFor func(assetID string) pipeline.Outcome
}

func (f *fakePipeline) Run(_ context.Context, _, assetID string, _ []types.ModuleName, _ int, _ types.Placement) (pipeline.Result, error) {
	return pipeline.Result{AssetID: assetID, Outcome: f.outcomeFor(assetID)}, nil
}

func TestExecuteScan_AllAssetsCompleted(t *testing.T) {
	jobs := newFakeJobStore()
	o := &Orchestrator{
		Registry: newFakeCatalog(),
		Jobs:     jobs,
		Pipeline: &fakePipeline{outcomeFor: func(string) pipeline.Outcome { return pipeline.OutcomeCompleted }},
		Config:   config.OrchestratorConfig{MaxParallelAssetsPerScan: 2},
	}

	result, err := o.ExecuteScan(context.Background(), ExecuteScanRequest{
		OwnerID: "owner-1",
		Assets: []types.AssetRequest{
			{AssetID: "a1", Modules: []types.ModuleName{"enumerator"}},
			{AssetID: "a2", Modules: []types.ModuleName{"resolver"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 15, result.EstimatedSeconds)

	status := jobs.waitTerminal(t, result.Scan.ID)
	assert.Equal(t, types.ScanCompleted, status)
}

func TestExecuteScan_MixedOutcomesIsPartialFailure(t *testing.T) {
	jobs := newFakeJobStore()
	o := &Orchestrator{
		Registry: newFakeCatalog(),
		Jobs:     jobs,
		Pipeline: &fakePipeline{outcomeFor: func(assetID string) pipeline.Outcome {
			if assetID == "a1" {
				return pipeline.OutcomeCompleted
			}
			return pipeline.OutcomeFailed
		}},
		Config: config.OrchestratorConfig{MaxParallelAssetsPerScan: 2},
	}

	result, err := o.ExecuteScan(context.Background(), ExecuteScanRequest{
		OwnerID: "owner-1",
		Assets: []types.AssetRequest{
			{AssetID: "a1", Modules: []types.ModuleName{"enumerator"}},
			{AssetID: "a2", Modules: []types.ModuleName{"enumerator"}},
		},
	})
	require.NoError(t, err)

	status := jobs.waitTerminal(t, result.Scan.ID)
	assert.Equal(t, types.ScanPartialFailure, status)
}

func TestExecuteScan_AllFailedIsFailed(t *testing.T) {
	jobs := newFakeJobStore()
	o := &Orchestrator{
		Registry: newFakeCatalog(),
		Jobs:     jobs,
		Pipeline: &fakePipeline{outcomeFor: func(string) pipeline.Outcome { return pipeline.OutcomeFailed }},
		Config:   config.OrchestratorConfig{MaxParallelAssetsPerScan: 1},
	}

	result, err := o.ExecuteScan(context.Background(), ExecuteScanRequest{
		OwnerID: "owner-1",
		Assets:  []types.AssetRequest{{AssetID: "a1", Modules: []types.ModuleName{"enumerator"}}},
	})
	require.NoError(t, err)

	status := jobs.waitTerminal(t, result.Scan.ID)
	assert.Equal(t, types.ScanFailed, status)
}

func TestExecuteScan_NoAssetsRejected(t *testing.T) {
	o := &Orchestrator{Registry: newFakeCatalog(), Jobs: newFakeJobStore(), Pipeline: &fakePipeline{}}
	_, err := o.ExecuteScan(context.Background(), ExecuteScanRequest{OwnerID: "owner-1"})
	require.Error(t, err)
}

func TestGetScan_ReturnsScanAndJobs(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.scans["scan-1"] = &types.ScanRecord{ID: "scan-1", Status: types.ScanCompleted}
	jobs.jobs["scan-1"] = []types.ModuleJobRecord{{ID: "job-1", ScanID: "scan-1"}}

	o := &Orchestrator{Registry: newFakeCatalog(), Jobs: jobs, Pipeline: &fakePipeline{}}
	result, err := o.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Equal(t, types.ScanCompleted, result.Scan.Status)
	require.Len(t, result.PerAsset, 1)
	assert.Len(t, result.PerAsset[0].Jobs, 1)
}
