package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/internal/config"
	"github.com/cuemby/scanorc/pkg/coordination"
	"github.com/cuemby/scanorc/pkg/jobstore"
	"github.com/cuemby/scanorc/pkg/launcher"
	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/orchestrator"
	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/streambus"
	"github.com/cuemby/scanorc/pkg/validation"
)

// orphanSweepInterval is how often the leader sweeps jobs stuck in
// pending/running past a worker's startup+hard-timeout budget, catching
// the case where a worker container never wrote a terminal status and the
// owning pipeline process itself died before converting it to timeout.
const orphanSweepInterval = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan orchestrator process",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return apperrors.Wrap(err, "load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs, err := jobstore.Open(jobstore.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return apperrors.Wrap(err, "open job store")
	}
	defer jobs.Close()

	catalogDB, err := sqlx.Connect("pgx", cfg.Database.DSN)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "connect module catalog: %v", err)
	}
	defer catalogDB.Close()

	reg := registry.New(registry.NewSQLCatalog(catalogDB))
	if err := reg.Load(ctx); err != nil {
		return apperrors.Wrap(err, "module registry load_all")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Stream.Addr,
		Password: cfg.Stream.Password,
		DB:       cfg.Stream.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "connect stream bus: %v", err)
	}
	bus := streambus.NewWithClient(redisClient)
	defer bus.Close()

	launch, err := launcher.New(launcher.Config{
		ContainerdSocket: cfg.Launcher.ContainerdSocket,
		Namespace:        cfg.Launcher.Namespace,
		SecurityGroupIDs: cfg.Launcher.SecurityGroupIDs,
		SubnetIDs:        cfg.Launcher.SubnetIDs,
		WorkerEnv: map[string]string{
			"SCANORC_DATABASE_DSN": cfg.Database.DSN,
			"SCANORC_STREAM_ADDR":  cfg.Stream.Addr,
		},
	})
	if err != nil {
		return apperrors.Wrap(err, "open worker launcher")
	}

	pl := &pipeline.Pipeline{
		Registry: reg,
		Jobs:     jobs,
		Stream:   bus,
		Launch:   launch,
		Config:   cfg.Pipeline,
	}

	orch := &orchestrator.Orchestrator{
		Registry: reg,
		Jobs:     jobs,
		Pipeline: pl,
		Config:   cfg.Orchestrator,
	}

	var coord *coordination.Coordinator
	if cfg.Coordination.Enabled {
		peers := make([]coordination.Peer, len(cfg.Coordination.Peers))
		for i, p := range cfg.Coordination.Peers {
			peers[i] = coordination.Peer{NodeID: p, Addr: p}
		}
		coord, err = coordination.New(coordination.Config{
			NodeID:   cfg.Coordination.NodeID,
			BindAddr: cfg.Coordination.BindAddr,
			DataDir:  cfg.Coordination.DataDir,
			Peers:    peers,
		})
		if err != nil {
			return apperrors.Wrap(err, "open coordination")
		}
		defer coord.Shutdown()

		go coord.RunWhileLeader(ctx, orphanSweepInterval, func(ctx context.Context) error {
			n, err := jobs.SweepOrphanedJobs(ctx, cfg.Pipeline.StartupBudget+cfg.Pipeline.Timeout)
			if err != nil {
				return err
			}
			if n > 0 {
				serveLogger := log.WithComponent("serve")
				serveLogger.Info().Int("count", n).Msg("swept orphaned jobs")
			}
			return nil
		})
	} else {
		go runOrphanSweepLoop(ctx, jobs, cfg.Pipeline.StartupBudget+cfg.Pipeline.Timeout)
	}

	go handleReloadSignal(ctx, reg)

	srv := newHTTPServer(cfg.HTTPAddr, catalogDB.DB, redisClient, orch)
	go func() {
		serveLogger := log.WithComponent("serve")
		serveLogger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveLogger.Error().Err(err).Msg("http server exited")
		}
	}()

	<-ctx.Done()
	serveLogger := log.WithComponent("serve")
	serveLogger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runOrphanSweepLoop runs the orphaned-job sweep unconditionally for a
// single-node deployment with coordination disabled.
func runOrphanSweepLoop(ctx context.Context, jobs *jobstore.Store, timeout time.Duration) {
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := jobs.SweepOrphanedJobs(ctx, timeout)
			serveLogger := log.WithComponent("serve")
			if err != nil {
				serveLogger.Error().Err(err).Msg("orphan sweep failed")
				continue
			}
			if n > 0 {
				serveLogger.Info().Int("count", n).Msg("swept orphaned jobs")
			}
		}
	}
}

// handleReloadSignal re-reads the Module Registry's catalog on SIGHUP, so
// a module row added or disabled out-of-band takes effect without a
// process restart.
func handleReloadSignal(ctx context.Context, reg *registry.Registry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			serveLogger := log.WithComponent("serve")
			if err := reg.Reload(ctx); err != nil {
				serveLogger.Error().Err(err).Msg("module registry reload failed, previous snapshot kept")
			} else {
				serveLogger.Info().Msg("module registry reloaded")
			}
		}
	}
}

// newHTTPServer wires the process-health surface (/healthz, /metrics)
// plus the thinnest possible binding of the two inbound operations. Auth,
// billing gates, and pagination are the request ingress layer's concern;
// OwnerID here comes straight off a header, standing in for whatever the
// real ingress layer authenticates upstream of this process.
func newHTTPServer(addr string, db *sql.DB, redisClient *redis.Client, orch *orchestrator.Orchestrator) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(db, redisClient))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/scans", executeScanHandler(orch))
	mux.HandleFunc("/v1/scans/", getScanHandler(orch))
	return &http.Server{Addr: addr, Handler: mux}
}

// executeScanHandler binds execute_scan: decode, validate, insert the
// Scan Record, return within tens of milliseconds while the per-asset
// fan-out runs in the background.
func executeScanHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req validation.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		req.OwnerID = r.Header.Get("X-Owner-ID")

		result, err := orch.ValidateAndExecute(r.Context(), req)
		if err != nil {
			writeScanError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(struct {
			ScanID           string `json:"scan_id"`
			Status           string `json:"status"`
			ExecutionMode    string `json:"execution_mode"`
			AssetsCount      int    `json:"assets_count"`
			EstimatedSeconds int    `json:"estimated_seconds"`
			CorrelationID    string `json:"correlation_id"`
		}{
			ScanID:           result.Scan.ID,
			Status:           string(result.Scan.Status),
			ExecutionMode:    result.Scan.ExecutionMode,
			AssetsCount:      result.Scan.AssetsRequested,
			EstimatedSeconds: result.EstimatedSeconds,
			CorrelationID:    result.Scan.CorrelationID,
		})
	}
}

// getScanHandler binds get_scan: the Scan Record plus its child Module
// Job Records grouped per asset, safe to poll while the scan runs.
func getScanHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		scanID := strings.TrimPrefix(r.URL.Path, "/v1/scans/")
		if scanID == "" {
			http.Error(w, "scan id required", http.StatusBadRequest)
			return
		}

		result, err := orch.GetScan(r.Context(), scanID)
		if err != nil {
			writeScanError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

func writeScanError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case apperrors.Is(err, apperrors.ErrValidation),
		apperrors.Is(err, apperrors.ErrUnknownModule),
		apperrors.Is(err, apperrors.ErrEmptyModuleSet),
		apperrors.Is(err, apperrors.ErrAssetNotOwned):
		code = http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrInfrastructure):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

func healthzHandler(db *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := struct {
			Status   string `json:"status"`
			Database string `json:"database"`
			Stream   string `json:"stream"`
		}{Status: "ok", Database: "ok", Stream: "ok"}

		code := http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			status.Database = err.Error()
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			status.Stream = err.Error()
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
