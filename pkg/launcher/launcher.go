// Package launcher implements the Worker Launcher: it starts one ephemeral
// scanner container per Module Job, on the resource tier the Module
// Registry selects for the batch size, and reports back an opaque
// TaskHandle the Streaming Pipeline polls via Describe. It never reads or
// writes job status itself -- only the worker process inside the
// container does that -- so a Launcher failure before launch is the only
// case that turns into a job-store write, and even that is left to the
// caller.
package launcher

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/types"
)

// DefaultNamespace is the containerd namespace scan worker containers run in.
const DefaultNamespace = "scanorc"

// Launcher is the production Worker Launcher, backed by containerd.
type Launcher struct {
	client           *containerd.Client
	namespace        string
	securityGroupIDs []string
	subnetIDs        []string
	workerEnv        map[string]string
}

// Config configures the Launcher's containerd connection, the network
// placement injected into every worker it starts, and the shared
// environment (data-store endpoints and credentials) every worker needs
// to write its results and its terminal job status.
type Config struct {
	ContainerdSocket string
	Namespace        string
	SecurityGroupIDs []string
	SubnetIDs        []string
	WorkerEnv        map[string]string
}

// New connects to containerd and returns a Launcher.
func New(cfg Config) (*Launcher, error) {
	socket := cfg.ContainerdSocket
	if socket == "" {
		socket = "/run/containerd/containerd.sock"
	}
	client, err := containerd.New(socket)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrLaunchInfrastructure, "connect containerd: %v", err)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Launcher{
		client:           client,
		namespace:        ns,
		securityGroupIDs: cfg.SecurityGroupIDs,
		subnetIDs:        cfg.SubnetIDs,
		workerEnv:        cfg.WorkerEnv,
	}, nil
}

// Close releases the containerd client connection.
func (l *Launcher) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}

// Launch starts one worker container for profile, with env merged on top
// of the placement's network identifiers, sized to the resource tier
// ResourceTierFor(batchSize) selects. It returns the container id as the
// job's TaskHandle.
func (l *Launcher) Launch(ctx context.Context, id string, profile types.ModuleProfile, batchSize int, env map[string]string, placement types.Placement, configMountPath string) (types.TaskHandle, error) {
	timer := metrics.NewTimer()
	ctx = namespaces.WithNamespace(ctx, l.namespace)

	image, err := l.client.GetImage(ctx, profile.ImageRef)
	if err != nil {
		image, err = l.client.Pull(ctx, profile.ImageRef, containerd.WithPullUnpack)
		if err != nil {
			metrics.LaunchesTotal.WithLabelValues(string(profile.Name), "image_unavailable").Inc()
			return "", apperrors.Wrapf(apperrors.ErrImageUnavailable, "pull %s: %v", profile.ImageRef, err)
		}
	}

	envSlice := buildEnv(env, l.workerEnv, placement, l.securityGroupIDs, l.subnetIDs)
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envSlice),
	}

	tier, ok := profile.ResourceTierFor(batchSize)
	if ok {
		shares := uint64(tier.CPUUnits) * 1024
		period := uint64(100000)
		quota := int64(tier.CPUUnits) * int64(period)
		opts = append(opts,
			oci.WithCPUShares(shares),
			oci.WithCPUCFS(quota, period),
			oci.WithMemoryLimit(uint64(tier.MemoryMiB)*1024*1024),
		)
	}

	if configMountPath != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{
			{
				Source:      configMountPath,
				Destination: "/run/scanorc",
				Type:        "bind",
				Options:     []string{"ro", "bind"},
			},
		}))
	}

	container, err := l.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		metrics.LaunchesTotal.WithLabelValues(string(profile.Name), "rejected").Inc()
		return "", apperrors.Wrapf(apperrors.ErrLaunchRejected, "create container %s: %v", id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		metrics.LaunchesTotal.WithLabelValues(string(profile.Name), "infrastructure_error").Inc()
		return "", apperrors.Wrapf(apperrors.ErrLaunchInfrastructure, "create task %s: %v", id, err)
	}
	if err := task.Start(ctx); err != nil {
		metrics.LaunchesTotal.WithLabelValues(string(profile.Name), "infrastructure_error").Inc()
		return "", apperrors.Wrapf(apperrors.ErrLaunchInfrastructure, "start task %s: %v", id, err)
	}

	metrics.LaunchesTotal.WithLabelValues(string(profile.Name), "launched").Inc()
	timer.ObserveDurationVec(metrics.LaunchDuration, string(profile.Name))
	moduleLogger := log.WithModule(string(profile.Name))
	moduleLogger.Info().Str("task_handle", id).Msg("worker launched")

	return types.TaskHandle(id), nil
}

// buildEnv flattens the per-job env over the launcher-wide worker env;
// per-job keys win on collision.
func buildEnv(env, workerEnv map[string]string, placement types.Placement, securityGroups, subnets []string) []string {
	out := make([]string, 0, len(env)+len(workerEnv)+2)
	for k, v := range workerEnv {
		if _, shadowed := env[k]; shadowed {
			continue
		}
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	groups := placement.SecurityGroupIDs
	if len(groups) == 0 {
		groups = securityGroups
	}
	subnetIDs := placement.SubnetIDs
	if len(subnetIDs) == 0 {
		subnetIDs = subnets
	}
	out = append(out, fmt.Sprintf("SCANORC_SECURITY_GROUPS=%s", joinCSV(groups)))
	out = append(out, fmt.Sprintf("SCANORC_SUBNETS=%s", joinCSV(subnetIDs)))
	return out
}

func joinCSV(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

// Describe reports the current lifecycle of a previously-launched task.
func (l *Launcher) Describe(ctx context.Context, handle types.TaskHandle) (types.TaskDescription, error) {
	ctx = namespaces.WithNamespace(ctx, l.namespace)

	container, err := l.client.LoadContainer(ctx, string(handle))
	if err != nil {
		return types.TaskDescription{}, apperrors.Wrapf(apperrors.ErrInfrastructure, "load container %s: %v", handle, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.TaskDescription{Lifecycle: types.TaskPending}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.TaskDescription{}, apperrors.Wrapf(apperrors.ErrInfrastructure, "task status %s: %v", handle, err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return types.TaskDescription{Lifecycle: types.TaskRunning}, nil
	case containerd.Stopped:
		code := int(status.ExitStatus)
		reason := "exited"
		if code != 0 {
			reason = fmt.Sprintf("exited with code %d", code)
		}
		return types.TaskDescription{Lifecycle: types.TaskStopped, ExitCode: &code, StoppedReason: reason}, nil
	default:
		return types.TaskDescription{Lifecycle: types.TaskPending}, nil
	}
}

// Stop terminates a worker's container, first attempting a graceful
// SIGTERM and falling back to SIGKILL once grace elapses.
func (l *Launcher) Stop(ctx context.Context, handle types.TaskHandle, grace time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, l.namespace)

	container, err := l.client.LoadContainer(ctx, string(handle))
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task, nothing to stop
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "kill task %s: %v", handle, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "wait task %s: %v", handle, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return apperrors.Wrapf(apperrors.ErrInfrastructure, "force kill task %s: %v", handle, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "delete task %s: %v", handle, err)
	}
	return nil
}

