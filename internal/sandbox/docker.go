package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const workspaceMount = "/workspace"

// dockerAPI is the subset of the Docker client used here.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerProvisioner runs each job in its own container.
type DockerProvisioner struct {
	cli    dockerAPI
	logger *zap.Logger
}

// NewDockerProvisioner connects to the Docker daemon configured in the
// environment (DOCKER_HOST and friends).
func NewDockerProvisioner(logger *zap.Logger) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerProvisioner(cli, logger), nil
}

func newDockerProvisioner(cli dockerAPI, logger *zap.Logger) *DockerProvisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerProvisioner{cli: cli, logger: logger}
}

// Close closes the Docker client.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}

// Provision pulls the image if it is missing and creates a stopped
// container for the job. Nothing is left behind when Provision fails.
func (p *DockerProvisioner) Provision(ctx context.Context, spec EnvSpec) (Environment, error) {
	if err := p.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	pids := spec.Limits.PidsLimit
	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		// Scratch space; HOME points here. Usage counts against the memory limit.
		Tmpfs: map[string]string{"/tmp": "rw,nosuid,nodev"},
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes,
			NanoCPUs:   spec.Limits.NanoCPUs,
			PidsLimit:  &pids,
		},
	}
	workDir := "/tmp"
	if spec.WorkspaceDir != "" {
		workDir = workspaceMount
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceDir,
			Target: workspaceMount,
		}}
	}

	labels := map[string]string{"healingd.managed": "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           spec.Image,
			Cmd:             []string{"/bin/bash", "-c", spec.Script},
			Env:             []string{"HOME=/tmp", "CI=true"},
			WorkingDir:      workDir,
			Labels:          labels,
			NetworkDisabled: true,
		},
		hostConfig,
		nil,
		&ocispec.Platform{OS: "linux"},
		spec.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	p.logger.Debug("sandbox container created",
		zap.String("container_id", shortID(resp.ID)),
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
	)
	return &dockerEnv{cli: p.cli, id: resp.ID, logger: p.logger}, nil
}

func (p *DockerProvisioner) ensureImage(ctx context.Context, ref string) error {
	if _, err := p.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	p.logger.Info("pulling sandbox image", zap.String("image", ref))
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

type dockerEnv struct {
	cli    dockerAPI
	id     string
	logger *zap.Logger
}

func (e *dockerEnv) Run(ctx context.Context, logs io.Writer) (Exit, error) {
	if err := e.cli.ContainerStart(ctx, e.id, container.StartOptions{}); err != nil {
		return Exit{}, fmt.Errorf("start container: %w", err)
	}
	mem := e.watchMemory(ctx)
	defer mem.stop()

	statusCh, errCh := e.cli.ContainerWait(ctx, e.id, container.WaitConditionNotRunning)
	var exit Exit
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return Exit{}, fmt.Errorf("wait container: %s", status.Error.Message)
		}
		exit.Code = int(status.StatusCode)
	case err := <-errCh:
		e.collectLogs(ctx, logs)
		if ctx.Err() != nil {
			return Exit{}, ctx.Err()
		}
		return Exit{}, fmt.Errorf("wait container: %w", err)
	case <-ctx.Done():
		e.collectLogs(ctx, logs)
		return Exit{}, ctx.Err()
	}

	e.collectLogs(ctx, logs)
	exit.PeakMemoryBytes = int64(mem.stop())

	if info, err := e.cli.ContainerInspect(ctx, e.id); err == nil && info.ContainerJSONBase != nil && info.State != nil {
		exit.OOMKilled = info.State.OOMKilled
	}
	return exit, nil
}

// memoryWatch tracks the highest memory usage reported by the stats stream
// while the container runs.
type memoryWatch struct {
	peak   atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (e *dockerEnv) watchMemory(ctx context.Context) *memoryWatch {
	sctx, cancel := context.WithCancel(ctx)
	w := &memoryWatch{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		resp, err := e.cli.ContainerStats(sctx, e.id, true)
		if err != nil {
			e.logger.Debug("memory stats unavailable", zap.String("container_id", shortID(e.id)), zap.Error(err))
			return
		}
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		for {
			var st container.StatsResponse
			if err := dec.Decode(&st); err != nil {
				return
			}
			w.observe(max(st.MemoryStats.Usage, st.MemoryStats.MaxUsage))
		}
	}()
	return w
}

func (w *memoryWatch) observe(v uint64) {
	for {
		cur := w.peak.Load()
		if v <= cur || w.peak.CompareAndSwap(cur, v) {
			return
		}
	}
}

// stop ends the stream and returns the peak seen, 0 if none was reported.
func (w *memoryWatch) stop() uint64 {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
	return w.peak.Load()
}

// collectLogs copies whatever output exists. It runs on a detached context
// so a timed-out job still reports how far it got.
func (e *dockerEnv) collectLogs(ctx context.Context, w io.Writer) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	rc, err := e.cli.ContainerLogs(lctx, e.id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		e.logger.Warn("failed to read sandbox logs", zap.String("container_id", shortID(e.id)), zap.Error(err))
		return
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(w, w, rc); err != nil && !errors.Is(err, io.EOF) {
		e.logger.Warn("failed to demultiplex sandbox logs", zap.String("container_id", shortID(e.id)), zap.Error(err))
	}
}

func (e *dockerEnv) Teardown(ctx context.Context) error {
	err := e.cli.ContainerRemove(ctx, e.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", shortID(e.id), err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
