package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/sessionbroker/sessionbroker/pkg/models"
)

// sessionPort is the in-container port the dev environment serves its
// interactive channel on; it is published on a random host port.
const sessionPort = "8080/tcp"

// Docker is the serverless-container reference adapter. Each session runs as
// one container sized by its resource package, with its allocated volume
// bind-mounted and its bucket name injected as configuration.
type Docker struct {
	client       *client.Client
	defaultImage string
	dataRoot     string
	jobs         sync.Map // jobID -> *models.JobStatus
}

// NewDocker creates a Docker adapter. dataRoot is where session volume
// directories live on the host.
func NewDocker(defaultImage, dataRoot string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}

	return &Docker{
		client:       cli,
		defaultImage: defaultImage,
		dataRoot:     dataRoot,
	}, nil
}

// EnsureImage pulls the default session image if it is not present locally
func (d *Docker) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.defaultImage {
				return nil
			}
		}
	}

	reader, err := d.client.ImagePull(ctx, d.defaultImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", d.defaultImage, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Create provisions one session container
func (d *Docker) Create(ctx context.Context, spec CreateSpec) (*models.ProviderHandle, error) {
	img := spec.Image
	if img == "" {
		img = d.defaultImage
	}

	env := []string{
		fmt.Sprintf("SESSION_ID=%s", spec.SessionID),
		fmt.Sprintf("WORKSPACE_ID=%s", spec.WorkspaceID),
	}
	if spec.BucketName != "" {
		env = append(env, fmt.Sprintf("BUCKET_NAME=%s", spec.BucketName))
	}
	if spec.VolumeName != "" {
		env = append(env, fmt.Sprintf("VOLUME_NAME=%s", spec.VolumeName))
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image: img,
		Labels: map[string]string{
			"session-id":   spec.SessionID,
			"workspace-id": spec.WorkspaceID,
			"owner":        spec.Owner,
			"managed-by":   "sessionbroker",
		},
		Env: env,
		ExposedPorts: nat.PortSet{
			sessionPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			sessionPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
		Resources: container.Resources{
			NanoCPUs: int64(spec.Package.CPUs) * 1e9,
			Memory:   int64(spec.Package.MemoryGB) << 30,
		},
	}

	if spec.VolumeName != "" {
		volumeDir := filepath.Join(d.dataRoot, spec.VolumeName)
		if err := os.MkdirAll(volumeDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create volume directory: %w", err)
		}
		hostConfig.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: volumeDir,
				Target: "/workspace",
			},
		}
	}

	resp, err := d.client.ContainerCreate(
		ctx,
		containerConfig,
		hostConfig,
		nil,
		nil,
		fmt.Sprintf("session-%s", shortID(spec.SessionID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	port, err := d.waitForRunning(ctx, resp.ID)
	if err != nil {
		d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, err
	}

	return &models.ProviderHandle{
		Provider:   models.ProviderServerlessContainer,
		Namespace:  spec.Namespace,
		RefID:      resp.ID,
		ConnectURL: fmt.Sprintf("ws://localhost:%s", port),
	}, nil
}

// Get reports the container's current state
func (d *Docker) Get(ctx context.Context, handle *models.ProviderHandle) (*Status, error) {
	inspect, err := d.client.ContainerInspect(ctx, handle.RefID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	return &Status{
		State:   inspect.State.Status,
		Running: inspect.State.Running,
	}, nil
}

// Delete stops and removes the session container
func (d *Docker) Delete(ctx context.Context, handle *models.ProviderHandle) error {
	timeout := 10
	stopOptions := container.StopOptions{
		Timeout: &timeout,
	}

	if err := d.client.ContainerStop(ctx, handle.RefID, stopOptions); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := d.client.ContainerRemove(ctx, handle.RefID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

// Execute runs a command in the session container. Async submits the
// command and returns a job handle for polling instead of blocking.
func (d *Docker) Execute(ctx context.Context, handle *models.ProviderHandle, command string, timeout time.Duration, async bool) (*models.ExecResult, error) {
	execResp, err := d.client.ContainerExecCreate(ctx, handle.RefID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	if async {
		jobID := uuid.New().String()
		d.jobs.Store(jobID, &models.JobStatus{JobID: jobID, State: models.JobRunning})

		go func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			result, err := d.runExec(jobCtx, execResp.ID)
			status := &models.JobStatus{JobID: jobID}
			if err != nil {
				status.State = models.JobFailed
				status.Stderr = err.Error()
				log.Printf("async exec %s failed: %v", jobID, err)
			} else {
				status.State = models.JobCompleted
				status.Stdout = result.Stdout
				status.Stderr = result.Stderr
				status.ExitCode = result.ExitCode
			}
			d.jobs.Store(jobID, status)
		}()

		return &models.ExecResult{JobID: jobID}, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.runExec(execCtx, execResp.ID)
}

// JobStatus returns the state of an asynchronous execute. Finished jobs
// are dropped from the table on retrieval so entries do not pile up over
// the process lifetime.
func (d *Docker) JobStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	value, ok := d.jobs.Load(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	status := value.(*models.JobStatus)
	if status.State != models.JobRunning {
		d.jobs.Delete(jobID)
	}
	return status, nil
}

// Close closes the docker client
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) runExec(ctx context.Context, execID string) (*models.ExecResult, error) {
	attach, err := d.client.ContainerExecAttach(ctx, execID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &models.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// waitForRunning polls until the container reports running and its session
// port is published.
func (d *Docker) waitForRunning(ctx context.Context, containerID string) (string, error) {
	maxRetries := 20

	for i := 0; i < maxRetries; i++ {
		inspect, err := d.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("failed to inspect container: %w", err)
		}

		if inspect.State.Running {
			bindings := inspect.NetworkSettings.Ports[sessionPort]
			if len(bindings) > 0 {
				return bindings[0].HostPort, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return "", fmt.Errorf("container did not become ready after %d retries", maxRetries)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
