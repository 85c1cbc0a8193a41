package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/phayes/freeport"
)

const (
	// ContainerLabel is set on every container started by the docker backend
	ContainerLabel = "sqlbisect"
	// ContainerTaskLabel holds the id of the task a container was started for
	ContainerTaskLabel = "sqlbisect.task"

	containerBinaryPath = "/sqlbisect/tidb-server"
)

// A DockerBackend starts clusters as docker containers running tiup playground.
// The image needs tiup on its PATH. Built binaries are bind mounted into the container.
type DockerBackend struct {
	Image string
}

func (b DockerBackend) Start(ctx context.Context, spec LaunchSpec) (Instance, error) {
	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("docker client creation failed for task %s", spec.TaskID), err)
	}

	// Inside of the container, all ports are the default ones
	containerSpec := spec
	containerSpec.PortOffset = 0
	artifact := *spec.Artifact
	var mounts []mount.Mount
	if artifact.BinaryPath != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   artifact.BinaryPath,
			Target:   containerBinaryPath,
			ReadOnly: true,
		})
		artifact.BinaryPath = containerBinaryPath
	}
	containerSpec.Artifact = &artifact

	// Assign free host ports
	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)
	hostPorts := make(map[int]int)
	for _, port := range []int{baseSQLPort, baseStatusPort, baseDashboardPort} {
		natPort := nat.Port(fmt.Sprintf("%d/tcp", port))

		freePort, err := freeport.GetFreePort()
		if err != nil {
			apiClient.Close()
			return nil, err
		}

		exposedPorts[natPort] = struct{}{}
		portBindings[natPort] = []nat.PortBinding{{HostPort: fmt.Sprint(freePort)}}
		hostPorts[port] = freePort
	}

	containerConfig := &container.Config{
		Image:        b.Image,
		Cmd:          append([]string{"tiup"}, append(playgroundArgs(containerSpec), "--host", "0.0.0.0")...),
		ExposedPorts: exposedPorts,
		Labels: map[string]string{
			ContainerLabel:     "1",
			ContainerTaskLabel: spec.TaskID,
		},
	}
	hostConfig := &container.HostConfig{
		AutoRemove:   true,
		PortBindings: portBindings,
		Mounts:       mounts,
	}

	containerName := fmt.Sprintf("sqlbisect-%s-%s", shortID(spec.TaskID), uniuri.NewLen(6))
	resp, err := apiClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		apiClient.Close()
		return nil, errors.Join(fmt.Errorf("container creation with name %s of image %s failed for task %s", containerName, b.Image, spec.TaskID), err)
	}

	// Waiting has to start before the container does, since it is removed once it exits
	waitRes, waitErr := apiClient.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		apiClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		apiClient.Close()
		return nil, errors.Join(fmt.Errorf("container start with name %s and id %s of image %s failed for task %s", containerName, resp.ID, b.Image, spec.TaskID), err)
	}

	c := &dockerContainer{
		client: apiClient,
		id:     resp.ID,
		endpoint: Endpoint{
			Host:          "127.0.0.1",
			Port:          hostPorts[baseSQLPort],
			StatusPort:    hostPorts[baseStatusPort],
			DashboardPort: hostPorts[baseDashboardPort],
		},
		done: make(chan struct{}),
	}

	go c.streamLogs(spec.LogFile)
	go func() {
		select {
		case <-waitRes:
		case <-waitErr:
		}
		close(c.done)
		apiClient.Close()
	}()

	return c, nil
}

type dockerContainer struct {
	client   *client.Client
	id       string
	endpoint Endpoint
	done     chan struct{}
}

// streamLogs follows the container's output into the log file until the container exits
func (c *dockerContainer) streamLogs(logFile string) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	logs, err := c.client.ContainerLogs(context.Background(), c.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		fmt.Fprintf(f, "failed to stream logs of container %s - %v\n", c.id, err)
		return
	}
	defer logs.Close()

	stdcopy.StdCopy(f, f, logs)
}

func (c *dockerContainer) ID() string {
	if len(c.id) > 12 {
		return c.id[:12]
	}
	return c.id
}

func (c *dockerContainer) Endpoint() Endpoint {
	return c.endpoint
}

func (c *dockerContainer) Done() <-chan struct{} {
	return c.done
}

func (c *dockerContainer) Stop(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	// Let the daemon kill the container once the deadline passed
	var timeout *int
	if deadline, ok := ctx.Deadline(); ok {
		seconds := int(time.Until(deadline).Seconds())
		timeout = &seconds
	}
	if err := c.client.ContainerStop(context.WithoutCancel(ctx), c.id, container.StopOptions{Timeout: timeout}); err != nil && !client.IsErrNotFound(err) {
		return errors.Join(fmt.Errorf("failed to stop container %s", c.ID()), err)
	}

	<-c.done
	return nil
}
