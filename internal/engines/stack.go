package engines

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Label marks containers managed by the gradescan engine stack.
const Label = "gradescan-engine"

// ServiceSpec describes one dockerized recognition service.
type ServiceSpec struct {
	Name          string // canonical engine name, also container suffix
	Image         string
	HostPort      string // host port to bind
	ContainerPort string // service port inside the container (default 8000)
}

// ContainerStatus represents the state of one engine container.
type ContainerStatus string

const (
	StatusRunning  ContainerStatus = "running"
	StatusStopped  ContainerStatus = "stopped"
	StatusNotFound ContainerStatus = "not_found"
	StatusStarting ContainerStatus = "starting"
)

// Stack manages the lifecycle of the dockerized recognition services.
type Stack struct {
	cli    *client.Client
	prefix string
	specs  []ServiceSpec
	labels map[string]string
}

// StackConfig holds configuration for the engine stack manager.
type StackConfig struct {
	// Prefix for container names (default "gradescan").
	Prefix string
	// Specs lists the services to manage.
	Specs []ServiceSpec
	// Labels are applied to every container (used for test cleanup).
	Labels map[string]string
}

// NewStack creates a Docker manager for the engine service containers.
func NewStack(cfg StackConfig) (*Stack, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "gradescan"
	}

	labels := map[string]string{Label: "true"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Stack{
		cli:    cli,
		prefix: cfg.Prefix,
		specs:  cfg.Specs,
		labels: labels,
	}, nil
}

// Close closes the Docker client.
func (s *Stack) Close() error {
	return s.cli.Close()
}

// containerName returns the container name for a service.
func (s *Stack) containerName(spec ServiceSpec) string {
	return fmt.Sprintf("%s-%s", s.prefix, spec.Name)
}

// URL returns the base URL for a service by engine name, or "" if the
// stack does not manage it.
func (s *Stack) URL(name string) string {
	for _, spec := range s.specs {
		if spec.Name == name {
			return fmt.Sprintf("http://localhost:%s", spec.HostPort)
		}
	}
	return ""
}

// Start brings up every managed service container and waits for each
// /health endpoint to answer.
func (s *Stack) Start(ctx context.Context) error {
	if _, err := s.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	for _, spec := range s.specs {
		if err := s.startService(ctx, spec); err != nil {
			return fmt.Errorf("failed to start %s: %w", spec.Name, err)
		}
	}
	return nil
}

// Stop stops every managed container.
func (s *Stack) Stop(ctx context.Context) error {
	for _, spec := range s.specs {
		status, containerID, err := s.serviceStatus(ctx, spec)
		if err != nil {
			return err
		}
		if status == StatusNotFound || status == StatusStopped {
			continue
		}
		timeout := 10
		if err := s.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
			return fmt.Errorf("failed to stop %s: %w", spec.Name, err)
		}
	}
	return nil
}

// Remove stops and removes every managed container.
func (s *Stack) Remove(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	for _, spec := range s.specs {
		status, containerID, err := s.serviceStatus(ctx, spec)
		if err != nil {
			return err
		}
		if status == StatusNotFound {
			continue
		}
		if err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", spec.Name, err)
		}
	}
	return nil
}

// Status returns the status of every managed service.
func (s *Stack) Status(ctx context.Context) (map[string]ContainerStatus, error) {
	result := make(map[string]ContainerStatus, len(s.specs))
	for _, spec := range s.specs {
		status, _, err := s.serviceStatus(ctx, spec)
		if err != nil {
			return nil, err
		}
		result[spec.Name] = status
	}
	return result, nil
}

// startService starts one container, creating it if needed.
func (s *Stack) startService(ctx context.Context, spec ServiceSpec) error {
	status, containerID, err := s.serviceStatus(ctx, spec)
	if err != nil {
		return err
	}

	switch status {
	case StatusRunning:
		return nil
	case StatusStopped:
		if err := s.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start existing container: %w", err)
		}
		return s.waitForReady(ctx, spec, 60*time.Second)
	case StatusNotFound:
		return s.createAndStart(ctx, spec)
	default:
		return fmt.Errorf("container in unexpected state: %s", status)
	}
}

// createAndStart creates and starts a new service container.
func (s *Stack) createAndStart(ctx context.Context, spec ServiceSpec) error {
	if err := s.ensureImage(ctx, spec.Image); err != nil {
		return err
	}

	containerPort := spec.ContainerPort
	if containerPort == "" {
		containerPort = "8000"
	}
	port := nat.Port(containerPort + "/tcp")

	containerConfig := &container.Config{
		Image:        spec.Image,
		Labels:       s.labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: spec.HostPort},
			},
		},
	}

	resp, err := s.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, s.containerName(spec))
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}

	// Model loading can take a while on first start.
	return s.waitForReady(ctx, spec, 120*time.Second)
}

// serviceStatus returns the status and container ID for a service.
func (s *Stack) serviceStatus(ctx context.Context, spec ServiceSpec) (ContainerStatus, string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", s.containerName(spec))

	containers, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to list containers: %w", err)
	}

	if len(containers) == 0 {
		return StatusNotFound, "", nil
	}

	c := containers[0]
	switch c.State {
	case "running":
		return StatusRunning, c.ID, nil
	case "exited", "dead":
		return StatusStopped, c.ID, nil
	case "created", "restarting":
		return StatusStarting, c.ID, nil
	default:
		return ContainerStatus(c.State), c.ID, nil
	}
}

// waitForReady polls the service's health endpoint until it answers.
func (s *Stack) waitForReady(ctx context.Context, spec ServiceSpec, timeout time.Duration) error {
	httpClient := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://localhost:%s/health", spec.HostPort)

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(timeout.Seconds())),
		retry.Delay(1*time.Second),
	)
}

// ensureImage pulls the service image if not present.
func (s *Stack) ensureImage(ctx context.Context, imageName string) error {
	_, err := s.cli.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := s.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}
