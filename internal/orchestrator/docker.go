package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/gluk-w/wagate/internal/config"
)

const networkName = "wagate"

// Polling cadence while a browser container comes up. Tests may override.
var (
	dockerReadyTimeout = 90 * time.Second
	dockerReadyPoll    = 2 * time.Second
)

type DockerOrchestrator struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerOrchestrator) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err = d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerOrchestrator) ensureNetwork(ctx context.Context) error {
	if _, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{}); err == nil {
		return nil
	}
	_, err := d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	log.Printf("Created Docker network: %s", networkName)
	return nil
}

func (d *DockerOrchestrator) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerOrchestrator) BackendName() string {
	return "docker"
}

func profileVolumeName(name string) string {
	return name + "-profile"
}

func (d *DockerOrchestrator) ensureImage(ctx context.Context, img string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("Image %s pulled successfully", img)
	return nil
}

// buildBrowserContainer returns the container and host configuration for a
// session browser.
func buildBrowserContainer(name, img string, port int, shm string) (*container.Config, *container.HostConfig, error) {
	shmSize, err := units.RAMInBytes(shm)
	if err != nil {
		return nil, nil, fmt.Errorf("parse shm size %q: %w", shm, err)
	}
	wsPort := nat.Port(fmt.Sprintf("%d/tcp", port))

	cfg := &container.Config{
		Image: img,
		Env: []string{
			fmt.Sprintf("SESSION_NAME=%s", name),
			fmt.Sprintf("AUTOMATION_PORT=%d", port),
			"PROFILE_DIR=" + profileMount,
		},
		ExposedPorts: nat.PortSet{wsPort: struct{}{}},
		Labels:       map[string]string{"managed-by": labelManagedBy, "browser": name},
		Healthcheck: &container.HealthConfig{
			Test:     []string{"CMD", "curl", "-sf", fmt.Sprintf("http://localhost:%d/healthz", port)},
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
			Retries:  3,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: profileVolumeName(name), Target: profileMount},
		},
		ShmSize:       shmSize,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	return cfg, hostCfg, nil
}

func (d *DockerOrchestrator) EnsureBrowser(ctx context.Context, name string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		if inspect.State == nil || !inspect.State.Running {
			if err := d.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("start browser %s: %w", name, err)
			}
		}
	case dockerclient.IsErrNotFound(err):
		if err := d.createBrowser(ctx, name); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("inspect browser %s: %w", name, err)
	}

	return d.waitForEndpoint(ctx, name)
}

func (d *DockerOrchestrator) createBrowser(ctx context.Context, name string) error {
	img := config.Cfg.BrowserImage
	if err := d.ensureImage(ctx, img); err != nil {
		return err
	}

	volName := profileVolumeName(name)
	if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volName,
		Labels: map[string]string{"managed-by": labelManagedBy, "browser": name},
	}); err != nil {
		log.Printf("Volume %s may already exist: %v", volName, err)
	}

	cfg, hostCfg, err := buildBrowserContainer(name, img, config.Cfg.BrowserPort, config.Cfg.BrowserShmSize)
	if err != nil {
		return err
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return fmt.Errorf("create browser %s: %w", name, err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start browser %s: %w", name, err)
	}
	log.Printf("Browser %s created", name)
	return nil
}

func (d *DockerOrchestrator) waitForEndpoint(ctx context.Context, name string) (string, error) {
	deadline := time.Now().Add(dockerReadyTimeout)
	for time.Now().Before(deadline) {
		inspect, err := d.client.ContainerInspect(ctx, name)
		if err == nil && inspect.State != nil && inspect.State.Running && inspect.NetworkSettings != nil {
			for _, n := range inspect.NetworkSettings.Networks {
				if n != nil && n.IPAddress != "" {
					return fmt.Sprintf("%s:%d", n.IPAddress, config.Cfg.BrowserPort), nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(dockerReadyPoll):
		}
	}
	return "", fmt.Errorf("browser %s not reachable after %s", name, dockerReadyTimeout)
}

// DeleteBrowser removes the container and keeps the profile volume.
func (d *DockerOrchestrator) DeleteBrowser(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove browser %s: %w", name, err)
	}
	return nil
}

func (d *DockerOrchestrator) GetBrowserStatus(ctx context.Context, name string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "stopped", nil
		}
		return "error", nil
	}
	if inspect.State == nil {
		return "stopped", nil
	}

	health := ""
	if inspect.State.Health != nil {
		health = string(inspect.State.Health.Status)
	}
	return mapContainerStatus(string(inspect.State.Status), health), nil
}

func mapContainerStatus(status, health string) string {
	switch status {
	case "running":
		switch health {
		case "healthy", "":
			return "running"
		case "unhealthy":
			return "error"
		default:
			return "creating"
		}
	case "created", "restarting":
		return "creating"
	default:
		return "stopped"
	}
}

var _ BrowserOrchestrator = (*DockerOrchestrator)(nil)
