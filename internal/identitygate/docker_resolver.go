package identitygate

import (
	"context"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerResolver is the default Resolver: it lists running containers on
// the local Docker daemon and matches the caller's address against each
// container's network-endpoint IP, the same linear scan the original
// DockerInspector performed.
type DockerResolver struct {
	cli *client.Client
}

// NewDockerResolver connects to the local Docker socket using the
// environment-driven configuration (DOCKER_HOST etc.), negotiating the API
// version the daemon supports.
func NewDockerResolver() (*DockerResolver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	slog.Info("identity: docker resolver connected")
	return &DockerResolver{cli: cli}, nil
}

// Resolve returns the image digest of the container whose network endpoint
// holds clientAddress, FingerprintUnknown if no container matches, or
// FingerprintError if the daemon could not be queried.
func (d *DockerResolver) Resolve(ctx context.Context, clientAddress string) (string, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		slog.Error("identity: docker inspection failed", "error", err)
		return FingerprintError, err
	}

	for _, c := range containers {
		inspect, err := d.cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}
		if inspect.NetworkSettings == nil {
			continue
		}
		for _, net := range inspect.NetworkSettings.Networks {
			if net.IPAddress == clientAddress {
				return inspect.Image, nil
			}
		}
	}

	slog.Warn("identity: no container found for client address", "address", clientAddress)
	return FingerprintUnknown, nil
}

func (d *DockerResolver) Close() error { return d.cli.Close() }
