// Package docker wraps the subset of the Docker SDK the hub needs: image
// existence checks for snapshot staleness, container sweeps for the startup
// reconciler, bridge-network inspection for the OAuth relay, and in-container
// exec for its loopback fallback. Launching runtimes goes through compiled
// docker-run argv instead (internal/launch), because the launch profile is a
// user-visible deterministic command.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// APIClient defines the subset of Docker API methods we use.
// This allows for mocking in tests.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, container string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	Close() error
}

// Client wraps the official Docker client.
type Client struct {
	api APIClient
}

// NewClient creates a Docker client from the environment.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: cli}, nil
}

// NewClientWithAPI wraps an injected API implementation (tests).
func NewClientWithAPI(api APIClient) *Client { return &Client{api: api} }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.api.Close() }

// CheckDaemon verifies that the Docker daemon is reachable.
func (c *Client) CheckDaemon(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return nil
}

// ImageExists reports whether an image with the exact tag is present locally.
func (c *Client) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	images, err := c.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	normalized := imageRef
	if !strings.Contains(imageRef, ":") {
		normalized = imageRef + ":latest"
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageRef || tag == normalized {
				return true, nil
			}
		}
	}
	return false, nil
}

// RemoveImage force-removes an image tag. Missing images are not an error.
func (c *Client) RemoveImage(ctx context.Context, imageRef string) error {
	_, err := c.api.ImageRemove(ctx, imageRef, image.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove image %s: %w", imageRef, err)
	}
	return nil
}

// ContainerInfo is one container observed during a sweep.
type ContainerInfo struct {
	ID      string
	Name    string
	Running bool
}

// ListByPrefix returns all containers (running or not) whose name starts with
// any of the given prefixes.
func (c *Client) ListByPrefix(ctx context.Context, prefixes ...string) ([]ContainerInfo, error) {
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	var out []ContainerInfo
	for _, item := range list {
		for _, raw := range item.Names {
			name := strings.TrimPrefix(raw, "/")
			for _, prefix := range prefixes {
				if strings.HasPrefix(name, prefix) {
					out = append(out, ContainerInfo{
						ID:      item.ID,
						Name:    name,
						Running: item.State == container.StateRunning,
					})
				}
			}
		}
	}
	return out, nil
}

// RemoveContainer stops (best effort) and force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	_ = c.api.ContainerStop(ctx, containerID, container.StopOptions{})
	if err := c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// BridgeGateway returns the IPv4 gateway of the default bridge network, or ""
// when it cannot be determined.
func (c *Client) BridgeGateway(ctx context.Context) (string, error) {
	insp, err := c.api.NetworkInspect(ctx, "bridge", network.InspectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to inspect bridge network: %w", err)
	}
	for _, ipamCfg := range insp.IPAM.Config {
		if ipamCfg.Gateway != "" {
			return ipamCfg.Gateway, nil
		}
	}
	return "", nil
}

// ExecByName runs a command inside a container addressed by name and returns
// combined stdout+stderr.
func (c *Client) ExecByName(ctx context.Context, containerName string, cmd []string) (string, error) {
	execResp, err := c.api.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}
	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var outBuf, errBuf bytes.Buffer
	// Exec was created without a TTY, so the stream is multiplexed.
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, attach.Reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to copy exec output: %w", err)
	}
	return outBuf.String() + errBuf.String(), nil
}
