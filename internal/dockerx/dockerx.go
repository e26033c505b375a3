// Package dockerx provides read-only access to the container runtime for
// status inspection, and argv builders for the database commands executed
// inside containers. Inspection goes through the Docker SDK; the dump and
// restore pipelines exec the docker CLI because their output must be piped
// process-to-process by the launcher.
//
// Container names, users and database names come from apps.yml and are
// treated as untrusted: they only ever appear as discrete argv elements,
// never inside a shell string.
package dockerx

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	dockerclient "github.com/docker/docker/client"
)

// ErrContainerNotFound is returned when the inspected container does not
// exist. Status reporting maps it to the "not_found" state rather than
// failing the whole report.
var ErrContainerNotFound = errors.New("dockerx: container not found")

// ContainerState is the inspection subset surfaced by /status/apps.
type ContainerState struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Health    string `json:"health,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	Image     string `json:"image,omitempty"`
}

// Client wraps the Docker SDK client. Create instances with NewClient.
type Client struct {
	docker *dockerclient.Client
}

// NewClient connects to the daemon using the SDK defaults (DOCKER_HOST or
// the local socket) with API version negotiation.
func NewClient() (*Client, error) {
	dc, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("dockerx: connect daemon: %w", err)
	}
	return &Client{docker: dc}, nil
}

// InspectContainer returns the state of one container by name.
func (c *Client) InspectContainer(ctx context.Context, name string) (*ContainerState, error) {
	resp, err := c.docker.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("dockerx: inspect %s: %w", name, err)
	}

	state := &ContainerState{Name: name, Status: "unknown", Health: "n/a"}
	if resp.State != nil {
		state.Status = resp.State.Status
		state.StartedAt = resp.State.StartedAt
		if resp.State.Health != nil {
			state.Health = string(resp.State.Health.Status)
		}
	}
	if resp.Config != nil {
		state.Image = resp.Config.Image
	}
	return state, nil
}

// Close releases the underlying SDK client.
func (c *Client) Close() error {
	return c.docker.Close()
}

// DumpArgv is the producer stage of the streaming database dump:
// pg_dump executed inside the app's database container.
func DumpArgv(container, user, dbname string) []string {
	return []string{"docker", "exec", container, "pg_dump", "-U", user, dbname}
}

// PsqlRestoreArgv is the consumer stage of the streaming database restore:
// psql reading the dump from stdin inside the container.
func PsqlRestoreArgv(container, user, dbname string) []string {
	return []string{"docker", "exec", "-i", container, "psql", "-U", user, "-d", dbname}
}

// CountTablesArgv counts the tables in the target database's public schema,
// used as the non-empty guard before a restore.
func CountTablesArgv(container, user, dbname string) []string {
	return []string{
		"docker", "exec", container,
		"psql", "-U", user, "-d", dbname, "-tAc",
		"SELECT count(*) FROM information_schema.tables WHERE table_schema='public';",
	}
}
