// Package status reports the live state of each configured app's containers
// via the container runtime.
package status

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/config"
	"github.com/munaimtahir/infraserver/internal/dockerx"
)

// AppStatus groups container states under their app key.
type AppStatus struct {
	AppKey     string                   `json:"app_key"`
	Containers []dockerx.ContainerState `json:"containers"`
}

// Report is the /status/apps response body.
type Report struct {
	Apps      []AppStatus `json:"apps"`
	CheckedAt string      `json:"checked_at"`
}

// Reporter inspects configured containers. A nil docker client (daemon
// unreachable at startup) degrades every container to not_found.
type Reporter struct {
	docker   *dockerx.Client
	appsFile string
	logger   *zap.Logger
}

// New creates a Reporter. docker may be nil.
func New(docker *dockerx.Client, appsFile string, logger *zap.Logger) *Reporter {
	return &Reporter{docker: docker, appsFile: appsFile, logger: logger.Named("status")}
}

// Apps inspects every container declared in apps.yml. Missing containers
// are reported as not_found rather than failing the report.
func (r *Reporter) Apps(ctx context.Context) (*Report, error) {
	apps, err := config.LoadApps(r.appsFile)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Apps:      []AppStatus{},
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, key := range config.SortedKeys(apps) {
		entry := AppStatus{AppKey: key, Containers: []dockerx.ContainerState{}}
		for _, name := range apps[key].Containers {
			entry.Containers = append(entry.Containers, r.inspect(ctx, name))
		}
		report.Apps = append(report.Apps, entry)
	}
	return report, nil
}

func (r *Reporter) inspect(ctx context.Context, name string) dockerx.ContainerState {
	if r.docker == nil {
		return dockerx.ContainerState{Name: name, Status: "not_found"}
	}
	state, err := r.docker.InspectContainer(ctx, name)
	if err != nil {
		if !errors.Is(err, dockerx.ErrContainerNotFound) {
			r.logger.Warn("container inspect failed", zap.String("container", name), zap.Error(err))
		}
		return dockerx.ContainerState{Name: name, Status: "not_found"}
	}
	return *state
}
