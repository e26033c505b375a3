// Package metrics owns the Prometheus registry for the agent: per-app backup
// freshness gauges, the running-jobs gauge, and host utilization collected
// with gopsutil.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Metrics bundles the registry and the gauges the pipelines update.
// A private registry keeps the exposition limited to agent metrics.
type Metrics struct {
	registry *prometheus.Registry

	BackupLastSuccess *prometheus.GaugeVec
	BackupLastEpoch   *prometheus.GaugeVec
	JobsRunning       prometheus.Gauge

	HostCPUPercent  prometheus.Gauge
	HostMemPercent  prometheus.Gauge
	HostDiskPercent prometheus.Gauge
}

// New creates and registers all gauges.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BackupLastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ops_backup_last_success",
			Help: "last backup success",
		}, []string{"app"}),
		BackupLastEpoch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ops_backup_last_epoch",
			Help: "last backup timestamp",
		}, []string{"app"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ops_jobs_running",
			Help: "jobs currently running",
		}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ops_host_cpu_percent",
			Help: "host CPU utilization percent",
		}),
		HostMemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ops_host_mem_percent",
			Help: "host memory utilization percent",
		}),
		HostDiskPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ops_host_disk_percent",
			Help: "host root filesystem utilization percent",
		}),
	}

	m.registry.MustRegister(
		m.BackupLastSuccess,
		m.BackupLastEpoch,
		m.JobsRunning,
		m.HostCPUPercent,
		m.HostMemPercent,
		m.HostDiskPercent,
	)
	return m
}

// RecordBackup marks an app as successfully backed up at the given time.
func (m *Metrics) RecordBackup(app string, when time.Time) {
	m.BackupLastSuccess.WithLabelValues(app).Set(1)
	m.BackupLastEpoch.WithLabelValues(app).Set(float64(when.Unix()))
}

// Handler returns the Prometheus text exposition handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HostUsage is a point-in-time sample of host utilization.
type HostUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// CollectHost samples host utilization and updates the host gauges.
// Collection errors leave the affected gauge untouched.
func (m *Metrics) CollectHost(ctx context.Context, logger *zap.Logger) HostUsage {
	var usage HostUsage

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		usage.CPUPercent = percents[0]
		m.HostCPUPercent.Set(percents[0])
	} else if err != nil {
		logger.Debug("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		usage.MemPercent = vm.UsedPercent
		m.HostMemPercent.Set(vm.UsedPercent)
	} else {
		logger.Debug("memory sample failed", zap.Error(err))
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		usage.DiskPercent = du.UsedPercent
		m.HostDiskPercent.Set(du.UsedPercent)
	} else {
		logger.Debug("disk sample failed", zap.Error(err))
	}

	return usage
}
