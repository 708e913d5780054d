package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"golang.org/x/sync/semaphore"

	"github.com/siteops/internal/models"
)

const maxConcurrentStats = 10

// StatsAPI is the part of the docker client used for resource stats.
type StatsAPI interface {
	ContainerStats(ctx context.Context, containerID string, stream bool) (types.ContainerStats, error)
}

// Usage is one resource reading of a service. The Have flags tell which
// values were actually observed.
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	HaveCPU       bool
	HaveMemory    bool
	HaveDisk      bool
}

// DockerStats reads CPU and memory usage of service containers.
type DockerStats struct {
	api      StatsAPI
	services ServiceSource
	sem      *semaphore.Weighted
	now      func() time.Time
}

func NewDockerStats(api StatsAPI, services ServiceSource) *DockerStats {
	return &DockerStats{
		api:      api,
		services: services,
		sem:      semaphore.NewWeighted(maxConcurrentStats),
		now:      time.Now,
	}
}

func (d *DockerStats) Name() string { return "docker" }

// Scrape collects one sample per resource for every desired service.
func (d *DockerStats) Scrape(ctx context.Context) ([]models.MetricSample, error) {
	services := d.services.Desired()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		samples []models.MetricSample
		errs    []error
	)
	for _, svc := range services {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(svc models.ServiceDescriptor) {
			defer wg.Done()
			defer d.sem.Release(1)

			usage, err := d.Usage(ctx, svc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			samples = append(samples, UsageSamples(svc.Name, usage, d.now())...)
		}(svc)
	}
	wg.Wait()

	if len(errs) > 0 {
		return samples, fmt.Errorf("stats errors: %v", errs)
	}
	return samples, nil
}

// Usage reads the current CPU and memory percentage of a service container.
func (d *DockerStats) Usage(ctx context.Context, svc models.ServiceDescriptor) (Usage, error) {
	resp, err := d.api.ContainerStats(ctx, svc.UnitName(), false)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get stats for %s: %w", svc.Name, err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Usage{}, fmt.Errorf("failed to decode stats for %s: %w", svc.Name, err)
	}

	u := Usage{CPUPercent: calculateCPUPercentUnix(stats), HaveCPU: true}
	if stats.MemoryStats.Limit > 0 {
		u.MemoryPercent = float64(stats.MemoryStats.Usage) / float64(stats.MemoryStats.Limit) * 100.0
		u.HaveMemory = true
	}
	return u, nil
}

// UsageSamples converts a usage reading into metric samples for service.
func UsageSamples(service string, u Usage, ts time.Time) []models.MetricSample {
	labels := map[string]string{"service": service}
	var out []models.MetricSample
	if u.HaveCPU {
		out = append(out, models.MetricSample{Name: models.MetricCPUUsage, Value: u.CPUPercent, Timestamp: ts, Labels: labels})
	}
	if u.HaveMemory {
		out = append(out, models.MetricSample{Name: models.MetricMemoryUsage, Value: u.MemoryPercent, Timestamp: ts, Labels: labels})
	}
	if u.HaveDisk {
		out = append(out, models.MetricSample{Name: models.MetricDiskUsage, Value: u.DiskPercent, Timestamp: ts, Labels: labels})
	}
	return out
}

func calculateCPUPercentUnix(stats types.StatsJSON) float64 {
	cpuPercent := 0.0
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)

	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if systemDelta > 0.0 && cpuDelta > 0.0 {
		cpuPercent = (cpuDelta / systemDelta) * cpus * 100.0
	}
	return cpuPercent
}
