package collector

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/siteops/internal/models"
)

// DiskPercent returns the used share of the filesystem holding path.
func DiskPercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	avail := float64(st.Bavail) * float64(st.Bsize)
	free := float64(st.Bfree) * float64(st.Bsize)
	used := total - free
	// Match df: used / (used + available to unprivileged users).
	return used / (used + avail) * 100.0, nil
}

// UsageReader combines container stats and filesystem usage into one
// resource reading per service.
type UsageReader struct {
	stats *DockerStats
	disk  func(path string) (float64, error)
}

// NewUsageReader builds a reader. stats may be nil when services are not
// containers; disk usage is still read for services with a disk path.
func NewUsageReader(stats *DockerStats) *UsageReader {
	return &UsageReader{stats: stats, disk: DiskPercent}
}

func (r *UsageReader) Usage(ctx context.Context, svc models.ServiceDescriptor) (Usage, error) {
	var u Usage
	if r.stats != nil {
		var err error
		u, err = r.stats.Usage(ctx, svc)
		if err != nil {
			return Usage{}, err
		}
	}
	if svc.DiskPath != "" {
		pct, err := r.disk(svc.DiskPath)
		if err != nil {
			return u, err
		}
		u.DiskPercent = pct
		u.HaveDisk = true
	}
	return u, nil
}

// Disk reports filesystem usage of every desired service with a disk path.
type Disk struct {
	services ServiceSource
	now      func() time.Time
}

func NewDisk(services ServiceSource) *Disk {
	return &Disk{services: services, now: time.Now}
}

func (d *Disk) Name() string { return "disk" }

func (d *Disk) Scrape(context.Context) ([]models.MetricSample, error) {
	var out []models.MetricSample
	for _, svc := range d.services.Desired() {
		if svc.DiskPath == "" {
			continue
		}
		pct, err := DiskPercent(svc.DiskPath)
		if err != nil {
			return out, err
		}
		out = append(out, UsageSamples(svc.Name, Usage{DiskPercent: pct, HaveDisk: true}, d.now())...)
	}
	return out, nil
}
