package retention

import (
	"context"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/blinksync/syncbrain/internal/errors"
)

// Usage is the state of the filesystem holding the clip directory
type Usage struct {
	Total   uint64  `json:"total_bytes"`
	Used    uint64  `json:"used_bytes"`
	Free    uint64  `json:"free_bytes"`
	Percent float64 `json:"used_percent"`
}

// Fraction returns usage in [0,1]
func (u Usage) Fraction() float64 {
	return u.Percent / 100
}

// UsageProvider reports filesystem usage for a path
type UsageProvider interface {
	Usage(ctx context.Context, path string) (Usage, error)
}

// DiskUsage reads usage from the OS
type DiskUsage struct{}

// Usage implements UsageProvider
func (DiskUsage) Usage(ctx context.Context, path string) (Usage, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Usage{}, errors.New(err).
			Component("retention").
			Category(errors.CategoryDiskUsage).
			Context("path", path).
			Build()
	}
	return Usage{Total: stat.Total, Used: stat.Used, Free: stat.Free, Percent: stat.UsedPercent}, nil
}
