// Package sysres samples host CPU, memory and disk usage for reports.
package sysres

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
	"github.com/spider-stats-pusher/internal/types"
)

const mb = 1024 * 1024

// Sampler reads system resource usage. Failures degrade to zero values; a
// report is never held back because a counter could not be read.
type Sampler struct{}

func NewSampler() *Sampler {
	return &Sampler{}
}

func (s *Sampler) Sample(ctx context.Context) types.SystemResources {
	return types.SystemResources{
		CPUUsage:    FormatCPU(s.cpuPercent(ctx)),
		MemoryUsage: s.memory(ctx),
		DiskUsage:   s.disk(ctx),
	}
}

// FormatCPU renders a percentage the way collectors expect it, e.g. "7.25%".
func FormatCPU(percent float64) string {
	return fmt.Sprintf("%.2f%%", percent)
}

func (s *Sampler) cpuPercent(ctx context.Context) float64 {
	// Interval 0 compares against the previous call, so sampling never sleeps.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		log.Warnf("Failed to read CPU usage: %v", err)
		return 0
	}
	return percents[0]
}

func (s *Sampler) memory(ctx context.Context) types.Usage {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.Warnf("Failed to read memory usage: %v", err)
		return types.Usage{}
	}
	return types.Usage{Used: vm.Used / mb, Total: vm.Total / mb}
}

func (s *Sampler) disk(ctx context.Context) types.Usage {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		log.Warnf("Failed to list disk partitions: %v", err)
		return types.Usage{}
	}

	var total types.Usage
	seen := make(map[string]struct{}, len(partitions))
	for _, p := range partitions {
		if _, dup := seen[p.Device]; dup {
			continue
		}
		seen[p.Device] = struct{}{}

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			log.Debugf("Skipping %s: %v", p.Mountpoint, err)
			continue
		}
		total.Total += usage.Total / mb
		total.Used += (usage.Total - usage.Free) / mb
	}
	return total
}
