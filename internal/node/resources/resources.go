// Package resources gathers the dynamic ResourceSnapshot a node attaches
// to every heartbeat. It generalizes a ticker-driven
// gopsutil poll (main.go's cpu.Percent/mem.VirtualMemory loop) into the
// fuller snapshot shape Symphony reports: per-core load, storage mounts,
// and an optional GPU inventory.
package resources

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"symphony/pkg/model"
)

// Collector samples host resource usage on demand. It holds no state
// beyond the configured mount list, so it's safe to share across the
// heartbeat ticker and any ad-hoc callers.
type Collector struct {
	mounts   []string
	gpuProbe bool
}

// New returns a Collector that reports usage for the given mount paths.
// gpuProbe enables the nvidia-smi shellout; it is a no-op (and never
// errors) on hosts without an NVIDIA driver installed.
func New(mounts []string, gpuProbe bool) *Collector {
	return &Collector{mounts: mounts, gpuProbe: gpuProbe}
}

// Snapshot gathers a best-effort ResourceSnapshot. Individual sub-probes
// that fail (no disk mounted at a configured path, nvidia-smi absent)
// are skipped rather than failing the whole snapshot — a heartbeat with
// partial data is far more useful than a dropped heartbeat.
func (c *Collector) Snapshot(ctx context.Context) model.ResourceSnapshot {
	snap := model.ResourceSnapshot{}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if perCore, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		snap.PerCorePercent = perCore
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsed = vm.Used
		snap.MemoryTotal = vm.Total
	}

	for _, path := range c.mounts {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			continue
		}
		snap.Mounts = append(snap.Mounts, model.StorageMount{
			Path:       path,
			TotalBytes: usage.Total,
			UsedBytes:  usage.Used,
		})
	}

	if c.gpuProbe {
		snap.GPUs = probeGPUs(ctx)
	}
	return snap
}

// probeGPUs shells out to nvidia-smi in CSV mode; absence of the binary or
// a non-zero exit simply yields no GPUs, matching the rest of the
// snapshot's "best effort" contract.
func probeGPUs(ctx context.Context) []model.GPUInfo {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=uuid,index,name",
		"--format=csv,noheader")
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var gpus []model.GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			continue
		}
		gpus = append(gpus, model.GPUInfo{
			UUID:      strings.TrimSpace(fields[0]),
			Device:    "nvidia" + strconv.Itoa(len(gpus)),
			ModelName: strings.TrimSpace(fields[2]),
		})
	}
	return gpus
}
