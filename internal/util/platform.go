package util

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo holds static information about the host.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	GoVersion    string `json:"go_version"`
	CPUModel     string `json:"cpu_model"`
	CPUThreads   int    `json:"cpu_threads"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	BootTime     uint64 `json:"boot_time"`
}

// GetSystemInfo gathers host information. Fields that cannot be read are
// left zero.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		GoVersion:    runtime.Version(),
		CPUThreads:   runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.BootTime = hostInfo.BootTime
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}
	return info
}

// ResourceSnapshot is a point-in-time view of host and process load.
type ResourceSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	ProcessRSSMB  uint64    `json:"process_rss_mb"`
	ProcessFDs    int32     `json:"process_fds"`
	Goroutines    int       `json:"goroutines"`
	TakenAt       time.Time `json:"taken_at"`
}

// SnapshotResources samples CPU, memory, the disk holding dataPath, and this
// process. Unreadable values are left zero; the error reports the first
// failure.
func SnapshotResources(dataPath string) (ResourceSnapshot, error) {
	snap := ResourceSnapshot{
		Goroutines: runtime.NumGoroutine(),
		TakenAt:    time.Now(),
	}
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if pct, err := GetCPUUsage(); err == nil {
		snap.CPUPercent = pct
	} else {
		keep(err)
	}
	if m, err := GetMemoryUsage(); err == nil {
		snap.MemoryPercent = m.UsedPercent
	} else {
		keep(err)
	}
	if dataPath != "" {
		if d, err := GetDiskUsage(dataPath); err == nil {
			snap.DiskPercent = d.UsedPercent
		} else {
			keep(err)
		}
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if m, err := p.MemoryInfo(); err == nil {
			snap.ProcessRSSMB = m.RSS / (1024 * 1024)
		}
		if fds, err := p.NumFDs(); err == nil {
			snap.ProcessFDs = fds
		}
	} else {
		keep(err)
	}
	return snap, firstErr
}

// DiskUsage holds disk usage statistics for one path.
type DiskUsage struct {
	Total       uint64  `json:"total_gb"`
	Used        uint64  `json:"used_gb"`
	Free        uint64  `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetDiskUsage returns usage of the filesystem holding path.
func GetDiskUsage(path string) (*DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return nil, err
	}
	return &DiskUsage{
		Total:       usage.Total / (1024 * 1024 * 1024),
		Used:        usage.Used / (1024 * 1024 * 1024),
		Free:        usage.Free / (1024 * 1024 * 1024),
		UsedPercent: usage.UsedPercent,
	}, nil
}

// GetCPUUsage returns the CPU usage percentage since the previous call.
func GetCPUUsage() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) > 0 {
		return percentages[0], nil
	}
	return 0, nil
}

// MemoryUsage holds system memory usage.
type MemoryUsage struct {
	Total       uint64  `json:"total_mb"`
	Used        uint64  `json:"used_mb"`
	Available   uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetMemoryUsage returns current system memory usage.
func GetMemoryUsage() (*MemoryUsage, error) {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	return &MemoryUsage{
		Total:       memInfo.Total / (1024 * 1024),
		Used:        memInfo.Used / (1024 * 1024),
		Available:   memInfo.Available / (1024 * 1024),
		UsedPercent: memInfo.UsedPercent,
	}, nil
}

// EnsureDir creates a directory and its parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
