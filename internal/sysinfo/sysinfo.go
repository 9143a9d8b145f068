// Package sysinfo reads host metrics from Linux procfs so clients can see
// how loaded the machine running their sessions is.
package sysinfo

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// HostMetrics is a snapshot of host load.
type HostMetrics struct {
	CPULoadAvg1      float64 `json:"cpuLoadAvg1"`
	CPULoadAvg5      float64 `json:"cpuLoadAvg5"`
	NumCPU           int     `json:"numCpu"`
	MemoryTotalBytes uint64  `json:"memoryTotalBytes"`
	MemoryPercent    float64 `json:"memoryPercent"`
	DiskPath         string  `json:"diskPath"`
	DiskPercent      float64 `json:"diskPercent"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
	Goroutines       int     `json:"goroutines"`
}

// MemoryInfo holds system memory usage.
type MemoryInfo struct {
	TotalBytes     uint64
	AvailableBytes uint64
	UsedPercent    float64
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	CacheTTL time.Duration // default 5s
	DiskPath string        // filesystem reported for disk usage, default "/"
}

// Collector gathers host metrics, caching them for CacheTTL.
type Collector struct {
	config CollectorConfig

	mu       sync.Mutex
	cached   *HostMetrics
	cachedAt time.Time

	// readFile and statFS are injectable for testing.
	readFile func(path string) (string, error)
	statFS   func(path string) (*unix.Statfs_t, error)
}

// NewCollector creates a new host metrics collector.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	return &Collector{
		config:   cfg,
		readFile: readFile,
		statFS:   statFS,
	}
}

// Collect returns current host metrics. Load and memory are required; disk
// and uptime are left zero when unavailable.
func (c *Collector) Collect() (*HostMetrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && time.Since(c.cachedAt) < c.config.CacheTTL {
		result := *c.cached
		return &result, nil
	}

	loadavg, err := c.readFile("/proc/loadavg")
	if err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}
	meminfo, err := c.readFile("/proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	m := HostMetrics{
		NumCPU:     runtime.NumCPU(),
		DiskPath:   c.config.DiskPath,
		Goroutines: runtime.NumGoroutine(),
	}
	m.CPULoadAvg1, m.CPULoadAvg5 = ParseLoadAvg(loadavg)
	mem := ParseMemInfo(meminfo)
	m.MemoryTotalBytes = mem.TotalBytes
	m.MemoryPercent = mem.UsedPercent
	if stat, err := c.statFS(c.config.DiskPath); err == nil {
		m.DiskPercent = DiskUsedPercent(stat)
	}
	if uptime, err := c.readFile("/proc/uptime"); err == nil {
		m.UptimeSeconds = ParseUptime(uptime)
	}

	c.cached = &m
	c.cachedAt = time.Now()
	result := m
	return &result, nil
}

// ParseLoadAvg returns the 1 and 5 minute load averages from /proc/loadavg.
func ParseLoadAvg(content string) (avg1, avg5 float64) {
	fields := strings.Fields(content)
	if len(fields) >= 1 {
		avg1, _ = strconv.ParseFloat(fields[0], 64)
	}
	if len(fields) >= 2 {
		avg5, _ = strconv.ParseFloat(fields[1], 64)
	}
	return avg1, avg5
}

// ParseMemInfo parses the content of /proc/meminfo.
func ParseMemInfo(content string) MemoryInfo {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		key, val, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "kB"))
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		fields[strings.TrimSpace(key)] = n * 1024
	}

	total := fields["MemTotal"]
	available, ok := fields["MemAvailable"]
	if !ok {
		// Kernels before 3.14 have no MemAvailable.
		available = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}

	info := MemoryInfo{TotalBytes: total, AvailableBytes: available}
	if total > 0 && total > available {
		info.UsedPercent = roundTo(float64(total-available)/float64(total)*100, 1)
	}
	return info
}

// DiskUsedPercent converts a Statfs_t to the used share of the filesystem.
func DiskUsedPercent(stat *unix.Statfs_t) float64 {
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0
	}
	used := total - stat.Bfree*uint64(stat.Bsize)
	return roundTo(float64(used)/float64(total)*100, 1)
}

// ParseUptime returns the seconds since boot from /proc/uptime.
func ParseUptime(content string) float64 {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return 0
	}
	seconds, _ := strconv.ParseFloat(fields[0], 64)
	return seconds
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func statFS(path string) (*unix.Statfs_t, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}

func roundTo(val float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(val*pow) / pow
}
