//go:build linux

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/portalbox/portalbox/internal/portal"
)

// cpuSample is one reading of the aggregate cpu line from /proc/stat.
type cpuSample struct {
	idle  uint64
	total uint64
}

// readMetrics builds a metrics snapshot from /proc and statfs. CPU usage is
// the busy share of jiffies since the previous sample, so the first call of
// an agent reports zero.
func readMetrics(previous cpuSample) (portal.Metrics, cpuSample, error) {
	sample, err := readCPUSample()
	if err != nil {
		return portal.Metrics{}, previous, err
	}

	var cpuPercent float64
	if delta := sample.total - previous.total; previous.total > 0 && delta > 0 {
		busy := delta - (sample.idle - previous.idle)
		cpuPercent = 100 * float64(busy) / float64(delta)
	}

	memoryMiB, err := readMemoryUsedMiB()
	if err != nil {
		return portal.Metrics{}, previous, err
	}

	var fs unix.Statfs_t
	if err := unix.Statfs("/", &fs); err != nil {
		return portal.Metrics{}, previous, fmt.Errorf("statfs /: %w", err)
	}
	diskBytes := (fs.Blocks - fs.Bfree) * uint64(fs.Bsize)

	return portal.Metrics{
		Running:    true,
		CPUPercent: cpuPercent,
		MemoryMiB:  memoryMiB,
		DiskBytes:  diskBytes,
	}, sample, nil
}

func readCPUSample() (cpuSample, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuSample{}, fmt.Errorf("read /proc/stat: %w", err)
	}
	return parseCPUSample(string(data))
}

func parseCPUSample(data string) (cpuSample, error) {
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var sample cpuSample
		for i, field := range fields[1:] {
			value, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return cpuSample{}, fmt.Errorf("parse /proc/stat field %q: %w", field, err)
			}
			sample.total += value
			// Fields 4 and 5 are idle and iowait.
			if i == 3 || i == 4 {
				sample.idle += value
			}
		}
		return sample, nil
	}
	return cpuSample{}, fmt.Errorf("no aggregate cpu line in /proc/stat")
}

func readMemoryUsedMiB() (uint64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	return parseMemoryUsedMiB(string(data))
}

func parseMemoryUsedMiB(data string) (uint64, error) {
	values := map[string]uint64{}
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		if key != "MemTotal" && key != "MemAvailable" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse /proc/meminfo %s: %w", key, err)
		}
		values[key] = kb
	}

	total, ok := values["MemTotal"]
	if !ok {
		return 0, fmt.Errorf("no MemTotal in /proc/meminfo")
	}
	available := values["MemAvailable"]
	if available > total {
		available = total
	}
	return (total - available) / 1024, nil
}
