// Package sysstat reads one-line system resource summaries from /proc
// and /sys. The summary is injected into every prompt, so it must be
// cheap, allocation-light, and never block on anything slower than a
// local file read.
package sysstat

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// thermalWarnCelsius is the zone temperature above which a warning is
// reported alongside the stats line.
const thermalWarnCelsius = 70.0

// Reader reads system statistics. ProcDir and SysDir are overridable
// for tests; zero value reads the real /proc and /sys.
type Reader struct {
	ProcDir string
	SysDir  string
}

func (r Reader) procDir() string {
	if r.ProcDir != "" {
		return r.ProcDir
	}
	return "/proc"
}

func (r Reader) sysDir() string {
	if r.SysDir != "" {
		return r.SysDir
	}
	return "/sys"
}

// Summary returns a one-line digest: memory in use, load average, and
// uptime. Missing files degrade to a partial line rather than an error;
// a prompt with fewer facts beats a failed turn.
func (r Reader) Summary() string {
	var parts []string

	if used, total, err := r.memInfo(); err == nil {
		parts = append(parts, fmt.Sprintf("mem %.1f/%.1f GiB", used, total))
	}
	if load, err := r.loadAvg(); err == nil {
		parts = append(parts, "load "+load)
	}
	if up, err := r.uptime(); err == nil {
		parts = append(parts, "up "+up.String())
	}

	if len(parts) == 0 {
		return "system stats unavailable"
	}
	return strings.Join(parts, ", ")
}

// ThermalWarning returns a warning string if any thermal zone exceeds
// the threshold, or "" when all zones are nominal or unreadable.
func (r Reader) ThermalWarning() string {
	zones, err := filepath.Glob(filepath.Join(r.sysDir(), "class/thermal/thermal_zone*/temp"))
	if err != nil {
		return ""
	}

	var hottest float64
	for _, zone := range zones {
		data, err := os.ReadFile(zone)
		if err != nil {
			continue
		}
		milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		if c := float64(milli) / 1000.0; c > hottest {
			hottest = c
		}
	}

	if hottest > thermalWarnCelsius {
		return fmt.Sprintf("thermal warning: %.1f°C", hottest)
	}
	return ""
}

// memInfo returns used and total memory in GiB.
func (r Reader) memInfo() (used, total float64, err error) {
	f, err := os.Open(filepath.Join(r.procDir(), "meminfo"))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var totalKB, availKB float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if totalKB == 0 {
		return 0, 0, fmt.Errorf("meminfo: MemTotal not found")
	}

	const kbPerGiB = 1024 * 1024
	return (totalKB - availKB) / kbPerGiB, totalKB / kbPerGiB, nil
}

// loadAvg returns the one-minute load average as written in /proc.
func (r Reader) loadAvg() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.procDir(), "loadavg"))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return "", fmt.Errorf("loadavg: empty")
	}
	return fields[0], nil
}

// uptime returns the system uptime truncated to the minute.
func (r Reader) uptime() (time.Duration, error) {
	data, err := os.ReadFile(filepath.Join(r.procDir(), "uptime"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("uptime: empty")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return (time.Duration(secs) * time.Second).Truncate(time.Minute), nil
}
