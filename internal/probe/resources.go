package probe

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/org/lockr/pkg/models"
)

// Read-only commands issued during the resources stage.
const (
	cmdLoadAvg = "cat /proc/loadavg"
	cmdNProc   = "nproc"
	cmdMemInfo = "cat /proc/meminfo"
	cmdDisk    = "df -P /"
)

// Reading names.
const (
	ReadingLoad   = "load_per_cpu"
	ReadingMemory = "memory_used_percent"
	ReadingDisk   = "disk_used_percent"
)

// runner runs one command, bounded by its own timeout.
type runner func(cmd string) (string, error)

func sessionRunner(ctx context.Context, s Session, cfg Config) runner {
	return func(cmd string) (string, error) {
		cctx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
		defer cancel()
		return s.Run(cctx, cmd)
	}
}

// collectReadings issues each diagnostic command independently. A failed
// command yields an unchecked reading instead of failing the others.
func collectReadings(run runner, th Thresholds) []models.ResourceReading {
	return []models.ResourceReading{
		readLoad(run, th.LoadPerCPU),
		readMemory(run, th.MemoryUsedPercent),
		readDisk(run, th.DiskUsedPercent),
	}
}

func readLoad(run runner, threshold float64) models.ResourceReading {
	r := models.ResourceReading{Name: ReadingLoad, Threshold: threshold}
	out, err := run(cmdLoadAvg)
	if err != nil {
		return unable(r, err)
	}
	load, err := parseLoadAvg(out)
	if err != nil {
		return unable(r, err)
	}
	cpus := 1
	if out, err := run(cmdNProc); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(out)); err == nil && n > 0 {
			cpus = n
		}
	}
	return measured(r, load/float64(cpus), fmt.Sprintf("1m load %.2f over %d cpu(s)", load, cpus))
}

func readMemory(run runner, threshold float64) models.ResourceReading {
	r := models.ResourceReading{Name: ReadingMemory, Threshold: threshold, Unit: "%"}
	out, err := run(cmdMemInfo)
	if err != nil {
		return unable(r, err)
	}
	used, err := parseMemInfo(out)
	if err != nil {
		return unable(r, err)
	}
	return measured(r, used, fmt.Sprintf("%.1f%% of memory in use", used))
}

func readDisk(run runner, threshold float64) models.ResourceReading {
	r := models.ResourceReading{Name: ReadingDisk, Threshold: threshold, Unit: "%"}
	out, err := run(cmdDisk)
	if err != nil {
		return unable(r, err)
	}
	used, err := parseDF(out)
	if err != nil {
		return unable(r, err)
	}
	return measured(r, used, fmt.Sprintf("%.0f%% of / in use", used))
}

func unable(r models.ResourceReading, err error) models.ResourceReading {
	r.Detail = "unable to check: " + err.Error()
	return r
}

func measured(r models.ResourceReading, v float64, detail string) models.ResourceReading {
	r.Value = v
	r.Checked = true
	r.Exceeded = v > r.Threshold
	r.Detail = detail
	return r
}

// resourcesOutcome folds readings into the stage outcome: any exceeded
// reading means issues, nothing checked means unknown.
func resourcesOutcome(readings []models.ResourceReading) models.CheckOutcome {
	out := models.CheckOutcome{Stage: models.StageResources, Method: "ssh exec"}
	var exceeded, checked []string
	for _, r := range readings {
		if !r.Checked {
			continue
		}
		checked = append(checked, r.Name)
		if r.Exceeded {
			exceeded = append(exceeded, fmt.Sprintf("%s %.2f > %.2f", r.Name, r.Value, r.Threshold))
		}
	}
	switch {
	case len(exceeded) > 0:
		out.Status, out.Code = models.StatusIssues, models.CodeResourceIssue
		out.Detail = strings.Join(exceeded, "; ")
		for _, r := range readings {
			if r.Exceeded {
				out.Remediation = append(out.Remediation, readingRemediation[r.Name])
			}
		}
	case len(checked) == 0:
		out.Status, out.Code = models.StatusUnknown, models.CodeUnknown
		out.Detail = "unable to check any resource"
		out.Remediation = remediationFor(models.StageResources, models.StatusUnknown)
	default:
		out.Status, out.Code = models.StatusHealthy, models.CodeOK
		out.Detail = "checked " + strings.Join(checked, ", ")
	}
	return out
}

func parseLoadAvg(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty loadavg")
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing loadavg: %w", err)
	}
	return v, nil
}

// parseMemInfo returns the used memory percentage from /proc/meminfo,
// counting MemAvailable as free.
func parseMemInfo(s string) (float64, error) {
	var total, avail int64 = -1, -1
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	if total <= 0 || avail < 0 {
		return 0, fmt.Errorf("meminfo lacks MemTotal or MemAvailable")
	}
	return float64(total-avail) / float64(total) * 100, nil
}

// parseDF reads the capacity column of POSIX `df -P` output.
func parseDF(s string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return 0, fmt.Errorf("unexpected df output")
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(fields[4], "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing df capacity: %w", err)
	}
	return v, nil
}
