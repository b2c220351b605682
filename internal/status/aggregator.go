// Package status assembles "what is happening right now" from the
// supervisor's live state and the probe's own progress files. Every read
// of probe-written files goes through readOrDefault: missing, truncated
// or malformed input yields a default, never an error. The probe's health
// must not be blocked by reporting.
package status

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"maxprobectl/internal/artifacts"
	"maxprobectl/internal/supervisor"
	"maxprobectl/internal/sysmon"
)

const (
	phaseCap    = 512
	progressCap = 64
	metricsCap  = 512
)

// Metrics is the most recent resource line the probe recorded:
// tab-separated timestamp, CPU%, memory%, 1-minute load.
type Metrics struct {
	TS    string `json:"ts"`
	CPU   string `json:"cpu"`
	Mem   string `json:"mem"`
	Load1 string `json:"load1"`
}

// Progress is the probe's "done/total" step counter.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Snapshot is the aggregated control-plane status.
type Snapshot struct {
	Run       supervisor.Status   `json:"run"`
	ProcStats *sysmon.ProcStats   `json:"proc,omitempty"`
	WorkDir   *artifacts.WorkDir  `json:"workdir,omitempty"`
	Archive   *artifacts.Archive  `json:"latest_archive,omitempty"`
	Archives  []artifacts.Archive `json:"archives"`
	Phase     string              `json:"phase,omitempty"`
	Progress  *Progress           `json:"progress,omitempty"`
	Metrics   *Metrics            `json:"metrics,omitempty"`
	Summary   string              `json:"archive_summary,omitempty"`
	ServerTS  time.Time           `json:"server_ts"`
}

// Aggregator polls the filesystem fresh on every call; it holds no state
// beyond its configuration.
type Aggregator struct {
	sup   *supervisor.Supervisor
	bases []string
}

func NewAggregator(sup *supervisor.Supervisor, bases []string) *Aggregator {
	return &Aggregator{sup: sup, bases: bases}
}

// Current builds a snapshot. If a working directory exists its meta files
// are read fresh; otherwise a bounded summary is pulled out of the latest
// archive without unpacking it.
func (a *Aggregator) Current() Snapshot {
	snap := Snapshot{
		Run:      a.sup.Status(),
		WorkDir:  artifacts.LatestWorkDir(a.bases),
		Archive:  artifacts.LatestArchive(a.bases),
		Archives: artifacts.ListArchives(a.bases, 10),
		ServerTS: time.Now().UTC(),
	}
	if snap.Archives == nil {
		snap.Archives = []artifacts.Archive{}
	}

	if snap.Run.Running {
		if st, err := sysmon.Sample(snap.Run.PID); err == nil {
			snap.ProcStats = &st
		}
	}

	if snap.WorkDir != nil {
		meta := filepath.Join(snap.WorkDir.Path, "meta")
		snap.Phase = strings.TrimSpace(readOrDefault(filepath.Join(meta, "phase.txt"), phaseCap))
		snap.Progress = parseProgress(readOrDefault(filepath.Join(meta, "progress.txt"), progressCap))
		snap.Metrics = parseMetrics(readOrDefault(filepath.Join(meta, "metrics_current.tsv"), metricsCap))
		return snap
	}

	if snap.Archive != nil {
		snap.Summary = archiveSummary(snap.Archive.Path)
	}
	return snap
}

// LogPath resolves the probe's run or errors log inside the latest
// working directory, or "" when no working directory exists.
func (a *Aggregator) LogPath(kind string) string {
	w := artifacts.LatestWorkDir(a.bases)
	if w == nil {
		return ""
	}
	name := "run.log"
	if kind == "errors" {
		name = "errors.log"
	}
	return filepath.Join(w.Path, "meta", name)
}

// parseProgress accepts "done/total"; anything else reads as no progress.
func parseProgress(raw string) *Progress {
	raw = strings.TrimSpace(raw)
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return nil
	}
	done, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	total, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || done < 0 || total < 0 {
		return nil
	}
	return &Progress{Done: done, Total: total}
}

// parseMetrics takes the last non-empty line of the probe's current
// metrics file. Partially written lines simply fail the field-count check
// and read as no metrics; the probe overwrites this file in place.
func parseMetrics(raw string) *Metrics {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 4 {
			continue
		}
		return &Metrics{TS: parts[0], CPU: parts[1], Mem: parts[2], Load1: parts[3]}
	}
	return nil
}
