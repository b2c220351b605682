package status

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"maxprobectl/internal/runstate"
	"maxprobectl/internal/supervisor"
)

func TestReadOrDefault(t *testing.T) {
	dir := t.TempDir()

	if got := readOrDefault(filepath.Join(dir, "missing"), 64); got != "" {
		t.Errorf("missing file read as %q", got)
	}
	if got := readOrDefault(dir, 64); got != "" {
		t.Errorf("directory read as %q", got)
	}

	small := filepath.Join(dir, "small")
	if err := os.WriteFile(small, []byte("collect\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readOrDefault(small, 64); got != "collect\n" {
		t.Errorf("small read = %q", got)
	}

	// Oversized file: only the tail comes back, capped.
	big := filepath.Join(dir, "big")
	if err := os.WriteFile(big, []byte(strings.Repeat("x", 1000)+"tail"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := readOrDefault(big, 16)
	if len(got) != 16 || !strings.HasSuffix(got, "tail") {
		t.Errorf("capped read = %q (len %d)", got, len(got))
	}
}

func TestTailLines(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "run.log")

	var b strings.Builder
	for i := 1; i <= 500; i++ {
		b.WriteString(strings.Repeat("line ", 10))
		b.WriteString("\n")
	}
	b.WriteString("last line\n")
	if err := os.WriteFile(log, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	got := TailLines(log, 3, 4096)
	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %q", len(lines), got)
	}
	if lines[2] != "last line" {
		t.Errorf("last line = %q", lines[2])
	}

	// The byte cap bounds IO even for huge line counts.
	if got := TailLines(log, 100000, 64); len(got) > 64 {
		t.Errorf("byte cap exceeded: %d bytes", len(got))
	}
	if got := TailLines(log, 0, 4096); got != "" {
		t.Errorf("zero lines read as %q", got)
	}
	if got := TailLines(filepath.Join(dir, "missing"), 10, 4096); got != "" {
		t.Errorf("missing log read as %q", got)
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		raw  string
		want *Progress
	}{
		{"3/10\n", &Progress{Done: 3, Total: 10}},
		{" 0 / 0 ", &Progress{}},
		{"", nil},
		{"3", nil},
		{"a/b", nil},
		{"-1/10", nil},
		{"3/10/extra", nil},
	}
	for _, tt := range tests {
		got := parseProgress(tt.raw)
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("parseProgress(%q) = %+v, want nil", tt.raw, got)
		case tt.want != nil && (got == nil || *got != *tt.want):
			t.Errorf("parseProgress(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestParseMetricsTakesLastCompleteLine(t *testing.T) {
	raw := "# ts\tcpu\tmem\tload1\n" +
		"10:00:01\t5.0\t20.0\t0.10\n" +
		"10:00:02\t7.5\t21.0\t0.15\n" +
		"10:00:03\t9.9" // torn write
	got := parseMetrics(raw)
	if got == nil {
		t.Fatal("no metrics parsed")
	}
	if got.TS != "10:00:02" || got.CPU != "7.5" || got.Mem != "21.0" || got.Load1 != "0.15" {
		t.Fatalf("metrics = %+v", got)
	}

	if got := parseMetrics(""); got != nil {
		t.Errorf("empty input parsed as %+v", got)
	}
	if got := parseMetrics("# only a header\n"); got != nil {
		t.Errorf("header-only input parsed as %+v", got)
	}
}

func writeArchive(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, body := range members {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveSummary(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "run.tar.gz")
	writeArchive(t, archive, map[string]string{
		"keenetic-maxprobe-x-1-20240101T000000Z.work/meta/phase.txt": "archive\n",
		"keenetic-maxprobe-x-1-20240101T000000Z.work/meta/run.log":   "noise\n",
	})
	if got := archiveSummary(archive); got != "archive" {
		t.Errorf("summary = %q", got)
	}

	corrupt := filepath.Join(dir, "corrupt.tar.gz")
	if err := os.WriteFile(corrupt, []byte("not a gzip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := archiveSummary(corrupt); got != "" {
		t.Errorf("corrupt archive summarized as %q", got)
	}

	empty := filepath.Join(dir, "empty.tar.gz")
	writeArchive(t, empty, map[string]string{"unrelated.txt": "x"})
	if got := archiveSummary(empty); got != "" {
		t.Errorf("summary of archive without members = %q", got)
	}
}

func TestAggregatorCurrent(t *testing.T) {
	base := t.TempDir()
	sup := supervisor.New("/nonexistent/probe", runstate.NewStore(t.TempDir()), nil)
	agg := NewAggregator(sup, []string{base})

	// Cold start: nothing on disk.
	snap := agg.Current()
	if snap.Run.Running {
		t.Fatalf("cold snapshot claims running: %+v", snap.Run)
	}
	if snap.WorkDir != nil || snap.Archive != nil || snap.Progress != nil {
		t.Fatalf("cold snapshot found artifacts: %+v", snap)
	}
	if snap.Archives == nil || len(snap.Archives) != 0 {
		t.Fatalf("archives should be an empty list: %+v", snap.Archives)
	}
	if snap.ServerTS.IsZero() {
		t.Fatal("no server timestamp")
	}

	// Active working directory: meta files drive the snapshot.
	work := filepath.Join(base, "keenetic-maxprobe-ab12-1-20240101T000000Z.work")
	meta := filepath.Join(work, "meta")
	if err := os.MkdirAll(meta, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(meta, "phase.txt"), []byte("collect\n"), 0o644)
	os.WriteFile(filepath.Join(meta, "progress.txt"), []byte("4/9\n"), 0o644)
	os.WriteFile(filepath.Join(meta, "metrics_current.tsv"), []byte("10:00:00\t12.5\t33.0\t0.42\n"), 0o644)

	snap = agg.Current()
	if snap.WorkDir == nil {
		t.Fatal("workdir not found")
	}
	if snap.Phase != "collect" {
		t.Errorf("phase = %q", snap.Phase)
	}
	if snap.Progress == nil || snap.Progress.Done != 4 || snap.Progress.Total != 9 {
		t.Errorf("progress = %+v", snap.Progress)
	}
	if snap.Metrics == nil || snap.Metrics.CPU != "12.5" {
		t.Errorf("metrics = %+v", snap.Metrics)
	}
	if snap.Summary != "" {
		t.Errorf("summary set while workdir exists: %q", snap.Summary)
	}

	// Workdir gone, archive left behind: summary comes from the tarball.
	if err := os.RemoveAll(work); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(base, "keenetic-maxprobe-ab12-1-20240101T000000Z.tar.gz")
	writeArchive(t, archive, map[string]string{
		"keenetic-maxprobe-ab12-1-20240101T000000Z.work/meta/phase.txt": "done\n",
	})

	snap = agg.Current()
	if snap.WorkDir != nil {
		t.Fatalf("stale workdir: %+v", snap.WorkDir)
	}
	if snap.Archive == nil || snap.Summary != "done" {
		t.Fatalf("archive summary missing: archive=%+v summary=%q", snap.Archive, snap.Summary)
	}
	if len(snap.Archives) != 1 {
		t.Fatalf("archives list = %+v", snap.Archives)
	}
}

func TestSnapshotIdempotentModuloServerTime(t *testing.T) {
	base := t.TempDir()
	sup := supervisor.New("/nonexistent/probe", runstate.NewStore(t.TempDir()), nil)
	agg := NewAggregator(sup, []string{base})

	if err := os.WriteFile(filepath.Join(base, "keenetic-maxprobe-ab12-1-20240101T000000Z.tar.gz"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	first := agg.Current()
	second := agg.Current()
	first.ServerTS = second.ServerTS

	a, err := json.Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(second)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("snapshots differ:\n%s\n%s", a, b)
	}
}

func TestLogPath(t *testing.T) {
	base := t.TempDir()
	sup := supervisor.New("/nonexistent/probe", runstate.NewStore(t.TempDir()), nil)
	agg := NewAggregator(sup, []string{base})

	if got := agg.LogPath("run"); got != "" {
		t.Errorf("log path without workdir = %q", got)
	}

	work := filepath.Join(base, "keenetic-maxprobe-ab12-1-20240101T000000Z.work")
	if err := os.MkdirAll(filepath.Join(work, "meta"), 0o755); err != nil {
		t.Fatal(err)
	}
	if got := agg.LogPath("run"); got != filepath.Join(work, "meta", "run.log") {
		t.Errorf("run log path = %q", got)
	}
	if got := agg.LogPath("errors"); got != filepath.Join(work, "meta", "errors.log") {
		t.Errorf("errors log path = %q", got)
	}
}
