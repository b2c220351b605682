package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"

	"maxprobectl/internal/runstate"
	"maxprobectl/internal/status"
	"maxprobectl/internal/supervisor"
)

var demoSeconds int

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a short end-to-end demo against a stub probe",
	Long: `Runs a deterministic demonstration without touching the real probe:
1) spawns a stub probe that writes progress files and an archive,
2) supervises it through the normal single-flight path,
3) polls live status while it runs,
4) prints an outcome summary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo()
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().IntVar(&demoSeconds, "seconds", 5, "stub probe runtime in seconds")
}

// demoScript emulates the probe's observable behavior: a grammar-named
// working directory with meta files updated once a second, then a
// tarball plus checksum, then workdir cleanup.
const demoScript = `#!/bin/sh
base="$1"
secs="$2"
name="keenetic-maxprobe-demo0-1-$(date -u +%Y%m%dT%H%M%SZ)"
work="$base/$name.work"
mkdir -p "$work/meta"
i=0
while [ "$i" -lt "$secs" ]; do
  i=$((i+1))
  echo "collect" > "$work/meta/phase.txt"
  echo "$i/$secs" > "$work/meta/progress.txt"
  printf '%s\t%s\t%s\t%s\n' "$(date -u +%H:%M:%S)" "12.5" "33.0" "0.42" > "$work/meta/metrics_current.tsv"
  echo "step $i done" >> "$work/meta/run.log"
  sleep 1
done
echo "archive" > "$work/meta/phase.txt"
tar -czf "$base/$name.tar.gz" -C "$base" "$name.work"
sha256sum "$base/$name.tar.gz" > "$base/$name.tar.gz.sha256" 2>/dev/null || true
rm -rf "$work"
`

func runDemo() error {
	base, err := os.MkdirTemp("", "maxprobectl-demo-")
	if err != nil {
		return fmt.Errorf("demo base: %w", err)
	}
	defer os.RemoveAll(base)

	script := filepath.Join(base, "stub-probe.sh")
	if err := os.WriteFile(script, []byte(demoScript), 0o755); err != nil {
		return fmt.Errorf("write stub probe: %w", err)
	}
	wrapper := filepath.Join(base, "probe")
	wrap := fmt.Sprintf("#!/bin/sh\nexec %s %s %d\n", script, base, demoSeconds)
	if err := os.WriteFile(wrapper, []byte(wrap), 0o755); err != nil {
		return fmt.Errorf("write stub wrapper: %w", err)
	}

	store := runstate.NewStore(filepath.Join(base, "state"))
	sup := supervisor.New(wrapper, store, nil)
	agg := status.NewAggregator(sup, []string{base})

	fmt.Println("[demo] starting stub probe...")
	res := sup.Start(supervisor.Params{Profile: "quick", Mode: "fast"})
	if !res.Accepted {
		return fmt.Errorf("demo start rejected: %s", res.Reason)
	}
	fmt.Printf("[demo] running pid=%d\n", res.PID)

	if second := sup.Start(supervisor.Params{}); second.Accepted {
		return fmt.Errorf("demo accepted a second concurrent run")
	}
	fmt.Println("[demo] second start correctly rejected (already running)")

	mon, monErr := process.NewProcess(int32(res.PID))
	started := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		snap := agg.Current()
		line := fmt.Sprintf("[demo] phase=%q", snap.Phase)
		if snap.Progress != nil {
			line += fmt.Sprintf(" progress=%d/%d", snap.Progress.Done, snap.Progress.Total)
		}
		if monErr == nil {
			if cpu, err := mon.CPUPercent(); err == nil {
				line += fmt.Sprintf(" cpu=%.1f%%", cpu)
			}
		}
		fmt.Println(line)
		if !snap.Run.Running {
			break
		}
		if time.Since(started) > time.Duration(demoSeconds+15)*time.Second {
			_ = sup.Stop(2 * time.Second)
			return fmt.Errorf("demo stub overran its window")
		}
	}

	final := agg.Current()
	if final.Archive == nil {
		return fmt.Errorf("demo finished without producing an archive")
	}
	fmt.Printf("\n[demo] archive %s (%d bytes)\n", final.Archive.Name, final.Archive.Size)
	fmt.Printf("[demo] completed in %.1f seconds\n", time.Since(started).Seconds())
	return nil
}
