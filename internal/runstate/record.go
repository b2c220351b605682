// Package runstate persists the current probe run across restarts of the
// control service: a JSON run record plus a PID-owned lock file. Staleness
// of the lock is decided by process liveness, never by age.
package runstate

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Termination describes how a run ended.
type Termination struct {
	ExitCode   int       `json:"exit_code"`
	Signaled   bool      `json:"signaled"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunRecord is the durable record of the current or last probe run.
type RunRecord struct {
	PID         int          `json:"pid"`
	StartedAt   time.Time    `json:"started_at"`
	Profile     string       `json:"profile"`
	Mode        string       `json:"mode"`
	CommandLine []string     `json:"command_line"`
	Termination *Termination `json:"termination,omitempty"`
}

// Active reports whether the record claims a still-running process.
// Callers must still reconcile against actual liveness.
func (r *RunRecord) Active() bool {
	return r != nil && r.PID > 0 && r.Termination == nil
}

// Store reads and writes the run record and the exclusion lock under a
// single state directory. All writes are best-effort: if the directory is
// unusable the store degrades to memory-only and the service keeps going.
type Store struct {
	dir      string
	degraded bool

	// memory fallback when the state dir is unusable
	mem *RunRecord
}

// NewStore prepares a store rooted at dir, creating it if needed. An
// unusable directory is a warning, not an error.
func NewStore(dir string) *Store {
	s := &Store{dir: dir}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[state] state dir %s unusable, running memory-only: %v", dir, err)
		s.degraded = true
	}
	return s
}

func (s *Store) recordPath() string { return filepath.Join(s.dir, "run.json") }
func (s *Store) lockPath() string   { return filepath.Join(s.dir, "run.lock") }

// Dir returns the state directory. It may be unusable when the store is
// degraded; callers treat anything under it as best-effort.
func (s *Store) Dir() string { return s.dir }

// Load returns the persisted run record, or nil when none exists. A
// malformed record reads as absent; the next Save overwrites it.
func (s *Store) Load() *RunRecord {
	if s.degraded {
		return s.mem
	}
	b, err := os.ReadFile(s.recordPath())
	if err != nil {
		return nil
	}
	var rec RunRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil
	}
	return &rec
}

// Save atomically replaces the run record: write a temp file, fsync,
// rename. A reader never observes a half-written record. Failures degrade
// to memory-only state and are logged once per call, never fatal.
func (s *Store) Save(rec RunRecord) {
	s.mem = &rec
	if s.degraded {
		return
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Printf("[state] marshal run record: %v", err)
		return
	}
	tmp, err := os.CreateTemp(s.dir, "run-*.json.tmp")
	if err != nil {
		log.Printf("[state] persist run record: %v (continuing in memory)", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		log.Printf("[state] persist run record: %v (continuing in memory)", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		log.Printf("[state] persist run record: %v (continuing in memory)", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		log.Printf("[state] persist run record: %v (continuing in memory)", err)
		return
	}
	if err := os.Rename(tmpName, s.recordPath()); err != nil {
		os.Remove(tmpName)
		log.Printf("[state] persist run record: %v (continuing in memory)", err)
	}
}
