package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Lock is the advisory single-run marker. Its owner PID is what makes it
// reclaimable: a lock whose owner no longer exists is stale regardless of
// how recently it was written.
type Lock struct {
	OwnerPID  int       `json:"owner_pid"`
	RunPID    int       `json:"run_pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ErrLockHeld is returned when a live owner already holds the lock.
var ErrLockHeld = errors.New("probe run lock is held")

// ProcessAlive reports whether pid corresponds to a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// AcquireLock takes the exclusion lock for ownerPID, recording runPID as
// the supervised process once known. It succeeds when no lock exists or
// when the existing lock is stale (neither its owner nor its recorded run
// process is alive). Time never expires a lock.
func (s *Store) AcquireLock(ownerPID, runPID int) error {
	if s.degraded {
		return nil
	}

	l := Lock{OwnerPID: ownerPID, RunPID: runPID, StartedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return err
		}
		existing, readErr := s.ReadLock()
		if readErr == nil && existing != nil {
			if ProcessAlive(existing.OwnerPID) || ProcessAlive(existing.RunPID) {
				return fmt.Errorf("%w by pid %d", ErrLockHeld, existing.OwnerPID)
			}
			// Stale: owner is gone. Reclaim and retry once.
			if rmErr := os.Remove(s.lockPath()); rmErr == nil {
				return s.AcquireLock(ownerPID, runPID)
			}
		}
		return fmt.Errorf("%w (lock file exists)", ErrLockHeld)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(s.lockPath())
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(s.lockPath())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(s.lockPath())
		return err
	}
	return nil
}

// UpdateLockRunPID rewrites the lock with the spawned process PID so a
// later instance can liveness-check the run itself, not just the owner.
func (s *Store) UpdateLockRunPID(runPID int) {
	if s.degraded {
		return
	}
	existing, err := s.ReadLock()
	if err != nil || existing == nil {
		return
	}
	existing.RunPID = runPID
	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(s.lockPath(), data, 0o644)
}

// ReadLock returns the current lock, or nil when none exists. A lock file
// that does not parse reads as an empty lock with no live owner, which
// makes it reclaimable.
func (s *Store) ReadLock() (*Lock, error) {
	b, err := os.ReadFile(s.lockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(b, &l); err != nil {
		return &Lock{}, nil
	}
	return &l, nil
}

// ReleaseLock removes the lock. Removing an absent lock is a no-op.
func (s *Store) ReleaseLock() {
	if s.degraded {
		return
	}
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		log.Printf("[state] release lock: %v", err)
	}
}
