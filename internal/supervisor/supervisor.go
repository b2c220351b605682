// Package supervisor owns the single allowed concurrent probe run. One
// mutex spans the whole check-lock/spawn/persist sequence so two racing
// start requests can never both pass the liveness check. Back-pressure is
// rejection, not queueing: a second start while one runs is refused.
package supervisor

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"maxprobectl/internal/runstate"
)

// EventSink receives run lifecycle notifications (started, stopped,
// exited). Implementations must be safe for concurrent use; failures are
// the sink's problem, the supervisor never blocks on it.
type EventSink interface {
	RunEvent(kind string, rec runstate.RunRecord)
}

// Supervisor coordinates probe process lifecycle against the persisted
// run record and exclusion lock.
type Supervisor struct {
	mu       sync.Mutex
	store    *runstate.Store
	probeBin string
	sink     EventSink

	cur *runstate.RunRecord
}

// StartResult reports whether a start request was accepted.
type StartResult struct {
	Accepted bool     `json:"accepted"`
	Reason   string   `json:"reason,omitempty"`
	PID      int      `json:"pid,omitempty"`
	Cmd      []string `json:"cmd,omitempty"`
}

// StopResult reports the outcome of a stop request. Stopped is false when
// no live process was found, which is success, not an error.
type StopResult struct {
	Stopped bool `json:"stopped"`
	PID     int  `json:"pid,omitempty"`
}

// Status is the supervisor's live view, reconciled against actual process
// liveness on every call.
type Status struct {
	Running     bool      `json:"running"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CommandLine []string  `json:"cmd,omitempty"`
	Profile     string    `json:"profile,omitempty"`
	Mode        string    `json:"mode,omitempty"`
}

// New builds a supervisor and reconciles against any state a previous
// instance left behind: a persisted record whose process is still alive
// is adopted (the lock is honored); a dead one is marked terminated so
// the next start can reclaim the lock.
func New(probeBin string, store *runstate.Store, sink EventSink) *Supervisor {
	s := &Supervisor{store: store, probeBin: probeBin, sink: sink}
	s.reconcileStartup()
	return s
}

func (s *Supervisor) reconcileStartup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.store.Load()
	if rec == nil {
		return
	}
	s.cur = rec
	if !rec.Active() {
		return
	}
	if runstate.ProcessAlive(rec.PID) {
		log.Printf("[supervisor] adopted live probe run pid=%d from previous instance", rec.PID)
		go s.adoptWatcher(rec.PID)
		return
	}
	log.Printf("[supervisor] previous run pid=%d is gone, reclaiming lock", rec.PID)
	s.finishLocked(rec.PID, Termination(-1, true))
}

// Termination builds a termination value for a run we did not observe
// exiting directly.
func Termination(exitCode int, signaled bool) *runstate.Termination {
	return &runstate.Termination{
		ExitCode:   exitCode,
		Signaled:   signaled,
		FinishedAt: time.Now().UTC(),
	}
}

// Start validates params, acquires the exclusion lock and spawns the
// probe detached from the caller. It returns immediately; a watcher
// goroutine owns the rest of the run's lifetime.
func (s *Supervisor) Start(p Params) StartResult {
	p = p.Sanitize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur.Active() && runstate.ProcessAlive(s.cur.PID) {
		return StartResult{Accepted: false, Reason: "already running", PID: s.cur.PID}
	}

	if err := s.store.AcquireLock(os.Getpid(), 0); err != nil {
		return StartResult{Accepted: false, Reason: "already running"}
	}

	args := p.Args()
	cmd := exec.Command(s.probeBin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), "LANG_UI=en")

	// The probe's combined output goes to a file the watcher owns; it is
	// closed on every exit path, including forced termination.
	outLog, err := os.OpenFile(s.spawnLogPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err == nil {
		cmd.Stdout = outLog
		cmd.Stderr = outLog
	} else {
		log.Printf("[supervisor] spawn log unavailable, discarding probe output: %v", err)
	}

	if err := cmd.Start(); err != nil {
		if outLog != nil {
			outLog.Close()
		}
		s.store.ReleaseLock()
		return StartResult{Accepted: false, Reason: fmt.Sprintf("spawn failed: %v", err)}
	}

	rec := runstate.RunRecord{
		PID:         cmd.Process.Pid,
		StartedAt:   time.Now().UTC(),
		Profile:     p.Profile,
		Mode:        p.Mode,
		CommandLine: append([]string{s.probeBin}, args...),
	}
	s.cur = &rec
	s.store.Save(rec)
	s.store.UpdateLockRunPID(rec.PID)
	s.notify("started", rec)

	go s.watch(cmd, outLog)

	return StartResult{Accepted: true, PID: rec.PID, Cmd: rec.CommandLine}
}

func (s *Supervisor) spawnLogPath() string {
	return filepath.Join(s.store.Dir(), "spawn.log")
}

// watch blocks on process exit, then releases the lock and finalizes the
// record no matter how the probe ended.
func (s *Supervisor) watch(cmd *exec.Cmd, outLog *os.File) {
	err := cmd.Wait()
	if outLog != nil {
		outLog.Close()
	}

	exitCode := 0
	signaled := false
	if err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signaled = true
			}
		}
	} else if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(cmd.Process.Pid, Termination(exitCode, signaled))
}

// adoptWatcher polls liveness for a run spawned by a previous instance.
// We cannot Wait on a process we did not spawn, so polling is the only
// exit observation available.
func (s *Supervisor) adoptWatcher(pid int) {
	for runstate.ProcessAlive(pid) {
		time.Sleep(time.Second)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(pid, Termination(-1, false))
}

// finishLocked finalizes the record for pid and releases the lock. It is
// idempotent: a run already marked terminated is left alone.
func (s *Supervisor) finishLocked(pid int, term *runstate.Termination) {
	if s.cur == nil || s.cur.PID != pid || s.cur.Termination != nil {
		return
	}
	s.cur.Termination = term
	s.store.Save(*s.cur)
	s.store.ReleaseLock()
	s.notify("exited", *s.cur)
}

// Stop sends SIGTERM to the recorded process group, escalating to
// SIGKILL after the grace period. It always releases the lock, so it is
// safe to call after a crash left a stale lock, and reports Stopped=false
// when there was nothing to stop.
func (s *Supervisor) Stop(grace time.Duration) StopResult {
	s.mu.Lock()
	pid := 0
	if s.cur.Active() {
		pid = s.cur.PID
	}
	s.mu.Unlock()

	if pid <= 0 || !runstate.ProcessAlive(pid) {
		s.mu.Lock()
		if s.cur.Active() {
			s.finishLocked(s.cur.PID, Termination(-1, true))
		} else {
			s.store.ReleaseLock()
		}
		s.mu.Unlock()
		return StopResult{Stopped: false}
	}

	// Signal the whole group; the probe forks collectors.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !runstate.ProcessAlive(pid) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if runstate.ProcessAlive(pid) {
		log.Printf("[supervisor] pid=%d ignored SIGTERM for %s, escalating to SIGKILL", pid, grace)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The watcher finalizes runs we spawned; for adopted runs finishLocked
	// here is the only finalizer. Either way the lock must not survive.
	if s.cur.Active() && !runstate.ProcessAlive(s.cur.PID) {
		s.finishLocked(s.cur.PID, Termination(-1, true))
	}
	s.store.ReleaseLock()
	s.notify("stopped", s.snapshotLocked())
	return StopResult{Stopped: true, PID: pid}
}

// Status returns the current view after reconciling the record against
// actual process liveness. A cached "running" flag is never trusted.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur.Active() && !runstate.ProcessAlive(s.cur.PID) {
		s.finishLocked(s.cur.PID, Termination(-1, false))
	}

	st := Status{}
	if s.cur != nil {
		st.CommandLine = append([]string(nil), s.cur.CommandLine...)
		st.Profile = s.cur.Profile
		st.Mode = s.cur.Mode
		if s.cur.Active() {
			st.Running = true
			st.PID = s.cur.PID
			st.StartedAt = s.cur.StartedAt
		}
	}
	return st
}

func (s *Supervisor) snapshotLocked() runstate.RunRecord {
	if s.cur == nil {
		return runstate.RunRecord{}
	}
	return *s.cur
}

func (s *Supervisor) notify(kind string, rec runstate.RunRecord) {
	if s.sink == nil {
		return
	}
	s.sink.RunEvent(kind, rec)
}
