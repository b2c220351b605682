// Package api is the HTTP control surface for probe runs: start/stop,
// live status, log tails, archive listing and downloads. Every /api and
// /download route is token-guarded when a token is configured and
// rate-limited per client IP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"maxprobectl/internal/artifacts"
	"maxprobectl/internal/config"
	"maxprobectl/internal/database"
	"maxprobectl/internal/metrics"
	"maxprobectl/internal/preflight"
	"maxprobectl/internal/runstate"
	"maxprobectl/internal/status"
	"maxprobectl/internal/supervisor"
)

const (
	requestIDHeader    = "X-Request-Id"
	maxRequestIDLength = 128

	defaultLogLines = 200
	maxLogLines     = 2000
	logTailByteCap  = 256 * 1024

	downloadChunk = 64 * 1024
)

// Server wires the supervisor, aggregator and persistence behind the
// HTTP routes. No package-level mutable state: everything a handler
// touches is injected here.
type Server struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	agg     *status.Aggregator
	metrics *metrics.Store
	limiter *rateLimiter
}

// New builds the full control plane: state store, supervisor (with its
// run-event sink), aggregator and HTTP server. A failed database init is
// a warning; run history is then simply unavailable.
func New(cfg *config.Config) *Server {
	if cfg.DBPath != "" {
		_ = os.Setenv("MAXPROBE_DB_PATH", cfg.DBPath)
	}
	if err := database.InitDB(); err != nil {
		log.Printf("[api] run history unavailable: %v", err)
	}

	store := runstate.NewStore(cfg.StateDir)
	m := metrics.NewStore()
	sup := supervisor.New(cfg.ProbeBin, store, &runEventSink{metrics: m})
	agg := status.NewAggregator(sup, cfg.OutBases)

	return &Server{
		cfg:     cfg,
		sup:     sup,
		agg:     agg,
		metrics: m,
		limiter: newRateLimiter(120, 10, 10*time.Minute),
	}
}

// runEventSink records run lifecycle transitions into sqlite and the
// metrics store. Sink failures never propagate to the supervisor.
type runEventSink struct {
	metrics *metrics.Store
}

func (s *runEventSink) RunEvent(kind string, rec runstate.RunRecord) {
	var exitCode *int
	if rec.Termination != nil {
		code := rec.Termination.ExitCode
		exitCode = &code
	}
	if kind == "exited" {
		s.metrics.IncRunFinished()
	}
	_ = database.LogRunEvent(kind, rec.PID, rec.Profile, rec.Mode,
		strings.Join(rec.CommandLine, " "), exitCode, "supervisor", "")
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start", s.withSecurity(s.handleStart))
	mux.HandleFunc("/api/stop", s.withSecurity(s.handleStop))
	mux.HandleFunc("/api/status", s.withSecurity(s.handleStatus))
	mux.HandleFunc("/api/log", s.withSecurity(s.handleLog))
	mux.HandleFunc("/api/archives", s.withSecurity(s.handleArchives))
	mux.HandleFunc("/api/history", s.withSecurity(s.handleHistory))
	mux.HandleFunc("/download/", s.withSecurity(s.handleDownload))
	mux.HandleFunc("/healthz", s.withSecurity(s.handleHealth))
	mux.HandleFunc("/readyz", s.withSecurity(s.handleReady))
	mux.HandleFunc("/metrics", s.withSecurity(s.handleMetrics))
	return mux
}

// ListenAndServe binds with port fallback (busy ports are common on the
// target device) and returns a stop function for graceful shutdown.
func (s *Server) ListenAndServe() (stop func(), addr string, err error) {
	host := s.cfg.BindHost
	if host != "127.0.0.1" && host != "localhost" {
		log.Printf("[api] refusing non-local bind host %q, falling back to 127.0.0.1", host)
		host = "127.0.0.1"
	}

	var ln net.Listener
	tries := s.cfg.PortTries
	if tries <= 0 {
		tries = 1
	}
	for i := 0; i < tries; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port+i))
		ln, err = net.Listen("tcp", candidate)
		if err == nil {
			addr = candidate
			break
		}
	}
	if ln == nil {
		return nil, "", fmt.Errorf("no free port in %d..%d: %w", s.cfg.Port, s.cfg.Port+tries-1, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("[api] listening on http://%s/", addr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] serve warning: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[api] shutdown failed: %v", err)
		}
	}, addr, nil
}

// Run serves until SIGINT/SIGTERM.
func (s *Server) Run() error {
	stop, _, err := s.ListenAndServe()
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	<-sigCh

	log.Printf("[api] shutting down gracefully")
	stop()
	database.CloseDB()
	return nil
}

// withSecurity is the common middleware chain: request ID, rate limit,
// per-request metrics.
func (s *Server) withSecurity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rid := requestID(r)
		rec.Header().Set(requestIDHeader, rid)

		if !s.limiter.allow(clientIP(r.RemoteAddr)) {
			writeProblem(rec, r, http.StatusTooManyRequests, "rate limit exceeded")
			s.metrics.IncRequest(r.URL.Path, r.Method, rec.status)
			return
		}

		next(rec, r)
		s.metrics.IncRequest(r.URL.Path, r.Method, rec.status)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// requireAuth enforces the shared-secret token when one is configured.
// The token is accepted as X-Api-Token header, bearer scheme, or token
// query parameter. With no token configured the API is open; that is the
// operator's explicit choice on a single-user device.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	secret := s.cfg.APIToken
	if secret == "" {
		return true
	}

	token := strings.TrimSpace(r.Header.Get("X-Api-Token"))
	if token == "" {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		ip := clientIP(r.RemoteAddr)
		s.metrics.IncAuthFailure()
		if s.limiter.addAuthFailure(ip) {
			writeProblem(w, r, http.StatusTooManyRequests, "too many failed auth attempts, retry later")
			return false
		}
		writeProblem(w, r, http.StatusUnauthorized, "invalid or missing token")
		return false
	}
	s.limiter.clearAuthFailures(clientIP(r.RemoteAddr))
	return true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}

	var params supervisor.Params
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
		if err == nil && len(body) > 0 {
			// A malformed body falls back to defaults, same as any
			// out-of-range field.
			_ = json.Unmarshal(body, &params)
		}
	}

	res := s.sup.Start(params)
	if !res.Accepted {
		s.metrics.IncRunRejected()
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"ok":     false,
			"reason": res.Reason,
			"pid":    res.PID,
		})
		return
	}
	s.metrics.IncRunStart()
	sanitized := params.Sanitize()
	_ = database.LogRunEvent("start_requested", res.PID, sanitized.Profile,
		sanitized.Mode, strings.Join(res.Cmd, " "), nil, actor(r), requestID(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":  true,
		"pid": res.PID,
		"cmd": res.Cmd,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}

	began := time.Now()
	res := s.sup.Stop(s.cfg.StopGrace)
	s.metrics.ObserveStopLatency(time.Since(began).Seconds(), true)
	if res.Stopped {
		s.metrics.IncRunStopped()
		_ = database.LogRunEvent("stop_requested", res.PID, "", "", "", nil, actor(r), requestID(r))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"stopped": res.Stopped,
		"pid":     res.PID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	snap := s.agg.Current()
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		status.Snapshot
	}{OK: true, Snapshot: snap})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind != "errors" {
		kind = "run"
	}
	lines := defaultLogLines
	if raw := strings.TrimSpace(r.URL.Query().Get("lines")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= maxLogLines {
			lines = n
		}
	}

	path := s.agg.LogPath(kind)
	tail := ""
	if path != "" {
		tail = status.TailLines(path, lines, logTailByteCap)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"kind": kind,
		"log":  tail,
	})
}

func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	archives := artifacts.ListArchives(s.cfg.OutBases, 0)
	if archives == nil {
		archives = []artifacts.Archive{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"archives": archives,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := database.GetRunHistory(limit)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":     true,
			"events": []database.RunEvent{},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"events": events,
	})
}

// handleDownload streams one archive (or its checksum). The requested
// name must match the run grammar and resolve inside a configured base;
// every violation gets the same not-found answer so a prober cannot tell
// which check tripped.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/download/")
	path := artifacts.Resolve(s.cfg.OutBases, name)
	if path == "" {
		writeProblem(w, r, http.StatusNotFound, "not found")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeProblem(w, r, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		writeProblem(w, r, http.StatusNotFound, "not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.CopyBuffer(w, f, make([]byte, downloadChunk)); err != nil {
		log.Printf("[api] download %s interrupted: %v", name, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	checks, healthy := preflight.Check(s.cfg.ProbeBin, s.cfg.OutBases)
	dbCheck := preflight.CheckResult{Name: "database", Healthy: true, Target: "sqlite"}
	if database.GetDB() == nil {
		if err := database.InitDB(); err != nil {
			dbCheck.Healthy = false
			dbCheck.Error = err.Error()
		}
	}
	checks = append(checks, dbCheck)
	// History is a convenience; its loss does not make the control plane
	// unready to supervise runs.
	payload := map[string]interface{}{
		"status": "ready",
		"checks": checks,
	}
	if !healthy {
		payload["status"] = "not-ready"
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	active := s.sup.Status().Running
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = fmt.Fprint(w, s.metrics.Prometheus(active))
}

func requestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if !validRequestID(rid) {
		rid = "req_" + uuid.NewString()
	}
	return rid
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, ch := range id {
		if ch < 33 || ch > 126 {
			return false
		}
	}
	return true
}

func actor(r *http.Request) string {
	// Never persist token material in the audit trail.
	if strings.TrimSpace(r.Header.Get("X-Api-Token")) != "" ||
		strings.HasPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer ") {
		return "api-token"
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[api] encode response failed: %v", err)
	}
}

func writeProblem(w http.ResponseWriter, r *http.Request, statusCode int, detail string) {
	payload := map[string]interface{}{
		"ok":     false,
		"status": statusCode,
		"title":  http.StatusText(statusCode),
		"error":  detail,
	}
	if r != nil && r.URL != nil {
		payload["instance"] = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[api] encode problem response failed: %v", err)
	}
}
