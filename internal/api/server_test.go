package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"maxprobectl/internal/config"
	"maxprobectl/internal/database"
)

const testArchiveName = "keenetic-maxprobe-ab12-1-20240101T000000Z.tar.gz"

// newTestServer builds a full server against temp state, a stub probe and
// a fresh sqlite database.
func newTestServer(t *testing.T, token string) (*Server, *httptest.Server, string) {
	t.Helper()

	base := t.TempDir()
	probe := filepath.Join(t.TempDir(), "stub-probe")
	if err := os.WriteFile(probe, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	database.CloseDB()
	cfg := &config.Config{
		BindHost:  "127.0.0.1",
		Port:      8088,
		PortTries: 1,
		ProbeBin:  probe,
		OutBases:  []string{base},
		StateDir:  filepath.Join(t.TempDir(), "state"),
		DBPath:    filepath.Join(t.TempDir(), "api.db"),
		APIToken:  token,
		StopGrace: 2 * time.Second,
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.sup.Stop(time.Second)
		ts.Close()
		database.CloseDB()
	})
	return srv, ts, base
}

func getJSON(t *testing.T, url string, want int) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s = %d, want %d: %s", url, resp.StatusCode, want, body)
	}
	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return payload
}

func postJSON(t *testing.T, url string, body string, want int) map[string]interface{} {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s = %d, want %d: %s", url, resp.StatusCode, want, raw)
	}
	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	if got := getJSON(t, ts.URL+"/healthz", http.StatusOK); got["status"] != "ok" {
		t.Fatalf("healthz = %+v", got)
	}
	ready := getJSON(t, ts.URL+"/readyz", http.StatusOK)
	if ready["status"] != "ready" {
		t.Fatalf("readyz = %+v", ready)
	}
}

func TestReadyFailsWithoutProbeBinary(t *testing.T) {
	srv, ts, _ := newTestServer(t, "")
	srv.cfg.ProbeBin = "/nonexistent/probe"

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz with missing probe = %d", resp.StatusCode)
	}
}

func TestAuthToken(t *testing.T) {
	_, ts, _ := newTestServer(t, "sekret")

	// No token: refused with problem+json.
	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "problem+json") {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Contains(body, []byte(`"ok":false`)) {
		t.Errorf("problem body = %s", body)
	}

	// Header, bearer and query parameter all work; a wrong token does not.
	withHeader := func(key, value string) int {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
		req.Header.Set(key, value)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := withHeader("X-Api-Token", "sekret"); got != http.StatusOK {
		t.Fatalf("header token = %d", got)
	}
	if got := withHeader("Authorization", "Bearer sekret"); got != http.StatusOK {
		t.Fatalf("bearer token = %d", got)
	}
	getJSON(t, ts.URL+"/api/status?token=sekret", http.StatusOK)
	if got := withHeader("X-Api-Token", "wrong"); got != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", got)
	}

	// healthz stays open regardless.
	getJSON(t, ts.URL+"/healthz", http.StatusOK)
}

func TestStartStopLifecycle(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	started := postJSON(t, ts.URL+"/api/start", `{"profile":"quick","mode":"fast"}`, http.StatusOK)
	if started["ok"] != true {
		t.Fatalf("start = %+v", started)
	}
	pid, _ := started["pid"].(float64)
	if pid <= 0 {
		t.Fatalf("pid = %v", started["pid"])
	}

	rejected := postJSON(t, ts.URL+"/api/start", ``, http.StatusConflict)
	if rejected["ok"] != false || rejected["reason"] != "already running" {
		t.Fatalf("second start = %+v", rejected)
	}

	status := getJSON(t, ts.URL+"/api/status", http.StatusOK)
	run, _ := status["run"].(map[string]interface{})
	if run == nil || run["running"] != true {
		t.Fatalf("status while running = %+v", status)
	}

	stopped := postJSON(t, ts.URL+"/api/stop", ``, http.StatusOK)
	if stopped["ok"] != true || stopped["stopped"] != true {
		t.Fatalf("stop = %+v", stopped)
	}

	// Stop with nothing left running is still ok, just not "stopped".
	idle := postJSON(t, ts.URL+"/api/stop", ``, http.StatusOK)
	if idle["ok"] != true || idle["stopped"] != false {
		t.Fatalf("idle stop = %+v", idle)
	}

	history := getJSON(t, ts.URL+"/api/history", http.StatusOK)
	events, _ := history["events"].([]interface{})
	foundStart := false
	for _, e := range events {
		ev, _ := e.(map[string]interface{})
		if ev["event"] == "start_requested" {
			foundStart = true
		}
	}
	if !foundStart {
		t.Fatalf("start_requested missing from history: %+v", events)
	}
}

func TestMalformedStartBodyFallsBackToDefaults(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	started := postJSON(t, ts.URL+"/api/start", `{"profile": [not json`, http.StatusOK)
	if started["ok"] != true {
		t.Fatalf("start with malformed body = %+v", started)
	}
	cmd, _ := started["cmd"].([]interface{})
	joined := make([]string, 0, len(cmd))
	for _, c := range cmd {
		joined = append(joined, c.(string))
	}
	line := strings.Join(joined, " ")
	if !strings.Contains(line, "--profile forensic") || !strings.Contains(line, "--mode full") {
		t.Fatalf("defaults not applied: %q", line)
	}
	postJSON(t, ts.URL+"/api/stop", ``, http.StatusOK)
}

func TestMethodGuards(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/api/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/start = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/status = %d", resp.StatusCode)
	}
}

func TestDownload(t *testing.T) {
	_, ts, base := newTestServer(t, "")

	content := []byte("tarball bytes")
	if err := os.WriteFile(filepath.Join(base, testArchiveName), content, 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/download/" + testArchiveName)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download = %d: %s", resp.StatusCode, body)
	}
	if !bytes.Equal(body, content) {
		t.Fatalf("downloaded %q", body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, testArchiveName) {
		t.Errorf("content disposition = %q", cd)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "13" {
		t.Errorf("content length = %q", cl)
	}
}

func TestDownloadRejectionsAreUniform(t *testing.T) {
	_, ts, base := newTestServer(t, "")
	if err := os.WriteFile(filepath.Join(base, testArchiveName), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	fetch := func(name string) (int, string) {
		resp, err := http.Get(ts.URL + "/download/" + name)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	// Grammar mismatch and plain absence must be indistinguishable.
	mismatchStatus, mismatchBody := fetch(testArchiveName + ".sh")
	absentStatus, absentBody := fetch("keenetic-maxprobe-zz99-9-20240101T000000Z.tar.gz")
	if mismatchStatus != http.StatusNotFound || absentStatus != http.StatusNotFound {
		t.Fatalf("statuses = %d, %d", mismatchStatus, absentStatus)
	}
	stripInstance := func(s string) string {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			t.Fatalf("problem body not json: %q", s)
		}
		delete(m, "instance")
		out, _ := json.Marshal(m)
		return string(out)
	}
	if stripInstance(mismatchBody) != stripInstance(absentBody) {
		t.Fatalf("rejection bodies differ:\n%s\n%s", mismatchBody, absentBody)
	}

	// Path traversal never reaches the filesystem, whatever the router
	// does with the unclean path.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1/download/%2E%2E%2Fsecret", nil)
	ts.Config.Handler.ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatalf("traversal request served: %d", rec.Code)
	}
}

func TestLogEndpoint(t *testing.T) {
	_, ts, base := newTestServer(t, "")

	// No working directory yet: empty log, still ok.
	empty := getJSON(t, ts.URL+"/api/log", http.StatusOK)
	if empty["ok"] != true || empty["log"] != "" {
		t.Fatalf("empty log = %+v", empty)
	}

	meta := filepath.Join(base, "keenetic-maxprobe-ab12-1-20240101T000000Z.work", "meta")
	if err := os.MkdirAll(meta, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(meta, "run.log"), []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(meta, "errors.log"), []byte("boom\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := getJSON(t, ts.URL+"/api/log?lines=2", http.StatusOK)
	if got["log"] != "two\nthree" {
		t.Fatalf("tail = %q", got["log"])
	}
	errs := getJSON(t, ts.URL+"/api/log?kind=errors", http.StatusOK)
	if errs["kind"] != "errors" || errs["log"] != "boom" {
		t.Fatalf("errors tail = %+v", errs)
	}
	// Unknown kind falls back to the run log.
	other := getJSON(t, ts.URL+"/api/log?kind=../../etc", http.StatusOK)
	if other["kind"] != "run" {
		t.Fatalf("kind fallback = %+v", other)
	}
}

func TestArchivesEndpoint(t *testing.T) {
	_, ts, base := newTestServer(t, "")

	got := getJSON(t, ts.URL+"/api/archives", http.StatusOK)
	if list, ok := got["archives"].([]interface{}); !ok || len(list) != 0 {
		t.Fatalf("empty archives = %+v", got)
	}

	if err := os.WriteFile(filepath.Join(base, testArchiveName), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got = getJSON(t, ts.URL+"/api/archives", http.StatusOK)
	list, _ := got["archives"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("archives = %+v", got)
	}
	first, _ := list[0].(map[string]interface{})
	if first["name"] != testArchiveName {
		t.Fatalf("archive entry = %+v", first)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set(requestIDHeader, "req-abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "req-abc-123" {
		t.Fatalf("request id echoed as %q", got)
	}

	// Garbage IDs are replaced, not echoed.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set(requestIDHeader, "bad id with spaces")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); !strings.HasPrefix(got, "req_") {
		t.Fatalf("invalid id passed through: %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	getJSON(t, ts.URL+"/healthz", http.StatusOK)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "maxprobectl_run_active 0") {
		t.Fatalf("metrics body:\n%s", body)
	}
	if !strings.Contains(string(body), `path="/healthz"`) {
		t.Fatalf("request counter missing:\n%s", body)
	}
}
