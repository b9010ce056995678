package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
	exited chan struct{}
	err    error
}

var (
	buildMu  sync.Mutex
	binaries = map[string]string{}
)

// getBinary builds the main package at pkg once per test process.
func getBinary(t *testing.T, pkg string) string {
	t.Helper()
	buildMu.Lock()
	defer buildMu.Unlock()

	if bin, ok := binaries[pkg]; ok {
		return bin
	}

	dir, err := os.MkdirTemp("", "mequeue-e2e-*")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	binary := filepath.Join(dir, filepath.Base(pkg))
	cmd := exec.Command("go", "build", "-o", binary, pkg)
	cmd.Dir = findRepoRoot(t)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build %s failed: %v\n%s", pkg, err, out)
	}
	binaries[pkg] = binary
	return binary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startServer runs binary with args and extra environment, and waits until
// /healthz answers.
func startServer(t *testing.T, binary string, args []string, env ...string) *serverProc {
	t.Helper()

	addr := freeAddr(t)
	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(),
		"MEQUEUE_LISTEN_ADDR="+addr,
		"MEQUEUE_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
		exited: make(chan struct{}),
	}
	go func() {
		sp.err = cmd.Wait()
		close(sp.exited)
	}()

	t.Cleanup(func() {
		select {
		case <-sp.exited:
		default:
			cmd.Process.Kill()
			<-sp.exited
		}
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// waitExit waits for the process to exit and returns its error.
func (sp *serverProc) waitExit(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case <-sp.exited:
		return sp.err
	case <-time.After(timeout):
		t.Fatalf("server did not exit within %v\nstdout:\n%s", timeout, sp.stdout.String())
		return nil
	}
}

func doJSON(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s %s: %v\nbody: %s", method, url, err, data)
		}
	}
	return resp.StatusCode, out
}

// runOutcomes returns the outcome of every journaled run, oldest first.
func runOutcomes(t *testing.T, baseURL string) []string {
	t.Helper()
	status, body := doJSON(t, http.MethodGet, baseURL+"/v1/runs?limit=100", "")
	if status != 200 {
		t.Fatalf("GET /v1/runs status = %d", status)
	}
	runs, _ := body["runs"].([]any)
	out := make([]string, len(runs))
	for i, r := range runs {
		run, _ := r.(map[string]any)
		out[len(runs)-1-i] = fmt.Sprint(run["outcome"])
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, desc string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("timed out waiting for %s", desc)
}
