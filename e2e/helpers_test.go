//go:build e2e

package e2e

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// pairlinkBinary builds the pairlink binary once and returns its path.
func pairlinkBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "pairlink")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/pairlink")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build pairlink: %v", buildErr)
	}
	return builtBinary
}

// pairlinkProcess is a running pairlink process with its stderr (logs)
// and stdout (payloads) captured.
type pairlinkProcess struct {
	cmd   *exec.Cmd
	logs  *logBuffer
	out   *logBuffer
	stdin io.WriteCloser
}

// logBuffer is a thread-safe buffer that captures output line by line and
// supports waiting for specific lines.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// startPairlink starts a pairlink process with the given args. The
// process is killed on test cleanup.
func startPairlink(t *testing.T, args ...string) *pairlinkProcess {
	t.Helper()
	cmd := exec.Command(pairlinkBinary(t), args...)
	// Keep the caller's PAIRLINK_* settings out of the child.
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "PAIRLINK_") {
			cmd.Env = append(cmd.Env, kv)
		}
	}

	proc := &pairlinkProcess{cmd: cmd, logs: &logBuffer{}, out: &logBuffer{}}
	cmd.Stderr = proc.logs
	cmd.Stdout = proc.out
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	proc.stdin = stdin

	if err := cmd.Start(); err != nil {
		t.Fatalf("start pairlink %v: %v", args, err)
	}
	t.Cleanup(func() { proc.kill() })
	return proc
}

func (p *pairlinkProcess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}

// waitForLog waits for a stderr line containing substr.
func waitForLog(t *testing.T, proc *pairlinkProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log %q; got:\n%s", substr, proc.logs.String())
	}
	return line
}

// waitForOutput waits for a stdout line containing substr.
func waitForOutput(t *testing.T, proc *pairlinkProcess, substr string, timeout time.Duration) {
	t.Helper()
	if _, ok := proc.out.waitFor(substr, timeout); !ok {
		t.Fatalf("timed out waiting for output %q; got:\n%s", substr, proc.out.String())
	}
}

var (
	addrRe = regexp.MustCompile(`addr=([^\s]+)`)
	codeRe = regexp.MustCompile(`Pairing code: ([A-Z]{4}[0-9]{4})`)
)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *pairlinkProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// waitForCode waits for the bridge to print its pairing code.
func waitForCode(t *testing.T, proc *pairlinkProcess, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, "Pairing code:", timeout)
	m := codeRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no pairing code in: %s", line)
	}
	return m[1]
}
