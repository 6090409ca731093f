package claude

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

type readResult struct {
	line string
	err  error
}

// process is one headless CLI invocation. It lives for a single turn:
// start, write the prompt, read stdout until EOF, wait, stop.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr io.ReadCloser

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu            sync.Mutex
	stderrContent string
	stderrDone    chan struct{}
	waitDone      chan struct{}
	waitErr       error
	stopped       bool
}

// startProcess spawns the CLI in workDir. The extra environment entries
// are appended to the parent environment.
func startProcess(ctx context.Context, executable, workDir string, args, env []string, log *slog.Logger) (*process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	procCtx, cancel := context.WithCancel(ctx)
	p := &process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     bufio.NewReader(stdout),
		stderr:     stderr,
		ctx:        procCtx,
		cancel:     cancel,
		log:        log,
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}

	log.Debug("process started", "pid", cmd.Process.Pid)

	go p.drainStderr()
	go p.monitorExit()

	return p, nil
}

// writeInput writes raw bytes to the process stdin.
func (p *process) writeInput(data []byte) error {
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// closeStdin signals end of input. In --print mode the CLI runs the
// turn after stdin closes.
func (p *process) closeStdin() {
	p.stdin.Close()
}

// readLine reads one line from stdout, honoring cancellation.
//
// The spawned goroutine doing ReadString cannot itself be cancelled,
// but the channel is buffered so it can always deliver its result and
// exit once the read unblocks (the process exiting closes the pipe).
func (p *process) readLine() (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := p.stdout.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-p.ctx.Done():
		return "", p.ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}
		return result.line, nil
	}
}

// drainStderr captures stderr so failures can be classified after exit.
// Must run concurrently with the process so the pipe is consumed before
// cmd.Wait closes it.
func (p *process) drainStderr() {
	defer close(p.stderrDone)

	stderrBytes, err := io.ReadAll(p.stderr)
	if err != nil {
		p.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		p.mu.Lock()
		p.stderrContent = strings.TrimSpace(string(stderrBytes))
		p.mu.Unlock()
		p.log.Debug("captured stderr", "content", truncateForLog(p.stderrContent))
	}
}

// stderrOutput returns the captured stderr, waiting briefly for the
// drain goroutine if the process just exited.
func (p *process) stderrOutput() string {
	select {
	case <-p.stderrDone:
	case <-time.After(time.Second):
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderrContent
}

// monitorExit is the sole caller of cmd.Wait. Both wait() and stop()
// coordinate through waitDone instead of calling Wait themselves.
func (p *process) monitorExit() {
	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	select {
	case err := <-done:
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.waitDone)
	case <-p.ctx.Done():
		// Cancelled: kill and still consume Wait to avoid a leak.
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		err := <-done
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.waitDone)
	}
}

// wait blocks until the process has exited and returns its exit error.
func (p *process) wait() error {
	<-p.waitDone
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// stop terminates the process if it is still running. Graceful for two
// seconds, then a hard kill. Safe to call multiple times.
func (p *process) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.stdin.Close()

	select {
	case <-p.waitDone:
	case <-time.After(2 * time.Second):
		p.log.Debug("force killing process")
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.waitDone
	}

	p.cancel()
}
