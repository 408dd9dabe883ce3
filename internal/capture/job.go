package capture

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// tailLines bounds the rolling log ring kept for the manifest.
	tailLines = 50

	// stopTimeout is how long Stop waits after SIGTERM before killing.
	stopTimeout = 10 * time.Second

	// pumpJoinWait is how long Stop waits for the log pump to drain.
	pumpJoinWait = 2 * time.Second

	// maxLogLine bounds a single scanned log line.
	maxLogLine = 256 * 1024
)

// Status values reported by Job.Status. A finished job reports
// "exited:<code>" instead.
const (
	StatusNotStarted = "not_started"
	StatusRunning    = "running"
)

// Job supervises one capture subprocess: the command vector, its working
// directory, a bounded tail of its merged stdout+stderr, and the goroutines
// pumping logs and reaping the process.
type Job struct {
	command []string
	workdir string
	logger  *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	ring     []string
	exitCode int

	procDone chan struct{}
	pumpDone chan struct{}
}

// NewJob prepares a job without starting it.
func NewJob(command []string, workdir string, logger *slog.Logger) *Job {
	return &Job{
		command:  command,
		workdir:  workdir,
		logger:   logger.With("subsystem", "capture"),
		procDone: make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// Start creates the working directory, spawns the subprocess with stdout
// and stderr merged onto a single pipe, and begins pumping log lines into
// the ring.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cmd != nil {
		return fmt.Errorf("capture: job already started")
	}
	if len(j.command) == 0 {
		return fmt.Errorf("capture: empty command")
	}

	if err := os.MkdirAll(j.workdir, 0o755); err != nil {
		return fmt.Errorf("capture: creating working directory: %w", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("capture: creating log pipe: %w", err)
	}

	cmd := exec.Command(j.command[0], j.command[1:]...)
	cmd.Dir = j.workdir
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("capture: starting process: %w", err)
	}
	// The child holds its own copy of the write end. Closing ours makes the
	// pump observe EOF when the child exits.
	pw.Close()

	j.cmd = cmd
	go j.pump(pr)
	go j.reap()

	j.logger.Info("capture process started",
		"pid", cmd.Process.Pid,
		"workdir", j.workdir,
		"args", len(j.command),
	)
	return nil
}

// pump moves merged log lines from the pipe into the ring until EOF.
func (j *Job) pump(pr *os.File) {
	defer close(j.pumpDone)
	defer pr.Close()

	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for sc.Scan() {
		j.appendLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		j.logger.Debug("log pump read error", "error", err)
	}
}

// reap waits for the subprocess and records its exit code.
func (j *Job) reap() {
	err := j.cmd.Wait()

	j.mu.Lock()
	if state := j.cmd.ProcessState; state != nil {
		j.exitCode = state.ExitCode()
	}
	code := j.exitCode
	j.mu.Unlock()
	close(j.procDone)

	if err != nil {
		j.logger.Info("capture process exited", "code", code, "error", err)
		return
	}
	j.logger.Info("capture process exited", "code", code)
}

func (j *Job) appendLine(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ring = append(j.ring, line)
	if len(j.ring) > tailLines {
		j.ring = j.ring[len(j.ring)-tailLines:]
	}
}

// Stop terminates the subprocess: SIGTERM first, SIGKILL if it has not
// exited within stopTimeout, then waits briefly for the log pump to drain.
// Stop is safe to call on a never-started or already-stopped job.
func (j *Job) Stop() {
	j.mu.Lock()
	cmd := j.cmd
	j.mu.Unlock()
	if cmd == nil {
		return
	}

	select {
	case <-j.procDone:
		// Already exited on its own.
	default:
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			j.logger.Debug("sending SIGTERM", "error", err)
		}
		select {
		case <-j.procDone:
		case <-time.After(stopTimeout):
			j.logger.Warn("capture process ignored SIGTERM, killing", "pid", cmd.Process.Pid)
			if err := cmd.Process.Kill(); err != nil {
				j.logger.Debug("sending SIGKILL", "error", err)
			}
		}
	}

	select {
	case <-j.pumpDone:
	case <-time.After(pumpJoinWait):
		j.logger.Warn("log pump did not drain in time")
	}
}

// Status reports "not_started", "running", or "exited:<code>".
func (j *Job) Status() string {
	j.mu.Lock()
	started := j.cmd != nil
	code := j.exitCode
	j.mu.Unlock()

	if !started {
		return StatusNotStarted
	}
	select {
	case <-j.procDone:
		return fmt.Sprintf("exited:%d", code)
	default:
		return StatusRunning
	}
}

// Tail returns a snapshot of the rolling log ring, oldest line first.
func (j *Job) Tail() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.ring))
	copy(out, j.ring)
	return out
}
