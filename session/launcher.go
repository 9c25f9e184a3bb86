package session

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/berthio/berth/log"
	"github.com/pkg/errors"
)

// LaunchSpec describes one external process start: the service itself, or any
// other tool the supervisor runs for the session's lifetime.
type LaunchSpec struct {
	Command string
	Args    []string
	// LogPath receives the process's combined output, append-only. The file
	// is never rotated or truncated here.
	LogPath string
	Dir     string
	Env     []string
}

// ProcessLauncher starts detached processes and answers liveness queries by
// process handle, not by pattern-matching a process listing.
type ProcessLauncher interface {
	Launch(spec LaunchSpec) (handle int, err error)
	Alive(handle int) bool
	Stop(handle int)
}

// Launcher keeps launched processes in a small handle table and watches each
// one with a reaper goroutine.
type Launcher struct {
	Logger *log.Logger

	// StopGrace is how long Stop waits after SIGTERM before sending SIGKILL.
	StopGrace time.Duration

	mu     sync.Mutex
	nextID int
	procs  map[int]*managedProcess
}

type managedProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func NewLauncher(logger *log.Logger) *Launcher {
	return &Launcher{
		Logger:    logger,
		StopGrace: 5 * time.Second,
		procs:     make(map[int]*managedProcess),
	}
}

// Launch starts the process in the background and returns immediately with a
// handle for later liveness checks. Output goes to spec.LogPath.
func (l *Launcher) Launch(spec LaunchSpec) (int, error) {
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, errors.Wrapf(err, "open log file %s", spec.LogPath)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, errors.Wrapf(err, "start %s", spec.Command)
	}
	logFile.Close()

	proc := &managedProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	l.mu.Lock()
	l.nextID++
	handle := l.nextID
	l.procs[handle] = proc
	l.mu.Unlock()

	l.Logger.Infow("Launched process",
		"command", spec.Command,
		"pid", cmd.Process.Pid,
		"log_path", spec.LogPath,
	)

	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	return handle, nil
}

// Alive reports whether the process behind the handle is still running.
func (l *Launcher) Alive(handle int) bool {
	proc := l.get(handle)
	if proc == nil {
		return false
	}

	select {
	case <-proc.done:
		return false
	default:
		return true
	}
}

// PID returns the OS pid behind a handle, or 0.
func (l *Launcher) PID(handle int) int {
	proc := l.get(handle)
	if proc == nil {
		return 0
	}
	return proc.cmd.Process.Pid
}

// Stop terminates the process: SIGTERM first, SIGKILL after the grace period.
func (l *Launcher) Stop(handle int) {
	proc := l.get(handle)
	if proc == nil {
		return
	}

	select {
	case <-proc.done:
		return
	default:
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		l.Logger.Debugw("SIGTERM failed", "handle", handle, "error", err)
	}

	grace := l.StopGrace
	if grace == 0 {
		grace = 5 * time.Second
	}

	select {
	case <-proc.done:
	case <-time.After(grace):
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
}

func (l *Launcher) get(handle int) *managedProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[handle]
}

// tailFile returns the last maxLines lines of a file, for inclusion in launch
// failure diagnostics.
func tailFile(path string, maxLines int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
