package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

// Process is a spawned hub.
type Process interface {
	PID() int
	// Done yields the exit error once and is then closed.
	Done() <-chan error
	Kill() error
}

// Spawner launches hub processes.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// ProcessTable signals processes that this invocation did not spawn, such
// as a hub started by an earlier CLI run.
type ProcessTable interface {
	Alive(pid int) bool
	Signal(pid int, sig syscall.Signal) error
}

// ExecSpawner runs `<binary> serve` as a detached session leader so the hub
// outlives the CLI that started it. Output goes to OutputPath.
type ExecSpawner struct {
	Binary     string   // empty = this executable
	Args       []string // defaults to ["serve"]
	Env        []string // appended to the current environment
	Dir        string
	OutputPath string
	Logger     *slog.Logger
}

// Spawn starts the hub.
func (s *ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	binary := s.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: locate executable: %w", err)
		}
		binary = exe
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"serve"}
	}

	// Not CommandContext: the hub must survive the caller's context.
	cmd := exec.Command(binary, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var out *os.File
	if s.OutputPath != "" {
		f, err := os.OpenFile(s.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("supervisor: open hub output: %w", err)
		}
		out = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		return nil, fmt.Errorf("supervisor: start hub: %w", err)
	}
	// The child has its own descriptor now.
	if out != nil {
		out.Close()
	}

	p := &execProcess{cmd: cmd, done: make(chan error, 1)}
	go p.wait()

	if s.Logger != nil {
		s.Logger.Info("hub process spawned", "pid", cmd.Process.Pid, "binary", binary)
	}
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *execProcess) wait() {
	p.done <- p.cmd.Wait()
	close(p.done)
}

func (p *execProcess) PID() int           { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan error { return p.done }
func (p *execProcess) Kill() error        { return p.cmd.Process.Kill() }

// OSProcesses is the ProcessTable backed by kill(2).
type OSProcesses struct{}

// Alive reports whether pid exists, using the null signal.
func (OSProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Signal delivers sig to pid.
func (OSProcesses) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("supervisor: invalid pid %d", pid)
	}
	return syscall.Kill(pid, sig)
}
