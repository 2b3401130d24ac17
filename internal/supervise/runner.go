// Package supervise runs compiled vhost launches: it prepares hubs and
// images, starts the kernel process in the foreground or detached, runs the
// console and disk hooks, and waits for the readiness sentinel.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/cochaviz/vlab/internal/logging"
)

// Process describes one external program to run.
type Process struct {
	Argv []string
	// Background detaches the process into its own session and returns
	// once it has started.
	Background bool
	// Silent discards the process output.
	Silent bool
}

// Runner starts external processes.
type Runner interface {
	Run(ctx context.Context, p Process) error
}

// ExecRunner runs processes on the host. Foreground processes inherit the
// runner's standard streams; background ones never read from them.
type ExecRunner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	logger *slog.Logger
}

// NewExecRunner returns a runner wired to the process's standard streams.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		logger: logging.Ensure(logger).With("component", "runner"),
	}
}

// Run starts p. A foreground process is waited for and its exit status
// returned. A background process survives cancellation of ctx and is
// reaped by a goroutine.
func (r *ExecRunner) Run(ctx context.Context, p Process) error {
	if len(p.Argv) == 0 {
		return errors.New("empty command")
	}

	if !p.Background {
		cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
		cmd.Stdin = r.Stdin
		if !p.Silent {
			cmd.Stdout = r.Stdout
			cmd.Stderr = r.Stderr
		}
		r.logger.Debug("running", "argv", p.Argv)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w", p.Argv[0], err)
		}
		return nil
	}

	cmd := exec.Command(p.Argv[0], p.Argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if !p.Silent {
		cmd.Stdout = r.Stdout
		cmd.Stderr = r.Stderr
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.Argv[0], err)
	}
	pid := cmd.Process.Pid
	r.logger.Debug("detached", "argv", p.Argv, "pid", pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			r.logger.Debug("detached process exited", "pid", pid, "error", err)
		}
	}()
	return nil
}

// Detach starts argv in the background. It lets the runner start hub
// switches.
func (r *ExecRunner) Detach(ctx context.Context, argv []string, silent bool) error {
	return r.Run(ctx, Process{Argv: argv, Background: true, Silent: silent})
}
