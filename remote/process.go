package remote

import (
	"context"
	"os"
	"os/exec"
)

// ProcessHandle controls one spawned service process.
type ProcessHandle interface {
	// Wait blocks until the process exits.
	Wait() error
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Kill terminates the process immediately.
	Kill() error
}

// ProcessRunner spawns service processes. Swapped for a fake in tests.
type ProcessRunner interface {
	Start(ctx context.Context, name string, args ...string) (ProcessHandle, error)
}

// ExecRunner spawns real processes via os/exec.
type ExecRunner struct{}

func (ExecRunner) Start(ctx context.Context, name string, args ...string) (ProcessHandle, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// The agent owns lifecycle; do not let context cancellation SIGKILL a
	// draining service out from under Stop.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Wait() error { return h.cmd.Wait() }

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}
