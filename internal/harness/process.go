package harness

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// pipeWaitDelay bounds how long reaping waits for inherited I/O pipes after
// the child itself has exited. A descendant that moved into another process
// group can hold the pipes open; without a bound it would stall Wait.
const pipeWaitDelay = 5 * time.Second

// ManagedProcess wraps a spawned collaborator process.
//
// The wrapper reaps the process on a dedicated goroutine so that callers can
// observe completion (Wait), liveness (Running), and force termination
// (Terminate) without racing each other. Each process runs in its own
// process group, so termination signals reach any children the collaborator
// forked. A ManagedProcess is owned by the Session that started it and must
// be terminated or reaped before the session is destroyed.
type ManagedProcess struct {
	role string
	cmd  *exec.Cmd

	// done is closed once the process has been reaped; waitErr is only
	// readable after done is closed.
	done    chan struct{}
	waitErr error
}

// startProcess launches cmd in its own process group and begins reaping it
// in the background.
func startProcess(role string, cmd *exec.Cmd) (*ManagedProcess, error) {
	// Collaborators fork freely (shell wrappers, interpreters). A dedicated
	// process group lets Terminate signal the whole tree, and WaitDelay
	// bounds pipe reaping if a descendant escapes the group.
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.WaitDelay = pipeWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", role, err)
	}

	p := &ManagedProcess{
		role: role,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Role returns the human-readable role the process was started under.
func (p *ManagedProcess) Role() string { return p.role }

// PID returns the operating-system process identifier.
func (p *ManagedProcess) PID() int { return p.cmd.Process.Pid }

// Running reports whether the process has not yet been reaped.
func (p *ManagedProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or ctx is cancelled.
//
// On normal exit it returns the process exit code. A negative code means the
// process died on a signal before reporting a status.
func (p *ManagedProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, fmt.Errorf("wait for %s interrupted: %w", p.role, ctx.Err())
	case <-p.done:
		return p.exitCode(), nil
	}
}

// Terminate stops the process and everything it forked: a graceful SIGTERM
// to the process group first, then SIGKILL if it has not exited within
// grace. Terminate blocks until the process has been reaped. Calling
// Terminate on an already-exited process is a no-op.
func (p *ManagedProcess) Terminate(grace time.Duration) {
	if !p.Running() {
		return
	}

	p.signalGroup(syscall.SIGTERM)

	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	p.signalGroup(syscall.SIGKILL)
	<-p.done
}

// signalGroup delivers sig to the whole process group, falling back to the
// direct child if the group is already gone. Signal failures are tolerated;
// the reaper goroutine closes done either way.
func (p *ManagedProcess) signalGroup(sig syscall.Signal) {
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}

// exitCode derives the exit code from the reaped wait error.
// Must only be called after done is closed.
func (p *ManagedProcess) exitCode() int {
	if p.waitErr == nil {
		return 0
	}
	// ErrWaitDelay means the process itself exited and only its pipes were
	// forcibly closed; the recorded process state is still authoritative.
	if errors.Is(p.waitErr, exec.ErrWaitDelay) {
		return p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
