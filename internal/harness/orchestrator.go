package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Transfer tuning defaults, matching the collaborator conventions.
const (
	DefaultPacingPacket   = 10
	DefaultReceiverSettle = time.Second
)

// TransferConfig drives one receiver/sender exchange over a ready link.
type TransferConfig struct {
	// Receiver and Sender are resolved collaborator paths.
	Receiver string
	Sender   string

	// PacingPacket is the per-packet pacing value passed through verbatim
	// to both collaborators.
	PacingPacket int

	// ReceiverSettle is the fixed delay between starting the receiver and
	// starting the sender. This is a heuristic wait for the receiver to
	// reach a listening state, not a readiness confirmation; the receiver
	// collaborator offers no explicit ready signal to strengthen it with.
	ReceiverSettle time.Duration

	// Sleep is called for the settle delay; nil means a context-aware timer.
	Sleep func(time.Duration)

	// Output receives sender and receiver stdout/stderr; nil means
	// os.Stderr. Kept off stdout so machine-readable CLI output stays
	// parseable.
	Output io.Writer

	// Logger receives progress; nil discards.
	Logger *slog.Logger
}

// RunTransfer executes the transfer scenario for the given files against a
// fully provisioned, ready link.
//
// Ordering: the receiver is always started, and given the settle delay to
// come alive, strictly before the sender. The link is half-duplex
// point-to-point, so data sent before the receiver listens is lost.
//
// On any failure path neither process is left running: a sender failure
// terminates a still-running receiver, and the caller's session cleanup
// covers interruption. files must be non-empty; the zero-file case is a
// distinct terminal outcome handled before the orchestrator is invoked.
func RunTransfer(ctx context.Context, sess *Session, cfg TransferConfig, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no files to transfer; the empty set must be handled before the orchestrator runs")
	}

	pacing := cfg.PacingPacket
	if pacing <= 0 {
		pacing = DefaultPacingPacket
	}
	settle := cfg.ReceiverSettle
	if settle <= 0 {
		settle = DefaultReceiverSettle
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// 1. Receiver on endpoint A, writing into the reception directory.
	recvCmd := exec.Command(cfg.Receiver,
		sess.EndpointA.Device,
		sess.ReceiveDir,
		"--pacing-packet", strconv.Itoa(pacing),
	)
	recvCmd.Stdout = out
	recvCmd.Stderr = out

	recv, err := startProcess("receiver", recvCmd)
	if err != nil {
		return &StageError{Code: ErrCodeTransfer, Stage: "transfer", Message: "failed to start receiver", Err: err}
	}
	sess.Register(recv)
	logger.Info("receiver started", "pid", recv.PID(), "endpoint", sess.EndpointA.Device)

	// 2. Settle delay so the receiver reaches its listening state.
	// Cancellation aborts the settle; session cleanup stops the receiver.
	if err := sleepContext(ctx, cfg.Sleep, settle); err != nil {
		return err
	}

	// An early receiver exit is an ordering violation: the sender must never
	// start against a dead listener.
	if !recv.Running() {
		code, _ := recv.Wait(ctx)
		return &StageError{
			Code:     ErrCodeTransfer,
			Stage:    "transfer",
			Message:  fmt.Sprintf("receiver exited before the sender started (exit code %d)", code),
			ExitCode: code,
		}
	}

	// 3. Sender on endpoint B with the full file list; block until it exits.
	sendArgs := []string{sess.EndpointB.Device, "--pacing-packet", strconv.Itoa(pacing)}
	sendArgs = append(sendArgs, files...)
	sendCmd := exec.Command(cfg.Sender, sendArgs...)
	sendCmd.Stdout = out
	sendCmd.Stderr = out

	send, err := startProcess("sender", sendCmd)
	if err != nil {
		if recv.Running() {
			recv.Terminate(sess.grace)
		}
		return &StageError{Code: ErrCodeTransfer, Stage: "transfer", Message: "failed to start sender", Err: err}
	}
	sess.Register(send)
	logger.Info("sender started", "pid", send.PID(), "endpoint", sess.EndpointB.Device, "files", len(files))

	sendCode, err := send.Wait(ctx)
	if err != nil {
		return err
	}
	if sendCode != 0 {
		// The receiver must not be left as an orphan.
		if recv.Running() {
			logger.Warn("terminating receiver after sender failure", "pid", recv.PID())
			recv.Terminate(sess.grace)
		}
		return NewTransferError("sender", sendCode)
	}
	logger.Info("sender completed", "files", len(files))

	// 4. The sender succeeded; the receiver must now finish cleanly.
	recvCode, err := recv.Wait(ctx)
	if err != nil {
		return err
	}
	if recvCode != 0 {
		return NewTransferError("receiver", recvCode)
	}
	logger.Info("receiver completed")
	return nil
}

// ListTransferFiles enumerates the regular files in dir, sorted by name.
// The sorted order keeps sender invocations reproducible across runs.
func ListTransferFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
