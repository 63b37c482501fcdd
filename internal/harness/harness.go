package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Remaining fixed delays and defaults for a run. ReadySettle mirrors the
// short pause the loopback provider needs between exposing its devices and
// the first open; TerminateGrace bounds the SIGTERM-to-SIGKILL window.
const (
	DefaultReadySettle    = 500 * time.Millisecond
	DefaultTerminateGrace = 500 * time.Millisecond
	DefaultLoopbackTool   = "socat"
)

// Config holds everything a run needs. Collaborators are given as names or
// paths; Run resolves them before provisioning anything.
type Config struct {
	// External collaborators (names looked up in PATH, or direct paths).
	ExtractTool string
	Sender      string
	Receiver    string
	CompareTool string

	// DiskImage is the image the extraction tool reads.
	DiskImage string

	// PortRecv/PortSend supply explicit port identifiers. Both or neither
	// must be set; when set, the loopback provider is skipped entirely.
	PortRecv string
	PortSend string

	// LoopbackTool overrides the loopback provider (default "socat").
	LoopbackTool string

	// Tuning, all defaulted when zero.
	PacingPacket   int
	PollAttempts   int
	PollInterval   time.Duration
	ReceiverSettle time.Duration
	ReadySettle    time.Duration
	TerminateGrace time.Duration

	// BaseDir is where the session root is created (default ".").
	BaseDir string

	// Keep suppresses session-root removal during cleanup.
	Keep bool

	// Logger receives run progress; nil discards.
	Logger *slog.Logger

	// Output receives collaborator stdout/stderr; nil means os.Stderr.
	// Never stdout, which is reserved for the CLI's own output.
	Output io.Writer

	// Sleep is used for settle delays; nil means a context-aware timer.
	// Injected by tests so runs do not spend wall-clock time settling.
	Sleep func(time.Duration)
}

// Outcome classifies a completed (non-errored) run.
type Outcome string

const (
	// OutcomePassed: all files transferred and verified byte-identical.
	OutcomePassed Outcome = "passed"

	// OutcomeNoFiles: the disk image yielded nothing to transfer. This is a
	// successful terminal outcome, not a failure; sender and receiver are
	// never started.
	OutcomeNoFiles Outcome = "no_files"

	// OutcomeMismatch: the comparison tool ran fine but its report shows
	// mismatched or unique files. The run is an end-to-end test failure
	// even though no stage errored.
	OutcomeMismatch Outcome = "mismatch"
)

// Result is the outcome of a harness run that made it past every stage.
type Result struct {
	Outcome     Outcome
	FilesSent   int
	Comparison  *ComparisonOutcome
	SessionRoot string
}

// Passed reports whether the run succeeded end to end.
func (r *Result) Passed() bool {
	return r.Outcome == OutcomePassed || r.Outcome == OutcomeNoFiles
}

// Run executes one complete harness run: resolve, provision, await
// readiness, extract, transfer, verify. Session cleanup executes on every
// exit path, including cancellation of ctx (the interruption route; wire
// ctx to signal.NotifyContext in callers).
func Run(ctx context.Context, cfg Config) (*Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	grace := cfg.TerminateGrace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	readySettle := cfg.ReadySettle
	if readySettle <= 0 {
		readySettle = DefaultReadySettle
	}
	baseDir := cfg.BaseDir
	if baseDir == "" {
		baseDir = "."
	}

	direct, err := portMode(cfg.PortRecv, cfg.PortSend)
	if err != nil {
		return nil, err
	}

	// Stage 1: resolve every collaborator before any resource is allocated,
	// so a missing tool is reported with nothing to clean up.
	extractTool, err := ResolveTool(cfg.ExtractTool, "extraction tool")
	if err != nil {
		return nil, err
	}
	sender, err := ResolveTool(cfg.Sender, "sender")
	if err != nil {
		return nil, err
	}
	receiver, err := ResolveTool(cfg.Receiver, "receiver")
	if err != nil {
		return nil, err
	}
	compareTool, err := ResolveTool(cfg.CompareTool, "comparison tool")
	if err != nil {
		return nil, err
	}
	loopbackTool := ""
	if !direct {
		name := cfg.LoopbackTool
		if name == "" {
			name = DefaultLoopbackTool
		}
		loopbackTool, err = ResolveTool(name, "loopback provider")
		if err != nil {
			return nil, err
		}
	}

	if info, statErr := os.Stat(cfg.DiskImage); statErr != nil || !info.Mode().IsRegular() {
		return nil, NewProvisioningError(fmt.Sprintf("disk image not found: %s", cfg.DiskImage), statErr)
	}
	logger.Info("collaborators resolved",
		"extract", extractTool, "sender", sender, "receiver", receiver, "compare", compareTool)

	// Stage 2: provision the session. From here on, cleanup always runs.
	sess, err := NewSession(baseDir, cfg.Keep, grace, logger)
	if err != nil {
		return nil, err
	}
	defer sess.Cleanup()

	if direct {
		sess.UseDirectPorts(cfg.PortRecv, cfg.PortSend)
	} else {
		if err := sess.StartLoopback(loopbackTool); err != nil {
			return nil, err
		}

		// Stage 3: bounded readiness poll, then a short settle before the
		// fresh pseudo-terminals are first opened.
		poller := &Poller{
			Attempts: cfg.PollAttempts,
			Interval: cfg.PollInterval,
			Sleep:    cfg.Sleep,
			Logger:   logger,
		}
		if err := poller.Await(ctx, &sess.EndpointA, &sess.EndpointB); err != nil {
			return nil, err
		}
		if err := sleepContext(ctx, cfg.Sleep, readySettle); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 4: populate the source directory from the disk image.
	if err := extract(ctx, extractTool, cfg.DiskImage, sess.ExtractDir, out); err != nil {
		return nil, err
	}

	files, err := ListTransferFiles(sess.ExtractDir)
	if err != nil {
		return nil, NewProvisioningError("failed to enumerate extracted files", err)
	}
	logger.Info("extraction complete", "files", len(files))

	if len(files) == 0 {
		logger.Info("no files to transfer; nothing to validate")
		return &Result{Outcome: OutcomeNoFiles, SessionRoot: sess.Root}, nil
	}

	// Stage 5: the concurrent receiver/sender exchange.
	transferCfg := TransferConfig{
		Receiver:       receiver,
		Sender:         sender,
		PacingPacket:   cfg.PacingPacket,
		ReceiverSettle: cfg.ReceiverSettle,
		Sleep:          cfg.Sleep,
		Output:         out,
		Logger:         logger,
	}
	if err := RunTransfer(ctx, sess, transferCfg, files); err != nil {
		return nil, err
	}

	// Stage 6: independent checksum comparison of the two directories.
	comparison, err := Verify(ctx, compareTool, sess.ExtractDir, sess.ReceiveDir)
	if err != nil {
		return nil, err
	}
	logger.Info("comparison complete", "summary", comparison.Summary())

	result := &Result{
		Outcome:     OutcomePassed,
		FilesSent:   len(files),
		Comparison:  comparison,
		SessionRoot: sess.Root,
	}
	if !comparison.Clean() {
		result.Outcome = OutcomeMismatch
	}
	return result, nil
}

// portMode validates the explicit-port flags: both supplied means direct
// mode, neither means loopback mode, and exactly one is an error.
func portMode(portRecv, portSend string) (direct bool, err error) {
	switch {
	case portRecv != "" && portSend != "":
		return true, nil
	case portRecv == "" && portSend == "":
		return false, nil
	default:
		return false, fmt.Errorf("explicit ports must be supplied for both sides or neither")
	}
}

// extract runs the extraction collaborator:
// <tool> <image> extract <dir> -u *
// The wildcard selector is passed as a literal argument for the tool's own
// matching; it is never shell-expanded.
func extract(ctx context.Context, tool, image, destDir string, out io.Writer) error {
	cmd := exec.CommandContext(ctx, tool, image, "extract", destDir, "-u", "*")
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return NewProvisioningError(
				fmt.Sprintf("extraction tool failed (exit code %d)", exitErr.ExitCode()), err)
		}
		return NewProvisioningError("extraction tool failed to run", err)
	}
	return nil
}
