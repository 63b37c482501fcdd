package harness

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Session directory layout. The root name is derived from process identity
// so concurrent runs from different processes cannot collide, and the
// provisioner removes any stale root of the same name before reuse.
const (
	sessionRootPattern = "sertest_run_%d"
	extractedDirName   = "extracted_files"
	receivedDirName    = "received_files"
	ptyALinkName       = "pty_a"
	ptyBLinkName       = "pty_b"
)

// LinkEndpoint identifies one side of the serial connection.
//
// For caller-supplied ports, Device holds the port identifier directly and
// Symlink is empty. For loopback-provided endpoints, Symlink is the
// predictable path inside the session root and Device is filled in by the
// readiness poller once the symlink resolves to a character device.
// An endpoint is immutable once resolved.
type LinkEndpoint struct {
	Symlink string
	Device  string
}

// Direct reports whether the endpoint is a caller-supplied port rather than
// a loopback-provided pseudo-terminal.
func (e *LinkEndpoint) Direct() bool { return e.Symlink == "" }

// Session is the unit of work for one harness run. It owns the working
// directory tree and every process started on the run's behalf, and it is
// destroyed (all resources released) on every exit path.
type Session struct {
	// Root is the session working directory, exclusively owned by this run.
	Root string

	// ExtractDir receives the files pulled out of the disk image.
	ExtractDir string

	// ReceiveDir is where the receiver collaborator writes arriving files.
	ReceiveDir string

	// EndpointA is the receive side of the link, EndpointB the send side.
	EndpointA LinkEndpoint
	EndpointB LinkEndpoint

	logger *slog.Logger

	// keep suppresses directory removal during cleanup (debugging aid).
	keep bool

	// grace bounds the SIGTERM-to-SIGKILL window during cleanup.
	grace time.Duration

	mu       sync.Mutex
	loopback *ManagedProcess
	procs    []*ManagedProcess // transfer processes, in start order
	cleaned  bool
}

// NewSession provisions the session root under baseDir: the root directory
// plus the extraction and reception subdirectories. Any pre-existing root of
// the same name is removed first. Filesystem failures surface as
// provisioning errors.
func NewSession(baseDir string, keep bool, grace time.Duration, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	root := filepath.Join(baseDir, fmt.Sprintf(sessionRootPattern, os.Getpid()))
	if err := os.RemoveAll(root); err != nil {
		return nil, NewProvisioningError(fmt.Sprintf("failed to remove stale session root %s", root), err)
	}

	s := &Session{
		Root:       root,
		ExtractDir: filepath.Join(root, extractedDirName),
		ReceiveDir: filepath.Join(root, receivedDirName),
		logger:     logger,
		keep:       keep,
		grace:      grace,
	}
	for _, dir := range []string{s.ExtractDir, s.ReceiveDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, NewProvisioningError(fmt.Sprintf("failed to create directory %s", dir), err)
		}
	}
	logger.Debug("session root provisioned", "root", root)
	return s, nil
}

// UseDirectPorts binds the two caller-supplied port identifiers as the link
// endpoints. The loopback provider is skipped entirely; both endpoints are
// immediately usable.
func (s *Session) UseDirectPorts(portRecv, portSend string) {
	s.EndpointA = LinkEndpoint{Device: portRecv}
	s.EndpointB = LinkEndpoint{Device: portSend}
	s.logger.Debug("using direct ports", "recv", portRecv, "send", portSend)
}

// StartLoopback launches the loopback provider (socat or equivalent),
// configured to expose two linked pseudo-terminals surfaced through
// predictable symlinks inside the session root. The endpoints are not usable
// until the readiness poller resolves both symlinks.
func (s *Session) StartLoopback(providerPath string) error {
	linkA := filepath.Join(s.Root, ptyALinkName)
	linkB := filepath.Join(s.Root, ptyBLinkName)

	cmd := exec.Command(providerPath,
		"-d", "-d",
		fmt.Sprintf("pty,raw,echo=0,link=%s", linkA),
		fmt.Sprintf("pty,raw,echo=0,link=%s", linkB),
	)
	// The provider chatters on stderr; it is diagnostic only.
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	p, err := startProcess("loopback provider", cmd)
	if err != nil {
		return NewProvisioningError("failed to start loopback provider", err)
	}

	s.mu.Lock()
	s.loopback = p
	s.mu.Unlock()

	s.EndpointA = LinkEndpoint{Symlink: linkA}
	s.EndpointB = LinkEndpoint{Symlink: linkB}
	s.logger.Debug("loopback provider started", "pid", p.PID(), "link_a", linkA, "link_b", linkB)
	return nil
}

// Register places a transfer process under session ownership so that cleanup
// can terminate it if the run aborts while it is still alive.
func (s *Session) Register(p *ManagedProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, p)
}

// Loopback returns the loopback provider process, or nil if direct ports are
// in use.
func (s *Session) Loopback() *ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopback
}

// Cleanup tears down everything the session provisioned. It is idempotent:
// safe to call zero, one, or many times, with only the first call acting.
// Each step is best-effort; a failure in one step never prevents the others.
//
// Order: transfer processes are terminated in reverse start order, then the
// loopback provider, then the session root is removed (unless the session
// was created with keep). Cleanup must run on normal completion, on every
// error, and on interruption.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	procs := s.procs
	loopback := s.loopback
	s.mu.Unlock()

	for i := len(procs) - 1; i >= 0; i-- {
		p := procs[i]
		if p.Running() {
			s.logger.Debug("terminating process", "role", p.Role(), "pid", p.PID())
			p.Terminate(s.grace)
		}
	}

	if loopback != nil && loopback.Running() {
		s.logger.Debug("stopping loopback provider", "pid", loopback.PID())
		loopback.Terminate(s.grace)
	}

	if s.keep {
		s.logger.Info("keeping session root", "root", s.Root)
		return
	}
	// Per-file removal errors are deliberately ignored; cleanup never
	// escalates its own failures into the run outcome.
	_ = os.RemoveAll(s.Root)
	s.logger.Debug("session root removed", "root", s.Root)
}
