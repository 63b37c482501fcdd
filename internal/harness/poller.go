package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Default readiness-poll budget. The loopback provider's startup latency is
// small and bounded, so a fixed one-second interval is used rather than
// exponential backoff.
const (
	DefaultPollAttempts = 15
	DefaultPollInterval = time.Second
)

// EndpointState is the readiness state of one link endpoint. States only
// move forward: an endpoint that has resolved never becomes unresolved
// again within a run.
type EndpointState int

const (
	// StateUnresolved means the endpoint's symlink has not yet resolved to
	// a usable character device.
	StateUnresolved EndpointState = iota

	// StateResolved means the endpoint has a usable device path.
	StateResolved
)

// String implements fmt.Stringer for diagnostics.
func (s EndpointState) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	default:
		return "unresolved"
	}
}

// ResolveFunc checks a single symbolic path and, if it currently points at a
// usable character device, returns the resolved device path. A non-nil error
// means "not ready yet", not a terminal failure.
type ResolveFunc func(symlink string) (string, error)

// Poller confirms that both link endpoints are usable, bounded by a fixed
// retry budget of one-second-granularity attempts.
//
// Sleep and Resolve are injectable so the bounded-retry contract can be
// tested without real devices or real time.
type Poller struct {
	// Attempts is the maximum number of polling rounds (default 15).
	Attempts int

	// Interval is the fixed delay between rounds (default 1s).
	Interval time.Duration

	// Sleep is called between rounds; nil means a context-aware timer.
	Sleep func(time.Duration)

	// Resolve probes a single symlink; nil means the real filesystem check.
	Resolve ResolveFunc

	// Logger receives per-attempt progress; nil discards.
	Logger *slog.Logger
}

// Await polls until both endpoints reach the resolved state, the attempt
// budget is exhausted, or ctx is cancelled.
//
// Direct-port endpoints are treated as immediately resolved: if both
// endpoints are direct, Await returns without polling or sleeping at all.
// On success each endpoint's Device field holds the resolved path. On
// timeout the returned error carries the last observed per-endpoint state;
// cancellation surfaces the context error without exhausting the budget.
func (p *Poller) Await(ctx context.Context, a, b *LinkEndpoint) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	resolve := p.Resolve
	if resolve == nil {
		resolve = resolveCharDevice
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	stateA, stateB := endpointStart(a), endpointStart(b)
	if stateA == StateResolved && stateB == StateResolved {
		return nil
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stateA == StateUnresolved {
			if device, err := resolve(a.Symlink); err == nil {
				a.Device = device
				stateA = StateResolved
			}
		}
		if stateB == StateUnresolved {
			if device, err := resolve(b.Symlink); err == nil {
				b.Device = device
				stateB = StateResolved
			}
		}

		if stateA == StateResolved && stateB == StateResolved {
			logger.Debug("endpoints ready",
				"attempt", attempt,
				"device_a", a.Device,
				"device_b", b.Device,
			)
			return nil
		}

		logger.Info("endpoints not ready yet",
			"attempt", attempt,
			"max_attempts", attempts,
			"endpoint_a", stateA.String(),
			"endpoint_b", stateB.String(),
		)
		if err := sleepContext(ctx, p.Sleep, interval); err != nil {
			return err
		}
	}

	return NewReadinessTimeoutError(attempts, stateA, stateB)
}

// sleepContext delays for d, returning the context error if ctx is
// cancelled before the delay elapses. A non-nil sleepFn (injected by tests)
// replaces the timer; the context is still checked after it returns.
func sleepContext(ctx context.Context, sleepFn func(time.Duration), d time.Duration) error {
	if sleepFn != nil {
		sleepFn(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// endpointStart returns the initial state for an endpoint: direct ports are
// resolved by definition.
func endpointStart(e *LinkEndpoint) EndpointState {
	if e.Direct() {
		return StateResolved
	}
	return StateUnresolved
}

// resolveCharDevice is the real-filesystem ResolveFunc: the path must exist
// as a symbolic link, resolve to a real filesystem entry, and that entry
// must be a character-special device.
func resolveCharDevice(symlink string) (string, error) {
	info, err := os.Lstat(symlink)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return "", fmt.Errorf("%s is not a symbolic link", symlink)
	}

	target, err := filepath.EvalSymlinks(symlink)
	if err != nil {
		return "", err
	}
	targetInfo, err := os.Stat(target)
	if err != nil {
		return "", err
	}
	if targetInfo.Mode()&os.ModeCharDevice == 0 {
		return "", fmt.Errorf("%s resolves to %s, which is not a character device", symlink, target)
	}
	return target, nil
}
