package harness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sertest/internal/testutil"
)

// scriptedResolver makes each symlink resolvable after a configured number
// of probe calls, and records how often each was probed.
type scriptedResolver struct {
	readyAfter map[string]int // symlink -> probe count at which it resolves
	calls      map[string]int
}

func newScriptedResolver(readyAfter map[string]int) *scriptedResolver {
	return &scriptedResolver{readyAfter: readyAfter, calls: make(map[string]int)}
}

func (r *scriptedResolver) resolve(symlink string) (string, error) {
	r.calls[symlink]++
	after, ok := r.readyAfter[symlink]
	if !ok || r.calls[symlink] < after {
		return "", fmt.Errorf("%s not ready", symlink)
	}
	return "/dev/pts/" + symlink, nil
}

func TestPoller_BothEndpointsResolve(t *testing.T) {
	resolver := newScriptedResolver(map[string]int{"a": 1, "b": 3})
	sleeper := &testutil.SleepRecorder{}
	p := &Poller{
		Attempts: 5,
		Interval: time.Second,
		Sleep:    sleeper.Sleep,
		Resolve:  resolver.resolve,
	}

	a := &LinkEndpoint{Symlink: "a"}
	b := &LinkEndpoint{Symlink: "b"}
	require.NoError(t, p.Await(context.Background(), a, b))

	assert.Equal(t, "/dev/pts/a", a.Device)
	assert.Equal(t, "/dev/pts/b", b.Device)
	// Ready on the third round: two failed rounds slept, the third did not.
	assert.Equal(t, 2, sleeper.Count())
	// Forward-only: endpoint a resolved on round one and was never re-probed.
	assert.Equal(t, 1, resolver.calls["a"])
	assert.Equal(t, 3, resolver.calls["b"])
}

func TestPoller_TimeoutAfterBudget(t *testing.T) {
	resolver := newScriptedResolver(map[string]int{"a": 2}) // b never resolves
	sleeper := &testutil.SleepRecorder{}
	p := &Poller{
		Attempts: 4,
		Interval: time.Second,
		Sleep:    sleeper.Sleep,
		Resolve:  resolver.resolve,
	}

	a := &LinkEndpoint{Symlink: "a"}
	b := &LinkEndpoint{Symlink: "b"}
	err := p.Await(context.Background(), a, b)
	require.Error(t, err)
	assert.True(t, IsReadinessTimeout(err))

	// The diagnostic names the last observed per-endpoint state.
	assert.Contains(t, err.Error(), "endpoint A: resolved")
	assert.Contains(t, err.Error(), "endpoint B: unresolved")

	// Bounded: exactly the budget, never more.
	assert.Equal(t, 4, resolver.calls["b"])
	assert.Equal(t, 4, sleeper.Count())
}

func TestPoller_NeverExceedsBudgetWhenNothingResolves(t *testing.T) {
	resolver := newScriptedResolver(nil)
	sleeper := &testutil.SleepRecorder{}
	p := &Poller{Attempts: 15, Interval: time.Second, Sleep: sleeper.Sleep, Resolve: resolver.resolve}

	err := p.Await(context.Background(), &LinkEndpoint{Symlink: "a"}, &LinkEndpoint{Symlink: "b"})
	require.Error(t, err)
	assert.True(t, IsReadinessTimeout(err))
	assert.Equal(t, 15, resolver.calls["a"])
	assert.Equal(t, 15, resolver.calls["b"])
	assert.Equal(t, 15*time.Second, sleeper.Total())
}

func TestPoller_DirectPortsImmediatelyResolved(t *testing.T) {
	resolver := newScriptedResolver(nil)
	sleeper := &testutil.SleepRecorder{}
	p := &Poller{Attempts: 15, Sleep: sleeper.Sleep, Resolve: resolver.resolve}

	a := &LinkEndpoint{Device: "PORT1"}
	b := &LinkEndpoint{Device: "PORT2"}
	require.NoError(t, p.Await(context.Background(), a, b))

	// No polling, no sleeping, devices untouched.
	assert.Empty(t, resolver.calls)
	assert.Zero(t, sleeper.Count())
	assert.Equal(t, "PORT1", a.Device)
	assert.Equal(t, "PORT2", b.Device)
}

func TestPoller_MixedDirectAndSymlink(t *testing.T) {
	resolver := newScriptedResolver(map[string]int{"b": 2})
	sleeper := &testutil.SleepRecorder{}
	p := &Poller{Attempts: 5, Interval: time.Second, Sleep: sleeper.Sleep, Resolve: resolver.resolve}

	a := &LinkEndpoint{Device: "PORT1"}
	b := &LinkEndpoint{Symlink: "b"}
	require.NoError(t, p.Await(context.Background(), a, b))

	assert.Zero(t, resolver.calls["a"])
	assert.Equal(t, 2, resolver.calls["b"])
	assert.Equal(t, "/dev/pts/b", b.Device)
}

func TestPoller_DefaultsApplied(t *testing.T) {
	resolver := newScriptedResolver(nil)
	sleeper := &testutil.SleepRecorder{}
	p := &Poller{Sleep: sleeper.Sleep, Resolve: resolver.resolve}

	err := p.Await(context.Background(), &LinkEndpoint{Symlink: "a"}, &LinkEndpoint{Symlink: "b"})
	require.Error(t, err)
	assert.Equal(t, DefaultPollAttempts, resolver.calls["a"])
	for _, d := range sleeper.Calls() {
		assert.Equal(t, DefaultPollInterval, d)
	}
}

func TestPoller_CancellationInterruptsSleep(t *testing.T) {
	resolver := newScriptedResolver(nil)
	// Real timer path (Sleep nil) with an interval far beyond the test
	// deadline; cancellation must cut the sleep short.
	p := &Poller{Attempts: 15, Interval: time.Hour, Resolve: resolver.resolve}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Await(ctx, &LinkEndpoint{Symlink: "a"}, &LinkEndpoint{Symlink: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.LessOrEqual(t, resolver.calls["a"], 1, "polling must stop once cancelled")
}

func TestPoller_CancelledBeforeStartDoesNotProbe(t *testing.T) {
	resolver := newScriptedResolver(nil)
	sleeper := &testutil.SleepRecorder{}
	p := &Poller{Attempts: 15, Sleep: sleeper.Sleep, Resolve: resolver.resolve}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Await(ctx, &LinkEndpoint{Symlink: "a"}, &LinkEndpoint{Symlink: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, resolver.calls)
	assert.Zero(t, sleeper.Count())
}

func TestEndpointState_String(t *testing.T) {
	assert.Equal(t, "unresolved", StateUnresolved.String())
	assert.Equal(t, "resolved", StateResolved.String())
}

func TestResolveCharDevice_RejectsNonSymlink(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "plain", "exit 0\n")

	_, err := resolveCharDevice(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a symbolic link")
}

func TestResolveCharDevice_MissingPath(t *testing.T) {
	_, err := resolveCharDevice(t.TempDir() + "/missing")
	require.Error(t, err)
}
