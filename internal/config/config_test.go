package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sertest/internal/harness"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sertest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
pacing_packet: 25
poll_attempts: 30
poll_interval: "500ms"
receiver_settle: "2s"
ready_settle: "250ms"
terminate_grace: "1s"
loopback_tool: "/opt/bin/socat"
base_dir: "/var/tmp"
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, f.PacingPacket)
	assert.Equal(t, 30, f.PollAttempts)
	assert.Equal(t, "500ms", f.PollInterval)
	assert.Equal(t, "/opt/bin/socat", f.LoopbackTool)
	assert.Equal(t, "/var/tmp", f.BaseDir)
}

func TestLoad_EmptyFileIsValid(t *testing.T) {
	f, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Zero(t, f.PacingPacket)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "pacing_paket: 25\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_BadDurationRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `receiver_settle: "two seconds"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receiver_settle")
}

func TestLoad_NegativePacingRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "pacing_packet: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pacing_packet must be non-negative")
}

func TestApply_FillsOnlySetFields(t *testing.T) {
	f, err := Load(writeConfig(t, `
pacing_packet: 25
receiver_settle: "2s"
`))
	require.NoError(t, err)

	cfg := harness.Config{
		PollAttempts: 7,
		PollInterval: 250 * time.Millisecond,
	}
	f.Apply(&cfg)

	assert.Equal(t, 25, cfg.PacingPacket)
	assert.Equal(t, 2*time.Second, cfg.ReceiverSettle)
	// Untouched fields keep their values.
	assert.Equal(t, 7, cfg.PollAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Zero(t, cfg.ReadySettle)
}

func TestApply_EmptyFileIsNoOp(t *testing.T) {
	f, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	cfg := harness.Config{PacingPacket: 10, BaseDir: "/work"}
	f.Apply(&cfg)
	assert.Equal(t, 10, cfg.PacingPacket)
	assert.Equal(t, "/work", cfg.BaseDir)
}
