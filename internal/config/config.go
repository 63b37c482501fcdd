// Package config loads harness tuning defaults from a YAML file.
//
// The file supplies defaults only: explicit command-line flags always win.
// Decoding is strict: unknown fields are rejected so typos surface
// immediately instead of being silently ignored.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/sertest/internal/harness"
)

// File is the on-disk configuration shape. All fields are optional;
// durations use Go duration syntax ("500ms", "1s").
type File struct {
	// PacingPacket is the per-packet pacing value passed to sender and
	// receiver.
	PacingPacket int `yaml:"pacing_packet,omitempty"`

	// PollAttempts bounds the readiness poll.
	PollAttempts int `yaml:"poll_attempts,omitempty"`

	// PollInterval is the fixed delay between readiness attempts.
	PollInterval string `yaml:"poll_interval,omitempty"`

	// ReceiverSettle is the delay between receiver start and sender start.
	ReceiverSettle string `yaml:"receiver_settle,omitempty"`

	// ReadySettle is the pause after the loopback endpoints resolve.
	ReadySettle string `yaml:"ready_settle,omitempty"`

	// TerminateGrace bounds the graceful-terminate window during cleanup.
	TerminateGrace string `yaml:"terminate_grace,omitempty"`

	// LoopbackTool overrides the loopback provider executable.
	LoopbackTool string `yaml:"loopback_tool,omitempty"`

	// BaseDir is where session roots are created.
	BaseDir string `yaml:"base_dir,omitempty"`
}

// Load reads and parses a config file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or holds an invalid duration.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		// io.EOF means an empty document, which is a valid (all-defaults) file.
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &f, nil
}

// validate checks field ranges and duration syntax.
func (f *File) validate() error {
	if f.PacingPacket < 0 {
		return fmt.Errorf("pacing_packet must be non-negative")
	}
	if f.PollAttempts < 0 {
		return fmt.Errorf("poll_attempts must be non-negative")
	}
	for name, value := range map[string]string{
		"poll_interval":   f.PollInterval,
		"receiver_settle": f.ReceiverSettle,
		"ready_settle":    f.ReadySettle,
		"terminate_grace": f.TerminateGrace,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Apply copies the file's settings onto cfg, filling only fields the file
// actually sets. Durations were validated by Load, so parse errors here are
// impossible by construction.
func (f *File) Apply(cfg *harness.Config) {
	if f.PacingPacket > 0 {
		cfg.PacingPacket = f.PacingPacket
	}
	if f.PollAttempts > 0 {
		cfg.PollAttempts = f.PollAttempts
	}
	if d := parseDuration(f.PollInterval); d > 0 {
		cfg.PollInterval = d
	}
	if d := parseDuration(f.ReceiverSettle); d > 0 {
		cfg.ReceiverSettle = d
	}
	if d := parseDuration(f.ReadySettle); d > 0 {
		cfg.ReadySettle = d
	}
	if d := parseDuration(f.TerminateGrace); d > 0 {
		cfg.TerminateGrace = d
	}
	if f.LoopbackTool != "" {
		cfg.LoopbackTool = f.LoopbackTool
	}
	if f.BaseDir != "" {
		cfg.BaseDir = f.BaseDir
	}
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, _ := time.ParseDuration(s)
	return d
}
