package harness

import (
	"os"
	"os/exec"
	"path/filepath"
)

// ResolveTool locates an external collaborator and verifies it can be
// executed.
//
// Resolution order:
//  1. Look the name up in PATH.
//  2. Treat nameOrPath as a direct filesystem path and verify it is a
//     regular file with an execute bit set.
//
// The returned path is absolute. role is the human-readable name used in
// diagnostics ("sender", "comparison tool", ...).
//
// ResolveTool must be called for every collaborator before any provisioning
// begins so that a missing tool is reported before resources are allocated.
func ResolveTool(nameOrPath, role string) (string, error) {
	if nameOrPath == "" {
		return "", NewToolNotFoundError(role, nameOrPath)
	}

	if found, err := exec.LookPath(nameOrPath); err == nil {
		if abs, absErr := filepath.Abs(found); absErr == nil {
			return abs, nil
		}
		return found, nil
	}

	// Not in PATH: fall back to interpreting the string as a direct path.
	info, err := os.Stat(nameOrPath)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0111 == 0 {
		return "", NewToolNotFoundError(role, nameOrPath)
	}

	abs, err := filepath.Abs(nameOrPath)
	if err != nil {
		return "", NewToolNotFoundError(role, nameOrPath)
	}
	return abs, nil
}
