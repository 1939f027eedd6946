// Package prereq implements the supplemented "prerequisite diagnostics"
// feature: a registry of named checks run before install/update to surface
// missing external tooling early, adapted from the teacher's
// diagnosticCheck registry (cmd/sand/prerequisites.go).
package prereq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// Check is one named diagnostic.
type Check struct {
	ID          string
	Description string
	Run         func(ctx context.Context) error
}

var (
	checks = []Check{
		{
			ID:          "linux",
			Description: "running on Linux",
			Run: func(ctx context.Context) error {
				if runtime.GOOS != "linux" {
					return fmt.Errorf("this program requires Linux, but detected OS: %s", runtime.GOOS)
				}
				return nil
			},
		},
		{
			ID:          "steamcmd",
			Description: "steamcmd is installed and on PATH",
			Run: func(ctx context.Context) error {
				if _, err := exec.LookPath("steamcmd"); err != nil {
					return fmt.Errorf("steamcmd not found on PATH: %w", err)
				}
				return nil
			},
		},
		{
			ID:          "docker",
			Description: "docker (or podman) compose plugin is installed",
			Run: func(ctx context.Context) error {
				if _, err := exec.LookPath("docker"); err == nil {
					return nil
				}
				if _, err := exec.LookPath("podman"); err == nil {
					return nil
				}
				return fmt.Errorf("neither docker nor podman found on PATH")
			},
		},
		{
			ID:          "systemctl",
			Description: "systemctl is available for systemd-managed instances",
			Run: func(ctx context.Context) error {
				if _, err := exec.LookPath("systemctl"); err != nil {
					return fmt.Errorf("systemctl not found on PATH: %w", err)
				}
				return nil
			},
		},
		{
			ID:          "cp",
			Description: "cp is installed and on PATH",
			Run: func(ctx context.Context) error {
				if _, err := exec.LookPath("cp"); err != nil {
					return fmt.Errorf("cp not found on PATH: %w", err)
				}
				return nil
			},
		},
	}
	checkMap = map[string]Check{}
)

func init() {
	for _, c := range checks {
		checkMap[c.ID] = c
	}
}

// All returns every registered check ID, in registration order.
func All() []string {
	ids := make([]string, len(checks))
	for i, c := range checks {
		ids[i] = c.ID
	}
	return ids
}

// Verify runs the named checks and joins every failure into one error.
func Verify(ctx context.Context, checkIDs ...string) error {
	var failures []error
	for _, id := range checkIDs {
		check, ok := checkMap[id]
		if !ok {
			failures = append(failures, fmt.Errorf("unrecognized prerequisite check %q", id))
			continue
		}
		if err := check.Run(ctx); err != nil {
			slog.ErrorContext(ctx, "prereq check failed", "id", check.ID, "description", check.Description, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", check.Description, err))
			continue
		}
		slog.InfoContext(ctx, "prereq check passed", "id", check.ID, "description", check.Description)
	}
	if len(failures) == 0 {
		return nil
	}
	return errors.Join(failures...)
}
