// Package containerengine wraps the docker/podman compose CLI the way
// applecontainer wraps the `container` CLI in the teacher repo: a thin
// Ops interface over exec.CommandContext, one method per subcommand, no
// client library dependency.
package containerengine

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strconv"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

const component = "containerengine"

// Ops is the narrow capability the container-runtime lifecycle path (C10)
// needs from a compose-compatible engine.
type Ops interface {
	Up(ctx context.Context, composeFile, workDir string) (string, error)
	Down(ctx context.Context, composeFile, workDir string) (string, error)
	PS(ctx context.Context, composeFile, workDir string) (string, error)
	Logs(ctx context.Context, composeFile, workDir string, follow bool, tail int, w io.Writer) error
}

type execOps struct {
	binary string // "docker" or "podman"
}

// New returns an Ops that shells out to <binary> compose. binary is
// typically "docker" (docker compose v2 plugin) or "podman" (podman-compose
// compatible CLI).
func New(binary string) Ops {
	return &execOps{binary: binary}
}

func (e *execOps) run(ctx context.Context, composeFile, workDir string, args ...string) (string, error) {
	full := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, e.binary, full...)
	cmd.Dir = workDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", kgsmerr.Wrap(kgsmerr.Upstream, component, e.binary+" "+args[0]+" failed: "+out.String(), err)
	}
	return out.String(), nil
}

func (e *execOps) Up(ctx context.Context, composeFile, workDir string) (string, error) {
	return e.run(ctx, composeFile, workDir, "up", "-d")
}

func (e *execOps) Down(ctx context.Context, composeFile, workDir string) (string, error) {
	return e.run(ctx, composeFile, workDir, "down")
}

func (e *execOps) PS(ctx context.Context, composeFile, workDir string) (string, error) {
	return e.run(ctx, composeFile, workDir, "ps", "--format", "json")
}

func (e *execOps) Logs(ctx context.Context, composeFile, workDir string, follow bool, tail int, w io.Writer) error {
	args := []string{"compose", "-f", composeFile, "logs"}
	if follow {
		args = append(args, "--follow")
	}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = workDir
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil {
		return kgsmerr.Wrap(kgsmerr.Upstream, component, e.binary+" compose logs failed", err)
	}
	return nil
}
