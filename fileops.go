package kgsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// FileOps is the narrow filesystem capability the Directory Layout Manager
// (C6), File Generator (C7), and Download/Deploy Pipeline (C9) depend on,
// kept as an interface so tests substitute a fake instead of touching disk.
type FileOps interface {
	MkdirAll(path string, perm os.FileMode) error
	Copy(ctx context.Context, src, dst string) error
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	Readlink(path string) (string, error)
	Create(path string) (*os.File, error)
	Symlink(oldname, newname string) error
	RemoveAll(path string) error
	WriteFile(path string, data []byte, perm os.FileMode) error
}

type osFileOps struct{}

func NewFileOps() FileOps {
	return &osFileOps{}
}

func (f *osFileOps) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Copy implements the "recursive-force-copy" primitive C9's built-in deploy
// step needs (spec §4.4): recursive, overwriting, and idempotent over a
// non-empty destination.
func (f *osFileOps) Copy(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "cp", "-a", "-f", "-T", src, dst)
	slog.InfoContext(ctx, "FileOps.Copy", "cmd", strings.Join(cmd.Args, " "))
	output, err := cmd.CombinedOutput()
	if err != nil {
		slog.ErrorContext(ctx, "FileOps.Copy", "error", err, "output", string(output))
		return fmt.Errorf("copy failed: %w (output: %s)", err, output)
	}
	return nil
}

func (f *osFileOps) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (f *osFileOps) Lstat(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

func (f *osFileOps) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

func (f *osFileOps) Create(path string) (*os.File, error) {
	return os.Create(path)
}

func (f *osFileOps) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

func (f *osFileOps) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (f *osFileOps) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}
