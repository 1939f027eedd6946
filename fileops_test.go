package kgsm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFileOpsCopyRecursiveOverwrite(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	// pre-existing destination content that a force-copy must be able to
	// overwrite idempotently (spec §4.4 "recursive-force-copy").
	if err := os.MkdirAll(dst, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dst, "a.txt"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	ops := NewFileOps()
	if err := ops.Copy(context.Background(), src, dst); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	if err != nil {
		t.Fatalf("reading copied a.txt: %v", err)
	}
	if string(data) != "a" {
		t.Errorf("a.txt = %q, want overwritten to %q", string(data), "a")
	}
	if _, err := os.Stat(filepath.Join(dst, "sub", "b.txt")); err != nil {
		t.Errorf("nested file not copied: %v", err)
	}
}

func TestOSFileOpsStatLstatReadlinkSymlink(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link.txt")

	ops := NewFileOps()
	if err := ops.Symlink(target, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	info, err := ops.Stat(link)
	if err != nil {
		t.Fatalf("Stat through symlink: %v", err)
	}
	if info.IsDir() {
		t.Error("Stat through symlink reported a directory")
	}

	linfo, err := ops.Lstat(link)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if linfo.Mode()&os.ModeSymlink == 0 {
		t.Error("Lstat did not report a symlink")
	}

	resolved, err := ops.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if resolved != target {
		t.Errorf("Readlink = %q, want %q", resolved, target)
	}
}

func TestOSFileOpsCreateWriteFileRemoveAll(t *testing.T) {
	root := t.TempDir()
	ops := NewFileOps()

	created := filepath.Join(root, "created.txt")
	f, err := ops.Create(created)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Close()
	if _, err := os.Stat(created); err != nil {
		t.Errorf("created file missing: %v", err)
	}

	written := filepath.Join(root, "written.txt")
	if err := ops.WriteFile(written, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(written)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("WriteFile content = %q, want hello", string(data))
	}

	if err := ops.RemoveAll(root); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("RemoveAll did not remove %s: stat err=%v", root, err)
	}

	if err := ops.MkdirAll(filepath.Join(root, "a", "b"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a", "b")); err != nil {
		t.Errorf("MkdirAll did not create nested dirs: %v", err)
	}
}
