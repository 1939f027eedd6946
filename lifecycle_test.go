package kgsm

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/TheKrystalShip/KGSM-sub003/config"
	"github.com/TheKrystalShip/KGSM-sub003/containerengine"
	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

type fakeContainerOps struct {
	upFunc    func(ctx context.Context, composeFile, workDir string) (string, error)
	downFunc  func(ctx context.Context, composeFile, workDir string) (string, error)
	psFunc    func(ctx context.Context, composeFile, workDir string) (string, error)
	logsFunc  func(ctx context.Context, composeFile, workDir string, follow bool, tail int, w io.Writer) error
	downCalls int
}

func (f *fakeContainerOps) Up(ctx context.Context, composeFile, workDir string) (string, error) {
	if f.upFunc != nil {
		return f.upFunc(ctx, composeFile, workDir)
	}
	return "up", nil
}

func (f *fakeContainerOps) Down(ctx context.Context, composeFile, workDir string) (string, error) {
	f.downCalls++
	if f.downFunc != nil {
		return f.downFunc(ctx, composeFile, workDir)
	}
	return "down", nil
}

func (f *fakeContainerOps) PS(ctx context.Context, composeFile, workDir string) (string, error) {
	if f.psFunc != nil {
		return f.psFunc(ctx, composeFile, workDir)
	}
	return "running", nil
}

func (f *fakeContainerOps) Logs(ctx context.Context, composeFile, workDir string, follow bool, tail int, w io.Writer) error {
	if f.logsFunc != nil {
		return f.logsFunc(ctx, composeFile, workDir, follow, tail, w)
	}
	return nil
}

var _ containerengine.Ops = (*fakeContainerOps)(nil)

func newNativeTestInstance(t *testing.T) *Instance {
	t.Helper()
	dir := t.TempDir()
	layout := newInstanceLayout(dir)
	return &Instance{
		Name:             "echoer-xy1",
		Runtime:          RuntimeNative,
		WorkingDir:       layout.WorkingDir,
		InstallDir:       layout.InstallDir,
		LogsDir:          layout.LogsDir,
		PIDFile:          filepath.Join(dir, "echoer-xy1.pid"),
		LifecycleManager: LifecycleStandalone,
		TailLinesDefault: 100,
	}
}

func newLifecycleEngine(t *testing.T, container containerengine.Ops) *LifecycleEngine {
	t.Helper()
	events := NewEventFabric(context.Background(), config.Defaults())
	return NewLifecycleEngine(NewFileOps(), events, container, nil, 5*1024)
}

func TestLifecycleStartStopNative(t *testing.T) {
	inst := newNativeTestInstance(t)
	if err := os.MkdirAll(inst.InstallDir, 0o755); err != nil {
		t.Fatal(err)
	}

	bp := &Blueprint{
		ExecutableFile:      "sleeper.sh",
		ExecutableArguments: "",
	}
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.1; done\n"
	scriptPath := filepath.Join(inst.InstallDir, "sleeper.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	e := newLifecycleEngine(t, nil)
	ctx := context.Background()

	if err := e.Start(ctx, inst, bp); err != nil {
		t.Fatalf("Start: %v", err)
	}

	active, err := e.IsActive(ctx, inst)
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if !active {
		t.Fatal("IsActive = false right after Start, want true")
	}

	if _, err := os.Stat(inst.PIDFile); err != nil {
		t.Errorf("pid file missing: %v", err)
	}

	if err := e.Stop(ctx, inst, 3*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := os.Stat(inst.PIDFile); err == nil {
		t.Error("pid file still present after clean stop, want removed (spec §8)")
	}
}

func TestLifecycleStartAlreadyRunning(t *testing.T) {
	inst := newNativeTestInstance(t)
	if err := os.MkdirAll(inst.InstallDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(inst.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newLifecycleEngine(t, nil)
	bp := &Blueprint{ExecutableFile: "whatever"}
	err := e.Start(context.Background(), inst, bp)
	if kgsmerr.KindOf(err) != kgsmerr.State {
		t.Errorf("want State error for already-running, got %v", err)
	}
}

func TestLifecycleStopForceKillsOnTimeout(t *testing.T) {
	inst := newNativeTestInstance(t)
	if err := os.MkdirAll(inst.InstallDir, 0o755); err != nil {
		t.Fatal(err)
	}

	bp := &Blueprint{ExecutableFile: "ignorer.sh"}
	script := "#!/bin/sh\ntrap '' TERM\nwhile true; do sleep 0.1; done\n"
	scriptPath := filepath.Join(inst.InstallDir, "ignorer.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	e := newLifecycleEngine(t, nil)
	ctx := context.Background()
	if err := e.Start(ctx, inst, bp); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := e.Stop(ctx, inst, 500*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed > 3*time.Second {
		t.Errorf("Stop took %s, expected force-kill near the 500ms timeout", elapsed)
	}

	active, err := e.IsActive(ctx, inst)
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if active {
		t.Error("instance still active after force-kill")
	}
}

func TestLifecycleContainerUpDown(t *testing.T) {
	fake := &fakeContainerOps{psFunc: func(ctx context.Context, composeFile, workDir string) (string, error) {
		return "", nil // not running yet, so Start's already-running guard passes
	}}
	e := newLifecycleEngine(t, fake)
	inst := &Instance{
		Name:             "valheim-zz1",
		Runtime:          RuntimeContainer,
		WorkingDir:       t.TempDir(),
		LifecycleManager: LifecycleContainer,
	}

	if err := e.Start(context.Background(), inst, &Blueprint{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(context.Background(), inst, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fake.downCalls != 1 {
		t.Errorf("Down called %d times, want 1", fake.downCalls)
	}
}

func TestLifecycleSaveRequiresSaveCommand(t *testing.T) {
	e := newLifecycleEngine(t, nil)
	inst := &Instance{Name: "noop-aa1"}
	err := e.Save(context.Background(), inst, time.Second)
	if kgsmerr.KindOf(err) != kgsmerr.Invalid {
		t.Errorf("want Invalid when no save_command, got %v", err)
	}
}

func TestLifecycleLogsTail(t *testing.T) {
	inst := newNativeTestInstance(t)
	if err := os.MkdirAll(inst.LogsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "line1\nline2\nline3\nline4\nline5\n"
	if err := os.WriteFile(filepath.Join(inst.LogsDir, "latest.log"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newLifecycleEngine(t, nil)
	var buf bytes.Buffer
	if err := e.Logs(context.Background(), inst, 2, false, &buf); err != nil {
		t.Fatalf("Logs: %v", err)
	}
	got := strings.TrimSpace(buf.String())
	want := "line4\nline5"
	if got != want {
		t.Errorf("Logs tail = %q, want %q", got, want)
	}
}
