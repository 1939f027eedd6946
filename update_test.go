package kgsm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheKrystalShip/KGSM-sub003/config"
)

func newUpdateTestRig(t *testing.T, root string) (*Manager, *VersionTracker, *DeployPipeline, *BackupEngine, *LifecycleEngine, *EventFabric) {
	t.Helper()
	paths := NewPaths(root)
	manager := NewManager(paths, nil)
	loader := NewOverrideLoader(root, nil, nil)
	tracker := NewVersionTracker(loader)
	events := NewEventFabric(context.Background(), config.Defaults())
	deploy := NewDeployPipeline(loader, NewFileOps(), events)
	backups := NewBackupEngine(NewFileOps(), events)
	lifecycle := NewLifecycleEngine(NewFileOps(), events, nil, nil, 5*1024)
	return manager, tracker, deploy, backups, lifecycle, events
}

func TestUpdateEngineNoopWhenUpToDate(t *testing.T) {
	root := t.TempDir()
	writeFakeRecipe(t, root, "factorio", "1.1.110", true, true)
	manager, tracker, deploy, backups, lifecycle, events := newUpdateTestRig(t, root)
	u := NewUpdateEngine(tracker, deploy, backups, lifecycle, manager, events)

	bp := &Blueprint{Name: "factorio"}
	inst, err := manager.Create(context.Background(), bp, filepath.Join(root, "instances", "factorio-ab1"), "", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inst.InstalledVersion = "1.1.110"
	if err := manager.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := u.Update(context.Background(), inst, bp, false, time.Second); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if inst.InstalledVersion != "1.1.110" {
		t.Errorf("InstalledVersion changed on a no-op update: %q", inst.InstalledVersion)
	}
}

func TestUpdateEngineAppliesNewVersionWhenStopped(t *testing.T) {
	root := t.TempDir()
	writeFakeRecipe(t, root, "factorio", "2.0.0", true, true)
	manager, tracker, deploy, backups, lifecycle, events := newUpdateTestRig(t, root)
	u := NewUpdateEngine(tracker, deploy, backups, lifecycle, manager, events)

	bp := &Blueprint{Name: "factorio"}
	inst, err := manager.Create(context.Background(), bp, filepath.Join(root, "instances", "factorio-ab1"), "", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inst.InstalledVersion = "1.0.0"
	if err := manager.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := u.Update(context.Background(), inst, bp, false, time.Second); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if inst.InstalledVersion != "2.0.0" {
		t.Errorf("InstalledVersion = %q, want 2.0.0", inst.InstalledVersion)
	}

	reloaded, err := manager.Get(inst.Name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.InstalledVersion != "2.0.0" {
		t.Errorf("persisted InstalledVersion = %q, want 2.0.0", reloaded.InstalledVersion)
	}
}

func TestUpdateEngineBackupPrecedesDeploy(t *testing.T) {
	root := t.TempDir()
	writeFakeRecipe(t, root, "factorio", "2.0.0", true, true)
	manager, tracker, deploy, backups, lifecycle, events := newUpdateTestRig(t, root)
	u := NewUpdateEngine(tracker, deploy, backups, lifecycle, manager, events)

	bp := &Blueprint{Name: "factorio"}
	inst, err := manager.Create(context.Background(), bp, filepath.Join(root, "instances", "factorio-ab1"), "", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inst.InstalledVersion = "1.0.0"
	seedInstallDir(t, inst)
	if err := manager.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := u.Update(context.Background(), inst, bp, true, time.Second); err != nil {
		t.Fatalf("Update: %v", err)
	}

	list, err := backups.List(inst)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Version != "1.0.0" {
		t.Fatalf("backups = %+v, want one pre-update snapshot tagged 1.0.0", list)
	}
	if !list[0].Compressed {
		t.Error("backupCompress=true should produce a compressed pre-update snapshot")
	}
}

func TestUpdateEngineFailedDownloadStillLeavesPreUpdateBackup(t *testing.T) {
	root := t.TempDir()
	writeFakeRecipe(t, root, "factorio", "2.0.0", false, true) // download hook fails
	manager, tracker, deploy, backups, lifecycle, events := newUpdateTestRig(t, root)
	u := NewUpdateEngine(tracker, deploy, backups, lifecycle, manager, events)

	bp := &Blueprint{Name: "factorio"}
	inst, err := manager.Create(context.Background(), bp, filepath.Join(root, "instances", "factorio-ab1"), "", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inst.InstalledVersion = "1.0.0"
	seedInstallDir(t, inst)
	if err := manager.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := u.Update(context.Background(), inst, bp, false, time.Second); err == nil {
		t.Fatal("Update() succeeded, want error from the failing download hook")
	}

	list, err := backups.List(inst)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("backups = %+v, want the pre-update backup to survive a failed update", list)
	}
}

func TestUpdateEngineFailedDownloadLeavesPriorVersion(t *testing.T) {
	root := t.TempDir()
	writeFakeRecipe(t, root, "factorio", "2.0.0", false, true) // download hook fails
	manager, tracker, deploy, backups, lifecycle, events := newUpdateTestRig(t, root)
	u := NewUpdateEngine(tracker, deploy, backups, lifecycle, manager, events)

	bp := &Blueprint{Name: "factorio"}
	inst, err := manager.Create(context.Background(), bp, filepath.Join(root, "instances", "factorio-ab1"), "", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inst.InstalledVersion = "1.0.0"
	if err := manager.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	err = u.Update(context.Background(), inst, bp, false, time.Second)
	if err == nil {
		t.Fatal("Update() succeeded, want error from the failing download hook")
	}
	if inst.InstalledVersion != "1.0.0" {
		t.Errorf("InstalledVersion = %q, want unchanged 1.0.0 after a failed update", inst.InstalledVersion)
	}
}

func TestUpdateEngineStopsAndRestartsRunningInstance(t *testing.T) {
	root := t.TempDir()
	writeFakeRecipe(t, root, "echoer", "2.0.0", true, true)
	manager, tracker, deploy, backups, lifecycle, events := newUpdateTestRig(t, root)
	u := NewUpdateEngine(tracker, deploy, backups, lifecycle, manager, events)

	bp := &Blueprint{
		Name:           "echoer",
		ExecutableFile: "sleeper.sh",
	}
	inst, err := manager.Create(context.Background(), bp, filepath.Join(root, "instances", "echoer-ab1"), "", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.MkdirAll(inst.InstallDir, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.1; done\n"
	if err := os.WriteFile(filepath.Join(inst.InstallDir, "sleeper.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	inst.InstalledVersion = "1.0.0"
	if err := manager.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ctx := context.Background()
	if err := lifecycle.Start(ctx, inst, bp); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := u.Update(ctx, inst, bp, false, 3*time.Second); err != nil {
		t.Fatalf("Update: %v", err)
	}

	active, err := lifecycle.IsActive(ctx, inst)
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if !active {
		t.Error("instance should have been restarted after the update")
	}
	if inst.InstalledVersion != "2.0.0" {
		t.Errorf("InstalledVersion = %q, want 2.0.0", inst.InstalledVersion)
	}

	if err := lifecycle.Stop(ctx, inst, 3*time.Second); err != nil {
		t.Fatalf("cleanup Stop: %v", err)
	}
}
