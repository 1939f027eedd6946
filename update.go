package kgsm

import (
	"context"
	"time"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
	"github.com/TheKrystalShip/KGSM-sub003/prereq"
)

const updateComponent = "update"

// UpdateEngine implements C13: the stop/download/deploy/start dance that
// keeps an instance's content current (spec §4.8).
type UpdateEngine struct {
	tracker   *VersionTracker
	deploy    *DeployPipeline
	backups   *BackupEngine
	lifecycle *LifecycleEngine
	manager   *Manager
	events    *EventFabric
}

func NewUpdateEngine(tracker *VersionTracker, deploy *DeployPipeline, backups *BackupEngine, lifecycle *LifecycleEngine, manager *Manager, events *EventFabric) *UpdateEngine {
	return &UpdateEngine{tracker: tracker, deploy: deploy, backups: backups, lifecycle: lifecycle, manager: manager, events: events}
}

// Update runs: latest → compare → backup → stop if running →
// download+deploy → persist version → start if it was running. Backing up
// before a risky deploy is unconditional (spec §4.8 "compare → backup →
// stop → deploy → start → version-save"); backupCompress only chooses the
// pre-update snapshot's format, the same way it does for --create-backup.
// A failure in download/deploy/persist leaves the instance Stopped with
// its prior installed_version and emits update_failed (spec §4.8).
func (u *UpdateEngine) Update(ctx context.Context, inst *Instance, bp *Blueprint, backupCompress bool, stopTimeout time.Duration) error {
	latest, err := u.tracker.Latest(ctx, bp)
	if err != nil {
		return err
	}
	if latest == inst.InstalledVersion {
		return nil
	}

	if inst.Runtime == RuntimeContainer {
		if err := prereq.Verify(ctx, "docker"); err != nil {
			return kgsmerr.Wrap(kgsmerr.Dependency, updateComponent, "prerequisite checks for "+inst.Name, err)
		}
	}

	u.events.Emit(ctx, EventUpdateStarted, map[string]any{"Instance": inst.Name, "Latest": latest})

	if _, err := u.backups.Create(ctx, inst, backupCompress); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, updateComponent, "pre-update backup for "+inst.Name, err)
	}

	wasRunning, err := u.lifecycle.IsActive(ctx, inst)
	if err != nil {
		return err
	}
	if wasRunning {
		if err := u.lifecycle.Stop(ctx, inst, stopTimeout); err != nil {
			return kgsmerr.Wrap(kgsmerr.Upstream, updateComponent, "stopping "+inst.Name+" before update", err)
		}
	}

	priorVersion := inst.InstalledVersion
	if err := u.applyContent(ctx, inst, bp, latest); err != nil {
		inst.InstalledVersion = priorVersion
		u.events.Emit(ctx, EventUpdateFailed, map[string]any{"Instance": inst.Name, "Error": err.Error()})
		return err
	}

	inst.InstalledVersion = latest
	if err := u.manager.Save(ctx, inst); err != nil {
		inst.InstalledVersion = priorVersion
		u.events.Emit(ctx, EventUpdateFailed, map[string]any{"Instance": inst.Name, "Error": err.Error()})
		return err
	}
	u.events.Emit(ctx, EventVersionUpdated, map[string]any{"Instance": inst.Name, "Version": latest})

	if wasRunning {
		if err := u.lifecycle.Start(ctx, inst, bp); err != nil {
			return kgsmerr.Wrap(kgsmerr.Upstream, updateComponent, "restarting "+inst.Name+" after update", err)
		}
	}

	u.events.Emit(ctx, EventUpdateFinished, map[string]any{"Instance": inst.Name, "Version": latest})
	u.events.Emit(ctx, EventUpdated, map[string]any{"Instance": inst.Name, "Version": latest})
	return nil
}

func (u *UpdateEngine) applyContent(ctx context.Context, inst *Instance, bp *Blueprint, version string) error {
	if err := u.deploy.Download(ctx, inst, bp, version); err != nil {
		return err
	}
	return u.deploy.Deploy(ctx, inst, bp)
}
