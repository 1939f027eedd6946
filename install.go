package kgsm

import (
	"context"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
	"github.com/TheKrystalShip/KGSM-sub003/prereq"
)

const installComponent = "install"

// Installer orchestrates the full create pipeline: C3 (resolve blueprint)
// → C5 (allocate instance) → C6 (directories) → C7 (artifacts) → C8
// (latest version) → C9 (download+deploy) → C8 (persist version) → C14
// (install_finished), matching the create data flow (spec §3 "Data flow").
type Installer struct {
	resolver  *BlueprintResolver
	manager   *Manager
	layout    *LayoutManager
	filegen   *FileGenerator
	tracker   *VersionTracker
	deploy    *DeployPipeline
	events    *EventFabric
	genConfig *generationConfig
}

func NewInstaller(resolver *BlueprintResolver, manager *Manager, layout *LayoutManager, filegen *FileGenerator, tracker *VersionTracker, deploy *DeployPipeline, events *EventFabric, genConfig *generationConfig) *Installer {
	return &Installer{
		resolver:  resolver,
		manager:   manager,
		layout:    layout,
		filegen:   filegen,
		tracker:   tracker,
		deploy:    deploy,
		events:    events,
		genConfig: genConfig,
	}
}

// Install runs the full create pipeline for blueprintName and returns the
// resulting Instance.
func (in *Installer) Install(ctx context.Context, blueprintName, installDir, explicitName string, suffixLength int) (*Instance, error) {
	bp, err := in.resolver.Resolve(blueprintName)
	if err != nil {
		return nil, err
	}

	checks := []string{"linux", "cp"}
	if bp.Variant == VariantContainer {
		checks = append(checks, "docker")
	}
	if err := prereq.Verify(ctx, checks...); err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.Dependency, installComponent, "prerequisite checks for "+bp.Name, err)
	}

	in.events.Emit(ctx, EventInstallationStarted, map[string]any{"Blueprint": bp.Name})

	inst, err := in.manager.Create(ctx, bp, installDir, explicitName, suffixLength)
	if err != nil {
		return nil, err
	}

	if err := in.layout.Create(ctx, inst); err != nil {
		return nil, err
	}

	if err := in.filegen.Generate(ctx, inst, bp, in.genConfig); err != nil {
		return nil, err
	}

	latest, err := in.tracker.Latest(ctx, bp)
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.Dependency, installComponent, "determining version to install for "+bp.Name, err)
	}

	if err := in.deploy.Download(ctx, inst, bp, latest); err != nil {
		return nil, err
	}
	if err := in.deploy.Deploy(ctx, inst, bp); err != nil {
		return nil, err
	}

	inst.InstalledVersion = latest
	if err := in.manager.Save(ctx, inst); err != nil {
		return nil, err
	}
	in.events.Emit(ctx, EventVersionUpdated, map[string]any{"Instance": inst.Name, "Version": latest})

	in.events.Emit(ctx, EventInstallationFinished, map[string]any{"Instance": inst.Name, "Version": latest})
	in.events.Emit(ctx, EventInstalled, map[string]any{"Instance": inst.Name, "Version": latest})
	return inst, nil
}

// Uninstall tears down an instance in the reverse order of Install: file
// artifacts, directories, then the registry record (spec §4.5 "Installed/
// Stopped → uninstall → Absent: C6.remove + C5.remove + C7 removal").
func (in *Installer) Uninstall(ctx context.Context, inst *Instance) error {
	in.events.Emit(ctx, EventUninstallStarted, map[string]any{"Instance": inst.Name})

	if err := in.filegen.Remove(ctx, inst); err != nil {
		return err
	}
	if err := in.layout.Remove(ctx, inst); err != nil {
		return err
	}
	if err := in.manager.Remove(ctx, inst.Name); err != nil {
		return err
	}

	in.events.Emit(ctx, EventUninstallFinished, map[string]any{"Instance": inst.Name})
	in.events.Emit(ctx, EventRemoved, map[string]any{"Instance": inst.Name})
	in.events.Emit(ctx, EventUninstalled, map[string]any{"Instance": inst.Name})
	return nil
}
