package kgsm

import (
	"context"
	"errors"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

const deployComponent = "deploy"

// DeployPipeline implements C9: the two-phase download/deploy content
// pipeline, each phase driven by the blueprint's OverrideProvider with a
// built-in fallback (spec §3 "Download/Deploy Pipeline", §9 override
// redesign).
type DeployPipeline struct {
	overrides *OverrideLoader
	fileOps   FileOps
	events    *EventFabric
}

func NewDeployPipeline(overrides *OverrideLoader, fileOps FileOps, events *EventFabric) *DeployPipeline {
	return &DeployPipeline{overrides: overrides, fileOps: fileOps, events: events}
}

// Download fetches version into inst.TempDir via the blueprint's provider.
// When the provider doesn't implement the Download hook and the blueprint
// has a steam_app_id, the built-in Steam download runs instead; otherwise
// ErrHookNotImplemented here means the blueprint has no content source.
func (p *DeployPipeline) Download(ctx context.Context, inst *Instance, bp *Blueprint, version string) error {
	provider, err := p.overrides.Load(bp)
	if err != nil {
		return err
	}
	p.events.Emit(ctx, EventDownloadStarted, map[string]any{"Instance": inst.Name, "Version": version})

	if err := p.fileOps.RemoveAll(inst.TempDir); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, deployComponent, "clearing temp dir before download", err)
	}
	if err := p.fileOps.MkdirAll(inst.TempDir, 0o755); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, deployComponent, "creating temp dir", err)
	}

	err = provider.Download(ctx, version, inst.TempDir)
	if errors.Is(err, ErrHookNotImplemented) && bp.SteamAppID > 0 && p.overrides.SteamFetch != nil {
		err = p.overrides.SteamFetch.Download(ctx, bp.SteamAppID, inst.TempDir, "", "")
	}
	if err != nil {
		if errors.Is(err, ErrHookNotImplemented) {
			return kgsmerr.New(kgsmerr.Dependency, deployComponent, "blueprint "+bp.Name+" has no content source")
		}
		return kgsmerr.Wrap(kgsmerr.Upstream, deployComponent, "downloading "+bp.Name+" "+version, err)
	}

	p.events.Emit(ctx, EventDownloadFinished, map[string]any{"Instance": inst.Name, "Version": version})
	p.events.Emit(ctx, EventDownloaded, map[string]any{"Instance": inst.Name, "Version": version})
	return nil
}

// Deploy moves downloaded content from inst.TempDir into inst.InstallDir via
// the blueprint's provider, falling back to a recursive-force-copy
// (FileOps.Copy, spec §4.4) when the provider's Deploy hook isn't
// implemented. The temp dir is always cleared afterward, on success or
// failure, so a half-deployed download never lingers as stale state.
func (p *DeployPipeline) Deploy(ctx context.Context, inst *Instance, bp *Blueprint) error {
	provider, err := p.overrides.Load(bp)
	if err != nil {
		return err
	}
	p.events.Emit(ctx, EventDeployStarted, map[string]any{"Instance": inst.Name})

	deployErr := provider.Deploy(ctx, inst.TempDir, inst.InstallDir)
	if errors.Is(deployErr, ErrHookNotImplemented) {
		deployErr = p.builtinDeploy(ctx, inst)
	}

	if clearErr := p.fileOps.RemoveAll(inst.TempDir); clearErr != nil {
		if deployErr == nil {
			deployErr = kgsmerr.Wrap(kgsmerr.IO, deployComponent, "clearing temp dir after deploy", clearErr)
		}
	}
	if deployErr != nil {
		return kgsmerr.Wrap(kgsmerr.Upstream, deployComponent, "deploying "+bp.Name, deployErr)
	}

	p.events.Emit(ctx, EventDeployFinished, map[string]any{"Instance": inst.Name})
	p.events.Emit(ctx, EventDeployed, map[string]any{"Instance": inst.Name})
	return nil
}

func (p *DeployPipeline) builtinDeploy(ctx context.Context, inst *Instance) error {
	if err := p.fileOps.MkdirAll(inst.InstallDir, 0o755); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, deployComponent, "creating install dir", err)
	}
	return p.fileOps.Copy(ctx, inst.TempDir, inst.InstallDir)
}
