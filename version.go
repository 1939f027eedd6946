package kgsm

import (
	"context"
	"errors"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

const versionComponent = "version"

// ErrNoVersionSource is returned by Latest when neither an override
// recipe's latest-version hook nor a built-in content source can report a
// version (spec §3 "Version Tracker").
var ErrNoVersionSource = errors.New("no version source for blueprint")

// CompareResult is the outcome of comparing an instance's installed and
// latest-available versions.
type CompareResult struct {
	UpToDate        bool
	UpdateAvailable bool
	Latest          string
	NoSource        bool
}

// VersionTracker implements C8: installed/latest/compare, never mutating
// instance state itself (spec §3).
type VersionTracker struct {
	overrides *OverrideLoader
}

func NewVersionTracker(overrides *OverrideLoader) *VersionTracker {
	return &VersionTracker{overrides: overrides}
}

// Installed returns the version currently recorded for inst.
func (t *VersionTracker) Installed(inst *Instance) string {
	return inst.InstalledVersion
}

// Latest asks the blueprint's OverrideProvider for its latest version,
// falling back to the Steam public-branch buildid when the provider doesn't
// implement the hook and the blueprint has a steam_app_id.
// ErrNoVersionSource surfaces when nothing can answer.
func (t *VersionTracker) Latest(ctx context.Context, bp *Blueprint) (string, error) {
	provider, err := t.overrides.Load(bp)
	if err != nil {
		return "", err
	}
	v, err := provider.LatestVersion(ctx)
	if errors.Is(err, ErrHookNotImplemented) && bp.SteamAppID > 0 && t.overrides.SteamFetch != nil {
		v, err = t.overrides.SteamFetch.LatestBuildID(ctx, bp.SteamAppID)
	}
	if err == nil {
		return v, nil
	}
	if errors.Is(err, ErrHookNotImplemented) {
		return "", ErrNoVersionSource
	}
	return "", kgsmerr.Wrap(kgsmerr.Upstream, versionComponent, "fetching latest version for "+bp.Name, err)
}

// Compare reports where inst stands relative to the latest available
// version for bp.
func (t *VersionTracker) Compare(ctx context.Context, inst *Instance, bp *Blueprint) (CompareResult, error) {
	latest, err := t.Latest(ctx, bp)
	if err != nil {
		if errors.Is(err, ErrNoVersionSource) {
			return CompareResult{NoSource: true}, nil
		}
		return CompareResult{}, err
	}
	if latest == inst.InstalledVersion {
		return CompareResult{UpToDate: true, Latest: latest}, nil
	}
	return CompareResult{UpdateAvailable: true, Latest: latest}, nil
}
