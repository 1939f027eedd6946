package kgsm

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
	"github.com/TheKrystalShip/KGSM-sub003/registrydb"
)

const managerComponent = "registry"

const maxSuffixCollisionRetries = 16

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Manager implements C5: unique instance identifiers, per-instance config
// persistence, and enumeration. The ini files under <root>/instances are
// the source of truth; the registrydb index is a queryable cache kept in
// sync on every mutation, mirroring the teacher's Boxer (sqlite row) fronting
// Box (in-memory struct) split.
type Manager struct {
	paths *Paths
	index *registrydb.DB
}

func NewManager(paths *Paths, index *registrydb.DB) *Manager {
	return &Manager{paths: paths, index: index}
}

// Create allocates a name (generating a suffix when explicitName is empty),
// seeds a new Instance from bp, and persists its config record. Directory
// creation, file generation, and content deployment are separate operations
// (C6/C7/C9) invoked by the top-level install orchestration.
func (m *Manager) Create(ctx context.Context, bp *Blueprint, installDir, explicitName string, suffixLength int) (*Instance, error) {
	name, err := m.allocateName(explicitName, bp.Name, suffixLength)
	if err != nil {
		return nil, err
	}

	lifecycleManager := LifecycleStandalone
	runtime := RuntimeNative
	if bp.Variant == VariantContainer {
		runtime = RuntimeContainer
		lifecycleManager = LifecycleContainer
	}

	layout := newInstanceLayout(installDir)
	inst := &Instance{
		Name:                name,
		BlueprintFile:       bp.Path,
		Runtime:             runtime,
		WorkingDir:          layout.WorkingDir,
		BackupsDir:          layout.BackupsDir,
		InstallDir:          layout.InstallDir,
		SavesDir:            layout.SavesDir,
		TempDir:             layout.TempDir,
		LogsDir:             layout.LogsDir,
		ManagementFile:      filepath.Join(layout.WorkingDir, name+".manage.sh"),
		PIDFile:             filepath.Join(layout.WorkingDir, name+".pid"),
		LifecycleManager:    lifecycleManager,
		TailLinesDefault:    200,
		Ports:               bp.Ports,
		StartupSuccessRegex: bp.StartupSuccessRegex,
		StopCommand:         bp.StopCommand,
		SaveCommand:         bp.SaveCommand,
		configPath:          m.paths.InstanceConfigPath(name),
	}
	if inst.StopCommand != "" || inst.SaveCommand != "" {
		inst.InputSocket = filepath.Join(layout.WorkingDir, name+".sock")
	}

	if err := os.MkdirAll(m.paths.InstancesDir(), 0o755); err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.IO, managerComponent, "creating instances directory", err)
	}
	if _, err := os.Stat(inst.configPath); err == nil {
		return nil, kgsmerr.New(kgsmerr.State, managerComponent, "instance already exists: "+name)
	}

	if err := inst.save(); err != nil {
		return nil, err
	}
	if err := m.syncIndex(ctx, inst); err != nil {
		slog.ErrorContext(ctx, "Manager.Create: index sync failed", "name", name, "error", err)
	}
	return inst, nil
}

func (m *Manager) allocateName(explicitName, blueprintName string, suffixLength int) (string, error) {
	if explicitName != "" {
		if !blueprintNameRE.MatchString(explicitName) {
			return "", kgsmerr.New(kgsmerr.Invalid, managerComponent, "invalid instance name: "+explicitName)
		}
		if m.exists(explicitName) {
			return "", kgsmerr.New(kgsmerr.State, managerComponent, "instance already exists: "+explicitName)
		}
		return explicitName, nil
	}

	for attempt := 0; attempt < maxSuffixCollisionRetries; attempt++ {
		suffix, err := randomSuffix(suffixLength)
		if err != nil {
			return "", kgsmerr.Wrap(kgsmerr.IO, managerComponent, "generating instance suffix", err)
		}
		candidate := fmt.Sprintf("%s-%s", blueprintName, suffix)
		if !m.exists(candidate) {
			return candidate, nil
		}
	}
	return "", kgsmerr.New(kgsmerr.State, managerComponent, fmt.Sprintf("could not allocate a unique name for blueprint %s after %d attempts", blueprintName, maxSuffixCollisionRetries))
}

func (m *Manager) exists(name string) bool {
	_, err := os.Stat(m.paths.InstanceConfigPath(name))
	return err == nil
}

func randomSuffix(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(out), nil
}

// Remove deletes the config record only; directory removal is C6's job.
func (m *Manager) Remove(ctx context.Context, name string) error {
	path := m.paths.InstanceConfigPath(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return kgsmerr.New(kgsmerr.NotFound, managerComponent, "instance not found: "+name)
		}
		return kgsmerr.Wrap(kgsmerr.IO, managerComponent, "removing instance config "+path, err)
	}
	if m.index != nil {
		if err := m.index.Delete(ctx, name); err != nil {
			slog.ErrorContext(ctx, "Manager.Remove: index delete failed", "name", name, "error", err)
		}
	}
	return nil
}

// Get loads the instance record by name directly from its ini file.
func (m *Manager) Get(name string) (*Instance, error) {
	path := m.paths.InstanceConfigPath(name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, kgsmerr.New(kgsmerr.NotFound, managerComponent, "instance not found: "+name)
		}
		return nil, kgsmerr.Wrap(kgsmerr.IO, managerComponent, "stat instance config "+path, err)
	}
	return loadInstance(path)
}

// List enumerates instances, reading every ini file directly so results
// always reflect the ground truth rather than a possibly-stale index.
func (m *Manager) List(blueprintFilter string) ([]*Instance, error) {
	entries, err := os.ReadDir(m.paths.InstancesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kgsmerr.Wrap(kgsmerr.IO, managerComponent, "listing instances directory", err)
	}

	var out []*Instance
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".ini" {
			continue
		}
		inst, err := loadInstance(filepath.Join(m.paths.InstancesDir(), e.Name()))
		if err != nil {
			return nil, err
		}
		if blueprintFilter != "" {
			bpName := filepath.Base(inst.BlueprintFile)
			bpName = bpName[:len(bpName)-len(filepath.Ext(bpName))]
			if bpName != blueprintFilter {
				continue
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

// Save persists mutations made to inst (used by C6/C7/C8/C9/C10 after they
// populate layout/artifact/version fields) and refreshes the index.
func (m *Manager) Save(ctx context.Context, inst *Instance) error {
	if err := inst.save(); err != nil {
		return err
	}
	if err := m.syncIndex(ctx, inst); err != nil {
		slog.ErrorContext(ctx, "Manager.Save: index sync failed", "name", inst.Name, "error", err)
	}
	return nil
}

func (m *Manager) syncIndex(ctx context.Context, inst *Instance) error {
	if m.index == nil {
		return nil
	}
	bpName := filepath.Base(inst.BlueprintFile)
	bpName = bpName[:len(bpName)-len(filepath.Ext(bpName))]
	return m.index.Upsert(ctx, registrydb.Row{
		Name:             inst.Name,
		BlueprintName:    bpName,
		Runtime:          string(inst.Runtime),
		LifecycleManager: string(inst.LifecycleManager),
		WorkingDir:       inst.WorkingDir,
		InstalledVersion: inst.InstalledVersion,
		ConfigPath:       inst.configPath,
		UpdatedAt:        timeNow(),
	})
}

// timeNow is the single indirection point for "current time" so tests can
// substitute a fixed clock without reaching into package internals.
var timeNow = time.Now
