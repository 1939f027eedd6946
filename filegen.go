package kgsm

import (
	"context"
	"os"
	"path/filepath"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

const filegenComponent = "filegen"

// FileGenerator implements C7: renders management script, compose file,
// systemd unit/socket, firewall rule, and PATH symlink from `${…}`
// placeholder templates (spec §4.3), each written transactionally (temp
// file alongside the target, then rename — the same idiom instance.go's
// save uses for the config record).
type FileGenerator struct {
	paths   *Paths
	fileOps FileOps
	events  *EventFabric
	binDir  string // where PATH symlinks are created
}

func NewFileGenerator(paths *Paths, fileOps FileOps, events *EventFabric, binDir string) *FileGenerator {
	return &FileGenerator{paths: paths, fileOps: fileOps, events: events, binDir: binDir}
}

// Generate renders every artifact the instance's configuration calls for.
// It is safe to call repeatedly; each artifact overwrites its prior
// rendering.
func (g *FileGenerator) Generate(ctx context.Context, inst *Instance, bp *Blueprint, cfg *generationConfig) error {
	if err := g.generateManageScript(inst, bp); err != nil {
		return err
	}
	if inst.Runtime == RuntimeContainer {
		if err := g.generateCompose(inst, bp); err != nil {
			return err
		}
	}
	if cfg.EnableSystemd {
		if err := g.generateSystemdUnit(inst, bp); err != nil {
			return err
		}
	}
	if cfg.EnableFirewall {
		if err := g.generateFirewallRule(inst); err != nil {
			return err
		}
	}
	if cfg.EnableCommandShortcuts {
		if err := g.generateSymlink(inst); err != nil {
			return err
		}
	}
	g.events.Emit(ctx, EventFilesCreated, map[string]any{"Instance": inst.Name})
	return nil
}

// generationConfig is the subset of config.Store C7 needs, kept narrow so
// filegen.go doesn't import the config package for a handful of bools.
type generationConfig struct {
	EnableSystemd          bool
	EnableFirewall         bool
	EnableCommandShortcuts bool
}

func placeholders(inst *Instance) map[string]string {
	return map[string]string{
		"INSTANCE_NAME":         inst.Name,
		"INSTANCE_WORKING_DIR":  inst.WorkingDir,
		"INSTANCE_INSTALL_DIR":  inst.InstallDir,
		"INSTANCE_SAVES_DIR":    inst.SavesDir,
		"INSTANCE_BACKUPS_DIR":  inst.BackupsDir,
		"INSTANCE_TEMP_DIR":     inst.TempDir,
		"INSTANCE_LOGS_DIR":     inst.LogsDir,
		"INSTANCE_PID_FILE":     inst.PIDFile,
		"INSTANCE_INPUT_SOCKET": inst.InputSocket,
		"INSTANCE_PORTS":        inst.Ports.String(),
	}
}

func expand(tpl string, vars map[string]string) string {
	return os.Expand(tpl, func(key string) string { return vars[key] })
}

func (g *FileGenerator) writeTransactional(path, content string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := g.fileOps.MkdirAll(dir, 0o755); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, filegenComponent, "creating "+dir, err)
	}
	tmp := path + ".tmp"
	if err := g.fileOps.WriteFile(tmp, []byte(content), perm); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, filegenComponent, "writing "+tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, filegenComponent, "renaming "+tmp+" to "+path, err)
	}
	return nil
}

const manageScriptTemplate = `#!/bin/sh
# Generated by kgsm-core. Do not edit; regenerated on every create/update.
exec kgsm-instance --config "${INSTANCE_CONFIG}" "$@"
`

func (g *FileGenerator) generateManageScript(inst *Instance, bp *Blueprint) error {
	vars := placeholders(inst)
	vars["INSTANCE_CONFIG"] = inst.configPath
	content := expand(manageScriptTemplate, vars)
	return g.writeTransactional(inst.ManagementFile, content, 0o755)
}

func (g *FileGenerator) generateCompose(inst *Instance, bp *Blueprint) error {
	vars := placeholders(inst)
	content := expand(string(bp.ComposeRaw), vars)
	composePath := filepath.Join(inst.WorkingDir, "docker-compose.yml")
	return g.writeTransactional(composePath, content, 0o644)
}

const systemdServiceTemplate = `[Unit]
Description=kgsm-core managed instance ${INSTANCE_NAME}
After=network.target

[Service]
Type=simple
ExecStart=${INSTANCE_WORKING_DIR}/${INSTANCE_NAME}.manage.sh --start
ExecStop=${INSTANCE_WORKING_DIR}/${INSTANCE_NAME}.manage.sh --stop
WorkingDirectory=${INSTANCE_INSTALL_DIR}
Restart=no

[Install]
WantedBy=multi-user.target
`

const systemdSocketTemplate = `[Unit]
Description=kgsm-core instance ${INSTANCE_NAME} input socket

[Socket]
ListenFIFO=${INSTANCE_INPUT_SOCKET}

[Install]
WantedBy=sockets.target
`

func (g *FileGenerator) generateSystemdUnit(inst *Instance, bp *Blueprint) error {
	vars := placeholders(inst)
	svcPath := filepath.Join(inst.WorkingDir, inst.Name+".service")
	if err := g.writeTransactional(svcPath, expand(systemdServiceTemplate, vars), 0o644); err != nil {
		return err
	}
	inst.SystemdServiceFile = svcPath

	if bp.StopCommand != "" || bp.SaveCommand != "" {
		sockPath := filepath.Join(inst.WorkingDir, inst.Name+".socket")
		if err := g.writeTransactional(sockPath, expand(systemdSocketTemplate, vars), 0o644); err != nil {
			return err
		}
		inst.SystemdSocketFile = sockPath
	}
	return nil
}

const firewallRuleTemplate = `# kgsm-core managed firewall rule for ${INSTANCE_NAME}
# ports: ${INSTANCE_PORTS}
`

func (g *FileGenerator) generateFirewallRule(inst *Instance) error {
	vars := placeholders(inst)
	path := filepath.Join(inst.WorkingDir, inst.Name+".firewall-rule")
	if err := g.writeTransactional(path, expand(firewallRuleTemplate, vars), 0o644); err != nil {
		return err
	}
	inst.FirewallRuleFile = path
	return nil
}

func (g *FileGenerator) generateSymlink(inst *Instance) error {
	if g.binDir == "" {
		return kgsmerr.New(kgsmerr.Invalid, filegenComponent, "command shortcuts enabled but no bin directory configured")
	}
	if err := g.fileOps.MkdirAll(g.binDir, 0o755); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, filegenComponent, "creating "+g.binDir, err)
	}
	link := filepath.Join(g.binDir, inst.Name)
	_ = g.fileOps.RemoveAll(link)
	if err := g.fileOps.Symlink(inst.ManagementFile, link); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, filegenComponent, "symlinking "+link, err)
	}
	inst.PathSymlink = link
	return nil
}

// Remove deletes only the artifacts that were generated, tracked by the
// config keys that reference their paths (spec §4.3).
func (g *FileGenerator) Remove(ctx context.Context, inst *Instance) error {
	var paths []string
	if inst.ManagementFile != "" {
		paths = append(paths, inst.ManagementFile)
	}
	if inst.SystemdServiceFile != "" {
		paths = append(paths, inst.SystemdServiceFile)
	}
	if inst.SystemdSocketFile != "" {
		paths = append(paths, inst.SystemdSocketFile)
	}
	if inst.FirewallRuleFile != "" {
		paths = append(paths, inst.FirewallRuleFile)
	}
	if inst.PathSymlink != "" {
		paths = append(paths, inst.PathSymlink)
	}
	for _, p := range paths {
		if err := g.fileOps.RemoveAll(p); err != nil {
			return kgsmerr.Wrap(kgsmerr.IO, filegenComponent, "removing "+p, err)
		}
	}
	g.events.Emit(ctx, EventFilesRemoved, map[string]any{"Instance": inst.Name})
	return nil
}
