package kgsm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
	"github.com/TheKrystalShip/KGSM-sub003/ports"
	"gopkg.in/ini.v1"
)

const instanceComponent = "instance"

// Runtime is how an instance runs: native process or container service
// (spec §3 glossary).
type Runtime string

const (
	RuntimeNative    Runtime = "native"
	RuntimeContainer Runtime = "container"
)

// LifecycleManager is who supervises the running process.
type LifecycleManager string

const (
	LifecycleStandalone LifecycleManager = "standalone"
	LifecycleSystemd    LifecycleManager = "systemd"
	LifecycleContainer  LifecycleManager = "container"
)

// Instance is the mutable managed object created by C5 (spec §3 "Instance").
type Instance struct {
	Name          string
	BlueprintFile string
	Runtime       Runtime

	WorkingDir     string
	BackupsDir     string
	InstallDir     string
	SavesDir       string
	TempDir        string
	LogsDir        string
	ManagementFile string
	PIDFile        string
	InputSocket    string

	LifecycleManager     LifecycleManager
	EnableFirewall       bool
	EnablePortForwarding bool
	AutoUpdate           bool
	TailLinesDefault     int

	InstalledVersion    string
	Ports               ports.Ports
	StartupSuccessRegex string
	StopCommand         string
	SaveCommand         string

	SystemdServiceFile string
	SystemdSocketFile  string
	FirewallRuleFile   string
	PathSymlink        string

	configPath string
	doc        *ini.File
}

// Validate enforces the invariants from spec §3 "Instance".
func (inst *Instance) Validate() error {
	if !filepath.IsAbs(inst.WorkingDir) {
		return kgsmerr.New(kgsmerr.Invalid, instanceComponent, "working_dir must be absolute: "+inst.WorkingDir)
	}
	for _, d := range []string{inst.BackupsDir, inst.InstallDir, inst.SavesDir, inst.TempDir, inst.LogsDir} {
		if d != "" && !strings.HasPrefix(d, inst.WorkingDir) {
			return kgsmerr.New(kgsmerr.Invalid, instanceComponent, "instance directory not rooted under working_dir: "+d)
		}
	}
	if !blueprintNameRE.MatchString(inst.Name) {
		return kgsmerr.New(kgsmerr.Invalid, instanceComponent, "invalid instance name: "+inst.Name)
	}
	if inst.Runtime == RuntimeContainer && inst.LifecycleManager != LifecycleContainer {
		return kgsmerr.New(kgsmerr.Invalid, instanceComponent, "container runtime requires lifecycle_manager=container")
	}
	if inst.LifecycleManager == LifecycleSystemd && inst.SystemdServiceFile == "" {
		return kgsmerr.New(kgsmerr.Invalid, instanceComponent, "systemd lifecycle_manager requires systemd_service_file")
	}
	return nil
}

// instanceKeyOrder lists every persisted ini key by its bare name; both
// the bare name and the "instance_"-prefixed name are accepted on read
// (spec §6 "keys prefixed instance_ in memory; persisted without the
// prefix, both read formats accepted"), and writes always use the bare
// name.
var instanceKeyOrder = []string{
	"name", "blueprint_file", "runtime",
	"working_dir", "backups_dir", "install_dir", "saves_dir", "temp_dir", "logs_dir",
	"management_file", "pid_file", "input_socket",
	"lifecycle_manager", "enable_firewall", "enable_port_forwarding", "auto_update", "tail_lines_default",
	"installed_version", "ports", "startup_success_regex", "stop_command", "save_command",
	"systemd_service_file", "systemd_socket_file", "firewall_rule_file", "path_symlink",
}

// LoadInstance reads an instance config record directly from path, for
// callers (the kgsm-instance CLI) that only have a config file location,
// not a Manager.
func LoadInstance(path string) (*Instance, error) {
	return loadInstance(path)
}

func loadInstance(path string) (*Instance, error) {
	doc, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.Invalid, instanceComponent, "parsing instance config "+path, err)
	}
	sec := doc.Section("")

	get := func(name string) string {
		if sec.HasKey(name) {
			return sec.Key(name).String()
		}
		if sec.HasKey("instance_" + name) {
			return sec.Key("instance_" + name).String()
		}
		return ""
	}
	getBool := func(name string) bool {
		v := get(name)
		b, _ := strconv.ParseBool(v)
		return b
	}
	getInt := func(name string, def int) int {
		v := get(name)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return n
	}

	inst := &Instance{
		Name:                 get("name"),
		BlueprintFile:        get("blueprint_file"),
		Runtime:              Runtime(get("runtime")),
		WorkingDir:           get("working_dir"),
		BackupsDir:           get("backups_dir"),
		InstallDir:           get("install_dir"),
		SavesDir:             get("saves_dir"),
		TempDir:              get("temp_dir"),
		LogsDir:              get("logs_dir"),
		ManagementFile:       get("management_file"),
		PIDFile:              get("pid_file"),
		InputSocket:          get("input_socket"),
		LifecycleManager:     LifecycleManager(get("lifecycle_manager")),
		EnableFirewall:       getBool("enable_firewall"),
		EnablePortForwarding: getBool("enable_port_forwarding"),
		AutoUpdate:           getBool("auto_update"),
		TailLinesDefault:     getInt("tail_lines_default", 200),
		InstalledVersion:     get("installed_version"),
		StartupSuccessRegex:  get("startup_success_regex"),
		StopCommand:          get("stop_command"),
		SaveCommand:          get("save_command"),
		SystemdServiceFile:   get("systemd_service_file"),
		SystemdSocketFile:    get("systemd_socket_file"),
		FirewallRuleFile:     get("firewall_rule_file"),
		PathSymlink:          get("path_symlink"),
		configPath:           path,
		doc:                  doc,
	}
	if raw := get("ports"); raw != "" {
		parsed, err := ports.Parse(raw)
		if err != nil {
			return nil, kgsmerr.Wrap(kgsmerr.Invalid, instanceComponent, "parsing ports in "+path, err)
		}
		inst.Ports = parsed
	}
	return inst, nil
}

// syncDoc writes the struct's current field values into inst.doc's keys,
// creating the doc fresh on first save (instance creation) and otherwise
// mutating values in place so ini.v1 preserves comments and key order.
func (inst *Instance) syncDoc() {
	if inst.doc == nil {
		inst.doc = ini.Empty()
	}
	sec := inst.doc.Section("")

	set := func(name, value string) {
		sec.Key(name).SetValue(value)
	}
	setBool := func(name string, v bool) { set(name, strconv.FormatBool(v)) }
	setInt := func(name string, v int) { set(name, strconv.Itoa(v)) }

	set("name", inst.Name)
	set("blueprint_file", inst.BlueprintFile)
	set("runtime", string(inst.Runtime))
	set("working_dir", inst.WorkingDir)
	set("backups_dir", inst.BackupsDir)
	set("install_dir", inst.InstallDir)
	set("saves_dir", inst.SavesDir)
	set("temp_dir", inst.TempDir)
	set("logs_dir", inst.LogsDir)
	set("management_file", inst.ManagementFile)
	set("pid_file", inst.PIDFile)
	set("input_socket", inst.InputSocket)
	set("lifecycle_manager", string(inst.LifecycleManager))
	setBool("enable_firewall", inst.EnableFirewall)
	setBool("enable_port_forwarding", inst.EnablePortForwarding)
	setBool("auto_update", inst.AutoUpdate)
	setInt("tail_lines_default", inst.TailLinesDefault)
	set("installed_version", inst.InstalledVersion)
	set("ports", inst.Ports.String())
	set("startup_success_regex", inst.StartupSuccessRegex)
	set("stop_command", inst.StopCommand)
	set("save_command", inst.SaveCommand)
	set("systemd_service_file", inst.SystemdServiceFile)
	set("systemd_socket_file", inst.SystemdSocketFile)
	set("firewall_rule_file", inst.FirewallRuleFile)
	set("path_symlink", inst.PathSymlink)

	// Any legacy "instance_"-prefixed duplicate key is dropped on rewrite:
	// the invariant is "read both, write bare" (spec §6).
	for _, k := range instanceKeyOrder {
		sec.DeleteKey("instance_" + k)
	}
}

// save implements the shared-resource policy's single writer surface:
// read-modify-rename via a temp file in the same directory (spec §5).
func (inst *Instance) save() error {
	if err := inst.Validate(); err != nil {
		return err
	}
	inst.syncDoc()

	dir := filepath.Dir(inst.configPath)
	tmp, err := os.CreateTemp(dir, ".instance-*.tmp")
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, instanceComponent, "creating temp file for "+inst.configPath, err)
	}
	tmpPath := tmp.Name()
	_, werr := inst.doc.WriteTo(tmp)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpPath)
		if werr != nil {
			return kgsmerr.Wrap(kgsmerr.IO, instanceComponent, "writing instance config", werr)
		}
		return kgsmerr.Wrap(kgsmerr.IO, instanceComponent, "closing temp instance config", cerr)
	}

	// Resolve symlinks before writing, per spec §5 "symlinks to the config
	// are resolved before writing".
	target := inst.configPath
	if resolved, err := filepath.EvalSymlinks(inst.configPath); err == nil {
		target = resolved
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return kgsmerr.Wrap(kgsmerr.IO, instanceComponent, fmt.Sprintf("renaming %s to %s", tmpPath, target), err)
	}
	return nil
}
