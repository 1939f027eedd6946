package kgsm

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
	"github.com/TheKrystalShip/KGSM-sub003/ports"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

const blueprintComponent = "blueprint"

// Variant is the blueprint kind, native or container (spec §3).
type Variant string

const (
	VariantNative    Variant = "native"
	VariantContainer Variant = "container"
)

var blueprintNameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Blueprint is the immutable recipe parsed by the Blueprint Resolver (C3).
type Blueprint struct {
	Name                   string
	Variant                Variant
	Path                   string // absolute path the blueprint was resolved from
	Ports                  ports.Ports
	SteamAppID             int
	IsSteamAccountRequired bool
	LevelName              string
	Subdirectory           string
	StopCommand            string
	SaveCommand            string
	StartupSuccessRegex    string

	// ArchiveURL selects the built-in http-archive override provider when
	// set and no steam_app_id and no custom override file is present.
	ArchiveURL string

	// Native-only.
	ExecutableFile      string
	ExecutableArguments string

	// Container-only: the raw compose document and its first service name.
	ComposeRaw     []byte
	ComposeService string

	// UnknownKeys preserves keys the parser didn't recognize (warned, not
	// rejected, per spec §4.1).
	UnknownKeys map[string]string
}

// Source describes one lookup location in the resolver's fixed precedence.
type Source struct {
	Dir     string
	Custom  bool
	Variant Variant
}

// BlueprintResolver implements C3: custom-native > custom-container >
// default-native > default-container, pure and side-effect free.
type BlueprintResolver struct {
	Root string // <root>; blueprints are searched under <root>/blueprints
}

func NewBlueprintResolver(root string) *BlueprintResolver {
	return &BlueprintResolver{Root: root}
}

func (r *BlueprintResolver) searchOrder() []Source {
	base := filepath.Join(r.Root, "blueprints")
	return []Source{
		{Dir: filepath.Join(base, "custom", "native"), Custom: true, Variant: VariantNative},
		{Dir: filepath.Join(base, "custom", "container"), Custom: true, Variant: VariantContainer},
		{Dir: filepath.Join(base, "default", "native"), Custom: false, Variant: VariantNative},
		{Dir: filepath.Join(base, "default", "container"), Custom: false, Variant: VariantContainer},
	}
}

// Resolve implements resolve(name) → Blueprint | NotFound. name may be a
// bare blueprint name or an absolute path; for a path, the basename's
// extension (.bp or .compose) disambiguates the kind directly.
func (r *BlueprintResolver) Resolve(name string) (*Blueprint, error) {
	if filepath.IsAbs(name) {
		return r.parsePath(name)
	}

	for _, src := range r.searchOrder() {
		nativePath := filepath.Join(src.Dir, name+".bp")
		composePath := filepath.Join(src.Dir, name+".compose")
		var candidate string
		switch src.Variant {
		case VariantNative:
			candidate = nativePath
		case VariantContainer:
			candidate = composePath
		}
		if _, err := os.Stat(candidate); err == nil {
			return r.parsePath(candidate)
		}
	}
	return nil, kgsmerr.New(kgsmerr.NotFound, blueprintComponent, "blueprint not found: "+name)
}

func (r *BlueprintResolver) parsePath(path string) (*Blueprint, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.IO, blueprintComponent, "resolving absolute path for "+path, err)
	}
	switch filepath.Ext(abs) {
	case ".bp":
		return parseNativeBlueprint(abs)
	case ".compose":
		return parseContainerBlueprint(abs)
	default:
		return nil, kgsmerr.New(kgsmerr.Invalid, blueprintComponent, "blueprint path has unrecognized extension: "+abs)
	}
}

func parseNativeBlueprint(path string) (*Blueprint, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.Invalid, blueprintComponent, "parsing native blueprint "+path, err)
	}
	sec := f.Section("")

	bp := &Blueprint{
		Variant:     VariantNative,
		Path:        path,
		UnknownKeys: map[string]string{},
	}

	if !sec.HasKey("name") {
		return nil, kgsmerr.New(kgsmerr.Invalid, blueprintComponent, "missing required key 'name' in "+path)
	}
	bp.Name = sec.Key("name").String()
	if !blueprintNameRE.MatchString(bp.Name) {
		return nil, kgsmerr.New(kgsmerr.Invalid, blueprintComponent, "invalid blueprint name: "+bp.Name)
	}

	if !sec.HasKey("ports") {
		return nil, kgsmerr.New(kgsmerr.Invalid, blueprintComponent, "missing required key 'ports' in "+path)
	}
	parsedPorts, err := ports.Parse(sec.Key("ports").String())
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.Invalid, blueprintComponent, "parsing ports in "+path, err)
	}
	bp.Ports = parsedPorts

	if !sec.HasKey("executable_file") {
		return nil, kgsmerr.New(kgsmerr.Invalid, blueprintComponent, "missing required key 'executable_file' in "+path)
	}
	bp.ExecutableFile = sec.Key("executable_file").String()

	knownKeys := map[string]bool{
		"name": true, "ports": true, "executable_file": true,
		"steam_app_id": true, "is_steam_account_required": true,
		"level_name": true, "subdirectory": true, "stop_command": true,
		"save_command": true, "startup_success_regex": true,
		"executable_arguments": true, "archive_url": true,
	}

	if sec.HasKey("steam_app_id") {
		v, err := sec.Key("steam_app_id").Int()
		if err != nil {
			return nil, kgsmerr.Wrap(kgsmerr.Invalid, blueprintComponent, "steam_app_id must be an int", err)
		}
		bp.SteamAppID = v
	}
	if sec.HasKey("is_steam_account_required") {
		v, err := sec.Key("is_steam_account_required").Bool()
		if err != nil {
			return nil, kgsmerr.Wrap(kgsmerr.Invalid, blueprintComponent, "is_steam_account_required must be a bool", err)
		}
		bp.IsSteamAccountRequired = v
	}
	bp.LevelName = sec.Key("level_name").String()
	bp.Subdirectory = sec.Key("subdirectory").String()
	bp.StopCommand = sec.Key("stop_command").String()
	bp.SaveCommand = sec.Key("save_command").String()
	bp.StartupSuccessRegex = sec.Key("startup_success_regex").String()
	bp.ExecutableArguments = sec.Key("executable_arguments").String()
	bp.ArchiveURL = sec.Key("archive_url").String()

	for _, key := range sec.Keys() {
		if !knownKeys[key.Name()] {
			bp.UnknownKeys[key.Name()] = key.String()
		}
	}

	return bp, nil
}

// composeDoc is a minimal compose-file shape: enough to find the first
// service, its ports, and the volumes kgsm must bind for the instance
// layout (spec §3 "container-only" mounts).
type composeDoc struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image   string   `yaml:"image"`
	Ports   []string `yaml:"ports"`
	Volumes []string `yaml:"volumes"`
}

func parseContainerBlueprint(path string) (*Blueprint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.IO, blueprintComponent, "reading container blueprint "+path, err)
	}

	var doc composeDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.Invalid, blueprintComponent, "parsing compose document "+path, err)
	}
	if len(doc.Services) == 0 {
		return nil, kgsmerr.New(kgsmerr.Invalid, blueprintComponent, "compose document has no services: "+path)
	}

	// Deterministic "first service": services map has no order in YAML, so
	// the authoritative first service is the one whose key sorts first
	// lexicographically (key length plays no part, and the order of the
	// services in the document is not consulted), matching the teacher's
	// practice of treating map iteration as unordered and normalizing.
	var firstName string
	for name := range doc.Services {
		if firstName == "" || name < firstName {
			firstName = name
		}
	}
	svc := doc.Services[firstName]

	if !blueprintNameRE.MatchString(firstName) {
		return nil, kgsmerr.New(kgsmerr.Invalid, blueprintComponent, "invalid blueprint name from compose service: "+firstName)
	}

	parsedPorts, err := parseComposePorts(svc.Ports)
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.Invalid, blueprintComponent, "parsing compose ports in "+path, err)
	}

	return &Blueprint{
		Name:           firstName,
		Variant:        VariantContainer,
		Path:           path,
		Ports:          parsedPorts,
		ComposeRaw:     raw,
		ComposeService: firstName,
		UnknownKeys:    map[string]string{},
	}, nil
}

// parseComposePorts turns compose "host:container[/proto]" mappings into
// our authoritative ports.Ports grammar (spec §4.1: "port mappings inside
// the compose document are the authoritative ports for container
// blueprints").
func parseComposePorts(mappings []string) (ports.Ports, error) {
	segs := make([]string, 0, len(mappings))
	for _, m := range mappings {
		proto := ""
		body := m
		if idx := strings.LastIndex(m, "/"); idx >= 0 {
			body = m[:idx]
			proto = m[idx+1:]
		}
		hostPort := body
		if idx := strings.LastIndex(body, ":"); idx >= 0 {
			hostPort = body[idx+1:]
		}
		if proto != "" {
			hostPort += "/" + proto
		}
		segs = append(segs, hostPort)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("no port mappings in compose service")
	}
	return ports.Parse(strings.Join(segs, "|"))
}

// Marshal re-emits a native Blueprint into the same key=value schema it was
// parsed from (spec §8 round-trip property).
func (bp *Blueprint) Marshal() ([]byte, error) {
	f := ini.Empty()
	sec := f.Section("")
	sec.Key("name").SetValue(bp.Name)
	sec.Key("ports").SetValue(bp.Ports.String())
	if bp.Variant == VariantNative {
		sec.Key("executable_file").SetValue(bp.ExecutableFile)
		if bp.ExecutableArguments != "" {
			sec.Key("executable_arguments").SetValue(bp.ExecutableArguments)
		}
	}
	if bp.SteamAppID != 0 {
		sec.Key("steam_app_id").SetValue(strconv.Itoa(bp.SteamAppID))
	}
	if bp.IsSteamAccountRequired {
		sec.Key("is_steam_account_required").SetValue("true")
	}
	if bp.LevelName != "" {
		sec.Key("level_name").SetValue(bp.LevelName)
	}
	if bp.Subdirectory != "" {
		sec.Key("subdirectory").SetValue(bp.Subdirectory)
	}
	if bp.StopCommand != "" {
		sec.Key("stop_command").SetValue(bp.StopCommand)
	}
	if bp.SaveCommand != "" {
		sec.Key("save_command").SetValue(bp.SaveCommand)
	}
	if bp.StartupSuccessRegex != "" {
		sec.Key("startup_success_regex").SetValue(bp.StartupSuccessRegex)
	}
	if bp.ArchiveURL != "" {
		sec.Key("archive_url").SetValue(bp.ArchiveURL)
	}
	for k, v := range bp.UnknownKeys {
		sec.Key(k).SetValue(v)
	}

	var buf strings.Builder
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.IO, blueprintComponent, "marshaling blueprint", err)
	}
	return []byte(buf.String()), nil
}
