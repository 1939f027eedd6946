package kgsm

import "path/filepath"

// Paths implements C2: canonical locations rooted under one <root>
// directory (spec §6 "Persisted state layout").
type Paths struct {
	Root string
}

func NewPaths(root string) *Paths {
	return &Paths{Root: root}
}

func (p *Paths) BlueprintsDir() string { return filepath.Join(p.Root, "blueprints") }
func (p *Paths) OverridesDir() string  { return filepath.Join(p.Root, "overrides") }
func (p *Paths) TemplatesDir() string  { return filepath.Join(p.Root, "templates") }
func (p *Paths) InstancesDir() string  { return filepath.Join(p.Root, "instances") }
func (p *Paths) LogsDir() string       { return filepath.Join(p.Root, "logs") }

func (p *Paths) InstanceConfigPath(name string) string {
	return filepath.Join(p.InstancesDir(), name+".ini")
}

func (p *Paths) ConfigFilePath() string {
	return filepath.Join(p.Root, "config.ini")
}

// Template returns the path to a named template file, e.g. "manage.sh.tp".
func (p *Paths) Template(name string) string {
	return filepath.Join(p.TemplatesDir(), name)
}

// instanceLayout is the fixed per-instance directory tree, rooted under
// working_dir, created by C6.
type instanceLayout struct {
	WorkingDir string
	BackupsDir string
	InstallDir string
	SavesDir   string
	TempDir    string
	LogsDir    string
}

func newInstanceLayout(workingDir string) instanceLayout {
	return instanceLayout{
		WorkingDir: workingDir,
		BackupsDir: filepath.Join(workingDir, "backups"),
		InstallDir: filepath.Join(workingDir, "install"),
		SavesDir:   filepath.Join(workingDir, "saves"),
		TempDir:    filepath.Join(workingDir, "temp"),
		LogsDir:    filepath.Join(workingDir, "logs"),
	}
}

func (l instanceLayout) dirs() []string {
	return []string{l.WorkingDir, l.BackupsDir, l.InstallDir, l.SavesDir, l.TempDir, l.LogsDir}
}
