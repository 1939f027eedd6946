package kgsm

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

const backupComponent = "backup"

// Backup describes one entry under an instance's backups_dir (spec §4.7).
type Backup struct {
	ID         string // directory or archive basename, without extension
	Path       string
	Version    string // parsed from the "-<version>" suffix, if present
	Compressed bool
	CreatedAt  time.Time
}

var backupNameRE = regexp.MustCompile(`^(\d{8}T\d{6}Z)(?:-(.+))?$`)

// BackupEngine implements C12: snapshot/list/restore of an instance's
// install_dir.
type BackupEngine struct {
	fileOps FileOps
	events  *EventFabric
}

func NewBackupEngine(fileOps FileOps, events *EventFabric) *BackupEngine {
	return &BackupEngine{fileOps: fileOps, events: events}
}

// Create snapshots inst.InstallDir into backups_dir/<timestamp>[-<version>],
// either by recursive copy or tar.gz when compress is true.
func (b *BackupEngine) Create(ctx context.Context, inst *Instance, compress bool) (*Backup, error) {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	id := stamp
	if inst.InstalledVersion != "" {
		id = stamp + "-" + inst.InstalledVersion
	}

	if err := b.fileOps.MkdirAll(inst.BackupsDir, 0o755); err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.IO, backupComponent, "creating backups dir", err)
	}

	bk := &Backup{ID: id, Version: inst.InstalledVersion, Compressed: compress, CreatedAt: time.Now().UTC()}

	if compress {
		bk.Path = filepath.Join(inst.BackupsDir, id+".tar.gz")
		if err := tarGzDir(inst.InstallDir, bk.Path); err != nil {
			return nil, kgsmerr.Wrap(kgsmerr.IO, backupComponent, "compressing backup "+bk.Path, err)
		}
	} else {
		bk.Path = filepath.Join(inst.BackupsDir, id)
		if err := b.fileOps.MkdirAll(bk.Path, 0o755); err != nil {
			return nil, kgsmerr.Wrap(kgsmerr.IO, backupComponent, "creating backup dir "+bk.Path, err)
		}
		if err := b.fileOps.Copy(ctx, inst.InstallDir, bk.Path); err != nil {
			return nil, kgsmerr.Wrap(kgsmerr.IO, backupComponent, "copying backup "+bk.Path, err)
		}
	}

	b.events.Emit(ctx, EventBackupCreated, map[string]any{"Instance": inst.Name, "Backup": id})
	return bk, nil
}

// List enumerates backups_dir, newest first.
func (b *BackupEngine) List(inst *Instance) ([]*Backup, error) {
	entries, err := os.ReadDir(inst.BackupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kgsmerr.Wrap(kgsmerr.IO, backupComponent, "listing backups dir", err)
	}

	var out []*Backup
	for _, e := range entries {
		name := e.Name()
		compressed := strings.HasSuffix(name, ".tar.gz")
		id := name
		if compressed {
			id = strings.TrimSuffix(name, ".tar.gz")
		} else if !e.IsDir() {
			continue
		}

		match := backupNameRE.FindStringSubmatch(id)
		if match == nil {
			continue
		}
		createdAt, _ := time.Parse("20060102T150405Z", match[1])

		out = append(out, &Backup{
			ID:         id,
			Path:       filepath.Join(inst.BackupsDir, name),
			Version:    match[2],
			Compressed: compressed,
			CreatedAt:  createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Restore replaces inst.InstallDir's contents with the named backup and
// restores installed_version from the backup's name when present. Callers
// (C13) are responsible for ensuring the instance is Stopped first (spec
// §4.7).
func (b *BackupEngine) Restore(ctx context.Context, inst *Instance, id string) error {
	backups, err := b.List(inst)
	if err != nil {
		return err
	}
	var target *Backup
	for _, bk := range backups {
		if bk.ID == id {
			target = bk
			break
		}
	}
	if target == nil {
		return kgsmerr.New(kgsmerr.NotFound, backupComponent, "backup not found: "+id)
	}

	if err := b.fileOps.RemoveAll(inst.InstallDir); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, backupComponent, "clearing install dir before restore", err)
	}
	if err := b.fileOps.MkdirAll(inst.InstallDir, 0o755); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, backupComponent, "recreating install dir", err)
	}

	if target.Compressed {
		f, err := os.Open(target.Path)
		if err != nil {
			return kgsmerr.Wrap(kgsmerr.IO, backupComponent, "opening backup "+target.Path, err)
		}
		defer f.Close()
		if err := extractTarGz(f, inst.InstallDir); err != nil {
			return kgsmerr.Wrap(kgsmerr.IO, backupComponent, "extracting backup "+target.Path, err)
		}
	} else {
		if err := b.fileOps.Copy(ctx, target.Path, inst.InstallDir); err != nil {
			return kgsmerr.Wrap(kgsmerr.IO, backupComponent, "restoring backup "+target.Path, err)
		}
	}

	if target.Version != "" {
		inst.InstalledVersion = target.Version
	}
	b.events.Emit(ctx, EventBackupRestored, map[string]any{"Instance": inst.Name, "Backup": id})
	return nil
}

func tarGzDir(srcDir, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

func extractTarGz(r io.Reader, destDir string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gr.Close()
	return extractTar(gr, destDir)
}
