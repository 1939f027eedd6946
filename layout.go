package kgsm

import (
	"context"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

const layoutComponent = "layout"

// LayoutManager implements C6: creates and removes the fixed per-instance
// directory tree idempotently.
type LayoutManager struct {
	fileOps FileOps
	events  *EventFabric
}

func NewLayoutManager(fileOps FileOps, events *EventFabric) *LayoutManager {
	return &LayoutManager{fileOps: fileOps, events: events}
}

// Create makes all six instance directories (parents, 0755), idempotently.
func (l *LayoutManager) Create(ctx context.Context, inst *Instance) error {
	layout := newInstanceLayout(inst.WorkingDir)
	for _, dir := range layout.dirs() {
		if err := l.fileOps.MkdirAll(dir, 0o755); err != nil {
			return kgsmerr.Wrap(kgsmerr.IO, layoutComponent, "creating directory "+dir, err)
		}
	}
	l.events.Emit(ctx, EventDirectoriesCreated, map[string]any{"Instance": inst.Name})
	return nil
}

// Remove deletes the entire working dir tree recursively. Idempotent: a
// missing directory is not an error.
func (l *LayoutManager) Remove(ctx context.Context, inst *Instance) error {
	if err := l.fileOps.RemoveAll(inst.WorkingDir); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, layoutComponent, "removing "+inst.WorkingDir, err)
	}
	l.events.Emit(ctx, EventDirectoriesRemoved, map[string]any{"Instance": inst.Name})
	return nil
}
