// Package systemdunit wraps coreos/go-systemd/v22/dbus for the lifecycle
// manager=systemd path: starting, stopping, and enabling the unit files the
// File Generator (C7) writes out. Grounded on the connect-then-StartUnit
// dbus idiom used for systemd-nspawn machine units in the pack.
package systemdunit

import (
	"context"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

const component = "systemdunit"

// Manager is the narrow systemd capability the Lifecycle Engine (C10) uses
// when an instance's lifecycle_manager is "systemd".
type Manager struct {
	conn *dbus.Conn
}

func New(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.Dependency, component, "connecting to systemd dbus", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() {
	m.conn.Close()
}

// ReloadDaemon re-reads unit files from disk; called once after C7 writes a
// new service/socket file, before Enable/Start.
func (m *Manager) ReloadDaemon(ctx context.Context) error {
	if err := m.conn.ReloadContext(ctx); err != nil {
		return kgsmerr.Wrap(kgsmerr.Dependency, component, "systemd daemon-reload", err)
	}
	return nil
}

// Enable registers unitFiles so they survive host reboot (spec §3 "File
// Generator", systemd artifacts).
func (m *Manager) Enable(ctx context.Context, unitFiles []string) error {
	_, _, err := m.conn.EnableUnitFilesContext(ctx, unitFiles, false, true)
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.Dependency, component, "enabling unit files", err)
	}
	return nil
}

// Disable reverses Enable, used when an instance is removed.
func (m *Manager) Disable(ctx context.Context, unitFiles []string) error {
	_, err := m.conn.DisableUnitFilesContext(ctx, unitFiles, false)
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.Dependency, component, "disabling unit files", err)
	}
	return nil
}

// Start starts unit and blocks until systemd reports the job done.
func (m *Manager) Start(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := m.conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return kgsmerr.Wrap(kgsmerr.Dependency, component, "starting unit "+unit, err)
	}
	if result := <-ch; result != "done" {
		return kgsmerr.New(kgsmerr.State, component, "starting unit "+unit+" returned "+result)
	}
	return nil
}

// Stop stops unit and blocks until systemd reports the job done.
func (m *Manager) Stop(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := m.conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		return kgsmerr.Wrap(kgsmerr.Dependency, component, "stopping unit "+unit, err)
	}
	if result := <-ch; result != "done" {
		return kgsmerr.New(kgsmerr.State, component, "stopping unit "+unit+" returned "+result)
	}
	return nil
}

// ActiveState reports the unit's current ActiveState property (e.g.
// "active", "inactive", "failed").
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	props, err := m.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return "", kgsmerr.Wrap(kgsmerr.Dependency, component, "getting unit properties for "+unit, err)
	}
	state, _ := props["ActiveState"].(string)
	return state, nil
}
