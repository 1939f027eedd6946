package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	kgsm "github.com/TheKrystalShip/KGSM-sub003"
	"github.com/TheKrystalShip/KGSM-sub003/config"
	"github.com/TheKrystalShip/KGSM-sub003/ports"
)

func newTestDaemon(t *testing.T) (*Daemon, *kgsm.Manager) {
	t.Helper()
	root := t.TempDir()
	paths := kgsm.NewPaths(root)
	manager := kgsm.NewManager(paths, nil)
	events := kgsm.NewEventFabric(context.Background(), config.Defaults())
	readiness := kgsm.NewReadinessWatcher(events)

	d := New(root, manager, readiness)
	return d, manager
}

func serveInBackground(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Serve(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := NewClient(d.SocketPath).Ping(context.Background()); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon did not become reachable")
}

func TestDaemonPing(t *testing.T) {
	d, _ := newTestDaemon(t)
	serveInBackground(t, d)

	if err := NewClient(d.SocketPath).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestDaemonSecondInstanceRefusesLock(t *testing.T) {
	root := t.TempDir()
	paths := kgsm.NewPaths(root)
	manager := kgsm.NewManager(paths, nil)
	events := kgsm.NewEventFabric(context.Background(), config.Defaults())
	readiness := kgsm.NewReadinessWatcher(events)

	d1 := New(root, manager, readiness)
	serveInBackground(t, d1)
	defer d1.Shutdown(context.Background())

	d2 := New(root, manager, readiness)
	err := d2.Serve(context.Background())
	if err == nil {
		t.Fatal("want an error acquiring the lock a second daemon already holds")
	}
}

func TestDaemonArmAndDisarm(t *testing.T) {
	d, manager := newTestDaemon(t)
	serveInBackground(t, d)

	bp := &kgsm.Blueprint{Name: "factorio"}
	instPorts, err := ports.Parse("34197/udp")
	if err != nil {
		t.Fatalf("ports.Parse: %v", err)
	}
	root := d.RootDir
	inst, err := manager.Create(context.Background(), bp, filepath.Join(root, "instances", "factorio-ab1"), "factorio-ab1", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inst.Ports = instPorts
	if err := manager.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := NewClient(d.SocketPath).Arm(context.Background(), inst.Name, 0); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	d.mu.Lock()
	_, armed := d.armed[inst.Name]
	d.mu.Unlock()
	if !armed {
		t.Error("instance should be tracked as armed immediately after Arm")
	}

	if err := NewClient(d.SocketPath).Disarm(context.Background(), inst.Name); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
}

func TestDaemonShutdownStopsServing(t *testing.T) {
	d, _ := newTestDaemon(t)
	serveInBackground(t, d)

	if err := NewClient(d.SocketPath).Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := NewClient(d.SocketPath).Ping(context.Background()); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon still reachable after shutdown")
}
