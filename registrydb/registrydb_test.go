package registrydb

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.sqlite")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	row := Row{
		Name:             "factorio-ab1",
		BlueprintName:    "factorio",
		Runtime:          "native",
		LifecycleManager: "standalone",
		WorkingDir:       "/opt/kgsm/instances/factorio-ab1",
		InstalledVersion: "1.1.110",
		ConfigPath:       "/opt/kgsm/instances/factorio-ab1.ini",
		UpdatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := db.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := db.Get(ctx, "factorio-ab1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get found=false, want true")
	}
	if got.BlueprintName != "factorio" || got.InstalledVersion != "1.1.110" {
		t.Errorf("Get = %+v, want matching row", got)
	}
	if !got.UpdatedAt.Equal(row.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, row.UpdatedAt)
	}
}

func TestUpsertOverwritesExistingRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := Row{Name: "n", BlueprintName: "bp", Runtime: "native", LifecycleManager: "standalone", WorkingDir: "/wd", ConfigPath: "/cfg", UpdatedAt: time.Now().UTC()}
	if err := db.Upsert(ctx, base); err != nil {
		t.Fatalf("Upsert #1: %v", err)
	}
	base.InstalledVersion = "2.0.0"
	if err := db.Upsert(ctx, base); err != nil {
		t.Fatalf("Upsert #2: %v", err)
	}

	got, ok, err := db.Get(ctx, "n")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.InstalledVersion != "2.0.0" {
		t.Errorf("InstalledVersion = %q, want 2.0.0 after re-upsert", got.InstalledVersion)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.Get(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get found=true for a row that was never inserted")
	}
}

func TestDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	row := Row{Name: "n", BlueprintName: "bp", Runtime: "native", LifecycleManager: "standalone", WorkingDir: "/wd", ConfigPath: "/cfg", UpdatedAt: time.Now().UTC()}
	if err := db.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := db.Delete(ctx, "n"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := db.Get(ctx, "n")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("row still present after Delete")
	}
}

func TestListFiltersByBlueprint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []Row{
		{Name: "factorio-ab1", BlueprintName: "factorio", Runtime: "native", LifecycleManager: "standalone", WorkingDir: "/a", ConfigPath: "/a.ini", UpdatedAt: now},
		{Name: "factorio-cd2", BlueprintName: "factorio", Runtime: "native", LifecycleManager: "standalone", WorkingDir: "/b", ConfigPath: "/b.ini", UpdatedAt: now},
		{Name: "valheim-ef3", BlueprintName: "valheim", Runtime: "container", LifecycleManager: "container", WorkingDir: "/c", ConfigPath: "/c.ini", UpdatedAt: now},
	}
	for _, r := range rows {
		if err := db.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert(%s): %v", r.Name, err)
		}
	}

	all, err := db.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List(\"\") = %d rows, want 3", len(all))
	}

	filtered, err := db.List(ctx, "factorio")
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("List(\"factorio\") = %d rows, want 2", len(filtered))
	}
	for _, r := range filtered {
		if r.BlueprintName != "factorio" {
			t.Errorf("List(\"factorio\") returned row for %s", r.BlueprintName)
		}
	}
}
