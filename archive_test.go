package kgsm

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
	"github.com/klauspost/compress/gzip"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractArchiveTarGz(t *testing.T) {
	data := buildTarGz(t, map[string]string{"bin/run.sh": "#!/bin/sh\necho hi\n"})
	destDir := t.TempDir()

	if err := extractArchive(bytes.NewReader(data), "https://example.com/game-1.0.tar.gz", destDir); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(destDir, "bin", "run.sh"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(content) != "#!/bin/sh\necho hi\n" {
		t.Errorf("extracted content = %q", string(content))
	}
}

func TestExtractArchiveZip(t *testing.T) {
	data := buildZip(t, map[string]string{"data/save.bin": "payload"})
	destDir := t.TempDir()

	if err := extractArchive(bytes.NewReader(data), "https://example.com/game-1.0.zip", destDir); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(destDir, "data", "save.bin"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(content) != "payload" {
		t.Errorf("extracted content = %q", string(content))
	}
}

func TestExtractArchiveUnrecognizedExtension(t *testing.T) {
	err := extractArchive(bytes.NewReader(nil), "https://example.com/game.rar", t.TempDir())
	if kgsmerr.KindOf(err) != kgsmerr.Invalid {
		t.Errorf("want Invalid for an unrecognized extension, got %v", err)
	}
}

func TestSafeJoinRejectsPathTraversal(t *testing.T) {
	destDir := t.TempDir()
	_, err := safeJoin(destDir, "../../etc/passwd")
	if kgsmerr.KindOf(err) != kgsmerr.Invalid {
		t.Errorf("want Invalid for a traversing entry, got %v", err)
	}
}

func TestSafeJoinAllowsNestedEntries(t *testing.T) {
	destDir := t.TempDir()
	got, err := safeJoin(destDir, "sub/dir/file.txt")
	if err != nil {
		t.Fatalf("safeJoin: %v", err)
	}
	want := filepath.Join(destDir, "sub", "dir", "file.txt")
	if got != want {
		t.Errorf("safeJoin = %q, want %q", got, want)
	}
}

func TestExtractArchiveTarRejectsTraversalEntry(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: 4}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte("evil")); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	err := extractArchive(bytes.NewReader(buf.Bytes()), "https://example.com/game.tar", t.TempDir())
	if kgsmerr.KindOf(err) != kgsmerr.Invalid {
		t.Errorf("want Invalid for a traversal entry in a tar archive, got %v", err)
	}
}
