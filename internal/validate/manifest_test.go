package validate

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "test.yaml")

	content := `
name: divide-by-zero
description: confirms div-by-zero doesn't trap
ram_mb: 4
image: workload.bin
terminating_event: pass
timeout: 5s
expect:
  pass: true
`
	if err := os.WriteFile(manifestPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := LoadManifest(manifestPath)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}

	if m.Name != "divide-by-zero" {
		t.Errorf("Name = %q, want %q", m.Name, "divide-by-zero")
	}
	if m.RAMSizeMB != 4 {
		t.Errorf("RAMSizeMB = %d, want 4", m.RAMSizeMB)
	}
	if m.Timeout.Duration() != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", m.Timeout.Duration())
	}
	if !m.Expect.Pass {
		t.Error("Expect.Pass = false, want true")
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "minimal.yaml")

	if err := os.WriteFile(manifestPath, []byte("name: minimal\nimage: workload.bin\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := LoadManifest(manifestPath)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}

	if m.RAMSizeMB != 64 {
		t.Errorf("default RAMSizeMB = %d, want 64", m.RAMSizeMB)
	}
	if m.TerminatingEvent != "pass" {
		t.Errorf("default TerminatingEvent = %q, want %q", m.TerminatingEvent, "pass")
	}
	if m.MaxInstructions != 1_000_000_000 {
		t.Errorf("default MaxInstructions = %d, want 1e9", m.MaxInstructions)
	}
}
