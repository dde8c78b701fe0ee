package validate

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// writeWorkload assembles a tiny raw RV64 binary: lui a1, 0x1FEED; csrrw
// x0, 0x8d0, a1 — which writes the validation "pass" marker to CSR
// 0x8D0 and immediately terminates the run.
func writeWorkload(t *testing.T, path string) {
	t.Helper()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], 0x1feed5b7) // lui a1, 0x1feed
	binary.LittleEndian.PutUint32(buf[4:8], 0x8d059073)  // csrrw x0, 0x8d0, a1

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write workload: %v", err)
	}
}

func TestRunnerPassMarker(t *testing.T) {
	dir := t.TempDir()
	writeWorkload(t, filepath.Join(dir, "workload.bin"))

	manifestPath := filepath.Join(dir, "test.yaml")
	content := `
name: pass-marker
ram_mb: 1
image: workload.bin
terminating_event: pass
timeout: 2s
expect:
  pass: true
`
	if err := os.WriteFile(manifestPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	r := NewRunner()
	result, err := r.RunFile(context.Background(), manifestPath)
	if err != nil {
		t.Fatalf("RunFile: %v", err)
	}

	if !result.Passed {
		t.Fatalf("expected Passed=true, got result: %+v", result)
	}
	if result.TerminatingEvent != "pass" {
		t.Errorf("TerminatingEvent = %q, want %q", result.TerminatingEvent, "pass")
	}
}
