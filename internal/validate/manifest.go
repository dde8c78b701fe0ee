// Package validate runs validation workloads against the core from a
// YAML manifest: a raw RAM image, where to load it, which terminating
// event to wait for, and what result to expect.
package validate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest describes one validation workload.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// RAMSizeMB is the size of guest RAM to allocate.
	RAMSizeMB uint64 `yaml:"ram_mb"`

	// Image is a path to a raw binary loaded into RAM at LoadAddress.
	Image string `yaml:"image"`

	// LoadAddress is the physical address Image is loaded at; defaults
	// to RAMBase.
	LoadAddress uint64 `yaml:"load_address"`

	// EntryPoint is where execution starts; defaults to LoadAddress.
	EntryPoint uint64 `yaml:"entry_point"`

	// TerminatingEvent names the validation-console event (§4.9) that
	// ends the run: "pass", "fail", "linux-boot", "linux-terminate",
	// "bench-start", "bench-end", or "exit-code".
	TerminatingEvent string `yaml:"terminating_event"`

	// MtimeSource selects the CLINT's clock: "wallclock" (default) or
	// "cycle", the latter giving a host-speed-independent run.
	MtimeSource string `yaml:"mtime_source"`

	MaxInstructions int64    `yaml:"max_instructions"`
	Timeout         Duration `yaml:"timeout"`

	Expect Expectation `yaml:"expect"`
}

// Expectation defines the pass/fail criteria for a manifest run.
type Expectation struct {
	// Pass is decoded from the manifest, but Runner.Run does not consult
	// it: with ExitCode set a run succeeds on a matching exit code, a
	// pass/fail run succeeds when the "pass" marker is reached, and any
	// other run succeeds when TerminatingEvent is reached.
	Pass bool `yaml:"pass"`

	// ExitCode, if set, is the expected payload of an exit-code event.
	ExitCode *uint64 `yaml:"exit_code"`
}

// Duration wraps time.Duration for YAML unmarshaling, following the
// same pattern as the rest of this corpus's test manifests.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LoadManifest loads and defaults a validation manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if m.RAMSizeMB == 0 {
		m.RAMSizeMB = 64
	}
	if m.Timeout == 0 {
		m.Timeout = Duration(30 * time.Second)
	}
	if m.MaxInstructions == 0 {
		m.MaxInstructions = 1_000_000_000
	}
	if m.TerminatingEvent == "" {
		m.TerminatingEvent = "pass"
	}

	return &m, nil
}
