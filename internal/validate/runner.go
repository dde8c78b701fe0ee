package validate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tinyrange/riscvcore/internal/core"
)

// Result carries the outcome of running one manifest.
type Result struct {
	Name             string
	Passed           bool
	Error            string
	Instructions     uint64
	Duration         time.Duration
	TerminatingEvent string
	ExitCode         uint64
	Console          string
}

// Runner executes validation manifests against the core.
type Runner struct {
	Verbose bool
}

// NewRunner creates a new validation runner.
func NewRunner() *Runner {
	return &Runner{}
}

// RunFile loads a manifest from path and runs it.
func (r *Runner) RunFile(ctx context.Context, path string) (*Result, error) {
	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, manifest, filepath.Dir(path))
}

// Run executes a single manifest's workload. baseDir resolves a
// manifest's relative Image path (typically the manifest's own
// directory).
func (r *Runner) Run(ctx context.Context, manifest *Manifest, baseDir string) (*Result, error) {
	imagePath := manifest.Image
	if !filepath.IsAbs(imagePath) && baseDir != "" {
		imagePath = filepath.Join(baseDir, imagePath)
	}

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("reading image %q: %w", imagePath, err)
	}

	ramSize := manifest.RAMSizeMB * 1024 * 1024
	console := &bytes.Buffer{}
	m := core.NewMachine(ramSize, console, nil)

	if manifest.MtimeSource == "cycle" {
		m.SetMtimeSource(core.MtimeCycleDiv16)
	}

	loadAddr := manifest.LoadAddress
	if loadAddr == 0 {
		loadAddr = core.RAMBase
	}
	if err := m.LoadBytes(loadAddr, image); err != nil {
		return nil, fmt.Errorf("loading image at 0x%x: %w", loadAddr, err)
	}

	entry := manifest.EntryPoint
	if entry == 0 {
		entry = loadAddr
	}
	m.SetPC(entry)
	m.CPU.TerminatingEvent = manifest.TerminatingEvent

	runCtx, cancel := context.WithTimeout(ctx, manifest.Timeout.Duration())
	defer cancel()

	start := time.Now()
	runErr := m.Run(runCtx, 10000)
	elapsed := time.Since(start)

	result := &Result{
		Name:             manifest.Name,
		Instructions:     m.CPU.CommittedInsns,
		Duration:         elapsed,
		TerminatingEvent: m.CPU.TerminatingEvent,
		ExitCode:         m.CPU.Mtval,
		Console:          console.String(),
	}

	if runErr != nil && runErr != core.ErrHalt {
		result.Error = runErr.Error()
		return result, nil
	}

	if !m.CPU.TerminateSimulation {
		result.Error = "workload did not reach its terminating event within the instruction/time budget"
		return result, nil
	}

	switch {
	case manifest.Expect.ExitCode != nil:
		result.Passed = result.TerminatingEvent == "exit-code" && result.ExitCode == *manifest.Expect.ExitCode
	case manifest.TerminatingEvent == "pass" || manifest.TerminatingEvent == "fail":
		result.Passed = result.TerminatingEvent == "pass"
	default:
		result.Passed = result.TerminatingEvent == manifest.TerminatingEvent
	}

	return result, nil
}
