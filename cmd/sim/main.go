package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/tinyrange/riscvcore/internal/core"
	"github.com/tinyrange/riscvcore/internal/validate"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "sim: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a process exit code up through run() without
// treating it as a logged failure.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }

func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string {
	if f.v {
		return "true"
	}
	return "false"
}

func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func (f *boolFlag) IsBoolFlag() bool { return true }

func run() error {
	kernel := flag.String("kernel", "", "Raw binary image to load into RAM")
	bootrom := flag.String("bootrom", "", "Raw binary to preload into the low boot RAM region instead of leaving it zeroed")
	manifest := flag.String("manifest", "", "Run a validation manifest instead of -kernel; prints pass/fail and exits")
	var ramFlag uint64Flag
	ramFlag.v = 64
	flag.Var(&ramFlag, "ram", "Guest RAM size in MB")
	ramFile := flag.String("ram-file", "", "Back guest RAM with an mmap'd file instead of the Go heap (sized to -ram)")
	var loadAddrFlag uint64Flag
	flag.Var(&loadAddrFlag, "load-address", "Physical address to load -kernel at (default: RAM base)")
	var entryFlag uint64Flag
	flag.Var(&entryFlag, "entry", "Entry PC (default: -load-address)")
	terminateEvent := flag.String("terminate-event", "", "Validation console event that ends the run")
	mtimeSource := flag.String("mtime-source", "wallclock", "CLINT clock source: wallclock or cycle")
	maxInsns := flag.Int64("max-instructions", 0, "Instruction budget (0: unbounded)")
	timeout := flag.Duration("timeout", 0, "Wall-clock timeout (0: unbounded)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	var interactiveFlag boolFlag
	interactiveFlag.v = true
	flag.Var(&interactiveFlag, "interactive", "Connect the HTIF console to the controlling terminal")
	snapshotOut := flag.String("snapshot", "", "Save a snapshot under this path prefix once the run ends")
	restoreIn := flag.String("restore", "", "Restore machine state from this snapshot path prefix before running")
	describeSnapshot := flag.String("describe-snapshot", "", "Print a snapshot's .re_regs sidecar as YAML and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] -kernel <file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a raw RV64 binary, or a validation manifest, against the core.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -kernel kernel.bin -ram 256\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -manifest tests/linux-boot.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -restore /tmp/snap1 -snapshot /tmp/snap2\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -describe-snapshot /tmp/snap1\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		&fixCrlf{w: os.Stderr},
		&slog.HandlerOptions{Level: level},
	)))

	if *describeSnapshot != "" {
		return describeSnapshotFile(*describeSnapshot)
	}

	if *manifest != "" {
		return runManifest(*manifest, *timeout)
	}

	if *kernel == "" && *restoreIn == "" {
		flag.Usage()
		return fmt.Errorf("must pass one of -kernel, -restore, -manifest, or -describe-snapshot")
	}

	cfg := runConfig{
		kernelPath:     *kernel,
		bootromPath:    *bootrom,
		ramMB:          ramFlag.v,
		ramFile:        *ramFile,
		loadAddr:       loadAddrFlag.v,
		entry:          entryFlag.v,
		terminateEvent: *terminateEvent,
		mtimeSrc:       *mtimeSource,
		maxInsns:       *maxInsns,
		timeout:        *timeout,
		interactive:    interactiveFlag.v,
		restoreFrom:    *restoreIn,
		snapshotTo:     *snapshotOut,
	}
	return runImage(cfg)
}

// describeSnapshotFile loads a snapshot's ".re_regs" sidecar and prints it
// as YAML, for humans inspecting a checkpoint without driving a restore.
func describeSnapshotFile(path string) error {
	regs, err := core.LoadRegsFile(path + ".re_regs")
	if err != nil {
		return fmt.Errorf("load re_regs: %w", err)
	}
	out, err := yaml.Marshal(regs)
	if err != nil {
		return fmt.Errorf("marshal re_regs: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

// mmapRAM backs a guest RAM region with an mmap'd, zero-filled file
// instead of a heap allocation — useful for guest images large enough
// that a host page cache is preferable to Go's GC scanning the region.
func mmapRAM(path string, size uint64) ([]byte, func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open ram file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, nil, fmt.Errorf("truncate ram file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap ram file: %w", err)
	}

	return data, func() error { return unix.Munmap(data) }, nil
}

func runManifest(path string, timeout time.Duration) error {
	r := validate.NewRunner()

	m, err := validate.LoadManifest(path)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if timeout != 0 {
		m.Timeout = validate.Duration(timeout)
	}

	result, err := r.Run(context.Background(), m, dirOf(path))
	if err != nil {
		return fmt.Errorf("run manifest: %w", err)
	}

	if result.Console != "" {
		fmt.Fprint(os.Stdout, result.Console)
	}

	slog.Info("validation run finished",
		"name", result.Name,
		"passed", result.Passed,
		"terminating_event", result.TerminatingEvent,
		"instructions", result.Instructions,
		"duration", result.Duration,
	)

	if result.Error != "" {
		return fmt.Errorf("%s", result.Error)
	}
	if !result.Passed {
		return &exitError{code: 1}
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// runConfig collects runImage's flags; it exists so flag wiring in run()
// doesn't grow an ever-longer positional argument list.
type runConfig struct {
	kernelPath     string
	bootromPath    string
	ramMB          uint64
	ramFile        string
	loadAddr       uint64
	entry          uint64
	terminateEvent string
	mtimeSrc       string
	maxInsns       int64
	timeout        time.Duration
	interactive    bool
	restoreFrom    string
	snapshotTo     string
}

func runImage(cfg runConfig) error {
	if cfg.interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	console := &stdioConsole{in: os.Stdin, out: os.Stdout}

	var m *core.Machine
	if cfg.ramFile != "" {
		ramBytes, unmap, err := mmapRAM(cfg.ramFile, cfg.ramMB*1024*1024)
		if err != nil {
			return err
		}
		defer unmap()

		bus := core.NewBusWithRAM(core.NewMemoryRegionFromBytes(ramBytes))
		m = core.NewMachineWithBus(bus, console, console)
	} else {
		m = core.NewMachine(cfg.ramMB*1024*1024, console, console)
	}

	switch cfg.mtimeSrc {
	case "cycle":
		m.SetMtimeSource(core.MtimeCycleDiv16)
	case "", "wallclock":
	default:
		return fmt.Errorf("unknown -mtime-source %q", cfg.mtimeSrc)
	}

	if cfg.bootromPath != "" {
		bootrom, err := os.ReadFile(cfg.bootromPath)
		if err != nil {
			return fmt.Errorf("read bootrom: %w", err)
		}
		copy(m.BootRAM.Data, bootrom)
	}

	if cfg.restoreFrom != "" {
		dir, name := splitDirName(cfg.restoreFrom)
		if err := core.RestoreSnapshot(m, dir, name); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}

	if cfg.kernelPath != "" {
		data, err := os.ReadFile(cfg.kernelPath)
		if err != nil {
			return fmt.Errorf("read kernel: %w", err)
		}

		loadAddr := cfg.loadAddr
		if loadAddr == 0 {
			loadAddr = core.RAMBase
		}
		if err := m.LoadBytes(loadAddr, data); err != nil {
			return fmt.Errorf("load kernel at 0x%x: %w", loadAddr, err)
		}

		entry := cfg.entry
		if entry == 0 {
			entry = loadAddr
		}
		m.SetPC(entry)
	}

	if cfg.terminateEvent != "" {
		m.CPU.TerminatingEvent = cfg.terminateEvent
	}

	ctx := context.Background()
	if cfg.timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if cfg.maxInsns > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go watchInstructionBudget(ctx, m, uint64(cfg.maxInsns), cancel)
	}

	start := time.Now()
	runErr := m.Run(ctx, 10000)
	elapsed := time.Since(start)

	slog.Info("run finished",
		"instructions", m.CPU.CommittedInsns,
		"compressed_instructions", m.CPU.CompressedInsns,
		"duration", elapsed,
		"terminated", m.CPU.TerminateSimulation,
		"terminating_event", m.CPU.TerminatingEvent,
	)

	if runErr != nil && !errors.Is(runErr, core.ErrHalt) && !errors.Is(runErr, context.DeadlineExceeded) && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run: %w", runErr)
	}

	if cfg.snapshotTo != "" {
		dir, name := splitDirName(cfg.snapshotTo)
		if err := core.SaveSnapshot(m, dir, name); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}

	return nil
}

// splitDirName splits a "-snapshot"/"-restore" path prefix into the
// directory SaveSnapshot/RestoreSnapshot scan and the file name stem
// they prefix their sidecar files with.
func splitDirName(path string) (dir, name string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return ".", path
}

// watchInstructionBudget cancels ctx once the machine has committed
// maxInsns instructions — Run has no instruction-count stop condition
// of its own, only ctx cancellation and ErrHalt.
func watchInstructionBudget(ctx context.Context, m *core.Machine, maxInsns uint64, cancel context.CancelFunc) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.CPU.CommittedInsns >= maxInsns {
				cancel()
				return
			}
		}
	}
}

// stdioConsole adapts the terminal to the HTIF's io.Writer/io.Reader pair.
type stdioConsole struct {
	in  io.Reader
	out io.Writer
}

func (c *stdioConsole) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *stdioConsole) Write(p []byte) (int, error) { return c.out.Write(p) }
