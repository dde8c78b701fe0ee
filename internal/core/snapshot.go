package core

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrROMOverflow is returned when the synthesized boot ROM's code
// stream collides with its data pool.
var ErrROMOverflow = errors.New("boot rom overflow: code and data pool collided")

// csrSlot names one CSR whose value is carried through a snapshot and
// replayed by the synthesized ROM.
type csrSlot struct {
	name string
	num  uint16
	get  func(*CPU) uint64
	set  func(*CPU, uint64)
}

// snapshotCSRs lists every CSR the ROM restores generically, via the
// AUIPC+ADDI+LD+CSRRW quad. Sstatus/Sie/Sip are masked views of
// Mstatus/Mie/Mip and are not listed separately. Dscratch is listed
// here too — its restored value is x1's saved value, repurposed as a
// holding cell so the very last GPR restore needs no spare register
// (see step 6 of SynthesizeBootROM in bootrom.go).
func snapshotCSRs() []csrSlot {
	return []csrSlot{
		{"mstatus", CSRMstatus, func(c *CPU) uint64 { return c.Mstatus }, func(c *CPU, v uint64) { c.Mstatus = v }},
		{"medeleg", CSRMedeleg, func(c *CPU) uint64 { return c.Medeleg }, func(c *CPU, v uint64) { c.Medeleg = v }},
		{"mideleg", CSRMideleg, func(c *CPU) uint64 { return c.Mideleg }, func(c *CPU, v uint64) { c.Mideleg = v }},
		{"mie", CSRMie, func(c *CPU) uint64 { return c.Mie }, func(c *CPU, v uint64) { c.Mie = v }},
		{"mip", CSRMip, func(c *CPU) uint64 { return c.Mip }, func(c *CPU, v uint64) { c.Mip = v }},
		{"mtvec", CSRMtvec, func(c *CPU) uint64 { return c.Mtvec }, func(c *CPU, v uint64) { c.Mtvec = v }},
		{"mcounteren", CSRMcounteren, func(c *CPU) uint64 { return c.Mcounteren }, func(c *CPU, v uint64) { c.Mcounteren = v }},
		{"mscratch", CSRMscratch, func(c *CPU) uint64 { return c.Mscratch }, func(c *CPU, v uint64) { c.Mscratch = v }},
		{"mepc", CSRMepc, func(c *CPU) uint64 { return c.Mepc }, func(c *CPU, v uint64) { c.Mepc = v }},
		{"mcause", CSRMcause, func(c *CPU) uint64 { return c.Mcause }, func(c *CPU, v uint64) { c.Mcause = v }},
		{"mtval", CSRMtval, func(c *CPU) uint64 { return c.Mtval }, func(c *CPU, v uint64) { c.Mtval = v }},
		{"stvec", CSRStvec, func(c *CPU) uint64 { return c.Stvec }, func(c *CPU, v uint64) { c.Stvec = v }},
		{"scounteren", CSRScounteren, func(c *CPU) uint64 { return c.Scounteren }, func(c *CPU, v uint64) { c.Scounteren = v }},
		{"sscratch", CSRSscratch, func(c *CPU) uint64 { return c.Sscratch }, func(c *CPU, v uint64) { c.Sscratch = v }},
		{"sepc", CSRSepc, func(c *CPU) uint64 { return c.Sepc }, func(c *CPU, v uint64) { c.Sepc = v }},
		{"scause", CSRScause, func(c *CPU) uint64 { return c.Scause }, func(c *CPU, v uint64) { c.Scause = v }},
		{"stval", CSRStval, func(c *CPU) uint64 { return c.Stval }, func(c *CPU, v uint64) { c.Stval = v }},
		{"satp", CSRSatp, func(c *CPU) uint64 { return c.Satp }, func(c *CPU, v uint64) { c.Satp = v }},
		{"tselect", CSRTselect, func(c *CPU) uint64 { return c.Tselect }, func(c *CPU, v uint64) { c.Tselect = v }},
		{"tdata1", CSRTdata1, func(c *CPU) uint64 { return c.Tdata1 }, func(c *CPU, v uint64) { c.Tdata1 = v }},
		{"tdata2", CSRTdata2, func(c *CPU) uint64 { return c.Tdata2 }, func(c *CPU, v uint64) { c.Tdata2 = v }},
		{"tdata3", CSRTdata3, func(c *CPU) uint64 { return c.Tdata3 }, func(c *CPU, v uint64) { c.Tdata3 = v }},
		{"dcsr", CSRDcsr, func(c *CPU) uint64 { return c.Dcsr }, func(c *CPU, v uint64) { c.Dcsr = v }},
		{"dpc", CSRDpc, func(c *CPU) uint64 { return c.Dpc }, func(c *CPU, v uint64) { c.Dpc = v }},
		{"dscratch", CSRDscratch, func(c *CPU) uint64 { return c.X[1] }, func(c *CPU, v uint64) { c.Dscratch = v }},
	}
}

// SaveSnapshot serializes the machine's RAM ranges to
// "<dir>/<name>.mainram" and "<dir>/<name>.bootram", synthesizes a
// restore ROM into the boot RAM range, and writes
// "<dir>/<name>.re_regs" describing every architectural register, CSR,
// and memory range.
func SaveSnapshot(m *Machine, dir, name string) error {
	if err := SynthesizeBootROM(m); err != nil {
		return fmt.Errorf("synthesize boot rom: %w", err)
	}

	base := dir + "/" + name
	if err := os.WriteFile(base+".mainram", m.Bus.RAM.Data, 0o644); err != nil {
		return fmt.Errorf("write mainram: %w", err)
	}
	if err := os.WriteFile(base+".bootram", m.BootRAM.Data, 0o644); err != nil {
		return fmt.Errorf("write bootram: %w", err)
	}

	regs, err := os.Create(base + ".re_regs")
	if err != nil {
		return fmt.Errorf("create re_regs: %w", err)
	}
	defer regs.Close()

	w := bufio.NewWriter(regs)
	writeRegs(w, m)
	return w.Flush()
}

func writeRegs(w *bufio.Writer, m *Machine) {
	cpu := m.CPU
	fmt.Fprintf(w, "pc:%016x\n", cpu.PC)
	for i := 1; i < 32; i++ {
		fmt.Fprintf(w, "reg_x%d:%016x\n", i, cpu.X[i])
	}
	for i := 0; i < 32; i++ {
		fmt.Fprintf(w, "reg_f%d:%016x\n", i, cpu.F[i])
	}
	fmt.Fprintf(w, "fcsr:%016x\n", uint64(cpu.Fflags)|uint64(cpu.Frm)<<5)
	fmt.Fprintf(w, "priv:%s\n", privLetter(cpu.Priv))
	fmt.Fprintf(w, "insn_counter:%016x\n", cpu.CommittedInsns)
	for _, slot := range snapshotCSRs() {
		fmt.Fprintf(w, "%s:%016x\n", slot.name, slot.get(cpu))
	}
	fmt.Fprintf(w, "clint_mtimecmp:%016x\n", m.CLINT.mtimecmp)
	fmt.Fprintf(w, "clint_mtime:%016x\n", m.CLINT.getMtime())

	for i, mr := range m.memoryRanges() {
		fmt.Fprintf(w, "mrange%d:%x %x %s\n", i, mr.Base, mr.Size, mr.Kind)
	}
}

func privLetter(priv uint8) string {
	switch priv {
	case PrivUser:
		return "U"
	case PrivSupervisor:
		return "S"
	case PrivMachine:
		return "M"
	default:
		return "U"
	}
}

// MRange names one physical address range for the snapshot sidecar.
type MRange struct {
	Base uint64
	Size uint64
	Kind string // "ram" or "io"
}

// memoryRanges enumerates every range on the bus: main RAM, boot RAM,
// and every registered MMIO device.
func (m *Machine) memoryRanges() []MRange {
	ranges := []MRange{
		{Base: m.Bus.RAMBase, Size: m.Bus.RAM.Size(), Kind: "ram"},
	}
	for _, dm := range m.Bus.Devices {
		kind := "io"
		if dm.Device == m.BootRAM {
			kind = "ram"
		}
		ranges = append(ranges, MRange{Base: dm.Base, Size: dm.Size, Kind: kind})
	}
	return ranges
}

// RestoreSnapshot reads "<dir>/<name>.mainram" and
// "<dir>/<name>.bootram" back into their ranges and points PC at the
// boot ROM's reset vector; the synthesized ROM replays the rest of
// the architectural state as its first instructions execute.
func RestoreSnapshot(m *Machine, dir, name string) error {
	base := dir + "/" + name

	mainram, err := os.ReadFile(base + ".mainram")
	if err != nil {
		return fmt.Errorf("read mainram: %w", err)
	}
	if len(mainram) != len(m.Bus.RAM.Data) {
		return fmt.Errorf("mainram size %d does not match configured RAM size %d", len(mainram), len(m.Bus.RAM.Data))
	}
	copy(m.Bus.RAM.Data, mainram)

	bootram, err := os.ReadFile(base + ".bootram")
	if err != nil {
		return fmt.Errorf("read bootram: %w", err)
	}
	if len(bootram) != len(m.BootRAM.Data) {
		return fmt.Errorf("bootram size %d does not match boot RAM size %d", len(bootram), len(m.BootRAM.Data))
	}
	copy(m.BootRAM.Data, bootram)

	m.CPU.Reset()
	m.MMU.FlushTLB()
	m.CPU.PC = LowRAMBase

	return nil
}

// LoadRegsFile parses a "<name>.re_regs" sidecar back into a map, for
// tooling (a "-describe-snapshot" debug dump) that wants the saved
// state without driving a full restore.
func LoadRegsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

// parseHexReg is a small helper for tests/tools reading a re_regs map.
func parseHexReg(m map[string]string, key string) (uint64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("missing key %q", key)
	}
	return strconv.ParseUint(v, 16, 64)
}
