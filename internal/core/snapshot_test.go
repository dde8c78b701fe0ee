package core

import (
	"bytes"
	"testing"
)

// TestSnapshotRestoreRoundTrip builds up a machine's architectural state
// by hand, snapshots it, restores that snapshot into a fresh machine,
// then single-steps the synthesized boot ROM to completion and checks
// that every register, CSR, and CLINT comparator value it set by hand
// round-tripped.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	out1 := &bytes.Buffer{}
	m1 := NewMachine(1024*1024, out1, nil)

	m1.CPU.X[1] = 0xcafef00dcafef00d // ra, restored last via dscratch
	m1.CPU.X[5] = 0x5555555555555555 // t0, used as ROM scratch
	m1.CPU.X[6] = 0x6666666666666666 // t1, used as ROM scratch
	m1.CPU.X[2] = RAMBase + 0x8000   // sp
	m1.CPU.X[10] = 0x1122334455667788
	m1.CPU.X[20] = 0xdeadbeefcafef00d
	m1.CPU.F[0] = 0x3ff0000000000000 // 1.0
	m1.CPU.F[31] = 0x4009000000000000

	m1.CPU.Mstatus = 0x8000000a00006000
	m1.CPU.Mtvec = RAMBase + 0x2000
	m1.CPU.Mepc = RAMBase + 0x10
	m1.CPU.Mie = 0x888
	m1.CPU.Mip = 0x0
	m1.CPU.Satp = 0x8000000000012345
	m1.CPU.Stvec = RAMBase + 0x3000
	m1.CPU.Scause = 0x7
	m1.CPU.Priv = PrivMachine
	m1.CPU.PC = RAMBase + 0x100

	m1.CLINT.mtimecmp = 0x1234567890

	dir := t.TempDir()
	if err := SaveSnapshot(m1, dir, "snap"); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	out2 := &bytes.Buffer{}
	m2 := NewMachine(1024*1024, out2, nil)
	if err := RestoreSnapshot(m2, dir, "snap"); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	const stepBudget = 4096
	resumed := false
	for i := 0; i < stepBudget; i++ {
		if err := m2.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if m2.CPU.PC == m1.CPU.PC && m2.CPU.Priv == m1.CPU.Priv {
			resumed = true
			break
		}
	}
	if !resumed {
		t.Fatalf("boot rom never reached the saved resume point (pc=0x%x priv=%d), ended at pc=0x%x priv=%d",
			m1.CPU.PC, m1.CPU.Priv, m2.CPU.PC, m2.CPU.Priv)
	}

	for _, reg := range []int{1, 2, 5, 6, 10, 20} {
		if m2.CPU.X[reg] != m1.CPU.X[reg] {
			t.Errorf("x%d: got 0x%x, want 0x%x", reg, m2.CPU.X[reg], m1.CPU.X[reg])
		}
	}
	for _, reg := range []int{0, 31} {
		if m2.CPU.F[reg] != m1.CPU.F[reg] {
			t.Errorf("f%d: got 0x%x, want 0x%x", reg, m2.CPU.F[reg], m1.CPU.F[reg])
		}
	}

	checks := []struct {
		name      string
		got, want uint64
	}{
		{"mstatus", m2.CPU.Mstatus, m1.CPU.Mstatus},
		{"mtvec", m2.CPU.Mtvec, m1.CPU.Mtvec},
		{"mepc", m2.CPU.Mepc, m1.CPU.Mepc},
		{"mie", m2.CPU.Mie, m1.CPU.Mie},
		{"satp", m2.CPU.Satp, m1.CPU.Satp},
		{"stvec", m2.CPU.Stvec, m1.CPU.Stvec},
		{"scause", m2.CPU.Scause, m1.CPU.Scause},
		{"clint_mtimecmp", m2.CLINT.mtimecmp, m1.CLINT.mtimecmp},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got 0x%x, want 0x%x", c.name, c.got, c.want)
		}
	}
}

// TestSynthesizeBootROMNoOverflow checks that a representative register
// state fits comfortably within LowRAMSize without tripping ErrROMOverflow.
func TestSynthesizeBootROMNoOverflow(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{}, nil)
	for i := range m.CPU.X {
		m.CPU.X[i] = uint64(i) * 0x1111111111
	}
	for i := range m.CPU.F {
		m.CPU.F[i] = uint64(i) * 0x2222222222
	}

	if err := SynthesizeBootROM(m); err != nil {
		t.Fatalf("SynthesizeBootROM: %v", err)
	}
}

func TestPcRelSplit(t *testing.T) {
	cases := []struct{ pc, target uint64 }{
		{0x1000, 0x1000},
		{0x1000, 0x1004},
		{0x1000, 0xfe00},
		{0x8000, 0x0},
		{0x0, 0xfffff800},
	}
	for _, c := range cases {
		hi, lo := pcRelSplit(c.pc, c.target)
		got := c.pc + uint64(int64(hi)<<12) + uint64(int64(lo))
		if got != c.target {
			t.Errorf("pcRelSplit(0x%x, 0x%x) = (%d, %d), reassembled 0x%x, want 0x%x",
				c.pc, c.target, hi, lo, got, c.target)
		}
	}
}
