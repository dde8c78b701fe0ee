package core

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"
)

func (cpu *CPU) DumpRegisters() string {
	var buf bytes.Buffer

	// ABI register names
	regNames := []string{
		"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
		"s0/fp", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
		"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
		"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
	}

	fmt.Fprintf(&buf, "PC:   0x%016x\n", cpu.PC)
	fmt.Fprintf(&buf, "Priv: %d (", cpu.Priv)
	switch cpu.Priv {
	case PrivMachine:
		buf.WriteString("M-mode)")
	case PrivSupervisor:
		buf.WriteString("S-mode)")
	case PrivUser:
		buf.WriteString("U-mode)")
	default:
		buf.WriteString("unknown)")
	}
	buf.WriteString("\n\n")

	// Integer registers
	fmt.Fprintf(&buf, "Integer Registers:\n")
	for i := 0; i < 32; i += 4 {
		for j := 0; j < 4; j++ {
			reg := i + j
			fmt.Fprintf(&buf, "x%-2d(%-5s) = 0x%016x  ", reg, regNames[reg], cpu.X[reg])
		}
		buf.WriteString("\n")
	}

	// Key CSRs
	fmt.Fprintf(&buf, "\nKey CSRs:\n")
	fmt.Fprintf(&buf, "mstatus:  0x%016x  mtvec:    0x%016x\n", cpu.Mstatus, cpu.Mtvec)
	fmt.Fprintf(&buf, "mepc:     0x%016x  mcause:   0x%016x\n", cpu.Mepc, cpu.Mcause)
	fmt.Fprintf(&buf, "mtval:    0x%016x  mie:      0x%016x\n", cpu.Mtval, cpu.Mie)
	fmt.Fprintf(&buf, "mip:      0x%016x  mideleg:  0x%016x\n", cpu.Mip, cpu.Mideleg)
	fmt.Fprintf(&buf, "medeleg:  0x%016x  mscratch: 0x%016x\n", cpu.Medeleg, cpu.Mscratch)
	fmt.Fprintf(&buf, "sstatus:  0x%016x  stvec:    0x%016x\n", cpu.readSstatus(), cpu.Stvec)
	fmt.Fprintf(&buf, "sepc:     0x%016x  scause:   0x%016x\n", cpu.Sepc, cpu.Scause)
	fmt.Fprintf(&buf, "stval:    0x%016x  satp:     0x%016x\n", cpu.Stval, cpu.Satp)
	fmt.Fprintf(&buf, "sscratch: 0x%016x\n", cpu.Sscratch)
	fmt.Fprintf(&buf, "cycle:    %d  instret:  %d\n", cpu.Cycle, cpu.Instret)

	return buf.String()
}

// TestBareModeArithmeticTrap exercises a bare-mode (SATP off) M-mode
// program that divides by zero, then traps itself deliberately by
// executing an illegal instruction, and checks the trap lands at mtvec
// with the expected mcause/mepc.
func TestBareModeArithmeticTrap(t *testing.T) {
	m := NewMachine(64*1024, nil, nil)

	handler := RAMBase + 0x1000
	code := []uint32{
		0x00500513, // li a0, 5
		0x00000593, // li a1, 0
		0x02b54633, // div a2, a0, a1   # divide by zero -> -1, no trap
		0x00000000, // illegal instruction (all-zero word)
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}

	// mtvec points at a handler that halts the test harness: sw zero, 0(zero).
	m.Bus.Write32(handler, 0x00002023)

	m.CPU.Mtvec = handler
	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != ^uint64(0) {
		t.Errorf("div-by-zero result: expected all-ones, got 0x%x", m.CPU.X[12])
	}
	if m.CPU.Mcause != CauseIllegalInsn {
		t.Errorf("mcause: expected illegal instruction (%d), got %d", CauseIllegalInsn, m.CPU.Mcause)
	}
	if m.CPU.Mepc != RAMBase+12 {
		t.Errorf("mepc: expected 0x%x, got 0x%x", RAMBase+12, m.CPU.Mepc)
	}
}

// TestMisalignedLoadTrap checks that an LD at a non-8-byte-aligned
// address raises a load-address-misaligned exception rather than
// silently truncating the access.
func TestMisalignedLoadTrap(t *testing.T) {
	m := NewMachine(64*1024, nil, nil)

	handler := RAMBase + 0x1000
	code := []uint32{
		0x00100513, // li a0, 1
		0x0000b583, // ld a1, 0(ra)   # ra==3, misaligned by construction below
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}
	m.Bus.Write32(handler, 0x00002023) // sw zero, 0(zero) -> halt

	m.CPU.Mtvec = handler
	m.CPU.X[1] = 3 // ra = 3, so ld a1, 0(ra) targets address 3 (misaligned)
	m.SetPC(RAMBase + 4)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}
	if m.CPU.Mcause != CauseLoadAddrMisaligned {
		t.Errorf("mcause: expected load-misaligned (%d), got %d", CauseLoadAddrMisaligned, m.CPU.Mcause)
	}
	if m.CPU.Mtval != 3 {
		t.Errorf("mtval: expected faulting address 3, got %d", m.CPU.Mtval)
	}
}

// TestSv39AccessedBitFault sets up a single Sv39 leaf mapping with A=0
// and checks that a load through it faults instead of the MMU silently
// setting the accessed bit itself.
func TestSv39AccessedBitFault(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	const (
		rootPT = RAMBase + 0x2000
		leafPT = RAMBase + 0x3000
		dataPg = RAMBase + 0x4000
		// vaddr encodes VPN[2]=5, VPN[1]=3, VPN[0]=7, offset=0x123 — well
		// within the Sv39 canonical range (below 1<<38).
		vaddr = uint64(0x140607123)
	)

	vpn2 := (vaddr >> 30) & 0x1ff
	vpn1 := (vaddr >> 21) & 0x1ff
	vpn0 := (vaddr >> 12) & 0x1ff

	// Root PTE -> leafPT, non-leaf (R=W=X=0).
	rootPTE := ((leafPT >> PageShift) << 10) | PteV
	m.Bus.Write64(rootPT+vpn2*8, rootPTE)

	// leafPT doubles as the level-1 table; level0PT holds the leaf PTEs.
	level0PT := RAMBase + 0x5000
	level1PTE := ((level0PT >> PageShift) << 10) | PteV
	m.Bus.Write64(leafPT+vpn1*8, level1PTE)

	// Leaf PTE: readable, writable, A=0 (deliberately not accessed).
	leafPTE := ((dataPg >> PageShift) << 10) | PteV | PteR | PteW
	m.Bus.Write64(level0PT+vpn0*8, leafPTE)

	m.Bus.Write64(dataPg, 0x1122334455667788)

	m.CPU.Satp = (uint64(SatpModeSv39) << 60) | (rootPT >> PageShift)
	m.CPU.Priv = PrivSupervisor

	_, err := m.MMU.TranslateRead(vaddr)
	if err == nil {
		t.Fatal("expected a page fault for a leaf PTE with A=0, got nil")
	}
	exc, ok := err.(ExceptionError)
	if !ok {
		t.Fatalf("expected an ExceptionError, got %T: %v", err, err)
	}
	if exc.Cause != CauseLoadPageFault {
		t.Errorf("cause: expected load page fault (%d), got %d", CauseLoadPageFault, exc.Cause)
	}

	// Now set A=1 and confirm the same access succeeds and is cached.
	m.Bus.Write64(level0PT+vpn0*8, leafPTE|PteA)
	m.MMU.FlushTLB()

	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		t.Fatalf("expected translation to succeed once A=1, got %v", err)
	}
	expected := dataPg + (vaddr & (PageSize - 1))
	if paddr != expected {
		t.Errorf("paddr: expected 0x%x, got 0x%x", expected, paddr)
	}
}

// TestLRSCTrapInvalidatesReservation confirms that a reservation
// established by LR.D is cleared by an intervening trap, which is what
// makes a subsequent SC.D fail rather than succeed on a stale
// reservation.
func TestLRSCTrapInvalidatesReservation(t *testing.T) {
	m := NewMachine(64*1024, nil, nil)

	m.CPU.X[10] = RAMBase + 0x100 // a0: target address for LR/SC
	m.CPU.X[11] = 42              // a1: value to conditionally store

	m.Bus.Write32(RAMBase, 0x1005362f) // lr.d a2, (a0)
	m.SetPC(RAMBase)

	if err := m.Step(); err != nil {
		t.Fatalf("lr.d step failed: %v", err)
	}
	if !m.CPU.ReservationValid {
		t.Fatal("expected a valid reservation after lr.d")
	}

	// A trap (here, an explicit HandleTrap call simulating a timer
	// interrupt) must invalidate the reservation.
	m.CPU.HandleTrap(CauseMTimerInt, 0)
	if m.CPU.ReservationValid {
		t.Error("expected the reservation to be cleared by an intervening trap")
	}
}

// TestCLINTTimerInterrupt advances mtimecmp into the past and checks
// that the CLINT asserts MTIP and the core actually takes the trap.
func TestCLINTTimerInterrupt(t *testing.T) {
	m := NewMachine(64*1024, nil, nil)

	handler := RAMBase + 0x1000
	m.Bus.Write32(RAMBase, 0x00000013) // nop
	m.Bus.Write32(handler, 0x00002023) // sw zero, 0(zero) -> halt

	m.CPU.Mtvec = handler
	m.CPU.Mstatus |= MstatusMIE
	m.CPU.Mie |= MipMTIP

	// Force the timer to fire immediately.
	m.CLINT.Write(CLINTMtimecmp, 8, 0)

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 10)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}
	if m.CPU.Mcause != CauseMTimerInt {
		t.Errorf("mcause: expected machine timer interrupt (0x%x), got 0x%x", CauseMTimerInt, m.CPU.Mcause)
	}
}

// TestValidationTerminateEvent confirms that writing the LINUX/terminate
// tagged event to the validation console CSR (0x8D1) ends the run when
// it matches the configured terminating event name.
func TestValidationTerminateEvent(t *testing.T) {
	m := NewMachine(4*1024, nil, nil)
	m.CPU.TerminatingEvent = "linux-terminate"

	// csrrw x0, 0x8d1, a1 with a1 = (0x81<<56)|1 (LINUX tag, terminate payload)
	m.CPU.X[11] = (uint64(0x81) << 56) | 1

	m.Bus.Write32(RAMBase, 0x8d159073) // csrrw x0, 0x8d1, a1
	m.SetPC(RAMBase)

	if err := m.Step(); err != ErrHalt {
		t.Fatalf("expected ErrHalt once the terminating event fires, got %v", err)
	}
	if !m.CPU.TerminateSimulation {
		t.Error("expected TerminateSimulation to be set after the matching validation event")
	}
}
