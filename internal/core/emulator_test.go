package core

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestBasicExecution(t *testing.T) {
	// Create a machine with 1MB RAM
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)

	// Writes "Hi\n" one byte at a time through the validation console
	// CSR (0x8D1), then halts by storing to address 0.
	code := []uint32{
		0x04800593, // li a1, 'H'
		0x8d159073, // csrrw x0, 0x8d1, a1
		0x06900593, // li a1, 'i'
		0x8d159073, // csrrw x0, 0x8d1, a1
		0x00a00593, // li a1, '\n'
		0x8d159073, // csrrw x0, 0x8d1, a1
		0x00000513, // li a0, 0
		0x00052023, // sw zero, 0(a0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	expected := "Hi\n"
	if output.String() != expected {
		t.Fatalf("expected output %q, got %q", expected, output.String())
	}
}

func TestALUOperations(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)

	// Test ADD, SUB, AND, OR, XOR
	code := []uint32{
		0x00a00513, // li a0, 10
		0x00300593, // li a1, 3
		0x00b50633, // add a2, a0, a1    # a2 = 13
		0x40b506b3, // sub a3, a0, a1    # a3 = 7
		0x00b57733, // and a4, a0, a1    # a4 = 2
		0x00b567b3, // or a5, a0, a1     # a5 = 11
		0x00b54833, // xor a6, a0, a1    # a6 = 9
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 13 {
		t.Errorf("a2 (add): expected 13, got %d", m.CPU.X[12])
	}
	if m.CPU.X[13] != 7 {
		t.Errorf("a3 (sub): expected 7, got %d", m.CPU.X[13])
	}
	if m.CPU.X[14] != 2 {
		t.Errorf("a4 (and): expected 2, got %d", m.CPU.X[14])
	}
	if m.CPU.X[15] != 11 {
		t.Errorf("a5 (or): expected 11, got %d", m.CPU.X[15])
	}
	if m.CPU.X[16] != 9 {
		t.Errorf("a6 (xor): expected 9, got %d", m.CPU.X[16])
	}
}

func TestBranches(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)

	// Test BEQ branch
	code := []uint32{
		0x00500513, // li a0, 5
		0x00500593, // li a1, 5
		0x00000613, // li a2, 0
		0x00b50463, // beq a0, a1, +8 (skip next insn)
		0x00100613, // li a2, 1 (skipped)
		0x00a60613, // addi a2, a2, 10
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 10 {
		t.Errorf("a2: expected 10, got %d", m.CPU.X[12])
	}

	// The taken branch must have been recorded in the CTF trace
	// (straight-line instructions are not recorded).
	trace := m.CPU.DrainCTF()
	sawTaken := false
	for _, ev := range trace {
		if ev.Kind == CTFBranchTaken {
			sawTaken = true
		}
	}
	if !sawTaken {
		t.Errorf("expected a CTFBranchTaken event in the trace: %+v", trace)
	}
}

func TestMultiplyDivide(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)

	code := []uint32{
		0x00700513, // li a0, 7
		0x00300593, // li a1, 3
		0x02b50633, // mul a2, a0, a1 (7*3=21)
		0x02b546b3, // div a3, a0, a1 (7/3=2)
		0x02b56733, // rem a4, a0, a1 (7%3=1)
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 21 {
		t.Errorf("a2 (mul): expected 21, got %d", m.CPU.X[12])
	}
	if m.CPU.X[13] != 2 {
		t.Errorf("a3 (div): expected 2, got %d", m.CPU.X[13])
	}
	if m.CPU.X[14] != 1 {
		t.Errorf("a4 (rem): expected 1, got %d", m.CPU.X[14])
	}
}

func TestHTIFConsole(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(4*1024, output, nil)

	// Write "HI" through the HTIF tohost mailbox: device=1, cmd=1,
	// payload=byte. Low word first, high word (which triggers the
	// side effect) second.
	writeByte := func(b byte) {
		tohost := (uint64(1) << 56) | (uint64(1) << 48) | uint64(b)
		m.Bus.Write32(HTIFBase+0, uint32(tohost))
		m.Bus.Write32(HTIFBase+4, uint32(tohost>>32))
	}
	writeByte('H')
	writeByte('I')

	if output.String() != "HI" {
		t.Errorf("expected HTIF console output %q, got %q", "HI", output.String())
	}
}

func TestHTIFExit(t *testing.T) {
	m := NewMachine(4*1024, nil, nil)

	m.Bus.Write32(HTIFBase+0, 1)
	m.Bus.Write32(HTIFBase+4, 0)

	if !m.CPU.TerminateSimulation {
		t.Fatal("expected tohost==1 to set TerminateSimulation")
	}
}

func TestCompressedInstructions(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)

	// c.li a0, 5; c.addi a0, 3; c.mv a1, a0; then halt with a full
	// instruction.
	m.Bus.Write16(RAMBase+0, 0x4515)       // c.li a0, 5
	m.Bus.Write16(RAMBase+2, 0x050d)       // c.addi a0, 3
	m.Bus.Write16(RAMBase+4, 0x85aa)       // c.mv a1, a0
	m.Bus.Write32(RAMBase+6, 0x00000293)   // li t0, 0
	m.Bus.Write32(RAMBase+10, 0x0002a023)  // sw zero, 0(t0)

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[10] != 8 {
		t.Errorf("a0: expected 8, got %d", m.CPU.X[10])
	}
	if m.CPU.X[11] != 8 {
		t.Errorf("a1: expected 8, got %d", m.CPU.X[11])
	}
}
