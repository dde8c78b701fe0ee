package core

import "encoding/binary"

// romBuilder assembles a self-extracting restore ROM into a fixed
// byte buffer: machine code grows up from the low end, an 8-byte
// immediate pool grows down from the high end, and the two halves
// must never cross.
type romBuilder struct {
	buf      []byte
	codeOff  int
	dataOff  int
	overflow bool
}

func newRomBuilder(size int) *romBuilder {
	return &romBuilder{buf: make([]byte, size), dataOff: size}
}

func (b *romBuilder) emit(insn uint32) {
	if b.codeOff+4 > b.dataOff {
		b.overflow = true
		return
	}
	binary.LittleEndian.PutUint32(b.buf[b.codeOff:], insn)
	b.codeOff += 4
}

// pool reserves an 8-byte data cell holding val and returns its
// address within the ROM (relative to the ROM's own base address).
func (b *romBuilder) pool(val uint64) uint64 {
	if b.dataOff-8 < b.codeOff {
		b.overflow = true
		return 0
	}
	b.dataOff -= 8
	binary.LittleEndian.PutUint64(b.buf[b.dataOff:], val)
	return uint64(b.dataOff)
}

// pcRelSplit returns the AUIPC hi20/ADDI lo12 pair that recovers
// target from a given instruction's own address.
func pcRelSplit(pc, target uint64) (hi20 int32, lo12 int32) {
	diff := int64(target - pc)
	lo := int32(diff & 0xfff)
	if lo >= 0x800 {
		lo -= 0x1000
	}
	hi := int32((diff - int64(lo)) >> 12)
	return hi, lo
}

// encodeU builds a U-type instruction (LUI/AUIPC). imm20 is the raw
// 20-bit signed upper immediate (as computed by pcRelSplit), not yet
// shifted into bits[31:12].
func encodeU(opcode uint32, rd uint32, imm20 int32) uint32 {
	return (uint32(imm20) << 12 & 0xfffff000) | (rd << 7) | opcode
}

func encodeI(opcode, funct3, rd, rs1 uint32, imm12 int32) uint32 {
	return (uint32(imm12)&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeS(opcode, funct3, rs1, rs2 uint32, imm12 int32) uint32 {
	u := uint32(imm12) & 0xfff
	return (u>>5)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | opcode
}

func encodeAUIPC(rd uint32, imm20 int32) uint32 { return encodeU(0x17, rd, imm20) }
func encodeADDI(rd, rs1 uint32, imm12 int32) uint32 { return encodeI(0x13, 0, rd, rs1, imm12) }
func encodeLD(rd, rs1 uint32, imm12 int32) uint32   { return encodeI(0x03, 0b011, rd, rs1, imm12) }
func encodeFLD(rd, rs1 uint32, imm12 int32) uint32  { return encodeI(0x07, 0b011, rd, rs1, imm12) }
func encodeSD(rs1, rs2 uint32, imm12 int32) uint32  { return encodeS(0x23, 0b011, rs1, rs2, imm12) }
func encodeCSRRW(rd uint32, csr uint16, rs1 uint32) uint32 {
	return uint32(csr)<<20 | rs1<<15 | 0b001<<12 | rd<<7 | 0x73
}

const dretInsn uint32 = 0x7b200073

const (
	regZero = 0
	regRA   = 1
	regSP   = 2
	regT0   = 5
	regT1   = 6
)

// loadConstIntoSelf emits AUIPC+ADDI+LD that loads the 8-byte data
// pool cell at dataAddr into rd, using rd itself as the scratch
// address register (no other register is touched).
func loadConstIntoSelf(b *romBuilder, romBase uint64, rd uint32, dataAddr uint64) {
	pc := romBase + uint64(b.codeOff)
	hi, lo := pcRelSplit(pc, dataAddr)
	b.emit(encodeAUIPC(rd, hi))
	b.emit(encodeADDI(rd, rd, lo))
	b.emit(encodeLD(rd, rd, 0))
}

// loadConstInto emits AUIPC+ADDI into addrReg, then LD dest,0(addrReg).
func loadConstInto(b *romBuilder, romBase uint64, addrReg, dest uint32, dataAddr uint64) {
	pc := romBase + uint64(b.codeOff)
	hi, lo := pcRelSplit(pc, dataAddr)
	b.emit(encodeAUIPC(addrReg, hi))
	b.emit(encodeADDI(addrReg, addrReg, lo))
	b.emit(encodeLD(dest, addrReg, 0))
}

// loadFPConst emits AUIPC+ADDI into addrReg, then FLD dest,0(addrReg).
func loadFPConst(b *romBuilder, romBase uint64, addrReg, dest uint32, dataAddr uint64) {
	pc := romBase + uint64(b.codeOff)
	hi, lo := pcRelSplit(pc, dataAddr)
	b.emit(encodeAUIPC(addrReg, hi))
	b.emit(encodeADDI(addrReg, addrReg, lo))
	b.emit(encodeFLD(dest, addrReg, 0))
}

// SynthesizeBootROM writes a self-extracting restore program into the
// machine's boot RAM region: code low, an immediate data pool high,
// CSR/FP/CLINT/GPR restore quads/triplets in that order, and a final
// dret into the saved PC at the saved privilege.
//
// x5/x6 (t0/t1) serve as the generic address/value scratch pair for
// every CSR, FP, and CLINT restore; they are restored themselves after
// every other GPR except x1, once no phase needs them anymore. x1 is
// special-cased: its true value is parked in the dscratch CSR during
// the generic CSR-restore phase (see snapshotCSRs), then recovered
// with a single CSRRW right before dret — the only GPR restore that
// needs no scratch register of its own, since every other register
// (including dscratch) is already final by that point.
func SynthesizeBootROM(m *Machine) error {
	cpu := m.CPU
	romBase := LowRAMBase
	b := newRomBuilder(int(LowRAMSize))

	// dret resumes at the live dpc/dcsr.prv at the moment it executes,
	// which is exactly what the generic CSR-restore loop below will
	// have just written — so dpc/dcsr must be pooled with the target
	// resume PC/privilege, not whatever they held before this snapshot.
	cpu.Dpc = cpu.PC
	cpu.Dcsr = (cpu.Dcsr &^ 0x3) | uint64(cpu.Priv)

	// Stage the CSR values (and x1's true value, parked under the
	// dscratch slot) into the data pool up front so later code-side
	// offsets don't shift the pool's addresses out from under us.
	type pooledCSR struct {
		slot csrSlot
		addr uint64
	}
	var pooledCSRs []pooledCSR
	for _, slot := range snapshotCSRs() {
		pooledCSRs = append(pooledCSRs, pooledCSR{slot: slot, addr: b.pool(slot.get(cpu))})
	}

	type pooledFP struct {
		reg  uint32
		addr uint64
	}
	var pooledFPs []pooledFP
	for i := 0; i < 32; i++ {
		pooledFPs = append(pooledFPs, pooledFP{reg: uint32(i), addr: b.pool(cpu.F[i])})
	}

	type pooledGPR struct {
		reg  uint32
		addr uint64
	}
	var pooledGPRs []pooledGPR
	for i := 3; i < 32; i++ {
		if i == regT0 || i == regT1 {
			continue
		}
		pooledGPRs = append(pooledGPRs, pooledGPR{reg: uint32(i), addr: b.pool(cpu.X[i])})
	}
	t0Addr := b.pool(cpu.X[regT0])
	t1Addr := b.pool(cpu.X[regT1])
	spAddr := b.pool(cpu.X[regSP])

	// mtime has no writable backing register (it is always derived from
	// the host wall clock or the cycle counter — see CLINT.Write), so
	// only mtimecmp is worth restoring through the MMIO interface.
	mtimecmpValAddr := b.pool(m.CLINT.mtimecmp)
	mtimecmpAddrAddr := b.pool(CLINTBase + CLINTMtimecmp)

	// 1. Restore every generic CSR via t0 (address) / t1 (value).
	for _, pc := range pooledCSRs {
		loadConstInto(b, romBase, regT0, regT1, pc.addr)
		b.emit(encodeCSRRW(regZero, pc.slot.num, regT1))
	}

	// 2. Restore FP registers directly via t0 as the address register.
	for _, pf := range pooledFPs {
		loadFPConst(b, romBase, regT0, pf.reg, pf.addr)
	}

	// 3. Restore CLINT mtimecmp: load the value into t1, then the MMIO
	// address into t0 (LD's base and destination register may alias),
	// then store.
	loadConstInto(b, romBase, regT0, regT1, mtimecmpValAddr)
	loadConstInto(b, romBase, regT0, regT0, mtimecmpAddrAddr)
	b.emit(encodeSD(regT0, regT1, 0))

	// 4. Restore plain GPRs x3..x31 except t0/t1/sp, each self-addressed.
	for _, pg := range pooledGPRs {
		loadConstIntoSelf(b, romBase, pg.reg, pg.addr)
	}
	loadConstIntoSelf(b, romBase, regSP, spAddr)

	// 5. Restore t0/t1 themselves, now that no later phase needs them
	// as scratch.
	loadConstIntoSelf(b, romBase, regT0, t0Addr)
	loadConstIntoSelf(b, romBase, regT1, t1Addr)

	// 6. Restore x1 (ra) from dscratch — its true value was parked
	// there during step 1 — with no scratch register needed.
	b.emit(encodeCSRRW(regRA, CSRDscratch, regRA))

	// 7. Resume at the saved PC and privilege.
	b.emit(dretInsn)

	if b.overflow {
		return ErrROMOverflow
	}

	copy(m.BootRAM.Data, b.buf)
	return nil
}
