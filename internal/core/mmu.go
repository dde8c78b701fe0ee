package core

// SATP modes
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
	SatpModeSv48 = 9
)

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

// Page sizes
const (
	PageSize    = 4096
	PageShift   = 12
	VpnBits     = 9
	PpnBits     = 44
	tlbSize     = 256
	tlbSizeMask = tlbSize - 1
)

// Access kinds passed to Translate.
const (
	AccessRead = 0
	AccessWrite = 1
	AccessExec  = 2
)

// tlbEntry caches one virtual page's translation for one access kind.
// Rather than storing the PTE's permission bits (which would require
// re-checking them on every hit), each of the three TLBs only ever
// holds entries that already passed that access kind's permission
// check — a miss just means "re-walk and find out". Addend is the
// physical-address offset to add to a virtual address in this page to
// get its physical address, i.e. paddr = vaddr + addend.
type tlbEntry struct {
	valid  bool
	vpn    uint64
	addend uint64
	asid   uint16
	global bool
	// pageSize lets FlushWriteRange and debug tooling recover the
	// actual page (as opposed to superpage) span an entry covers.
	pageSize uint64
}

// MMU handles virtual to physical address translation for Sv39/Sv48.
// The three TLBs are separate because RISC-V's A/D bits are managed in
// software here: a page that is readable-and-accessed is cached in the
// read TLB as soon as it is read, without needing to also be
// dirty-checked, so a subsequent write to the same page still walks
// once to confirm D is set rather than assuming it from the read hit.
type MMU struct {
	cpu *CPU

	tlbRead  [tlbSize]tlbEntry
	tlbWrite [tlbSize]tlbEntry
	tlbCode  [tlbSize]tlbEntry
}

// NewMMU creates a new MMU
func NewMMU(cpu *CPU) *MMU {
	return &MMU{cpu: cpu}
}

// FlushTLB invalidates all TLB entries in all three caches.
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlbRead {
		mmu.tlbRead[i].valid = false
		mmu.tlbWrite[i].valid = false
		mmu.tlbCode[i].valid = false
	}
}

// FlushTLBEntry invalidates a specific virtual page from all three
// caches (sfence.vma with an address operand).
func (mmu *MMU) FlushTLBEntry(vaddr uint64, asid uint16) {
	vpn := vaddr >> PageShift
	idx := vpn & tlbSizeMask
	for _, tlb := range []*[tlbSize]tlbEntry{&mmu.tlbRead, &mmu.tlbWrite, &mmu.tlbCode} {
		e := &tlb[idx]
		if e.valid && e.vpn == vpn && (asid == 0 || e.global || e.asid == asid) {
			e.valid = false
		}
	}
}

// FlushWriteRange invalidates any write-TLB entries whose physical
// range overlaps [paddr, paddr+size) — called by the bus after a write
// lands, so a page remapped or a PTE rewritten by the guest can't leave
// a stale write-TLB addend pointing at memory that no longer backs it.
func (mmu *MMU) FlushWriteRange(paddr, size uint64) {
	for i := range mmu.tlbWrite {
		e := &mmu.tlbWrite[i]
		if !e.valid {
			continue
		}
		pageBase := (e.vpn << PageShift) + e.addend
		if paddr < pageBase+e.pageSize && paddr+size > pageBase {
			e.valid = false
		}
	}
}

func (mmu *MMU) tlbFor(access int) *[tlbSize]tlbEntry {
	switch access {
	case AccessWrite:
		return &mmu.tlbWrite
	case AccessExec:
		return &mmu.tlbCode
	default:
		return &mmu.tlbRead
	}
}

// Translate translates a virtual address to a physical address.
// access: AccessRead=0, AccessWrite=1, AccessExec=2.
func (mmu *MMU) Translate(vaddr uint64, access int) (uint64, error) {
	mode := (mmu.cpu.Satp >> 60) & 0xf

	priv := mmu.cpu.Priv
	if mmu.cpu.Priv == PrivMachine && access != AccessExec && (mmu.cpu.Mstatus&MstatusMPRV) != 0 {
		priv = uint8((mmu.cpu.Mstatus >> MstatusMPPShift) & 3)
	}

	if mode == SatpModeOff || priv == PrivMachine {
		// Bare mode: physical addresses on this core are limited to
		// 56 bits, matching how the validation CSRs and snapshot
		// format address RAM.
		if vaddr>>56 != 0 {
			return 0, mmu.pageFault(access, vaddr)
		}
		return vaddr, nil
	}

	vpn := vaddr >> PageShift
	idx := vpn & tlbSizeMask
	tlb := mmu.tlbFor(access)
	entry := &tlb[idx]

	asid := uint16((mmu.cpu.Satp >> 44) & 0xffff)

	if entry.valid && entry.vpn == vpn && (entry.global || entry.asid == asid) {
		return vaddr + entry.addend, nil
	}

	paddr, pageSize, err := mmu.walkPageTable(vaddr, access, priv, mode)
	if err != nil {
		return 0, err
	}

	entry.valid = true
	entry.vpn = vpn
	entry.addend = paddr - vaddr
	entry.asid = asid
	entry.pageSize = pageSize

	return paddr, nil
}

// walkPageTable performs a page table walk. A/D bits are
// software-managed: a PTE with A=0, or a write to a PTE with D=0,
// faults instead of being auto-set, so supervisor software (or, in a
// validation workload, the test harness) is responsible for setting
// them.
func (mmu *MMU) walkPageTable(vaddr uint64, access int, priv uint8, mode uint64) (uint64, uint64, error) {
	var levels int
	vpnMask := uint64(0x1ff)

	switch mode {
	case SatpModeSv39:
		levels = 3
		if vaddr >= (1<<38) && vaddr < (^uint64(0)-(1<<38)+1) {
			return 0, 0, mmu.pageFault(access, vaddr)
		}
	case SatpModeSv48:
		levels = 4
		if vaddr >= (1<<47) && vaddr < (^uint64(0)-(1<<47)+1) {
			return 0, 0, mmu.pageFault(access, vaddr)
		}
	default:
		return vaddr, PageSize, nil
	}

	ppn := mmu.cpu.Satp & ((1 << PpnBits) - 1)
	pteAddr := ppn << PageShift

	var pte uint64
	pageSize := uint64(PageSize)

	for level := levels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*VpnBits
		vpn := (vaddr >> vpnShift) & vpnMask

		pteAddr = pteAddr + vpn*8
		val, err := mmu.cpu.Bus.Read64(pteAddr)
		if err != nil {
			return 0, 0, mmu.pageFault(access, vaddr)
		}
		pte = val

		if pte&PteV == 0 {
			return 0, 0, mmu.pageFault(access, vaddr)
		}
		// Reserved encoding: W=1,R=0 (xwr == 2 or 6).
		if pte&PteW != 0 && pte&PteR == 0 {
			return 0, 0, mmu.pageFault(access, vaddr)
		}

		if pte&(PteR|PteX) != 0 {
			// Leaf PTE.
			if level > 0 {
				mask := uint64((1 << (level * VpnBits)) - 1)
				if ((pte >> 10) & mask) != 0 {
					return 0, 0, mmu.pageFault(access, vaddr)
				}
				pageSize = 1 << (PageShift + level*VpnBits)
			}

			if err := mmu.checkPermissions(pte, access, priv, vaddr); err != nil {
				return 0, 0, err
			}

			if pte&PteA == 0 || (access == AccessWrite && pte&PteD == 0) {
				return 0, 0, mmu.pageFault(access, vaddr)
			}

			leafPPN := (pte >> 10) & ((1 << PpnBits) - 1)
			pageOffset := vaddr & (pageSize - 1)

			if level > 0 {
				mask := uint64((1 << (level * VpnBits)) - 1)
				vpnBits := (vaddr >> PageShift) & mask
				leafPPN = (leafPPN &^ mask) | vpnBits
			}

			paddr := (leafPPN << PageShift) | pageOffset
			return paddr, pageSize, nil
		}

		// Non-leaf PTE - continue to next level.
		nextPPN := (pte >> 10) & ((1 << PpnBits) - 1)
		pteAddr = nextPPN << PageShift
	}

	return 0, 0, mmu.pageFault(access, vaddr)
}

// checkPermissions applies the leaf-PTE permission checks in order:
// user/supervisor access, MXR read-where-execute grant, and the
// missing-permission-bit fault.
func (mmu *MMU) checkPermissions(pte uint64, access int, priv uint8, vaddr uint64) error {
	if priv == PrivUser {
		if pte&PteU == 0 {
			return mmu.pageFault(access, vaddr)
		}
	} else {
		if pte&PteU != 0 && (mmu.cpu.Mstatus&MstatusSUM) == 0 {
			return mmu.pageFault(access, vaddr)
		}
	}

	switch access {
	case AccessRead:
		if pte&PteR == 0 {
			if (mmu.cpu.Mstatus&MstatusMXR) != 0 && (pte&PteX) != 0 {
				return nil
			}
			return mmu.pageFault(access, vaddr)
		}
	case AccessWrite:
		if pte&PteW == 0 {
			return mmu.pageFault(access, vaddr)
		}
	case AccessExec:
		if pte&PteX == 0 {
			return mmu.pageFault(access, vaddr)
		}
	}

	return nil
}

// pageFault returns the appropriate page fault exception
func (mmu *MMU) pageFault(access int, vaddr uint64) error {
	switch access {
	case AccessRead:
		return Exception(CauseLoadPageFault, vaddr)
	case AccessWrite:
		return Exception(CauseStorePageFault, vaddr)
	case AccessExec:
		return Exception(CauseInsnPageFault, vaddr)
	}
	return Exception(CauseLoadPageFault, vaddr)
}

// TranslateRead translates a read access
func (mmu *MMU) TranslateRead(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, AccessRead)
}

// TranslateWrite translates a write access
func (mmu *MMU) TranslateWrite(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, AccessWrite)
}

// TranslateFetch translates an instruction fetch
func (mmu *MMU) TranslateFetch(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, AccessExec)
}
