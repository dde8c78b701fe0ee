package core

import "fmt"

// flushAllTLBs is the Esperanto flush-all CSR (0x81F) side effect.
func (cpu *CPU) flushAllTLBs() {
	if cpu.MMU != nil {
		cpu.MMU.FlushTLB()
	}
}

// counterEnabled reports whether cpu.Priv may read the given counter
// (bit 0 = cycle, bit 1 = time, bit 2 = instret, bits 3..31 =
// hpmcounter3..31). M-mode is always allowed; S-mode additionally needs
// mcounteren's bit set; U-mode needs both mcounteren's and scounteren's
// bit set.
func (cpu *CPU) counterEnabled(bit uint) bool {
	if cpu.Priv == PrivMachine {
		return true
	}
	if cpu.Mcounteren&(1<<bit) == 0 {
		return false
	}
	if cpu.Priv == PrivUser && cpu.Scounteren&(1<<bit) == 0 {
		return false
	}
	return true
}

// csrRead reads a CSR value
func (cpu *CPU) csrRead(csr uint16) (uint64, error) {
	// Check privilege level
	csrPriv := (csr >> 8) & 3
	if uint16(cpu.Priv) < csrPriv {
		return 0, Exception(CauseIllegalInsn, 0)
	}

	switch csr {
	// Floating point CSRs
	case CSRFflags:
		return uint64(cpu.Fflags), nil
	case CSRFrm:
		return uint64(cpu.Frm), nil
	case CSRFcsr:
		return uint64(cpu.Fflags) | (uint64(cpu.Frm) << 5), nil

	// User counters. Mirror mcycle/mtime/minstret, gated by mcounteren/
	// scounteren since U/S-mode access them through these addresses, not
	// the M-only 0xb00 range.
	case CSRCycle:
		if !cpu.counterEnabled(0) {
			return 0, Exception(CauseIllegalInsn, 0)
		}
		return cpu.Cycle, nil
	case CSRTime:
		if !cpu.counterEnabled(1) {
			return 0, Exception(CauseIllegalInsn, 0)
		}
		return cpu.Cycle, nil // Use cycle as time for now
	case CSRInstret:
		if !cpu.counterEnabled(2) {
			return 0, Exception(CauseIllegalInsn, 0)
		}
		return cpu.Instret, nil

	// Supervisor CSRs
	case CSRSstatus:
		return cpu.readSstatus(), nil
	case CSRSie:
		return cpu.Mie & cpu.Mideleg, nil
	case CSRStvec:
		return cpu.Stvec, nil
	case CSRScounteren:
		return cpu.Scounteren, nil
	case CSRSscratch:
		return cpu.Sscratch, nil
	case CSRSepc:
		return cpu.Sepc, nil
	case CSRScause:
		return cpu.Scause, nil
	case CSRStval:
		return cpu.Stval, nil
	case CSRSip:
		return cpu.Mip & cpu.Mideleg, nil
	case CSRSatp:
		if cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTVM != 0 {
			return 0, Exception(CauseIllegalInsn, 0)
		}
		return cpu.Satp, nil

	// Machine CSRs
	case CSRMstatus:
		return cpu.Mstatus, nil
	case CSRMisa:
		return cpu.Misa, nil
	case CSRMedeleg:
		return cpu.Medeleg, nil
	case CSRMideleg:
		return cpu.Mideleg, nil
	case CSRMie:
		return cpu.Mie, nil
	case CSRMtvec:
		return cpu.Mtvec, nil
	case CSRMcounteren:
		return cpu.Mcounteren, nil
	case CSRMscratch:
		return cpu.Mscratch, nil
	case CSRMepc:
		return cpu.Mepc, nil
	case CSRMcause:
		return cpu.Mcause, nil
	case CSRMtval:
		return cpu.Mtval, nil
	case CSRMip:
		return cpu.Mip, nil
	case CSRMhartid:
		return cpu.Mhartid, nil
	case CSRMvendorid, CSRMarchid, CSRMimpid:
		return 0, nil

	case CSRMcycle:
		return cpu.Cycle, nil
	case CSRMinstret:
		return cpu.Instret, nil

	case CSRTselect:
		return cpu.Tselect, nil
	case CSRTdata1:
		return cpu.Tdata1, nil
	case CSRTdata2:
		return cpu.Tdata2, nil
	case CSRTdata3:
		return cpu.Tdata3, nil
	case CSRDcsr:
		return cpu.Dcsr, nil
	case CSRDpc:
		return cpu.Dpc, nil
	case CSRDscratch:
		return cpu.Dscratch, nil

	default:
		// RV32 counter-high shadow registers don't exist on this
		// RV64-only core.
		if csr == 0xc80 || csr == 0xc81 || csr == 0xc82 {
			return 0, Exception(CauseIllegalInsn, 0)
		}
		if csr >= CSRMhpmcounterBase && csr < CSRMhpmcounterBase+29 {
			return cpu.Mhpmcounter[csr-CSRMhpmcounterBase], nil
		}
		if csr >= CSRHpmcounterBase && csr < CSRHpmcounterBase+29 {
			bit := uint(3) + uint(csr-CSRHpmcounterBase)
			if !cpu.counterEnabled(bit) {
				return 0, Exception(CauseIllegalInsn, 0)
			}
			return cpu.Mhpmcounter[csr-CSRHpmcounterBase], nil
		}
		if csr >= CSRMhpmeventBase && csr < CSRMhpmeventBase+29 {
			return cpu.Mhpmevent[csr-CSRMhpmeventBase], nil
		}
		if csr >= CSRPmpcfgBase && csr < CSRPmpcfgBase+16 {
			return 0, nil
		}
		if csr >= CSRPmpaddrBase && csr < CSRPmpaddrBase+64 {
			return 0, nil
		}
		// Unknown CSR - return 0 to allow firmware/kernels that probe
		// speculatively to keep running.
		return 0, nil
	}
}

// csrWrite writes a CSR value
func (cpu *CPU) csrWrite(csr uint16, val uint64) error {
	// Check privilege level
	csrPriv := (csr >> 8) & 3
	if uint16(cpu.Priv) < csrPriv {
		return Exception(CauseIllegalInsn, 0)
	}

	// Check if read-only (top 2 bits = 11)
	if (csr >> 10) == 3 {
		return Exception(CauseIllegalInsn, 0)
	}

	switch csr {
	// Floating point CSRs
	case CSRFflags:
		cpu.Fflags = uint8(val & 0x1f)
	case CSRFrm:
		cpu.Frm = uint8(val & 0x7)
	case CSRFcsr:
		cpu.Fflags = uint8(val & 0x1f)
		cpu.Frm = uint8((val >> 5) & 0x7)

	// Supervisor CSRs
	case CSRSstatus:
		cpu.writeSstatus(val)
	case CSRSie:
		cpu.Mie = (cpu.Mie &^ cpu.Mideleg) | (val & cpu.Mideleg)
	case CSRStvec:
		cpu.Stvec = val
	case CSRScounteren:
		cpu.Scounteren = val
	case CSRSscratch:
		cpu.Sscratch = val
	case CSRSepc:
		cpu.Sepc = val & ^uint64(1) // Must be aligned
	case CSRScause:
		cpu.Scause = val
	case CSRStval:
		cpu.Stval = val
	case CSRSip:
		// Only SSIP is writable
		cpu.Mip = (cpu.Mip &^ MipSSIP) | (val & MipSSIP)
	case CSRSatp:
		if cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTVM != 0 {
			return Exception(CauseIllegalInsn, 0)
		}
		cpu.Satp = val

	// Machine CSRs
	case CSRMstatus:
		cpu.writeMstatus(val)
	case CSRMisa:
		// Read-only in this implementation
	case CSRMedeleg:
		cpu.Medeleg = val & 0xB109 // Only certain bits are writable
	case CSRMideleg:
		cpu.Mideleg = val & (MipSSIP | MipSTIP | MipSEIP)
	case CSRMie:
		cpu.Mie = val & (MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP)
	case CSRMtvec:
		cpu.Mtvec = val
	case CSRMcounteren:
		cpu.Mcounteren = val
	case CSRMscratch:
		cpu.Mscratch = val
	case CSRMepc:
		cpu.Mepc = val & ^uint64(1) // Must be aligned
	case CSRMcause:
		cpu.Mcause = val
	case CSRMtval:
		cpu.Mtval = val
	case CSRMip:
		// Only SSIP, STIP, SEIP are writable via mip
		mask := uint64(MipSSIP | MipSTIP | MipSEIP)
		cpu.Mip = (cpu.Mip &^ mask) | (val & mask)

	case CSRMcycle:
		cpu.Cycle = val
	case CSRMinstret:
		cpu.Instret = val

	case CSRTselect:
		cpu.Tselect = val
	case CSRTdata1:
		cpu.Tdata1 = val
	case CSRTdata2:
		cpu.Tdata2 = val
	case CSRTdata3:
		cpu.Tdata3 = val
		break
	case CSRDcsr:
		// Only stopcount (bit 10), stoptime (bit 9), and prv (bits 1:0)
		// are writable; every other bit reads back as zero.
		cpu.Dcsr = val & (1<<10 | 1<<9 | 0x3)
		cpu.StopTheCounter = (val&(1<<10) != 0) || (val&(1<<9) != 0)
	case CSRDpc:
		cpu.Dpc = val
	case CSRDscratch:
		cpu.Dscratch = val

	case CSREsperantoFlushAll:
		cpu.flushAllTLBs()

	case CSRValidationBegin:
		cpu.handleValidationBegin(val)

	case CSRValidationConsole:
		cpu.handleValidationConsole(val)

	default:
		if csr >= CSRMhpmcounterBase && csr < CSRMhpmcounterBase+29 {
			cpu.Mhpmcounter[csr-CSRMhpmcounterBase] = val
			break
		}
		if csr >= CSRMhpmeventBase && csr < CSRMhpmeventBase+29 {
			cpu.Mhpmevent[csr-CSRMhpmeventBase] = val
			break
		}
		// pmpcfg/pmpaddr are read-only zero: writes are silently
		// dropped so PMP-probing firmware doesn't trap.
	}

	return nil
}

// handleValidationBegin implements CSR 0x8D0: bits [31:12] select a
// begin/pass/fail marker. Pass and fail both terminate the run.
func (cpu *CPU) handleValidationBegin(val uint64) {
	marker := (val >> 12) & 0xfffff
	switch marker {
	case 0xDEAD0: // begin
	case 0x1FEED: // pass
		cpu.TerminateSimulation = true
		cpu.TerminatingEvent = "pass"
	case 0x50BAD: // fail
		cpu.TerminateSimulation = true
		cpu.TerminatingEvent = "fail"
	}
}

const (
	validationTagLinux    = 0x81
	validationTagBench    = 0x82
	validationTagExitCode = 0x83

	validationLinuxBootDone = 0
	validationLinuxTerminate = 1
	validationBenchStart     = 0
	validationBenchEnd       = 1
)

// handleValidationConsole implements CSR 0x8D1 (§4.9 of the named event
// encoding): an 8-bit value is a console byte; otherwise the high byte
// is a command tag and the low 56 bits are the payload.
func (cpu *CPU) handleValidationConsole(val uint64) {
	if val <= 0xff {
		if cpu.ConsoleOut != nil {
			cpu.ConsoleOut.Write([]byte{byte(val)})
		}
		return
	}

	tag := byte(val >> 56)
	payload := val & 0x00ffffffffffffff

	name := ""
	switch tag {
	case validationTagLinux:
		switch payload {
		case validationLinuxBootDone:
			name = "linux-boot"
		case validationLinuxTerminate:
			name = "linux-terminate"
		}
	case validationTagBench:
		switch payload {
		case validationBenchStart:
			name = "bench-start"
		case validationBenchEnd:
			name = "bench-end"
		}
	case validationTagExitCode:
		name = "exit-code"
		cpu.Mtval = payload // stash the exit code where a driver can read it
	}

	if name != "" && name == cpu.TerminatingEvent {
		cpu.TerminateSimulation = true
		if cpu.DebugLog != nil {
			fmt.Fprintf(cpu.DebugLog, "validation terminate %q after %d instructions\n", name, cpu.CommittedInsns)
		}
	}
}

// Sstatus mask - bits visible in sstatus
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusFS |
	MstatusSUM | MstatusMXR | MstatusSD

// readSstatus reads the sstatus view of mstatus
func (cpu *CPU) readSstatus() uint64 {
	return cpu.Mstatus & sstatusMask
}

// writeSstatus writes the sstatus view of mstatus
func (cpu *CPU) writeSstatus(val uint64) {
	cpu.Mstatus = (cpu.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

// writeMstatus writes mstatus with proper masking
func (cpu *CPU) writeMstatus(val uint64) {
	// Writable bits in mstatus
	const mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
		MstatusSPP | MstatusMPP | MstatusFS | MstatusMPRV | MstatusSUM |
		MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

	cpu.Mstatus = (cpu.Mstatus &^ mstatusMask) | (val & mstatusMask)

	// UXL and SXL are fixed at 2 (64-bit).
	cpu.Mstatus |= (2 << 32) | (2 << 34)

	// Update SD bit based on FS
	if (cpu.Mstatus & MstatusFS) == MstatusFS {
		cpu.Mstatus |= MstatusSD
	} else {
		cpu.Mstatus &^= MstatusSD
	}
}

// CheckInterrupt checks if there's a pending interrupt that should be taken
func (cpu *CPU) CheckInterrupt() (bool, uint64) {
	// Get pending and enabled interrupts
	pending := cpu.Mip & cpu.Mie

	if pending == 0 {
		return false, 0
	}

	// Check if interrupts are globally enabled
	if cpu.Priv == PrivMachine {
		if (cpu.Mstatus & MstatusMIE) == 0 {
			return false, 0
		}
	} else if cpu.Priv == PrivSupervisor {
		if (cpu.Mstatus & MstatusSIE) == 0 {
			// Still check for M-mode interrupts
			mInt := pending &^ cpu.Mideleg
			if mInt == 0 {
				return false, 0
			}
			pending = mInt
		}
	}
	// U-mode always has interrupts enabled

	// Find highest priority interrupt
	// Machine interrupts have higher priority than supervisor
	// External > Software > Timer

	// Machine external interrupt
	if pending&MipMEIP != 0 && (cpu.Priv < PrivMachine || (cpu.Mstatus&MstatusMIE != 0)) {
		return true, CauseMExternalInt
	}
	// Machine software interrupt
	if pending&MipMSIP != 0 && (cpu.Priv < PrivMachine || (cpu.Mstatus&MstatusMIE != 0)) {
		return true, CauseMSoftwareInt
	}
	// Machine timer interrupt
	if pending&MipMTIP != 0 && (cpu.Priv < PrivMachine || (cpu.Mstatus&MstatusMIE != 0)) {
		return true, CauseMTimerInt
	}
	// Supervisor external interrupt
	if pending&MipSEIP != 0 {
		if cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && (cpu.Mstatus&MstatusSIE != 0)) {
			return true, CauseSExternalInt
		}
	}
	// Supervisor software interrupt
	if pending&MipSSIP != 0 {
		if cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && (cpu.Mstatus&MstatusSIE != 0)) {
			return true, CauseSSoftwareInt
		}
	}
	// Supervisor timer interrupt
	if pending&MipSTIP != 0 {
		if cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && (cpu.Mstatus&MstatusSIE != 0)) {
			return true, CauseSTimerInt
		}
	}

	return false, 0
}

// HandleTrap handles a trap (exception or interrupt)
func (cpu *CPU) HandleTrap(cause uint64, tval uint64) {
	isInterrupt := (cause >> 63) != 0
	exceptionCode := cause & 0x7fffffffffffffff

	// Any trap between LR and SC invalidates the reservation, per the
	// architecture's "no exception or interrupt reports between the LR
	// and SC" constraint — the guest is expected to retry the sequence.
	cpu.ReservationValid = false

	// Determine if trap should be delegated to S-mode
	delegateToS := false
	if cpu.Priv <= PrivSupervisor {
		if isInterrupt {
			if (cpu.Mideleg & (1 << exceptionCode)) != 0 {
				delegateToS = true
			}
		} else {
			if (cpu.Medeleg & (1 << exceptionCode)) != 0 {
				delegateToS = true
			}
		}
	}

	if delegateToS {
		// Trap to S-mode
		cpu.Sepc = cpu.PC
		cpu.Scause = cause
		cpu.Stval = tval

		// Save current SIE to SPIE
		if cpu.Mstatus&MstatusSIE != 0 {
			cpu.Mstatus |= MstatusSPIE
		} else {
			cpu.Mstatus &^= MstatusSPIE
		}

		// Clear SIE
		cpu.Mstatus &^= MstatusSIE

		// Save current privilege to SPP
		if cpu.Priv == PrivSupervisor {
			cpu.Mstatus |= MstatusSPP
		} else {
			cpu.Mstatus &^= MstatusSPP
		}

		// Set privilege to Supervisor
		cpu.Priv = PrivSupervisor

		// Jump to stvec
		if (cpu.Stvec & 1) == 1 && isInterrupt {
			// Vectored mode for interrupts
			cpu.PC = (cpu.Stvec &^ 1) + 4*exceptionCode
		} else {
			cpu.PC = cpu.Stvec &^ 3
		}
	} else {
		// Trap to M-mode
		cpu.Mepc = cpu.PC
		cpu.Mcause = cause
		cpu.Mtval = tval

		// Save current MIE to MPIE
		if cpu.Mstatus&MstatusMIE != 0 {
			cpu.Mstatus |= MstatusMPIE
		} else {
			cpu.Mstatus &^= MstatusMPIE
		}

		// Clear MIE
		cpu.Mstatus &^= MstatusMIE

		// Save current privilege to MPP
		cpu.Mstatus &^= MstatusMPP
		cpu.Mstatus |= uint64(cpu.Priv) << MstatusMPPShift

		// Set privilege to Machine
		cpu.Priv = PrivMachine

		// Jump to mtvec
		if (cpu.Mtvec & 1) == 1 && isInterrupt {
			// Vectored mode for interrupts
			cpu.PC = (cpu.Mtvec &^ 1) + 4*exceptionCode
		} else {
			cpu.PC = cpu.Mtvec &^ 3
		}
	}
}
