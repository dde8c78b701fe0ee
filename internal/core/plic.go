package core

import "sync"

// PLIC register offsets. This is a deliberately simplified platform
// interrupt controller: 31 interrupt lines, no priority, no threshold,
// no per-context enable masks — just "is it pending" and "is it being
// serviced", which is all the validation workloads and guest drivers
// this core targets need.
const (
	PLICPendingReg = 0x0000   // bit i = source i pending
	PLICClaimReg   = 0x200000 // per-hart context-0 claim/complete, real PLIC layout
)

// PLICMaxSources is the number of source IDs, 0 through 31. Source 0 is
// reserved (as in the real PLIC spec), leaving 31 usable lines, 1..31.
const PLICMaxSources = 32

// PLIC implements a simplified Platform Level Interrupt Controller.
type PLIC struct {
	cpu *CPU
	mu  sync.Mutex

	pending uint32 // bit i set => source i has an unclaimed interrupt
	served  uint32 // bit i set => source i has been claimed, not yet completed
}

// NewPLIC creates a new PLIC
func NewPLIC(cpu *CPU) *PLIC {
	return &PLIC{cpu: cpu}
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case PLICPendingReg:
		return uint64(p.pending), nil
	case PLICClaimReg:
		return uint64(p.claimLocked()), nil
	}
	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case PLICClaimReg:
		p.completeLocked(uint32(value))
	}
	return nil
}

// SetPending sets or clears an interrupt source's pending bit.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pending {
		p.pending |= 1 << source
	} else {
		p.pending &^= 1 << source
	}
	p.updateInterruptLocked()
}

// claimLocked returns the lowest-numbered source that is pending and
// not already being serviced, marking it served.
func (p *PLIC) claimLocked() uint32 {
	unserved := p.pending &^ p.served
	if unserved == 0 {
		p.updateInterruptLocked()
		return 0
	}

	for source := uint32(1); source < PLICMaxSources; source++ {
		if unserved&(1<<source) != 0 {
			p.served |= 1 << source
			p.updateInterruptLocked()
			return source
		}
	}
	return 0
}

// completeLocked clears a source's served bit and its pending bit,
// signaling the interrupt handler is done with it.
func (p *PLIC) completeLocked(source uint32) {
	if source == 0 || source >= PLICMaxSources {
		return
	}
	p.served &^= 1 << source
	p.pending &^= 1 << source
	p.updateInterruptLocked()
}

// updateInterruptLocked asserts MEIP/SEIP together whenever any source
// is pending and not yet served — this PLIC has no notion of separate
// machine/supervisor contexts, so both external-interrupt pending bits
// track the same condition.
func (p *PLIC) updateInterruptLocked() {
	if p.pending&^p.served != 0 {
		p.cpu.Mip |= MipMEIP | MipSEIP
	} else {
		p.cpu.Mip &^= (MipMEIP | MipSEIP)
	}
}

var _ Device = (*PLIC)(nil)
