package core

import (
	"io"
)

// Device represents a memory-mapped device. A device that cannot service
// every access width implements WidthLimited; a bus access wider than
// its MaxWidth is split into two narrower
// accesses (low half first), matching how real MMIO peripherals that
// only expose 32-bit registers are wired up behind a 64-bit core.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// WidthLimited is implemented by devices that cannot service every
// access width up to 8 bytes; Bus consults it to decide whether to
// split a wide access into two narrower ones.
type WidthLimited interface {
	MaxWidth() int
}

// MemoryRegion is a contiguous range of guest RAM with page-granular
// dirty tracking. The MMU does not consult the dirty bits.
type MemoryRegion struct {
	Data  []byte
	dirty []bool
}

const dirtyPageShift = 12
const dirtyPageSize = 1 << dirtyPageShift

// NewMemoryRegion creates a new memory region of the given size
func NewMemoryRegion(size uint64) *MemoryRegion {
	pages := (size + dirtyPageSize - 1) / dirtyPageSize
	return &MemoryRegion{
		Data:  make([]byte, size),
		dirty: make([]bool, pages),
	}
}

// NewMemoryRegionFromBytes wraps an externally-allocated backing slice
// (e.g. an mmap'd file) as a memory region instead of allocating one
// on the Go heap. The caller owns the slice's lifetime.
func NewMemoryRegionFromBytes(data []byte) *MemoryRegion {
	pages := (uint64(len(data)) + dirtyPageSize - 1) / dirtyPageSize
	return &MemoryRegion{
		Data:  data,
		dirty: make([]bool, pages),
	}
}

func (m *MemoryRegion) markDirty(offset uint64, size int) {
	first := offset >> dirtyPageShift
	last := (offset + uint64(size) - 1) >> dirtyPageShift
	for p := first; p <= last && int(p) < len(m.dirty); p++ {
		m.dirty[p] = true
	}
}

// Dirty reports whether the page containing offset has been written
// since the last ClearDirty.
func (m *MemoryRegion) Dirty(offset uint64) bool {
	p := offset >> dirtyPageShift
	if int(p) >= len(m.dirty) {
		return false
	}
	return m.dirty[p]
}

// ClearDirty resets every page's dirty bit, used after a snapshot.
func (m *MemoryRegion) ClearDirty() {
	for i := range m.dirty {
		m.dirty[i] = false
	}
}

// Read implements Device
func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, nil
	}

	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(cpuEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return cpuEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, nil
	}
}

// Write implements Device
func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return nil
	}

	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		cpuEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		cpuEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		cpuEndian.PutUint64(m.Data[offset:], value)
	}
	m.markDirty(offset, size)
	return nil
}

// Size implements Device
func (m *MemoryRegion) Size() uint64 {
	return uint64(len(m.Data))
}

// ReadAt implements io.ReaderAt for loading data
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	n := copy(p, m.Data[off:])
	return n, nil
}

// WriteAt implements io.WriterAt for loading data
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.Data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.Data[off:], p)
	m.markDirty(uint64(off), n)
	return n, nil
}

// Slice returns a slice of the memory region
func (m *MemoryRegion) Slice(offset, length uint64) []byte {
	if offset+length > uint64(len(m.Data)) {
		return nil
	}
	return m.Data[offset : offset+length]
}

// DeviceMapping maps a device to an address range
type DeviceMapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// BusInterface defines the interface for memory bus operations
type BusInterface interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, value uint8) error
	Write16(addr uint64, value uint16) error
	Write32(addr uint64, value uint32) error
	Write64(addr uint64, value uint64) error
}

// Bus is the physical memory map: it dispatches loads/stores between
// main RAM and memory-mapped devices (CLINT, PLIC, HTIF, and whatever
// else is registered).
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64
	Devices []DeviceMapping

	// OnWriteRange, if set, is invoked after every successful write so
	// the MMU can invalidate any write-TLB entries whose addend now
	// points at stale host memory (flush_tlb_write_range).
	OnWriteRange func(addr uint64, size int)
}

// FlushTLBWriteRange notifies the registered write-TLB invalidation
// hook, if any, that [addr, addr+size) was just written.
func (bus *Bus) FlushTLBWriteRange(addr uint64, size int) {
	if bus.OnWriteRange != nil {
		bus.OnWriteRange(addr, size)
	}
}

// NewBus creates a new bus with the given RAM size
func NewBus(ramSize uint64) *Bus {
	return &Bus{
		RAM:     NewMemoryRegion(ramSize),
		RAMBase: RAMBase,
	}
}

// NewBusWithRAM creates a new bus backed by an already-allocated RAM
// region, used when the caller wants RAM backed by an mmap'd file
// rather than the Go heap.
func NewBusWithRAM(ram *MemoryRegion) *Bus {
	return &Bus{
		RAM:     ram,
		RAMBase: RAMBase,
	}
}

// AddDevice adds a device mapping to the bus
func (bus *Bus) AddDevice(base uint64, dev Device) {
	bus.Devices = append(bus.Devices, DeviceMapping{
		Base:   base,
		Size:   dev.Size(),
		Device: dev,
	})
}

// findDevice finds a device at the given address. A miss is not an
// error: unmapped physical addresses silently read as zero and drop
// writes, matching how firmware probes for optional peripherals.
func (bus *Bus) findDevice(addr uint64) (Device, uint64, bool) {
	if addr >= bus.RAMBase && addr < bus.RAMBase+bus.RAM.Size() {
		return bus.RAM, addr - bus.RAMBase, true
	}

	for _, mapping := range bus.Devices {
		if addr >= mapping.Base && addr < mapping.Base+mapping.Size {
			return mapping.Device, addr - mapping.Base, true
		}
	}

	return nil, 0, false
}

// splitWidth returns the device's max servicable width for the given
// requested size, or 0 if the device can service it directly.
func splitWidth(dev Device, size int) int {
	wl, ok := dev.(WidthLimited)
	if !ok {
		return 0
	}
	max := wl.MaxWidth()
	if size <= max {
		return 0
	}
	return max
}

// Read reads from the bus
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, ok := bus.findDevice(addr)
	if !ok {
		return 0, nil
	}
	if w := splitWidth(dev, size); w != 0 {
		lo, err := dev.Read(offset, w)
		if err != nil {
			return 0, err
		}
		hi, err := dev.Read(offset+uint64(w), w)
		if err != nil {
			return 0, err
		}
		return lo | (hi << (8 * w)), nil
	}
	return dev.Read(offset, size)
}

// Write writes to the bus
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, ok := bus.findDevice(addr)
	if !ok {
		return nil
	}
	if w := splitWidth(dev, size); w != 0 {
		mask := uint64(1)<<(8*w) - 1
		if err := dev.Write(offset, w, value&mask); err != nil {
			return err
		}
		if err := dev.Write(offset+uint64(w), w, value>>(8*w)); err != nil {
			return err
		}
		bus.FlushTLBWriteRange(addr, size)
		return nil
	}
	if err := dev.Write(offset, size, value); err != nil {
		return err
	}
	bus.FlushTLBWriteRange(addr, size)
	return nil
}

// Read8 reads a byte from the bus
func (bus *Bus) Read8(addr uint64) (uint8, error) {
	val, err := bus.Read(addr, 1)
	return uint8(val), err
}

// Read16 reads a halfword from the bus
func (bus *Bus) Read16(addr uint64) (uint16, error) {
	val, err := bus.Read(addr, 2)
	return uint16(val), err
}

// Read32 reads a word from the bus
func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

// Read64 reads a doubleword from the bus
func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

// Write8 writes a byte to the bus
func (bus *Bus) Write8(addr uint64, value uint8) error {
	return bus.Write(addr, 1, uint64(value))
}

// Write16 writes a halfword to the bus
func (bus *Bus) Write16(addr uint64, value uint16) error {
	return bus.Write(addr, 2, uint64(value))
}

// Write32 writes a word to the bus
func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

// Write64 writes a doubleword to the bus
func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// LoadBytes loads bytes into the bus at the given address
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if addr >= bus.RAMBase && addr+uint64(len(data)) <= bus.RAMBase+bus.RAM.Size() {
		copy(bus.RAM.Data[addr-bus.RAMBase:], data)
		bus.RAM.markDirty(addr-bus.RAMBase, len(data))
		if bus.OnWriteRange != nil {
			bus.OnWriteRange(addr, len(data))
		}
		return nil
	}

	for i, b := range data {
		if err := bus.Write8(addr+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

// Fetch fetches an instruction (up to 4 bytes) from memory
func (bus *Bus) Fetch(addr uint64) (uint32, error) {
	lo, err := bus.Read16(addr)
	if err != nil {
		return 0, err
	}

	if lo&0x3 != 0x3 {
		return uint32(lo), nil
	}

	hi, err := bus.Read16(addr + 2)
	if err != nil {
		return 0, err
	}

	return uint32(lo) | (uint32(hi) << 16), nil
}
