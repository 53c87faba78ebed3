package cpu

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MemEvent describes one guest data access, in the shape the plugin
// runtime wants to repack. Fetches do not produce events.
type MemEvent struct {
	Addr    uint64
	SizeLog uint
	Write   bool
	Sext    bool
	Big     bool
}

type mmioWindow struct {
	addr uint64
	size uint64
	name string
	read func(addr uint64, size int) uint64
	wr   func(addr uint64, size int, val uint64)
}

func (w *mmioWindow) contains(addr uint64) bool {
	return addr >= w.addr && addr < w.addr+w.size
}

// MMIOBus routes device-model accesses. It is shared between every vCPU's
// memory view on a system-mode machine.
type MMIOBus struct {
	windows []*mmioWindow
}

// Map attaches a device window. Handlers may be nil, in which case reads
// return 0 and writes are dropped.
func (b *MMIOBus) Map(addr, size uint64, name string,
	read func(addr uint64, size int) uint64,
	write func(addr uint64, size int, val uint64)) {
	b.windows = append(b.windows, &mmioWindow{addr: addr, size: size, name: name, read: read, wr: write})
}

func (b *MMIOBus) find(addr uint64) *mmioWindow {
	if b == nil {
		return nil
	}
	for _, w := range b.windows {
		if w.contains(addr) {
			return w
		}
	}
	return nil
}

// Mem is one vCPU's view of guest memory: a shared MemSim plus a shared
// MMIO bus, and a per-view access tracer the execution engine points at the
// current instruction's instrumentation.
type Mem struct {
	bits uint
	// methods return an error for addresses that do not fit inside mask
	mask uint64
	sim  *MemSim
	bus  *MMIOBus

	order  binary.ByteOrder
	tracer func(ev MemEvent)
}

func NewMem(bits uint, order binary.ByteOrder) *Mem {
	return &Mem{
		bits:  bits,
		mask:  ^uint64(0) >> (64 - bits),
		sim:   &MemSim{},
		order: order,
	}
}

// View returns a new Mem sharing the backing simulation and bus, with its
// own tracer slot. Each vCPU runs on its own view.
func (m *Mem) View() *Mem {
	return &Mem{bits: m.bits, mask: m.mask, sim: m.sim, bus: m.bus, order: m.order}
}

func (m *Mem) SetBus(bus *MMIOBus)            { m.bus = bus }
func (m *Mem) SetTracer(fn func(ev MemEvent)) { m.tracer = fn }
func (m *Mem) ByteOrder() binary.ByteOrder    { return m.order }

// Translate resolves a virtual address the way the machine's MMU would:
// MMIO windows classify as IO with the owning device's name, anything
// mapped in the simulation is RAM. The toy MMU is identity-mapped.
func (m *Mem) Translate(vaddr uint64) (phys uint64, io bool, dev string, ok bool) {
	if w := m.bus.find(vaddr); w != nil {
		return vaddr, true, w.name, true
	}
	if mapped, _ := m.sim.RangeValid(vaddr, 1, 0); mapped {
		return vaddr, false, "ram", true
	}
	return 0, false, "", false
}

func (m *Mem) MemMapProt(addr, size uint64, prot int) error {
	last := addr + size - 1
	if size == 0 || last < addr || last&m.mask != last {
		return errors.New("region outside memory range")
	}
	m.sim.Map(addr, size, prot, false)
	return nil
}

func (m *Mem) MemProt(addr, size uint64, prot int) error {
	if mapped, _ := m.sim.RangeValid(addr, size, 0); !mapped {
		return errors.New("range not mapped")
	}
	m.sim.Prot(addr, size, prot)
	return nil
}

func (m *Mem) MemUnmap(addr, size uint64) error {
	if mapped, _ := m.sim.RangeValid(addr, size, 0); !mapped {
		return errors.New("range not mapped")
	}
	m.sim.Unmap(addr, size)
	return nil
}

// untraced IO, used by the loader and by plugin physical-memory reads
func (m *Mem) MemReadInto(p []byte, addr uint64) error {
	return m.sim.Read(addr, p, 0)
}

func (m *Mem) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := m.MemReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Mem) MemWrite(addr uint64, p []byte) error {
	return m.sim.Write(addr, p, 0)
}

// Fetch reads guest code for the translator. Fetches check PROT_EXEC and
// never fire the tracer.
func (m *Mem) Fetch(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := m.sim.Read(addr, p, PROT_EXEC); err != nil {
		return nil, err
	}
	return p, nil
}

func sizeLog(size int) uint {
	switch size {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}

// ReadUint performs one guest load, routing MMIO windows to the device
// model and firing the access tracer.
func (m *Mem) ReadUint(addr uint64, size, prot int) (uint64, error) {
	if size > 8 {
		return 0, errors.Errorf("ReadUint size too large: %d > 8", size)
	}
	if w := m.bus.find(addr); w != nil {
		var val uint64
		if w.read != nil {
			val = w.read(addr, size)
		}
		m.trace(MemEvent{Addr: addr, SizeLog: sizeLog(size), Write: false})
		return val, nil
	}
	p := make([]byte, size)
	if err := m.sim.Read(addr, p, prot); err != nil {
		return 0, err
	}
	m.trace(MemEvent{Addr: addr, SizeLog: sizeLog(size), Write: false})
	return UnpackUint(m.order, size, p)
}

// WriteUint performs one guest store; see ReadUint.
func (m *Mem) WriteUint(addr uint64, size, prot int, val uint64) error {
	if size > 8 {
		return errors.Errorf("WriteUint size too large: %d > 8", size)
	}
	if w := m.bus.find(addr); w != nil {
		if w.wr != nil {
			w.wr(addr, size, val)
		}
		m.trace(MemEvent{Addr: addr, SizeLog: sizeLog(size), Write: true})
		return nil
	}
	var buf [8]byte
	if _, err := PackUint(m.order, size, buf[:], val); err != nil {
		return err
	}
	if err := m.sim.Write(addr, buf[:size], prot); err != nil {
		return err
	}
	m.trace(MemEvent{Addr: addr, SizeLog: sizeLog(size), Write: true})
	return nil
}

func (m *Mem) trace(ev MemEvent) {
	if m.tracer != nil {
		m.tracer(ev)
	}
}
