package cpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
)

func TestMemSim(t *testing.T) {
	m := &MemSim{}
	m.Map(0x1000, 0x1000, PROT_ALL, true)

	b := []byte("some test pattern")
	c := make([]byte, len(b))
	if err := m.Write(0x1000, b, 0); err != nil {
		t.Fatal(err, "write failed")
	}
	if err := m.Read(0x1000, c, 0); err != nil {
		t.Fatal(err, "read failed")
	}
	if !bytes.Equal(b, c) {
		t.Fatal("read/write mismatch")
	}

	// spanning two adjacent mappings
	m.Map(0x2000, 0x1000, PROT_ALL, true)
	if err := m.Write(0x1ff0, b, 0); err != nil {
		t.Fatal(err, "spanning write failed")
	}
	if err := m.Read(0x1ff0, c, 0); err != nil {
		t.Fatal(err, "spanning read failed")
	}
	if !bytes.Equal(b, c) {
		t.Fatal("spanning read/write mismatch")
	}

	if err := m.Read(0x4000, c, 0); err == nil {
		t.Fatal("unmapped read did not fail")
	}

	m.Prot(0x1000, 0x1000, PROT_READ)
	if err := m.Write(0x1000, b, PROT_WRITE); err == nil {
		t.Fatal("protected write did not fail")
	}
	if err := m.Read(0x1000, c, PROT_READ); err != nil {
		t.Fatal(err, "read-only read failed")
	}
}

func TestMemMapBounds(t *testing.T) {
	m := NewMem(16, binary.LittleEndian)
	if err := m.MemMapProt(0x20000, 0x10, PROT_ALL); err == nil {
		t.Fatal("region above a 16-bit space mapped")
	}
	if err := m.MemMapProt(0xff00, 0x1000, PROT_ALL); err == nil {
		t.Fatal("region straddling the top of memory mapped")
	}
	if err := m.MemMapProt(^uint64(0), 2, PROT_ALL); err == nil {
		t.Fatal("wrapping region mapped")
	}
	if err := m.MemMapProt(0xf000, 0x1000, PROT_ALL); err != nil {
		t.Fatal(err, "mapping flush against the top of memory failed")
	}
	if mapped, _ := m.sim.RangeValid(0x20000, 0x10, 0); mapped {
		t.Fatal("refused region left mapped")
	}
}

func TestMemTracer(t *testing.T) {
	m := NewMem(16, binary.LittleEndian)
	if err := m.MemMapProt(0x1000, 0x1000, PROT_ALL); err != nil {
		t.Fatal(err)
	}
	var results []string
	m.SetTracer(func(ev MemEvent) {
		dir := "r"
		if ev.Write {
			dir = "w"
		}
		results = append(results, fmt.Sprintf("%s(%#x, %d)", dir, ev.Addr, ev.SizeLog))
	})
	if err := m.WriteUint(0x1000, 2, PROT_WRITE, 0xbeef); err != nil {
		t.Fatal(err)
	}
	if val, err := m.ReadUint(0x1000, 2, PROT_READ); err != nil {
		t.Fatal(err)
	} else if val != 0xbeef {
		t.Fatalf("ReadUint() returned %#x, expecting 0xbeef", val)
	}
	compare := []string{"w(0x1000, 1)", "r(0x1000, 1)"}
	if len(results) != len(compare) {
		t.Fatalf("trace length mismatch: %v != %v", results, compare)
	}
	for i, v := range compare {
		if results[i] != v {
			t.Fatalf("trace mismatch: %s != %s", results[i], v)
		}
	}

	// fetches are not data accesses
	results = nil
	if _, err := m.Fetch(0x1000, 2); err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatal("Fetch() fired the tracer")
	}
}

func TestMemMMIO(t *testing.T) {
	m := NewMem(16, binary.LittleEndian)
	if err := m.MemMapProt(0x1000, 0x1000, PROT_ALL); err != nil {
		t.Fatal(err)
	}
	bus := &MMIOBus{}
	var stored uint64
	bus.Map(0xf000, 0x100, "uart",
		func(addr uint64, size int) uint64 { return stored },
		func(addr uint64, size int, val uint64) { stored = val })
	m.SetBus(bus)

	if err := m.WriteUint(0xf000, 1, PROT_WRITE, 'A'); err != nil {
		t.Fatal(err)
	}
	if stored != 'A' {
		t.Fatal("MMIO write did not reach the device")
	}
	if val, err := m.ReadUint(0xf000, 1, PROT_READ); err != nil {
		t.Fatal(err)
	} else if val != 'A' {
		t.Fatalf("MMIO read returned %#x", val)
	}

	if phys, io, dev, ok := m.Translate(0xf010); !ok || !io || dev != "uart" || phys != 0xf010 {
		t.Fatalf("Translate(mmio) = %#x %v %q %v", phys, io, dev, ok)
	}
	if phys, io, dev, ok := m.Translate(0x1234); !ok || io || dev != "ram" || phys != 0x1234 {
		t.Fatalf("Translate(ram) = %#x %v %q %v", phys, io, dev, ok)
	}
	if _, _, _, ok := m.Translate(0x8000); ok {
		t.Fatal("Translate() of unmapped address succeeded")
	}
}

func TestBlockSeal(t *testing.T) {
	b := &Block{Va: 0x8000, Ins: []Ins{
		{Va: 0x8000, Bytes: []byte{0x02}},
		{Va: 0x8001, Bytes: []byte{0x01, 0x03, 0x01}, Mem: true},
		{Va: 0x8004, Bytes: []byte{0x1c}, CF: true},
	}}
	b.Seal()
	if b.Flags&BlockMemOps == 0 {
		t.Fatal("Seal() did not set BlockMemOps")
	}
	if b.Hash == 0 {
		t.Fatal("Seal() left a zero hash")
	}
	if b.Size() != 5 {
		t.Fatalf("Size() = %d, expecting 5", b.Size())
	}
}
