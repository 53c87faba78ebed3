package plugin

import (
	"encoding/binary"
	"fmt"

	"github.com/quokkavm/quokka/cpu"
)

// testGuest is a hand-cranked Guest for the dispatch tests. Register state
// and address translation are plain maps; the flush request is a hook so
// teardown tests can decide when the cache drop is acknowledged.
type testGuest struct {
	system bool
	mttcg  bool
	ncpus  int
	regs   []cpu.RegDef
	vals   map[int]uint64

	translate func(vaddr uint64) (uint64, bool, string, bool)
	flush     func()
}

func newTestGuest() *testGuest {
	return &testGuest{
		ncpus: 1,
		regs: []cpu.RegDef{
			{Enum: 0, Name: "r0", Size: 2},
			{Enum: 1, Name: "r1", Size: 2},
			{Enum: 10, Name: "r10", Size: 2},
			{Enum: 2, Name: "r2", Size: 2},
			{Enum: 8, Name: "pc", Size: 2},
		},
		vals: make(map[int]uint64),
	}
}

func (g *testGuest) TargetName() string    { return "ndh" }
func (g *testGuest) SystemEmulation() bool { return g.system }
func (g *testGuest) MTTCG() bool           { return g.mttcg }
func (g *testGuest) NVCPUs() int           { return g.ncpus }
func (g *testGuest) MaxVCPUs() int         { return 4 }

func (g *testGuest) RegDefs() []cpu.RegDef { return g.regs }

func (g *testGuest) RegRead(vcpu, enum int) ([]byte, error) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(g.vals[enum]))
	return buf[:], nil
}

func (g *testGuest) ReadPhysMem(vcpu int, addr uint64, buf []byte) error {
	for i := range buf {
		buf[i] = byte(addr) + byte(i)
	}
	return nil
}

func (g *testGuest) TranslateAddr(vaddr uint64) (uint64, bool, string, bool) {
	if g.translate != nil {
		return g.translate(vaddr)
	}
	return vaddr, false, "ram", true
}

func (g *testGuest) Disas(code []byte, vaddr uint64, syntax Syntax) (string, error) {
	return fmt.Sprintf("insn@%#x/%d", vaddr, syntax), nil
}

func (g *testGuest) Symbol(vaddr uint64) string { return "" }

func (g *testGuest) StartCode() uint64    { return 0x8000 }
func (g *testGuest) EndCode() uint64      { return 0x9000 }
func (g *testGuest) EntryCode() uint64    { return 0x8000 }
func (g *testGuest) PathToBinary() string { return "/tmp/a.ndh" }

func (g *testGuest) RequestFlush() {
	if g.flush != nil {
		g.flush()
	}
}

// testBlock builds a sealed three-instruction block: plain, memory access,
// control flow.
func testBlock() *cpu.Block {
	b := &cpu.Block{Va: 0x8000, Ins: []cpu.Ins{
		{Va: 0x8000, Pa: 0x8000, Bytes: []byte{0x02, 0x00}},
		{Va: 0x8002, Pa: 0x8002, Bytes: []byte{0x0c, 0x01}, Mem: true},
		{Va: 0x8004, Pa: 0x8004, Bytes: []byte{0x1f, 0xfc, 0xff}, CF: true},
	}}
	b.Seal()
	return b
}
