package emu

import (
	"context"
	"io"
	"io/ioutil"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/quokkavm/quokka/cpu"
	"github.com/quokkavm/quokka/cpu/ndh"
	"github.com/quokkavm/quokka/plugin"
)

// Config tunes a Machine. The zero value is a single-vCPU user-mode
// machine that discards guest output.
type Config struct {
	// System selects full-system emulation: vCPU counts are reported to
	// plugins, MMIO devices can be mapped, and user-mode loader facts
	// (code bounds, binary path) are hidden.
	System bool
	// NCPUs caps the machine's vCPUs. Zero means one.
	NCPUs int
	MTTCG bool

	// Output receives guest writes to stdout/stderr.
	Output io.Writer
	// Log receives host diagnostics and plugin output.
	Log         io.Writer
	LogFilename string
	Debug       bool
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.NCPUs <= 0 {
		out.NCPUs = 1
	}
	if out.Output == nil {
		out.Output = ioutil.Discard
	}
	if out.Log == nil {
		out.Log = ioutil.Discard
	}
	return &out
}

// Machine glues the pieces together: guest memory, vCPUs, the translation
// cache, the MMIO bus, and the plugin host. It implements plugin.Guest.
type Machine struct {
	cfg   *Config
	mem   *cpu.Mem
	bus   *cpu.MMIOBus
	host  *plugin.Host
	cache *Cache
	trans *ndh.Translator

	img  *Image
	syms map[uint64]string

	// execMu serializes block execution across vCPUs, in the style of a
	// round-robin TCG.
	execMu sync.Mutex

	vmu   sync.Mutex
	vcpus []*VCPU

	running  int32 // atomic: vCPUs currently inside Run
	flushReq int32 // atomic: a cache flush was requested
	exited   int32 // atomic
	exitCode int32 // atomic
}

var _ plugin.Guest = (*Machine)(nil)

func NewMachine(cfg *Config) *Machine {
	if cfg == nil {
		cfg = &Config{}
	}
	m := &Machine{
		cfg:   cfg.withDefaults(),
		mem:   ndh.NewMem(),
		cache: NewCache(),
		syms:  make(map[uint64]string),
	}
	if m.cfg.System {
		m.bus = &cpu.MMIOBus{}
		m.mem.SetBus(m.bus)
	}
	m.trans = &ndh.Translator{Mem: m.mem}
	m.host = plugin.New(m, &plugin.Config{
		Output:      m.cfg.Log,
		LogFilename: m.cfg.LogFilename,
		Debug:       m.cfg.Debug,
	})
	return m
}

// Host returns the machine's plugin host runtime.
func (m *Machine) Host() *plugin.Host { return m.host }

// Mem returns the machine's root memory view.
func (m *Machine) Mem() *cpu.Mem { return m.mem }

// Load maps the stack and text segments and installs the image.
func (m *Machine) Load(img *Image) error {
	if err := m.mem.MemMapProt(StackBase, StackSize, cpu.PROT_READ|cpu.PROT_WRITE); err != nil {
		return errors.Wrap(err, "mapping stack")
	}
	// slack past the end so the final instruction decodes from a full
	// fetch window
	size := uint64(len(img.Text)) + 4
	if err := m.mem.MemMapProt(LoadAddr, size, cpu.PROT_READ|cpu.PROT_EXEC); err != nil {
		return errors.Wrap(err, "mapping text")
	}
	if err := m.mem.MemWrite(LoadAddr, img.Text); err != nil {
		return errors.Wrap(err, "writing text")
	}
	m.img = img
	m.syms[img.Entry()] = "_start"
	return nil
}

// MapMMIO attaches a device window to the machine's bus. System mode only.
func (m *Machine) MapMMIO(addr, size uint64, name string,
	read func(addr uint64, size int) uint64,
	write func(addr uint64, size int, val uint64)) error {
	if m.bus == nil {
		return errors.New("MMIO requires system emulation")
	}
	m.bus.Map(addr, size, name, read, write)
	return nil
}

// AddSymbol records a symbol for plugin introspection.
func (m *Machine) AddSymbol(addr uint64, name string) {
	m.syms[addr] = name
}

// AddVCPU brings up a new vCPU. Each gets its own memory view and a stack
// carved below the previous one.
func (m *Machine) AddVCPU() (*VCPU, error) {
	m.vmu.Lock()
	idx := len(m.vcpus)
	if idx >= m.cfg.NCPUs {
		m.vmu.Unlock()
		return nil, errors.Errorf("vCPU limit %d reached", m.cfg.NCPUs)
	}
	view := m.mem.View()
	c := ndh.New(view)
	v := &VCPU{Index: idx, m: m, cpu: c, mem: view}
	c.Syscall = func() { m.doSyscall(v) }
	sp := uint64(StackSize - idx*0x1000)
	c.RegWrite(ndh.SP, sp)
	c.RegWrite(ndh.BP, sp)
	if m.img != nil {
		c.RegWrite(ndh.PC, m.img.Entry())
	}
	m.vcpus = append(m.vcpus, v)
	m.vmu.Unlock()
	m.host.VCPUInit(idx)
	return v, nil
}

func (m *Machine) vcpuByIndex(idx int) *VCPU {
	m.vmu.Lock()
	defer m.vmu.Unlock()
	if idx < 0 || idx >= len(m.vcpus) {
		return nil
	}
	return m.vcpus[idx]
}

// Run executes every vCPU to completion and fires end-of-execution
// callbacks.
func (m *Machine) Run(ctx context.Context) error {
	m.vmu.Lock()
	cpus := append([]*VCPU(nil), m.vcpus...)
	m.vmu.Unlock()
	if len(cpus) == 0 {
		return errors.New("no vCPUs")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, v := range cpus {
		v := v
		g.Go(func() error { return v.run(ctx) })
	}
	err := g.Wait()
	m.host.AtExit()
	return err
}

// Exited reports whether the guest requested shutdown.
func (m *Machine) Exited() bool {
	return atomic.LoadInt32(&m.exited) != 0
}

// ExitCode returns the guest's exit status.
func (m *Machine) ExitCode() int {
	return int(atomic.LoadInt32(&m.exitCode))
}

// translate produces the cache entry for a block, weaving plugin
// instrumentation into it.
func (m *Machine) translate(va uint64) (*entry, error) {
	return m.cache.GetOrTranslate(va, func(va uint64) (*entry, error) {
		blk, dec, err := m.trans.Translate(va)
		if err != nil {
			return nil, err
		}
		return &entry{blk: blk, dec: dec, plan: m.host.Translate(blk)}, nil
	})
}

// maybeFlush performs a pending cache flush. At most one caller wins; the
// plugin host is notified once the cache is empty.
func (m *Machine) maybeFlush() {
	if atomic.CompareAndSwapInt32(&m.flushReq, 1, 0) {
		m.cache.Flush()
		m.host.FlushDone()
	}
}

// plugin.Guest

func (m *Machine) TargetName() string    { return "ndh" }
func (m *Machine) SystemEmulation() bool { return m.cfg.System }
func (m *Machine) MTTCG() bool           { return m.cfg.MTTCG }

func (m *Machine) NVCPUs() int {
	m.vmu.Lock()
	defer m.vmu.Unlock()
	return len(m.vcpus)
}

func (m *Machine) MaxVCPUs() int { return m.cfg.NCPUs }

func (m *Machine) RegDefs() []cpu.RegDef {
	defs := make([]cpu.RegDef, len(ndh.RegDefs))
	for i, r := range ndh.RegDefs {
		defs[i] = cpu.RegDef{Enum: r.Enum, Name: r.Name, Size: 2}
	}
	return defs
}

func (m *Machine) RegRead(vcpu, enum int) ([]byte, error) {
	v := m.vcpuByIndex(vcpu)
	if v == nil {
		return nil, errors.Errorf("no vCPU %d", vcpu)
	}
	val, err := v.cpu.Regs.RegRead(enum)
	if err != nil {
		return nil, err
	}
	var buf [2]byte
	m.mem.ByteOrder().PutUint16(buf[:], uint16(val))
	return buf[:], nil
}

func (m *Machine) ReadPhysMem(vcpu int, addr uint64, buf []byte) error {
	return m.mem.MemReadInto(buf, addr)
}

func (m *Machine) TranslateAddr(vaddr uint64) (uint64, bool, string, bool) {
	return m.mem.Translate(vaddr)
}

func (m *Machine) Disas(code []byte, vaddr uint64, syntax plugin.Syntax) (string, error) {
	ins := ndh.DisOne(code, vaddr)
	if ins == nil {
		return "", errors.Errorf("invalid instruction at %#x", vaddr)
	}
	return ins.Text(disSyntax(syntax)), nil
}

func disSyntax(s plugin.Syntax) ndh.Syntax {
	switch s {
	case plugin.SyntaxATT:
		return ndh.SyntaxATT
	case plugin.SyntaxIntel:
		return ndh.SyntaxIntel
	case plugin.SyntaxMASM:
		return ndh.SyntaxMASM
	}
	return ndh.SyntaxDefault
}

func (m *Machine) Symbol(vaddr uint64) string {
	return m.syms[vaddr]
}

func (m *Machine) StartCode() uint64 {
	if m.img == nil {
		return 0
	}
	return m.img.StartCode()
}

func (m *Machine) EndCode() uint64 {
	if m.img == nil {
		return 0
	}
	return m.img.EndCode()
}

func (m *Machine) EntryCode() uint64 {
	if m.img == nil {
		return 0
	}
	return m.img.Entry()
}

func (m *Machine) PathToBinary() string {
	if m.img == nil {
		return ""
	}
	return m.img.Path
}

func (m *Machine) RequestFlush() {
	atomic.StoreInt32(&m.flushReq, 1)
	if atomic.LoadInt32(&m.running) == 0 {
		m.maybeFlush()
	}
}
