package plugin

import (
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"

	"github.com/quokkavm/quokka/cpu"
)

// Guest is what the plugin runtime needs from the rest of the emulator: the
// translator and execution engine call into Host, and Host calls out
// through Guest to answer introspection queries.
type Guest interface {
	TargetName() string
	SystemEmulation() bool
	MTTCG() bool
	NVCPUs() int
	MaxVCPUs() int

	RegDefs() []cpu.RegDef
	// RegRead returns the register's bytes in the guest's view (size and
	// byte order per its RegDef). The buffer may be reused by the guest.
	RegRead(vcpu, enum int) ([]byte, error)
	ReadPhysMem(vcpu int, addr uint64, buf []byte) error
	TranslateAddr(vaddr uint64) (phys uint64, io bool, dev string, ok bool)
	Disas(code []byte, vaddr uint64, syntax Syntax) (string, error)
	Symbol(vaddr uint64) string

	StartCode() uint64
	EndCode() uint64
	EntryCode() uint64
	PathToBinary() string

	// RequestFlush asks the execution engine to drop the translation
	// cache. The engine acknowledges by calling Host.FlushDone.
	RequestFlush()
}

// Config tunes a Host. The zero value is usable.
type Config struct {
	// Output is the logging sink for Outs and host diagnostics.
	Output io.Writer
	// LogFilename is reported to plugins querying the log path.
	LogFilename string
	// Debug makes programming errors (expired handles, misuse of the
	// registration API) panic instead of being logged and ignored.
	Debug bool
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Output == nil {
		out.Output = ioutil.Discard
	}
	return &out
}

type vcpuState struct {
	inBlock int32 // atomic; set while the vCPU executes a block
	inInit  bool  // set while vcpu-init callbacks run

	// current memory-callback dispatch, if any; GetHwAddr recovers it
	// through the vCPU index packed into MemInfo
	memScope *scope
}

// Host is the plugin host runtime of one machine.
type Host struct {
	guest Guest
	cfg   *Config

	nextID uint64 // atomic; IDs are never reused

	mu      sync.Mutex // guards plugins, byID, record tables
	plugins []*pluginCtx
	byID    map[ID]*pluginCtx
	tables  [kNumKinds]cbList

	vmu     sync.Mutex
	vcpus   map[int]*vcpuState
	quiesce *sync.Cond
	waiters int32 // atomic; vCPUs only broadcast when a teardown waits

	flushMu   sync.Mutex
	flushSeq  uint64
	flushCond *sync.Cond

	// sorted register defs; index is the public regnum
	regs []cpu.RegDef
}

// New builds the host runtime for guest. cfg may be nil.
func New(guest Guest, cfg *Config) *Host {
	if cfg == nil {
		cfg = &Config{}
	}
	h := &Host{
		guest: guest,
		cfg:   cfg.withDefaults(),
		byID:  make(map[ID]*pluginCtx),
		vcpus: make(map[int]*vcpuState),
	}
	h.quiesce = sync.NewCond(&h.vmu)
	h.flushCond = sync.NewCond(&h.flushMu)

	defs := append([]cpu.RegDef(nil), guest.RegDefs()...)
	sort.Slice(defs, func(i, j int) bool {
		return sortorder.NaturalLess(defs[i].Name, defs[j].Name)
	})
	h.regs = defs
	return h
}

// Load installs an instrumentation module. The module's declared ABI level
// is checked against [MinVersion, Version] before its entry point runs;
// a non-zero return from the entry point refuses the load.
func (h *Host) Load(mod Module, args []string) (ID, error) {
	if mod.Install == nil {
		return 0, errors.New("plugin: module has no install entry point")
	}
	if mod.Version < MinVersion || mod.Version > Version {
		return 0, errors.Errorf("plugin %s: ABI version %d outside supported range [%d, %d]",
			mod.Name, mod.Version, MinVersion, Version)
	}
	id := ID(atomic.AddUint64(&h.nextID, 1))
	p := &pluginCtx{id: id, name: mod.Name, args: args}

	h.mu.Lock()
	h.plugins = append(h.plugins, p)
	h.byID[id] = p
	h.mu.Unlock()

	info := &Info{
		TargetName:      h.guest.TargetName(),
		MinVersion:      MinVersion,
		CurVersion:      Version,
		SystemEmulation: h.guest.SystemEmulation(),
		MTTCGEnabled:    h.guest.MTTCG(),
	}
	if info.SystemEmulation {
		info.SMPVCPUs = h.guest.NVCPUs()
		info.MaxVCPUs = h.guest.MaxVCPUs()
	}

	p.installing = true
	rc := mod.Install(id, info, args)
	p.installing = false
	if rc != 0 {
		h.mu.Lock()
		h.remove(p)
		h.mu.Unlock()
		return 0, errors.Errorf("plugin %s: install returned %d", mod.Name, rc)
	}
	return id, nil
}

// remove drops a plugin and all its records. Caller holds h.mu.
func (h *Host) remove(p *pluginCtx) {
	delete(h.byID, p.id)
	for i, v := range h.plugins {
		if v == p {
			h.plugins = append(h.plugins[:i], h.plugins[i+1:]...)
			break
		}
	}
	for k := cbKind(0); k < kNumKinds; k++ {
		p.records[k] = nil
		h.rebuild(k)
	}
}

func (h *Host) plugin(id ID) *pluginCtx {
	h.mu.Lock()
	p := h.byID[id]
	h.mu.Unlock()
	return p
}

func (h *Host) vcpu(idx int) *vcpuState {
	h.vmu.Lock()
	st := h.vcpus[idx]
	if st == nil {
		st = &vcpuState{}
		h.vcpus[idx] = st
	}
	h.vmu.Unlock()
	return st
}

// badUse reports a programming error in a plugin: panic under Config.Debug,
// otherwise log and carry on.
func (h *Host) badUse(format string, args ...interface{}) {
	if h.cfg.Debug {
		panic(errors.Errorf("plugin: "+format, args...))
	}
	fmt.Fprintf(h.cfg.Output, "plugin: "+format+"\n", args...)
}

// warnf logs a condition worth a diagnostic but not a Debug panic, such as
// a registration racing a teardown.
func (h *Host) warnf(format string, args ...interface{}) {
	fmt.Fprintf(h.cfg.Output, "plugin: "+format+"\n", args...)
}

// Outs writes a plugin-provided string to the emulator's logging sink.
func (h *Host) Outs(s string) {
	io.WriteString(h.cfg.Output, s)
}

// LogFilename returns the path of the emulator's log file, or "".
func (h *Host) LogFilename() string {
	return h.cfg.LogFilename
}

// NVCPUs returns the number of live vCPUs, or -1 in user mode.
func (h *Host) NVCPUs() int {
	if !h.guest.SystemEmulation() {
		return -1
	}
	return h.guest.NVCPUs()
}

// NMaxVCPUs returns the maximum number of vCPUs, or -1 in user mode.
func (h *Host) NMaxVCPUs() int {
	if !h.guest.SystemEmulation() {
		return -1
	}
	return h.guest.MaxVCPUs()
}

// StartCode returns the start of the main text segment in user mode, and 0
// under system emulation. EndCode and EntryCode follow the same rule.
func (h *Host) StartCode() uint64 {
	if h.guest.SystemEmulation() {
		return 0
	}
	return h.guest.StartCode()
}

func (h *Host) EndCode() uint64 {
	if h.guest.SystemEmulation() {
		return 0
	}
	return h.guest.EndCode()
}

func (h *Host) EntryCode() uint64 {
	if h.guest.SystemEmulation() {
		return 0
	}
	return h.guest.EntryCode()
}

// PathToBinary returns the path of the main binary in user mode, and ""
// under system emulation.
func (h *Host) PathToBinary() string {
	if h.guest.SystemEmulation() {
		return ""
	}
	return h.guest.PathToBinary()
}

// ForEachVCPU synchronously invokes fn once per live vCPU.
func (h *Host) ForEachVCPU(id ID, fn VCPUSimpleFn) {
	h.vmu.Lock()
	idxs := make([]int, 0, len(h.vcpus))
	for idx := range h.vcpus {
		idxs = append(idxs, idx)
	}
	h.vmu.Unlock()
	sort.Ints(idxs)
	for _, idx := range idxs {
		fn(id, idx)
	}
}

// ReadPhysMem reads guest memory by physical address. The read is advisory:
// it can race with other vCPUs and with device-model writes, so the bytes
// may not match what any instruction observed.
func (h *Host) ReadPhysMem(vcpu int, addr uint64, buf []byte) error {
	return h.guest.ReadPhysMem(vcpu, addr, buf)
}

// AvailableRegNames writes the comma-separated names of every register of
// the current CPU into buf and returns the byte count. A nil buf returns
// the required size.
func (h *Host) AvailableRegNames(buf []byte) int {
	names := make([]string, len(h.regs))
	for i, d := range h.regs {
		names[i] = d.Name
	}
	s := strings.Join(names, ",")
	if buf == nil {
		return len(s)
	}
	return copy(buf, s)
}

// FindReg looks up a register number by name.
func (h *Host) FindReg(name string) (int, bool) {
	for i, d := range h.regs {
		if d.Name == name {
			return i, true
		}
	}
	return 0, false
}

// ReadReg reads one register of the given vCPU into a freshly allocated
// buffer whose size and byte order match the guest's view of the register.
func (h *Host) ReadReg(vcpu, regnum int) ([]byte, error) {
	if regnum < 0 || regnum >= len(h.regs) {
		return nil, errors.Errorf("invalid register number %d", regnum)
	}
	p, err := h.guest.RegRead(vcpu, h.regs[regnum].Enum)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}
