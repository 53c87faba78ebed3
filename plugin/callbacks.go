package plugin

import (
	"sync/atomic"
)

// plugin teardown states
const (
	stateActive int32 = iota
	stateDraining
	stateReleased
)

type cbKind int

const (
	kTBTrans cbKind = iota
	kVCPUInit
	kVCPUExit
	kVCPUIdle
	kVCPUResume
	kVCPUIntr
	kSyscall
	kSyscallRet
	kFlush
	kAtexit
	kNumKinds
)

// cbEntry is one callback registration. fn holds the kind-specific
// signature; dispatch asserts the concrete type.
type cbEntry struct {
	p     *pluginCtx
	fn    interface{}
	flags CBFlags
	udata interface{}
}

// cbList is a copy-on-write callback table: writers rebuild the slice under
// Host.mu, the dispatch fast path loads a snapshot without locking.
type cbList struct {
	val atomic.Value // []cbEntry
}

func (l *cbList) load() []cbEntry {
	if v := l.val.Load(); v != nil {
		return v.([]cbEntry)
	}
	return nil
}

type pluginCtx struct {
	id         ID
	name       string
	args       []string
	state      int32 // atomic: stateActive, stateDraining, stateReleased
	installing bool

	// per-kind registration records in registration order; guarded by
	// Host.mu
	records [kNumKinds][]cbEntry
}

func (p *pluginCtx) active() bool {
	return atomic.LoadInt32(&p.state) == stateActive
}

// rebuild republishes one table's snapshot: plugins in load order, each
// plugin's records grouped together in registration order. Caller holds
// h.mu.
func (h *Host) rebuild(kind cbKind) {
	var flat []cbEntry
	for _, p := range h.plugins {
		flat = append(flat, p.records[kind]...)
	}
	h.tables[kind].val.Store(flat)
}

// register adds a global callback record for a plugin. Registrations from a
// draining plugin are refused.
func (h *Host) register(id ID, kind cbKind, fn interface{}, flags CBFlags, udata interface{}) {
	if fn == nil {
		h.badUse("nil callback registered by plugin %d", id)
		return
	}
	h.mu.Lock()
	p := h.byID[id]
	if p != nil && p.active() {
		p.records[kind] = append(p.records[kind], cbEntry{p: p, fn: fn, flags: flags, udata: udata})
		h.rebuild(kind)
	}
	h.mu.Unlock()
	if p == nil {
		h.badUse("registration for unknown plugin %d", id)
	} else if !p.active() {
		// a draining plugin's registrations are dropped; already-woven
		// instrumentation keeps firing until the drain completes
		h.warnf("registration from draining plugin %d dropped", id)
	}
}

// RegisterVCPUInitCb calls fn every time a vCPU is initialized.
func (h *Host) RegisterVCPUInitCb(id ID, fn VCPUSimpleFn) {
	h.register(id, kVCPUInit, fn, NoRegs, nil)
}

// RegisterVCPUExitCb calls fn every time a vCPU exits.
func (h *Host) RegisterVCPUExitCb(id ID, fn VCPUSimpleFn) {
	h.register(id, kVCPUExit, fn, NoRegs, nil)
}

// RegisterVCPUIdleCb calls fn every time a vCPU idles.
func (h *Host) RegisterVCPUIdleCb(id ID, fn VCPUSimpleFn) {
	h.register(id, kVCPUIdle, fn, NoRegs, nil)
}

// RegisterVCPUResumeCb calls fn every time a vCPU resumes execution.
func (h *Host) RegisterVCPUResumeCb(id ID, fn VCPUSimpleFn) {
	h.register(id, kVCPUResume, fn, NoRegs, nil)
}

// RegisterVCPUInterruptCb calls fn every time an interrupt is raised on a
// vCPU.
func (h *Host) RegisterVCPUInterruptCb(id ID, fn VCPUSimpleFn) {
	h.register(id, kVCPUIntr, fn, NoRegs, nil)
}

// RegisterTBTransCb calls fn with a TB handle every time a block is
// translated. During the callback the plugin may register per-block and
// per-instruction instrumentation against the handle.
func (h *Host) RegisterTBTransCb(id ID, fn TBTransFn) {
	h.register(id, kTBTrans, fn, NoRegs, nil)
}

// RegisterSyscallCb calls fn on every syscall entry.
func (h *Host) RegisterSyscallCb(id ID, fn SyscallFn) {
	h.register(id, kSyscall, fn, NoRegs, nil)
}

// RegisterSyscallRetCb calls fn on every syscall return.
func (h *Host) RegisterSyscallRetCb(id ID, fn SyscallRetFn) {
	h.register(id, kSyscallRet, fn, NoRegs, nil)
}

// RegisterFlushCb calls fn after every translation-cache flush.
func (h *Host) RegisterFlushCb(id ID, fn SimpleFn) {
	h.register(id, kFlush, fn, NoRegs, nil)
}

// RegisterAtexitCb calls fn once execution has finished.
func (h *Host) RegisterAtexitCb(id ID, fn UdataFn, udata interface{}) {
	h.register(id, kAtexit, fn, NoRegs, udata)
}
