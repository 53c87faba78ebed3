package plugin

import (
	"sync/atomic"
)

// The execution engine reports guest events through these entry points.
// All dispatch happens synchronously on the calling thread: translation
// callbacks on the translating thread, everything vCPU-scoped on the vCPU's
// own thread, atexit on the shutdown thread.

// VCPUInit announces a new vCPU. Register-context creation is refused
// while init callbacks run.
func (h *Host) VCPUInit(vcpu int) {
	st := h.vcpu(vcpu)
	h.vmu.Lock()
	st.inInit = true
	h.vmu.Unlock()
	for _, e := range h.tables[kVCPUInit].load() {
		e.fn.(VCPUSimpleFn)(e.p.id, vcpu)
	}
	h.vmu.Lock()
	st.inInit = false
	h.vmu.Unlock()
}

// VCPUExit announces a vCPU leaving the machine.
func (h *Host) VCPUExit(vcpu int) {
	for _, e := range h.tables[kVCPUExit].load() {
		e.fn.(VCPUSimpleFn)(e.p.id, vcpu)
	}
	h.vmu.Lock()
	delete(h.vcpus, vcpu)
	h.quiesce.Broadcast()
	h.vmu.Unlock()
}

// VCPUIdle announces a vCPU going idle.
func (h *Host) VCPUIdle(vcpu int) {
	for _, e := range h.tables[kVCPUIdle].load() {
		e.fn.(VCPUSimpleFn)(e.p.id, vcpu)
	}
}

// VCPUResume announces a vCPU resuming execution.
func (h *Host) VCPUResume(vcpu int) {
	for _, e := range h.tables[kVCPUResume].load() {
		e.fn.(VCPUSimpleFn)(e.p.id, vcpu)
	}
}

// VCPUInterrupt announces an interrupt raised on a vCPU.
func (h *Host) VCPUInterrupt(vcpu int) {
	for _, e := range h.tables[kVCPUIntr].load() {
		e.fn.(VCPUSimpleFn)(e.p.id, vcpu)
	}
}

// Syscall announces a syscall entry.
func (h *Host) Syscall(vcpu int, num int64, args [8]uint64) {
	for _, e := range h.tables[kSyscall].load() {
		e.fn.(SyscallFn)(e.p.id, vcpu, num, args)
	}
}

// SyscallRet announces a syscall return.
func (h *Host) SyscallRet(vcpu int, num, ret int64) {
	for _, e := range h.tables[kSyscallRet].load() {
		e.fn.(SyscallRetFn)(e.p.id, vcpu, num, ret)
	}
}

// AtExit announces the end of execution.
func (h *Host) AtExit() {
	for _, e := range h.tables[kAtexit].load() {
		e.fn.(UdataFn)(e.p.id, e.udata)
	}
}

// FlushDone acknowledges a translation-cache flush: flush callbacks fire
// and any teardown waiting on the flush proceeds.
func (h *Host) FlushDone() {
	for _, e := range h.tables[kFlush].load() {
		e.fn.(SimpleFn)(e.p.id)
	}
	h.flushMu.Lock()
	h.flushSeq++
	h.flushCond.Broadcast()
	h.flushMu.Unlock()
}

// BlockEnter marks a vCPU as executing a translated block. The pairing
// with BlockLeave is what teardown uses to detect quiescence.
func (h *Host) BlockEnter(vcpu int) {
	atomic.StoreInt32(&h.vcpu(vcpu).inBlock, 1)
}

// BlockLeave marks a vCPU as between blocks.
func (h *Host) BlockLeave(vcpu int) {
	atomic.StoreInt32(&h.vcpu(vcpu).inBlock, 0)
	if atomic.LoadInt32(&h.waiters) > 0 {
		h.vmu.Lock()
		h.quiesce.Broadcast()
		h.vmu.Unlock()
	}
}
