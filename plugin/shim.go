package plugin

import (
	"sync/atomic"

	"github.com/quokkavm/quokka/cpu"
)

type insnPlan struct {
	preOps  []inlineOp
	pre     []execCB
	postOps []inlineOp
	post    []execCB
	memOps  []memInlineOp
	mem     []memCB
}

// Plan is a block's woven instrumentation: immutable after baking, so the
// execution shim dispatches from it without locking. The execution engine
// caches the Plan next to the translated block and calls the trampoline
// methods from the vCPU's own thread in emission order.
type Plan struct {
	h     *Host
	b     *cpu.Block
	inval []invalRec

	entryOps []inlineOp
	entry    []execCB
	insns    []insnPlan

	invalidated int32
}

// applyInline executes inline ops directly; no call through a function
// value on this path.
func applyInline(ops []inlineOp) {
	for i := range ops {
		op := &ops[i]
		switch op.op {
		case AddU64:
			*op.ptr += op.imm
		case AddU64Atomic:
			atomic.AddUint64(op.ptr, op.imm)
		}
	}
}

// Empty reports whether the plan carries no execution or memory
// instrumentation, letting the engine skip the trampoline entirely.
func (pl *Plan) Empty() bool {
	if len(pl.entryOps) != 0 || len(pl.entry) != 0 {
		return false
	}
	for i := range pl.insns {
		in := &pl.insns[i]
		if len(in.preOps) != 0 || len(in.pre) != 0 || len(in.postOps) != 0 ||
			len(in.post) != 0 || len(in.memOps) != 0 || len(in.mem) != 0 {
			return false
		}
	}
	return true
}

// EnterTB fires block-entry instrumentation: inline ops first, then the
// full callbacks.
func (pl *Plan) EnterTB(vcpu int) {
	applyInline(pl.entryOps)
	for _, cb := range pl.entry {
		cb.fn(vcpu, cb.udata)
	}
}

// InsnPre fires instruction i's pre-execution instrumentation.
func (pl *Plan) InsnPre(vcpu, i int) {
	in := &pl.insns[i]
	applyInline(in.preOps)
	for _, cb := range in.pre {
		cb.fn(vcpu, cb.udata)
	}
}

// InsnPost fires instruction i's after-execution instrumentation. Baking
// leaves the slots empty for control-flow instructions, so calling this
// unconditionally is harmless.
func (pl *Plan) InsnPost(vcpu, i int) {
	in := &pl.insns[i]
	applyInline(in.postOps)
	for _, cb := range in.post {
		cb.fn(vcpu, cb.udata)
	}
}

// Mem fires instruction i's memory instrumentation for one access,
// filtered by each registration's direction mask.
func (pl *Plan) Mem(vcpu, i int, ev cpu.MemEvent) {
	in := &pl.insns[i]
	if len(in.memOps) == 0 && len(in.mem) == 0 {
		return
	}
	info := packMemInfo(vcpu, ev.SizeLog, ev.Sext, ev.Big, ev.Write)
	for j := range in.memOps {
		op := &in.memOps[j]
		if !info.matches(op.rw) {
			continue
		}
		switch op.op {
		case AddU64:
			*op.ptr += op.imm
		case AddU64Atomic:
			atomic.AddUint64(op.ptr, op.imm)
		}
	}
	if len(in.mem) == 0 {
		return
	}
	st := pl.h.vcpu(vcpu)
	s := &scope{}
	st.memScope = s
	for _, cb := range in.mem {
		if info.matches(cb.rw) {
			cb.fn(vcpu, info, ev.Addr, cb.udata)
		}
	}
	st.memScope = nil
	s.close()
}

// Invalidated reports whether the plan's block has left the cache. The
// execution engine checks it after announcing block entry, so a plan
// orphaned by a concurrent flush is re-translated instead of executed.
func (pl *Plan) Invalidated() bool {
	return atomic.LoadInt32(&pl.invalidated) != 0
}

// Invalidate fires the plan's TB-invalidation callbacks with the block
// hash. The execution engine calls it when the block leaves the cache;
// repeated calls are no-ops.
func (pl *Plan) Invalidate() {
	if !atomic.CompareAndSwapInt32(&pl.invalidated, 0, 1) {
		return
	}
	for _, r := range pl.inval {
		r.fn(pl.b.Hash, r.udata)
	}
}
