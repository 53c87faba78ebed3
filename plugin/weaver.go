package plugin

import (
	"github.com/quokkavm/quokka/cpu"
)

type inlineOp struct {
	op  Op
	ptr *uint64
	imm uint64
}

type execCB struct {
	p     *pluginCtx
	fn    VCPUUdataFn
	udata interface{}
}

type memCB struct {
	p     *pluginCtx
	fn    MemFn
	rw    MemRW
	udata interface{}
}

type memInlineOp struct {
	rw MemRW
	inlineOp
}

type invalRec struct {
	p     *pluginCtx
	fn    TBInvalidateFn
	udata interface{}
}

// insnWeave accumulates one instruction's registrations during the
// translation callbacks.
type insnWeave struct {
	preOps  []inlineOp
	pre     []execCB
	postOps []inlineOp
	post    []execCB
	memOps  []memInlineOp
	mem     []memCB
}

// weave accumulates a block's registrations, shared by every plugin's TB
// handle for the block.
type weave struct {
	h        *Host
	b        *cpu.Block
	entryOps []inlineOp
	entry    []execCB
	inval    []invalRec
	insns    []insnWeave
}

// Translate presents a freshly produced block to every registered
// translation callback, then lowers the collected registrations into the
// block's execution Plan. The translator must call it exactly once per
// block, before the block first executes.
func (h *Host) Translate(b *cpu.Block) *Plan {
	entries := h.tables[kTBTrans].load()
	w := &weave{h: h, b: b, insns: make([]insnWeave, len(b.Ins))}
	for _, e := range entries {
		if !e.p.active() {
			// draining: no new instrumentation is woven
			continue
		}
		s := &scope{}
		e.fn.(TBTransFn)(e.p.id, &TB{h: h, p: e.p, s: s, w: w})
		s.close()
	}
	return w.bake()
}

// bake lowers the weave into an immutable Plan, applying the block-flag
// rules: a memory-only block suppresses execution instrumentation, a block
// without memory ops suppresses memory instrumentation, and control-flow
// instructions have no after-execution slot.
func (w *weave) bake() *Plan {
	memOnly := w.b.Flags&cpu.BlockMemOnly != 0
	memOps := w.b.Flags&cpu.BlockMemOps != 0

	pl := &Plan{h: w.h, b: w.b, inval: w.inval}
	if !memOnly {
		pl.entryOps = w.entryOps
		pl.entry = w.entry
	}
	pl.insns = make([]insnPlan, len(w.insns))
	for i := range w.insns {
		in := &w.insns[i]
		out := &pl.insns[i]
		if !memOnly {
			out.preOps = in.preOps
			out.pre = in.pre
			if !w.b.Ins[i].CF {
				out.postOps = in.postOps
				out.post = in.post
			}
		}
		if memOps {
			out.memOps = in.memOps
			out.mem = in.mem
		}
	}
	return pl
}
