package plugin

import (
	"github.com/quokkavm/quokka/cpu"
)

// TB is the opaque handle for a freshly translated block. It is valid only
// during the translation callback it was passed to; registrations made
// through it are consumed into the block's instrumentation plan.
type TB struct {
	h *Host
	p *pluginCtx
	s *scope
	w *weave
}

// NInsns returns the number of instructions in the block.
func (tb *TB) NInsns() int {
	if !tb.h.checkScope(tb.s, "TB.NInsns") {
		return 0
	}
	return len(tb.w.b.Ins)
}

// Vaddr returns the virtual address of the block start.
func (tb *TB) Vaddr() uint64 {
	if !tb.h.checkScope(tb.s, "TB.Vaddr") {
		return 0
	}
	return tb.w.b.Va
}

// Hash returns the block hash.
func (tb *TB) Hash() uint32 {
	if !tb.h.checkScope(tb.s, "TB.Hash") {
		return 0
	}
	return tb.w.b.Hash
}

// Flags returns the block's cpu.BlockMemOnly/cpu.BlockMemOps combination.
func (tb *TB) Flags() int {
	if !tb.h.checkScope(tb.s, "TB.Flags") {
		return 0
	}
	return tb.w.b.Flags
}

// GetInsn returns the handle for instruction idx, 0-indexed. Indexing past
// NInsns is a programming error.
func (tb *TB) GetInsn(idx int) *Insn {
	if !tb.h.checkScope(tb.s, "TB.GetInsn") {
		return nil
	}
	if idx < 0 || idx >= len(tb.w.b.Ins) {
		tb.h.badUse("TB.GetInsn: index %d out of range (%d instructions)", idx, len(tb.w.b.Ins))
		return nil
	}
	return &Insn{tb: tb, idx: idx}
}

// RegisterExecCb arranges for fn to run every time the block executes.
func (tb *TB) RegisterExecCb(fn VCPUUdataFn, flags CBFlags, udata interface{}) {
	if !tb.h.checkScope(tb.s, "TB.RegisterExecCb") || !tb.p.active() || fn == nil {
		return
	}
	tb.w.entry = append(tb.w.entry, execCB{p: tb.p, fn: fn, udata: udata})
}

// RegisterExecInline arranges for an inline op to run every time the block
// executes. Inline ops are not atomic unless the atomic variant is chosen.
func (tb *TB) RegisterExecInline(op Op, ptr *uint64, imm uint64) {
	if !tb.h.checkScope(tb.s, "TB.RegisterExecInline") || !tb.p.active() || ptr == nil {
		return
	}
	tb.w.entryOps = append(tb.w.entryOps, inlineOp{op: op, ptr: ptr, imm: imm})
}

// RegisterInvalidateCb arranges for fn to run when the block is
// invalidated, with the block's hash and udata.
func (tb *TB) RegisterInvalidateCb(fn TBInvalidateFn, udata interface{}) {
	if !tb.h.checkScope(tb.s, "TB.RegisterInvalidateCb") || !tb.p.active() || fn == nil {
		return
	}
	tb.w.inval = append(tb.w.inval, invalRec{p: tb.p, fn: fn, udata: udata})
}

// Insn is the opaque handle for one instruction inside a TB. Its lifetime
// is the parent TB handle's.
type Insn struct {
	tb  *TB
	idx int
}

func (i *Insn) ins() *cpu.Ins {
	return &i.tb.w.b.Ins[i.idx]
}

// Data returns a copy of the instruction's guest bytes.
func (i *Insn) Data() []byte {
	if !i.tb.h.checkScope(i.tb.s, "Insn.Data") {
		return nil
	}
	out := make([]byte, len(i.ins().Bytes))
	copy(out, i.ins().Bytes)
	return out
}

// Size returns the instruction size in bytes.
func (i *Insn) Size() int {
	if !i.tb.h.checkScope(i.tb.s, "Insn.Size") {
		return 0
	}
	return i.ins().Size()
}

// Vaddr returns the instruction's virtual address.
func (i *Insn) Vaddr() uint64 {
	if !i.tb.h.checkScope(i.tb.s, "Insn.Vaddr") {
		return 0
	}
	return i.ins().Va
}

// Haddr returns the hardware (physical) address of the instruction bytes.
func (i *Insn) Haddr() uint64 {
	if !i.tb.h.checkScope(i.tb.s, "Insn.Haddr") {
		return 0
	}
	return i.ins().Pa
}

// Symbol returns a best-effort symbol name for the instruction, or "".
func (i *Insn) Symbol() string {
	if !i.tb.h.checkScope(i.tb.s, "Insn.Symbol") {
		return ""
	}
	return i.tb.h.guest.Symbol(i.ins().Va)
}

// Disas returns the instruction's disassembly in the default syntax.
func (i *Insn) Disas() string {
	return i.DisasWithSyntax(SyntaxDefault)
}

// DisasWithSyntax returns the instruction's disassembly in the requested
// syntax.
func (i *Insn) DisasWithSyntax(syntax Syntax) string {
	if !i.tb.h.checkScope(i.tb.s, "Insn.Disas") {
		return ""
	}
	ins := i.ins()
	s, err := i.tb.h.guest.Disas(ins.Bytes, ins.Va, syntax)
	if err != nil {
		return ""
	}
	return s
}

func (i *Insn) weave() *insnWeave {
	return &i.tb.w.insns[i.idx]
}

// RegisterExecCb arranges for fn to run before the instruction executes.
func (i *Insn) RegisterExecCb(fn VCPUUdataFn, flags CBFlags, udata interface{}) {
	if !i.tb.h.checkScope(i.tb.s, "Insn.RegisterExecCb") || !i.tb.p.active() || fn == nil {
		return
	}
	w := i.weave()
	w.pre = append(w.pre, execCB{p: i.tb.p, fn: fn, udata: udata})
}

// RegisterAfterExecCb arranges for fn to run after the instruction
// executes. After-execution instrumentation never fires for control-flow
// instructions; the registration is accepted but does not fire.
func (i *Insn) RegisterAfterExecCb(fn VCPUUdataFn, flags CBFlags, udata interface{}) {
	if !i.tb.h.checkScope(i.tb.s, "Insn.RegisterAfterExecCb") || !i.tb.p.active() || fn == nil {
		return
	}
	w := i.weave()
	w.post = append(w.post, execCB{p: i.tb.p, fn: fn, udata: udata})
}

// RegisterExecInline arranges for an inline op before the instruction.
func (i *Insn) RegisterExecInline(op Op, ptr *uint64, imm uint64) {
	if !i.tb.h.checkScope(i.tb.s, "Insn.RegisterExecInline") || !i.tb.p.active() || ptr == nil {
		return
	}
	w := i.weave()
	w.preOps = append(w.preOps, inlineOp{op: op, ptr: ptr, imm: imm})
}

// RegisterAfterExecInline arranges for an inline op after the instruction;
// see RegisterAfterExecCb for the control-flow rule.
func (i *Insn) RegisterAfterExecInline(op Op, ptr *uint64, imm uint64) {
	if !i.tb.h.checkScope(i.tb.s, "Insn.RegisterAfterExecInline") || !i.tb.p.active() || ptr == nil {
		return
	}
	w := i.weave()
	w.postOps = append(w.postOps, inlineOp{op: op, ptr: ptr, imm: imm})
}

// RegisterMemCb arranges for fn to run on every memory access the
// instruction performs whose direction matches rw. Instructions that do not
// access memory never fire it.
func (i *Insn) RegisterMemCb(fn MemFn, flags CBFlags, rw MemRW, udata interface{}) {
	if !i.tb.h.checkScope(i.tb.s, "Insn.RegisterMemCb") || !i.tb.p.active() || fn == nil {
		return
	}
	w := i.weave()
	w.mem = append(w.mem, memCB{p: i.tb.p, fn: fn, rw: rw, udata: udata})
}

// RegisterMemInline arranges for an inline op on every matching memory
// access of the instruction.
func (i *Insn) RegisterMemInline(rw MemRW, op Op, ptr *uint64, imm uint64) {
	if !i.tb.h.checkScope(i.tb.s, "Insn.RegisterMemInline") || !i.tb.p.active() || ptr == nil {
		return
	}
	w := i.weave()
	w.memOps = append(w.memOps, memInlineOp{rw: rw, inlineOp: inlineOp{op: op, ptr: ptr, imm: imm}})
}
