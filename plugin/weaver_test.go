package plugin

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/quokkavm/quokka/cpu"
)

// run pushes a block through the shim the way the execution engine would.
func run(pl *Plan, vcpu int, mem map[int][]cpu.MemEvent) {
	pl.EnterTB(vcpu)
	for i := range pl.b.Ins {
		pl.InsnPre(vcpu, i)
		for _, ev := range mem[i] {
			pl.Mem(vcpu, i, ev)
		}
		pl.InsnPost(vcpu, i)
	}
}

func loadTracer(t *testing.T, h *Host, log *[]string) ID {
	t.Helper()
	mod := Module{Name: "tracer", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterTBTransCb(id, func(id ID, tb *TB) {
				*log = append(*log, fmt.Sprintf("trans %#x/%d", tb.Vaddr(), tb.NInsns()))
				tb.RegisterExecCb(func(vcpu int, udata interface{}) {
					*log = append(*log, fmt.Sprintf("enter %v", udata))
				}, NoRegs, tb.Vaddr())
				for i := 0; i < tb.NInsns(); i++ {
					insn := tb.GetInsn(i)
					va := insn.Vaddr()
					insn.RegisterExecCb(func(vcpu int, udata interface{}) {
						*log = append(*log, fmt.Sprintf("pre %#x", va))
					}, NoRegs, nil)
					insn.RegisterAfterExecCb(func(vcpu int, udata interface{}) {
						*log = append(*log, fmt.Sprintf("post %#x", va))
					}, NoRegs, nil)
				}
			})
			return 0
		}}
	id, err := h.Load(mod, nil)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestWeaveDispatchOrder(t *testing.T) {
	h := New(newTestGuest(), nil)
	var log []string
	loadTracer(t, h, &log)

	b := testBlock()
	pl := h.Translate(b)
	run(pl, 0, nil)

	want := []string{
		"trans 0x8000/3",
		"enter 32768",
		"pre 0x8000", "post 0x8000",
		"pre 0x8002", "post 0x8002",
		"pre 0x8004",
		// no post: the last instruction is control flow
	}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Fatalf("dispatch order (-want +got):\n%s", diff)
	}
}

func TestWeavePerPluginGrouping(t *testing.T) {
	h := New(newTestGuest(), nil)
	var log []string
	mkMod := func(name string) Module {
		return Module{Name: name, Version: Version,
			Install: func(id ID, info *Info, args []string) int {
				// two registrations per plugin so grouping is visible
				for k := 0; k < 2; k++ {
					k := k
					h.RegisterTBTransCb(id, func(id ID, tb *TB) {
						log = append(log, fmt.Sprintf("%s/%d", name, k))
					})
				}
				return 0
			}}
	}
	if _, err := h.Load(mkMod("a"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Load(mkMod("b"), nil); err != nil {
		t.Fatal(err)
	}
	h.Translate(testBlock())

	want := []string{"a/0", "a/1", "b/0", "b/1"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Fatalf("grouping (-want +got):\n%s", diff)
	}
}

func TestInlineOps(t *testing.T) {
	h := New(newTestGuest(), nil)
	var blocks, insns, post, zero uint64
	mod := Module{Name: "count", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterTBTransCb(id, func(id ID, tb *TB) {
				tb.RegisterExecInline(AddU64, &blocks, 1)
				for i := 0; i < tb.NInsns(); i++ {
					insn := tb.GetInsn(i)
					insn.RegisterExecInline(AddU64Atomic, &insns, 1)
					insn.RegisterAfterExecInline(AddU64, &post, 1)
					insn.RegisterExecInline(AddU64, &zero, 0)
				}
			})
			return 0
		}}
	if _, err := h.Load(mod, nil); err != nil {
		t.Fatal(err)
	}
	pl := h.Translate(testBlock())
	for i := 0; i < 5; i++ {
		run(pl, 0, nil)
	}
	if blocks != 5 {
		t.Fatalf("block count: %d", blocks)
	}
	if got := atomic.LoadUint64(&insns); got != 15 {
		t.Fatalf("insn count: %d", got)
	}
	// three instructions, but the last is control flow
	if post != 10 {
		t.Fatalf("post count: %d", post)
	}
	if zero != 0 {
		t.Fatalf("imm 0 changed the accumulator: %d", zero)
	}
}

func TestMemOnlySuppression(t *testing.T) {
	h := New(newTestGuest(), nil)
	var log []string
	loadTracer(t, h, &log)
	var loads uint64
	mod := Module{Name: "mem", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterTBTransCb(id, func(id ID, tb *TB) {
				tb.GetInsn(1).RegisterMemInline(MemReadWrite, AddU64, &loads, 1)
			})
			return 0
		}}
	if _, err := h.Load(mod, nil); err != nil {
		t.Fatal(err)
	}

	b := testBlock()
	b.Flags |= cpu.BlockMemOnly
	pl := h.Translate(b)
	log = log[:0]
	run(pl, 0, map[int][]cpu.MemEvent{1: {{Addr: 0x4000, SizeLog: 0}}})

	// execution instrumentation is suppressed, memory instrumentation
	// still fires
	if len(log) != 0 {
		t.Fatalf("mem-only block ran exec instrumentation: %v", log)
	}
	if loads != 1 {
		t.Fatalf("mem inline: %d", loads)
	}
}

func TestNoMemOpsSuppression(t *testing.T) {
	h := New(newTestGuest(), nil)
	var count uint64
	mod := Module{Name: "mem", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterTBTransCb(id, func(id ID, tb *TB) {
				for i := 0; i < tb.NInsns(); i++ {
					tb.GetInsn(i).RegisterMemInline(MemReadWrite, AddU64, &count, 1)
				}
			})
			return 0
		}}
	if _, err := h.Load(mod, nil); err != nil {
		t.Fatal(err)
	}

	b := &cpu.Block{Va: 0x8000, Ins: []cpu.Ins{
		{Va: 0x8000, Bytes: []byte{0x02, 0x00}},
		{Va: 0x8002, Bytes: []byte{0x1f, 0x00, 0x00}, CF: true},
	}}
	b.Seal()
	if b.Flags&cpu.BlockMemOps != 0 {
		t.Fatal("block unexpectedly has mem ops")
	}
	pl := h.Translate(b)
	run(pl, 0, nil)
	if count != 0 {
		t.Fatalf("memless block kept memory instrumentation: %d", count)
	}
	if !pl.Empty() {
		t.Fatal("plan should bake down to empty")
	}
}

func TestMemDirectionFilter(t *testing.T) {
	h := New(newTestGuest(), nil)
	var log []string
	var loads, stores, all uint64
	mod := Module{Name: "rw", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterTBTransCb(id, func(id ID, tb *TB) {
				insn := tb.GetInsn(1)
				insn.RegisterMemInline(MemRead, AddU64, &loads, 1)
				insn.RegisterMemInline(MemWrite, AddU64, &stores, 1)
				insn.RegisterMemInline(MemReadWrite, AddU64, &all, 1)
				insn.RegisterMemCb(func(vcpu int, info MemInfo, vaddr uint64, udata interface{}) {
					dir := "ld"
					if info.Store() {
						dir = "st"
					}
					log = append(log, fmt.Sprintf("%s %#x sz=%d", dir, vaddr, 1<<info.SizeShift()))
				}, NoRegs, MemWrite, nil)
			})
			return 0
		}}
	if _, err := h.Load(mod, nil); err != nil {
		t.Fatal(err)
	}

	pl := h.Translate(testBlock())
	run(pl, 0, map[int][]cpu.MemEvent{1: {
		{Addr: 0x4000, SizeLog: 1},
		{Addr: 0x4000, SizeLog: 0, Write: true},
		{Addr: 0x4002, SizeLog: 1},
	}})

	if loads != 2 || stores != 1 || all != 3 {
		t.Fatalf("counts: loads=%d stores=%d all=%d", loads, stores, all)
	}
	want := []string{"st 0x4000 sz=1"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Fatalf("store-only callback (-want +got):\n%s", diff)
	}
}

func TestInvalidateOnce(t *testing.T) {
	h := New(newTestGuest(), nil)
	var log []string
	mod := Module{Name: "inval", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterTBTransCb(id, func(id ID, tb *TB) {
				tb.RegisterInvalidateCb(func(hash uint32, udata interface{}) {
					log = append(log, fmt.Sprintf("inval %#x %v", hash, udata))
				}, "u")
			})
			return 0
		}}
	if _, err := h.Load(mod, nil); err != nil {
		t.Fatal(err)
	}
	b := testBlock()
	pl := h.Translate(b)
	pl.Invalidate()
	pl.Invalidate()
	want := []string{fmt.Sprintf("inval %#x u", b.Hash)}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Fatalf("invalidate (-want +got):\n%s", diff)
	}
}

func TestDrainingSkipsWeave(t *testing.T) {
	h := New(newTestGuest(), nil)
	var log []string
	mkMod := func(name string) Module {
		return Module{Name: name, Version: Version,
			Install: func(id ID, info *Info, args []string) int {
				h.RegisterTBTransCb(id, func(id ID, tb *TB) {
					log = append(log, name)
				})
				return 0
			}}
	}
	idA, err := h.Load(mkMod("a"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Load(mkMod("b"), nil); err != nil {
		t.Fatal(err)
	}

	atomic.StoreInt32(&h.plugin(idA).state, stateDraining)
	h.Translate(testBlock())
	want := []string{"b"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Fatalf("draining weave (-want +got):\n%s", diff)
	}
}

func TestExpiredHandle(t *testing.T) {
	h := New(newTestGuest(), nil)
	var escaped *TB
	mod := Module{Name: "leak", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterTBTransCb(id, func(id ID, tb *TB) {
				escaped = tb
			})
			return 0
		}}
	if _, err := h.Load(mod, nil); err != nil {
		t.Fatal(err)
	}
	h.Translate(testBlock())
	if escaped == nil {
		t.Fatal("translation callback never ran")
	}
	if n := escaped.NInsns(); n != 0 {
		t.Fatalf("expired handle still answered: %d", n)
	}
	if in := escaped.GetInsn(0); in != nil {
		t.Fatal("expired handle produced an instruction handle")
	}
}

func TestGetInsnOutOfRange(t *testing.T) {
	g := newTestGuest()
	h := New(g, &Config{Debug: true})
	mod := Module{Name: "oob", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterTBTransCb(id, func(id ID, tb *TB) {
				defer func() {
					if recover() == nil {
						t.Error("out-of-range GetInsn did not panic under debug")
					}
				}()
				tb.GetInsn(tb.NInsns())
			})
			return 0
		}}
	if _, err := h.Load(mod, nil); err != nil {
		t.Fatal(err)
	}
	h.Translate(testBlock())
}

func TestInsnIntrospection(t *testing.T) {
	h := New(newTestGuest(), nil)
	var log []string
	mod := Module{Name: "insns", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterTBTransCb(id, func(id ID, tb *TB) {
				in := tb.GetInsn(2)
				log = append(log, fmt.Sprintf("va=%#x ha=%#x sz=%d data=%x",
					in.Vaddr(), in.Haddr(), in.Size(), in.Data()))
				log = append(log, in.Disas())
				log = append(log, in.DisasWithSyntax(SyntaxATT))
			})
			return 0
		}}
	if _, err := h.Load(mod, nil); err != nil {
		t.Fatal(err)
	}
	h.Translate(testBlock())
	want := []string{
		"va=0x8004 ha=0x8004 sz=3 data=1ffcff",
		"insn@0x8004/0",
		"insn@0x8004/1",
	}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Fatalf("introspection (-want +got):\n%s", diff)
	}
}
