package emu

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/quokkavm/quokka/cpu"
	"github.com/quokkavm/quokka/cpu/ndh"
)

// VCPU is one guest hardware thread: an interpreter core on its own view of
// machine memory.
type VCPU struct {
	Index int

	m   *Machine
	cpu *ndh.CPU
	mem *cpu.Mem
}

// CPU exposes the interpreter core, mainly for tests and the syscall layer.
func (v *VCPU) CPU() *ndh.CPU { return v.cpu }

// run is the vCPU main loop: translate (or hit the cache), execute,
// repeat. Pending cache flushes are honored between blocks.
func (v *VCPU) run(ctx context.Context) error {
	m := v.m
	atomic.AddInt32(&m.running, 1)
	defer func() {
		atomic.AddInt32(&m.running, -1)
		// a flush requested while this vCPU was shutting down must
		// still be acknowledged
		m.maybeFlush()
		m.host.VCPUExit(v.Index)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.Exited() || v.cpu.Exited() {
			return nil
		}
		m.maybeFlush()
		ent, err := m.translate(v.cpu.PC())
		if err != nil {
			return errors.Wrapf(err, "vcpu %d at %#x", v.Index, v.cpu.PC())
		}
		stale, err := v.runBlock(ent)
		if err != nil {
			return errors.Wrapf(err, "vcpu %d", v.Index)
		}
		if stale {
			continue
		}
	}
}

// runBlock executes one translated block under the machine execution lock,
// firing the block's instrumentation plan from this vCPU's thread. It
// reports stale if a flush orphaned the plan before execution started, in
// which case the caller re-translates.
func (v *VCPU) runBlock(ent *entry) (stale bool, _ error) {
	m := v.m
	m.execMu.Lock()
	defer m.execMu.Unlock()

	h := m.host
	h.BlockEnter(v.Index)
	defer h.BlockLeave(v.Index)

	pl := ent.plan
	// the check must follow BlockEnter: a flush after this point will
	// wait out this block via the quiescence protocol
	if pl.Invalidated() {
		return true, nil
	}
	pl.EnterTB(v.Index)
	idx := 0
	v.mem.SetTracer(func(ev cpu.MemEvent) {
		pl.Mem(v.Index, idx, ev)
	})
	defer v.mem.SetTracer(nil)

	for i, ins := range ent.dec {
		idx = i
		pl.InsnPre(v.Index, i)
		if err := v.cpu.Step(ins); err != nil {
			return false, err
		}
		pl.InsnPost(v.Index, i)
		if v.cpu.Exited() || m.Exited() {
			break
		}
	}
	return false, nil
}
