package plugin

import (
	"sync/atomic"
)

// Uninstall tears a plugin down asynchronously: the plugin keeps receiving
// callbacks until cb fires, after which none of its callbacks ever run
// again. Calling Uninstall from the install entry point is a programming
// error.
func (h *Host) Uninstall(id ID, cb SimpleFn) {
	h.teardown(id, cb, true)
}

// Reset asynchronously unregisters every callback of a plugin without
// unloading it. As with Uninstall, cb is the only reliable completion
// signal; the plugin may register callbacks again from inside cb.
func (h *Host) Reset(id ID, cb SimpleFn) {
	h.teardown(id, cb, false)
}

// teardown drives the plugin state machine:
// active -> draining -> quiesced -> released.
func (h *Host) teardown(id ID, cb SimpleFn, unload bool) {
	p := h.plugin(id)
	if p == nil {
		h.badUse("teardown of unknown plugin %d", id)
		return
	}
	if p.installing {
		h.badUse("plugin %d: uninstall from within install", id)
		return
	}
	if !atomic.CompareAndSwapInt32(&p.state, stateActive, stateDraining) {
		h.badUse("plugin %d: teardown already in progress", id)
		return
	}

	go func() {
		// no future block may carry the plugin's instrumentation
		h.flushMu.Lock()
		seq := h.flushSeq
		h.flushMu.Unlock()
		h.guest.RequestFlush()
		h.awaitFlush(seq)

		// wait until every vCPU has left the block it was in when the
		// cache was dropped
		h.awaitQuiescent()

		h.mu.Lock()
		if unload {
			atomic.StoreInt32(&p.state, stateReleased)
			h.remove(p)
		} else {
			for k := cbKind(0); k < kNumKinds; k++ {
				p.records[k] = nil
				h.rebuild(k)
			}
			// reset: back to active so the plugin can re-register,
			// typically from inside cb
			atomic.StoreInt32(&p.state, stateActive)
		}
		h.mu.Unlock()

		if cb != nil {
			cb(id)
		}
	}()
}

// awaitFlush blocks until FlushDone advances past seq.
func (h *Host) awaitFlush(seq uint64) {
	h.flushMu.Lock()
	for h.flushSeq <= seq {
		h.flushCond.Wait()
	}
	h.flushMu.Unlock()
}

// awaitQuiescent blocks until no vCPU is inside a translated block.
func (h *Host) awaitQuiescent() {
	atomic.AddInt32(&h.waiters, 1)
	h.vmu.Lock()
	for {
		busy := false
		for _, st := range h.vcpus {
			if atomic.LoadInt32(&st.inBlock) != 0 {
				busy = true
				break
			}
		}
		if !busy {
			break
		}
		h.quiesce.Wait()
	}
	h.vmu.Unlock()
	atomic.AddInt32(&h.waiters, -1)
}
