package trace

import (
	"io"
	"sync"

	"github.com/quokkavm/quokka/plugin"
)

// Tracer is the builtin trace-writer instrumentation module. It consumes
// only the public plugin ABI: block execution, memory accesses, and
// syscalls stream out as packed event frames.
//
// Arguments: "mem=off" and "syscall=off" drop the corresponding events.
type Tracer struct {
	h  *plugin.Host
	w  io.Writer
	tw *Writer

	mu sync.Mutex

	mem      bool
	syscalls bool
	err      error
}

func NewTracer(h *plugin.Host, w io.Writer) *Tracer {
	return &Tracer{h: h, w: w, mem: true, syscalls: true}
}

// Module returns the loadable module backed by this tracer.
func (t *Tracer) Module() plugin.Module {
	return plugin.Module{Name: "trace", Version: plugin.Version, Install: t.install}
}

// Err returns the first write error, if any. Event emission stops once a
// write fails.
func (t *Tracer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tracer) install(id plugin.ID, info *plugin.Info, args []string) int {
	for _, arg := range args {
		name, val := plugin.SplitArg(arg)
		on, ok := plugin.BoolParse(name, val)
		if !ok {
			t.h.Outs("trace: bad argument " + arg + "\n")
			return 1
		}
		switch name {
		case "mem":
			t.mem = on
		case "syscall":
			t.syscalls = on
		default:
			t.h.Outs("trace: unknown argument " + arg + "\n")
			return 1
		}
	}

	tw, err := NewWriter(t.w, info.TargetName)
	if err != nil {
		t.h.Outs("trace: " + err.Error() + "\n")
		return 1
	}
	t.tw = tw

	t.h.RegisterTBTransCb(id, t.onTrans)
	if t.syscalls {
		t.h.RegisterSyscallRetCb(id, func(id plugin.ID, vcpu int, num, ret int64) {
			t.pack(&EvSyscall{Num: uint64(num), Ret: uint64(ret)})
		})
	}
	t.h.RegisterAtexitCb(id, func(id plugin.ID, udata interface{}) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.err == nil {
			t.err = t.tw.Pack(&EvExit{})
		}
		if cerr := t.tw.Close(); t.err == nil {
			t.err = cerr
		}
	}, nil)
	return 0
}

func (t *Tracer) onTrans(id plugin.ID, tb *plugin.TB) {
	ev := &EvBlock{Addr: tb.Vaddr(), Insns: uint16(tb.NInsns()), Hash: tb.Hash()}
	tb.RegisterExecCb(func(vcpu int, udata interface{}) {
		t.pack(udata.(*EvBlock))
	}, plugin.NoRegs, ev)
	if !t.mem {
		return
	}
	for i := 0; i < tb.NInsns(); i++ {
		tb.GetInsn(i).RegisterMemCb(func(vcpu int, info plugin.MemInfo, vaddr uint64, udata interface{}) {
			mev := EvMem{Addr: vaddr, Size: 1 << info.SizeShift()}
			if info.Store() {
				mev.Write = 1
			}
			t.pack(&mev)
		}, plugin.NoRegs, plugin.MemReadWrite, nil)
	}
}

func (t *Tracer) pack(ev interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = t.tw.Pack(ev)
}
