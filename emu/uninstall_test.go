package emu

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/quokkavm/quokka/cpu/ndh"
	"github.com/quokkavm/quokka/plugin"
)

// loopProgram spins a counted loop and exits with the given status.
func loopProgram(n uint16, status uint16) []byte {
	a := &asm{}
	a.mov16(ndh.R0, n)
	loop := a.here()
	a.dec(ndh.R0)
	a.cmp8(ndh.R0, 0)
	a.jnz(loop)
	a.exit(status)
	return a.code
}

func TestUninstallDuringRun(t *testing.T) {
	m := buildMachine(t, nil, loopProgram(0xffff, 7))
	var count uint64
	id, err := m.Host().Load(plugin.Module{Name: "count", Version: plugin.Version,
		Install: func(id plugin.ID, info *plugin.Info, args []string) int {
			m.Host().RegisterTBTransCb(id, func(id plugin.ID, tb *plugin.TB) {
				for i := 0; i < tb.NInsns(); i++ {
					tb.GetInsn(i).RegisterExecInline(plugin.AddU64Atomic, &count, 1)
				}
			})
			return 0
		}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddVCPU(); err != nil {
		t.Fatal(err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()

	done := make(chan plugin.ID, 1)
	m.Host().Uninstall(id, func(id plugin.ID) { done <- id })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("uninstall never completed")
	}

	// once the completion callback has fired, no instrumentation of the
	// plugin may run again
	c1 := atomic.LoadUint64(&count)
	time.Sleep(10 * time.Millisecond)
	c2 := atomic.LoadUint64(&count)
	if c1 != c2 {
		t.Fatalf("count moved after uninstall completion: %d -> %d", c1, c2)
	}

	if err := <-runErr; err != nil {
		t.Fatal(err)
	}
	if m.ExitCode() != 7 {
		t.Fatalf("exit code: %d", m.ExitCode())
	}
	if c3 := atomic.LoadUint64(&count); c3 != c2 {
		t.Fatalf("count moved after run: %d -> %d", c2, c3)
	}
}

// collectStream runs prog on a fresh machine with a full tracer plugin and
// returns the event stream.
func collectStream(t *testing.T, prog []byte) []string {
	t.Helper()
	m := buildMachine(t, nil, prog)
	var log []string
	mod := plugin.Module{Name: "stream", Version: plugin.Version,
		Install: func(id plugin.ID, info *plugin.Info, args []string) int {
			h := m.Host()
			h.RegisterTBTransCb(id, func(id plugin.ID, tb *plugin.TB) {
				log = append(log, fmt.Sprintf("trans %#x/%d", tb.Vaddr(), tb.NInsns()))
				tb.RegisterExecCb(func(vcpu int, udata interface{}) {
					log = append(log, fmt.Sprintf("block %v", udata))
				}, plugin.NoRegs, tb.Vaddr())
				for i := 0; i < tb.NInsns(); i++ {
					in := tb.GetInsn(i)
					va := in.Vaddr()
					in.RegisterExecCb(func(vcpu int, udata interface{}) {
						log = append(log, fmt.Sprintf("exec %#x", va))
					}, plugin.NoRegs, nil)
					in.RegisterMemCb(func(vcpu int, info plugin.MemInfo, vaddr uint64, udata interface{}) {
						dir := "ld"
						if info.Store() {
							dir = "st"
						}
						log = append(log, fmt.Sprintf("%s %#x", dir, vaddr))
					}, plugin.NoRegs, plugin.MemReadWrite, nil)
				}
			})
			h.RegisterSyscallCb(id, func(id plugin.ID, vcpu int, num int64, args [8]uint64) {
				log = append(log, fmt.Sprintf("sys %d", num))
			})
			h.RegisterAtexitCb(id, func(id plugin.ID, udata interface{}) {
				log = append(log, "atexit")
			}, nil)
			return 0
		}}
	if _, err := m.Host().Load(mod, nil); err != nil {
		t.Fatal(err)
	}
	runOne(t, m)
	return log
}

func TestRerunIdenticalStream(t *testing.T) {
	a := &asm{}
	a.mov16(ndh.R1, 0x100)
	a.mov16(ndh.R0, 0x41)
	a.store(ndh.R1, ndh.R0)
	a.load(ndh.R2, ndh.R1)
	a.mov16(ndh.R0, 5)
	loop := a.here()
	a.dec(ndh.R0)
	a.cmp8(ndh.R0, 0)
	a.jnz(loop)
	a.exit(0)

	first := collectStream(t, a.code)
	second := collectStream(t, a.code)
	if len(first) == 0 {
		t.Fatal("empty stream")
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("streams differ (-first +second):\n%s", diff)
	}
}

func TestMultiVCPU(t *testing.T) {
	a := &asm{}
	a.mov16(ndh.R0, 100)
	loop := a.here()
	a.dec(ndh.R0)
	a.cmp8(ndh.R0, 0)
	a.jnz(loop)
	a.end()

	m := buildMachine(t, &Config{System: true, NCPUs: 2, MTTCG: true}, a.code)
	var perCPU [2]uint64
	mod := plugin.Module{Name: "smp", Version: plugin.Version,
		Install: func(id plugin.ID, info *plugin.Info, args []string) int {
			if !info.SystemEmulation || info.MaxVCPUs != 2 {
				return 1
			}
			m.Host().RegisterTBTransCb(id, func(id plugin.ID, tb *plugin.TB) {
				for i := 0; i < tb.NInsns(); i++ {
					tb.GetInsn(i).RegisterExecCb(func(vcpu int, udata interface{}) {
						atomic.AddUint64(&perCPU[vcpu], 1)
					}, plugin.NoRegs, nil)
				}
			})
			return 0
		}}
	if _, err := m.Host().Load(mod, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddVCPU(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddVCPU(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddVCPU(); err == nil {
		t.Fatal("vCPU limit not enforced")
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// mov + 100 iterations of 3 + end, per vCPU
	for i, n := range perCPU {
		if n != 302 {
			t.Fatalf("vcpu %d executed %d instructions", i, n)
		}
	}
}
