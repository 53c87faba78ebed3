package emu

import (
	"sync/atomic"

	"github.com/quokkavm/quokka/cpu/ndh"
)

// guest syscall numbers, vmndh convention: number in r0, arguments in
// r1..r7, return value back in r0
const (
	sysExit  = 0x01
	sysWrite = 0x04
)

var sysArgRegs = []int{ndh.R1, ndh.R2, ndh.R3, ndh.R4, ndh.R5, ndh.R6, ndh.R7}

// doSyscall services one guest syscall, bracketed by the plugin host's
// syscall events.
func (m *Machine) doSyscall(v *VCPU) {
	num, _ := v.cpu.Regs.RegRead(ndh.R0)
	var args [8]uint64
	for i, r := range sysArgRegs {
		args[i], _ = v.cpu.Regs.RegRead(r)
	}
	m.host.Syscall(v.Index, int64(num), args)
	ret := m.syscall(v, int(num), args)
	v.cpu.Regs.RegWrite(ndh.R0, uint64(ret))
	m.host.SyscallRet(v.Index, int64(num), ret)
}

func (m *Machine) syscall(v *VCPU, num int, args [8]uint64) int64 {
	switch num {
	case sysExit:
		atomic.StoreInt32(&m.exitCode, int32(args[0]))
		atomic.StoreInt32(&m.exited, 1)
		v.cpu.Exit()
		return 0
	case sysWrite:
		fd, buf, size := args[0], args[1], args[2]
		p, err := m.mem.MemRead(buf, size)
		if err != nil {
			return -1
		}
		if fd == 1 || fd == 2 {
			m.cfg.Output.Write(p)
		}
		return int64(len(p))
	default:
		return -1
	}
}
