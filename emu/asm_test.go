package emu

import (
	"github.com/quokkavm/quokka/cpu/ndh"
)

// asm is a tiny test assembler for ndh code. Addresses are relative to
// LoadAddr.
type asm struct {
	code []byte
}

func (a *asm) raw(b ...byte) *asm {
	a.code = append(a.code, b...)
	return a
}

// here returns the virtual address of the next instruction.
func (a *asm) here() uint64 {
	return LoadAddr + uint64(len(a.code))
}

// mov r, imm16
func (a *asm) mov16(r int, v uint16) *asm {
	return a.raw(ndh.OP_MOV, ndh.OP_FLAG_REG_DIRECT16, byte(r), byte(v), byte(v>>8))
}

// mov [dst], src
func (a *asm) store(dst, src int) *asm {
	return a.raw(ndh.OP_MOV, ndh.OP_FLAG_REGINDIRECT_REG, byte(dst), byte(src))
}

// mov dst, [src]
func (a *asm) load(dst, src int) *asm {
	return a.raw(ndh.OP_MOV, ndh.OP_FLAG_REG_REGINDIRECT, byte(dst), byte(src))
}

// div dst, src
func (a *asm) div(dst, src int) *asm {
	return a.raw(ndh.OP_DIV, ndh.OP_FLAG_REG_REG, byte(dst), byte(src))
}

func (a *asm) inc(r int) *asm { return a.raw(ndh.OP_INC, byte(r)) }
func (a *asm) dec(r int) *asm { return a.raw(ndh.OP_DEC, byte(r)) }

// cmp r, imm8
func (a *asm) cmp8(r int, v byte) *asm {
	return a.raw(ndh.OP_CMP, ndh.OP_FLAG_REG_DIRECT08, byte(r), v)
}

// jnz to an absolute address; the offset is relative to the end of the
// jump instruction
func (a *asm) jnz(target uint64) *asm {
	off := uint16(target - (a.here() + 3))
	return a.raw(ndh.OP_JNZ, byte(off), byte(off>>8))
}

func (a *asm) nop() *asm     { return a.raw(ndh.OP_NOP) }
func (a *asm) end() *asm     { return a.raw(ndh.OP_END) }
func (a *asm) syscall() *asm { return a.raw(ndh.OP_SYSCALL) }

// exit emits the exit syscall with the given status.
func (a *asm) exit(status uint16) *asm {
	return a.mov16(ndh.R0, sysExit).mov16(ndh.R1, status).syscall()
}
