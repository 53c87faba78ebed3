package ndh

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/quokkavm/quokka/cpu"
)

func rbool(i bool) uint64 {
	if i {
		return 1
	}
	return 0
}

// CPU is one ndh hardware thread: a register file plus its view of guest
// memory. The execution engine steps it one decoded instruction at a time.
type CPU struct {
	*cpu.Regs
	*cpu.Mem

	// Syscall is invoked on OP_SYSCALL. The machine owns the syscall
	// table; it reads the number and arguments from the register file
	// and writes the return value back through it.
	Syscall func()

	exited bool
	err    error
}

// New builds a CPU around the given memory view.
func New(mem *cpu.Mem) *CPU {
	enums := make([]int, 0, len(RegDefs))
	for _, r := range RegDefs {
		enums = append(enums, r.Enum)
	}
	return &CPU{
		Regs: cpu.NewRegs(16, enums),
		Mem:  mem,
	}
}

// NewMem builds the canonical 16-bit little-endian ndh memory.
func NewMem() *cpu.Mem {
	return cpu.NewMem(16, binary.LittleEndian)
}

func (n *CPU) Exited() bool {
	return n.exited
}

// Exit halts the CPU from outside the instruction stream. The exit syscall
// uses it; OP_END halts on its own.
func (n *CPU) Exit() {
	n.exited = true
}

func (n *CPU) PC() uint64 {
	pc, _ := n.RegRead(PC)
	return pc
}

func (n *CPU) set(a arg, val uint64) {
	switch v := a.(type) {
	case *reg:
		n.RegWrite(int(v.num), val)
	case *indirect:
		addr := n.get(v.arg.(*reg))
		n.err = n.WriteUint(addr, 1, cpu.PROT_WRITE, val)
	default:
		panic(fmt.Sprintf("unsupported set: %T", a))
	}
}

func (n *CPU) get(a arg) uint64 {
	var val uint64
	switch v := a.(type) {
	case *u8:
		val = uint64(v.val)
	case *u16:
		val = uint64(v.val)
	case *reg:
		val, _ = n.RegRead(int(v.num))
	case *indirect:
		addr := n.get(v.arg.(*reg))
		val, n.err = n.ReadUint(addr, 1, cpu.PROT_READ)
	default:
		panic(fmt.Sprintf("unsupported get: %T", a))
	}
	return val
}

// Step executes one decoded instruction and leaves PC pointing at the next
// instruction to run.
func (n *CPU) Step(ins *Ins) error {
	if n.exited {
		return errors.New("cpu has exited")
	}
	n.err = nil

	var a, b arg
	switch len(ins.args) {
	case 2:
		a = ins.args[0]
		b = ins.args[1]
	case 1:
		a = ins.args[0]
	}

	pc := ins.addr
	next_pc := pc + uint64(len(ins.bytes))
	jmpoff := int32(-1)
	afr, _ := n.RegRead(AF)
	bfr, _ := n.RegRead(BF)
	zfr, _ := n.RegRead(ZF)
	sp, _ := n.RegRead(SP)
	af, bf, zf := afr == 1, bfr == 1, zfr == 1

	zfcheck := func(val uint64) uint64 {
		zf = val == 0
		return val
	}

	switch ins.op {
	case OP_DEC:
		n.set(a, n.get(a)-1)
	case OP_INC:
		n.set(a, n.get(a)+1)
	case OP_XCHG:
		xa, xb := n.get(a), n.get(b)
		n.set(a, xb)
		n.set(b, xa)
	case OP_MOV:
		n.set(a, n.get(b))

	case OP_ADD:
		n.set(a, zfcheck(n.get(a)+n.get(b)))
	case OP_AND:
		n.set(a, zfcheck(n.get(a)&n.get(b)))
	case OP_DIV:
		d := n.get(b)
		if d == 0 {
			return errors.Errorf("divide by zero at %#x", pc)
		}
		n.set(a, zfcheck(n.get(a)/d))
	case OP_MUL:
		n.set(a, zfcheck(n.get(a)*n.get(b)))
	case OP_NOT:
		n.set(a, zfcheck(^n.get(a)))
	case OP_OR:
		n.set(a, zfcheck(n.get(a)|n.get(b)))
	case OP_SUB:
		n.set(a, zfcheck(n.get(a)-n.get(b)))
	case OP_XOR:
		n.set(a, zfcheck(n.get(a)^n.get(b)))

	case OP_CMP:
		va, vb := n.get(a), n.get(b)
		af, bf, zf = false, false, false
		if va == vb {
			zf = true
		} else if va < vb {
			af = true
		} else if va > vb {
			bf = true
		}
	case OP_TEST:
		zf = n.get(a) == 0 && n.get(b) == 0

	case OP_SYSCALL:
		if n.Syscall != nil {
			n.Syscall()
		}
	case OP_NOP:
	case OP_END:
		n.exited = true
	case OP_JA:
		if af {
			jmpoff = int32(n.get(a))
		}
	case OP_JB:
		if bf {
			jmpoff = int32(n.get(a))
		}
	case OP_JMPL, OP_JMPS:
		jmpoff = int32(n.get(a))
	case OP_JNZ:
		if !zf {
			jmpoff = int32(n.get(a))
		}
	case OP_JZ:
		if zf {
			jmpoff = int32(n.get(a))
		}

	case OP_CALL:
		jmpoff = int32(n.get(a))
		sp -= 2
		n.err = n.WriteUint(sp, 2, cpu.PROT_WRITE, next_pc)
	case OP_RET:
		next_pc, n.err = n.ReadUint(sp, 2, cpu.PROT_READ)
		sp += 2

	case OP_PUSH:
		size := 2
		if _, ok := a.(*u8); ok {
			size = 1
		}
		sp -= uint64(size)
		val := n.get(a)
		n.err = n.WriteUint(sp, size, cpu.PROT_WRITE, val)
	case OP_POP:
		var val uint64
		val, n.err = n.ReadUint(sp, 2, cpu.PROT_READ)
		n.set(a, val)
		sp += 2

	default:
		return errors.Errorf("invalid op: %#x", ins.op)
	}
	n.RegWrite(AF, rbool(af))
	n.RegWrite(BF, rbool(bf))
	n.RegWrite(ZF, rbool(zf))
	n.RegWrite(SP, sp)

	if jmpoff >= 0 {
		insend := ins.addr + uint64(len(ins.bytes))
		next_pc = (insend + uint64(jmpoff)) & 0xffff
	}
	n.RegWrite(PC, next_pc)
	return n.err
}
