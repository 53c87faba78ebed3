package ndh

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Syntax selects the disassembly flavor. The default is Intel-style.
type Syntax int

const (
	SyntaxDefault Syntax = iota
	SyntaxATT
	SyntaxIntel
	SyntaxMASM
)

type Ins struct {
	addr  uint64
	op    byte
	name  string
	args  []arg
	bytes []byte
}

func (i *Ins) String() string {
	return i.Text(SyntaxDefault)
}

func (i *Ins) Addr() uint64 {
	return i.addr
}

func (i *Ins) Bytes() []byte {
	return i.bytes
}

func (i *Ins) Mnemonic() string {
	return i.name
}

func (i *Ins) Op() byte {
	return i.op
}

// CF reports whether the instruction is a control-flow instruction.
func (i *Ins) CF() bool {
	return cfOps[i.op]
}

// Mem reports whether the instruction may access memory.
func (i *Ins) Mem() bool {
	if stackOps[i.op] {
		return true
	}
	for _, a := range i.args {
		if _, ok := a.(*indirect); ok {
			return true
		}
	}
	return false
}

func (i *Ins) OpStr() string {
	return i.opStr(SyntaxDefault)
}

func (i *Ins) opStr(s Syntax) string {
	var args []string
	for _, a := range i.args {
		args = append(args, a.text(s))
	}
	if s == SyntaxATT {
		// AT&T reverses operand order
		for l, r := 0, len(args)-1; l < r; l, r = l+1, r-1 {
			args[l], args[r] = args[r], args[l]
		}
	}
	return strings.Join(args, ", ")
}

// Text renders the instruction in the requested syntax.
func (i *Ins) Text(s Syntax) string {
	ops := i.opStr(s)
	if ops == "" {
		return i.name
	}
	return i.name + " " + ops
}

type arg interface {
	text(s Syntax) string
}

type u8 struct{ val uint8 }
type u16 struct{ val uint16 }
type reg struct{ num uint8 }
type indirect struct{ arg arg }

func imm(s Syntax, val uint64) string {
	switch s {
	case SyntaxATT:
		return fmt.Sprintf("$%#x", val)
	case SyntaxMASM:
		return fmt.Sprintf("%xh", val)
	default:
		return fmt.Sprintf("%#x", val)
	}
}

func (a *u8) text(s Syntax) string  { return imm(s, uint64(a.val)) }
func (a *u16) text(s Syntax) string { return imm(s, uint64(a.val)) }

func (a *reg) text(s Syntax) string {
	var name string
	switch a.num {
	case PC:
		name = "pc"
	case SP:
		name = "sp"
	case BP:
		name = "bp"
	default:
		name = fmt.Sprintf("r%d", a.num)
	}
	if s == SyntaxATT {
		return "%" + name
	}
	return name
}

func (a *indirect) text(s Syntax) string {
	if s == SyntaxATT {
		return "(" + a.arg.text(s) + ")"
	}
	return "[" + a.arg.text(s) + "]"
}

type insReader struct {
	*bytes.Reader
	err  error
	addr uint64
}

func (i *insReader) r8() uint8 {
	b, err := i.ReadByte()
	i.err = err
	return b
}

func (i *insReader) r16() uint16 {
	var tmp [2]byte
	_, i.err = i.Read(tmp[:])
	return binary.LittleEndian.Uint16(tmp[:])
}

func (i *insReader) u8() arg {
	return &u8{i.r8()}
}

func (i *insReader) u16() arg {
	return &u16{i.r16()}
}

func (i *insReader) reg() arg {
	return &reg{i.r8()}
}

func (i *insReader) flag() []arg {
	flag := i.r8()
	var args []arg
	switch flag {
	case OP_FLAG_REG_REG:
		args = []arg{i.reg(), i.reg()}

	case OP_FLAG_REG_DIRECT08:
		args = []arg{i.reg(), i.u8()}

	case OP_FLAG_REG_DIRECT16:
		args = []arg{i.reg(), i.u16()}

	case OP_FLAG_REG:
		args = []arg{i.reg()}

	case OP_FLAG_DIRECT16:
		args = []arg{i.u16()}

	case OP_FLAG_DIRECT08:
		args = []arg{i.u8()}

	case OP_FLAG_REGINDIRECT_REG:
		args = []arg{&indirect{i.reg()}, i.reg()}

	case OP_FLAG_REGINDIRECT_DIRECT08:
		args = []arg{&indirect{i.reg()}, i.u8()}

	case OP_FLAG_REGINDIRECT_DIRECT16:
		args = []arg{&indirect{i.reg()}, i.u16()}

	case OP_FLAG_REGINDIRECT_REGINDIRECT:
		args = []arg{&indirect{i.reg()}, &indirect{i.reg()}}

	case OP_FLAG_REG_REGINDIRECT:
		args = []arg{i.reg(), &indirect{i.reg()}}
	}
	return args
}

func (i *insReader) tell() int64 {
	return i.Size() - int64(i.Len())
}

func (i *insReader) ins() *Ins {
	start := i.tell()
	b, err := i.ReadByte()
	if err != nil {
		return nil
	}
	if data, ok := opData[int(b)]; ok {
		var args []arg
		switch data.arg {
		case A_NONE:
		case A_1REG:
			args = []arg{i.reg()}
		case A_2REG:
			args = []arg{i.reg(), i.reg()}
		case A_U8:
			args = []arg{i.u8()}
		case A_U16:
			args = []arg{i.u16()}
		case A_FLAG:
			args = i.flag()
		}
		if i.err != nil {
			return nil
		}
		p := make([]byte, i.tell()-start)
		i.ReadAt(p, start)
		return &Ins{
			addr:  i.addr + uint64(start),
			op:    b,
			name:  data.name,
			args:  args,
			bytes: p,
		}
	}
	return nil
}

type Dis struct{}

// Dis decodes every instruction in mem.
func (d *Dis) Dis(mem []byte, addr uint64) ([]*Ins, error) {
	reader := &insReader{
		addr:   addr,
		Reader: bytes.NewReader(mem),
	}
	var ret []*Ins
	for {
		ins := reader.ins()
		if ins == nil || reader.err != nil {
			break
		}
		ret = append(ret, ins)
	}
	return ret, nil
}

// DisOne decodes the first instruction in mem, or nil if it does not decode.
func DisOne(mem []byte, addr uint64) *Ins {
	reader := &insReader{
		addr:   addr,
		Reader: bytes.NewReader(mem),
	}
	ins := reader.ins()
	if reader.err != nil {
		return nil
	}
	return ins
}
