package cpu

import (
	"hash/fnv"
)

// block flags
const (
	// BlockMemOnly marks a block emitted purely to perform memory IO.
	// Block- and instruction-level execution instrumentation is suppressed.
	BlockMemOnly = 1 << iota
	// BlockMemOps marks a block containing at least one instruction that
	// accesses memory. Memory instrumentation only applies to such blocks.
	BlockMemOps
)

// Ins is one decoded guest instruction inside a Block.
type Ins struct {
	Va    uint64
	Pa    uint64
	Bytes []byte

	// CF marks control-flow instructions. They terminate blocks and
	// never fire after-execution instrumentation.
	CF bool
	// Mem marks instructions that may access memory.
	Mem bool
}

func (i *Ins) Size() int { return len(i.Bytes) }

// Block is a translated run of guest instructions ending at the first
// control-flow instruction. The translator produces one per cache miss.
type Block struct {
	Va    uint64
	Hash  uint32
	Flags int
	Ins   []Ins
}

func (b *Block) Size() int {
	n := 0
	for i := range b.Ins {
		n += len(b.Ins[i].Bytes)
	}
	return n
}

// Seal computes the block hash and flags once translation is done.
func (b *Block) Seal() {
	h := fnv.New32a()
	for i := range b.Ins {
		h.Write(b.Ins[i].Bytes)
		if b.Ins[i].Mem {
			b.Flags |= BlockMemOps
		}
	}
	b.Hash = h.Sum32()
}
