package ndh

import (
	"github.com/pkg/errors"

	"github.com/quokkavm/quokka/cpu"
)

// largest known ndh instruction size
const maxInsSize = 5

// MaxBlockIns bounds straight-line translation so a long nop sled still
// splits into cacheable blocks.
const MaxBlockIns = 512

// Translator decodes straight-line runs of guest code into translation
// blocks. A block ends at the first control-flow instruction.
type Translator struct {
	Mem *cpu.Mem
}

// Translate decodes the block starting at va. It returns the architecture
// neutral block handed to the instrumentation weaver alongside the decoded
// instructions the executor steps through. The two slices are index-aligned.
func (t *Translator) Translate(va uint64) (*cpu.Block, []*Ins, error) {
	blk := &cpu.Block{Va: va}
	var dec []*Ins
	pc := va
	for len(dec) < MaxBlockIns {
		mem, err := t.fetchWindow(pc)
		if err != nil {
			if len(dec) == 0 {
				return nil, nil, err
			}
			break
		}
		ins := DisOne(mem, pc)
		if ins == nil {
			if len(dec) == 0 {
				return nil, nil, errors.Errorf("invalid instruction at %#x", pc)
			}
			break
		}
		dec = append(dec, ins)
		blk.Ins = append(blk.Ins, cpu.Ins{
			Va:    pc,
			Pa:    pc,
			Bytes: ins.Bytes(),
			CF:    ins.CF(),
			Mem:   ins.Mem(),
		})
		pc += uint64(len(ins.Bytes()))
		if ins.CF() {
			break
		}
	}
	blk.Seal()
	return blk, dec, nil
}

// fetchWindow reads up to maxInsSize code bytes at pc, shrinking the window
// near the end of a mapping.
func (t *Translator) fetchWindow(pc uint64) ([]byte, error) {
	var err error
	for n := uint64(maxInsSize); n > 0; n-- {
		var mem []byte
		if mem, err = t.Mem.Fetch(pc, n); err == nil {
			return mem, nil
		}
	}
	return nil, errors.Wrapf(err, "fetch failed at %#x", pc)
}
