package plugin

import (
	"github.com/pkg/errors"

	"github.com/quokkavm/quokka/cpu"
)

type ctxReg struct {
	def cpu.RegDef
	buf []byte
}

// RegContext is a plugin-owned bundle of registers for batch reading. The
// plugin creates and destroys it explicitly; the per-register buffers are
// allocated once, so their addresses stay stable across loads.
type RegContext struct {
	h     *Host
	regs  []ctxReg
	freed bool
}

// NewRegContext resolves names into a register context. A name that does
// not resolve is an error; creation from inside a vcpu-init callback is a
// programming error.
func (h *Host) NewRegContext(names []string) (*RegContext, error) {
	if h.inVCPUInit() {
		h.badUse("NewRegContext: cannot be called from a vcpu-init callback")
		return nil, errors.New("register context created during vcpu init")
	}
	c := &RegContext{h: h, regs: make([]ctxReg, 0, len(names))}
	for _, name := range names {
		n, ok := h.FindReg(name)
		if !ok {
			return nil, errors.Errorf("unknown register %q", name)
		}
		def := h.regs[n]
		c.regs = append(c.regs, ctxReg{def: def, buf: make([]byte, def.Size)})
	}
	return c, nil
}

// NRegs returns the number of registers in the context.
func (c *RegContext) NRegs() int {
	return len(c.regs)
}

// RegName returns the name of register idx.
func (c *RegContext) RegName(idx int) string {
	return c.regs[idx].def.Name
}

// RegPtr returns register idx's data buffer. The same slice is returned
// for every call; Load overwrites it in place.
func (c *RegContext) RegPtr(idx int) []byte {
	return c.regs[idx].buf
}

// RegSize returns the size of register idx's data in bytes.
func (c *RegContext) RegSize(idx int) int {
	return c.regs[idx].def.Size
}

// Load reads every register in the context from the given vCPU,
// overwriting the existing buffers at the same positions.
func (c *RegContext) Load(vcpu int) error {
	if c.freed {
		return errors.New("register context already freed")
	}
	for i := range c.regs {
		r := &c.regs[i]
		p, err := c.h.guest.RegRead(vcpu, r.def.Enum)
		if err != nil {
			return errors.Wrapf(err, "loading %q", r.def.Name)
		}
		copy(r.buf, p)
	}
	return nil
}

// Free releases the context.
func (c *RegContext) Free() {
	c.freed = true
	c.regs = nil
}

func (h *Host) inVCPUInit() bool {
	h.vmu.Lock()
	defer h.vmu.Unlock()
	for _, st := range h.vcpus {
		if st.inInit {
			return true
		}
	}
	return false
}
