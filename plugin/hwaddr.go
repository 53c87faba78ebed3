package plugin

// HwAddr is the opaque handle describing the hardware address behind one
// memory access. It is only valid for the duration of the memory callback
// that queried it.
type HwAddr struct {
	h    *Host
	s    *scope
	io   bool
	phys uint64
	dev  string
}

// GetHwAddr resolves the physical side of a memory access. It may only be
// called from inside a memory callback, with that callback's MemInfo and
// virtual address. For user-mode guests it returns nil.
func (h *Host) GetHwAddr(info MemInfo, vaddr uint64) *HwAddr {
	if !h.guest.SystemEmulation() {
		return nil
	}
	st := h.vcpu(info.vcpu())
	s := st.memScope
	if !s.open() {
		h.badUse("GetHwAddr: called outside a memory callback")
		return nil
	}
	phys, io, dev, ok := h.guest.TranslateAddr(vaddr)
	if !ok {
		return nil
	}
	return &HwAddr{h: h, s: s, io: io, phys: phys, dev: dev}
}

// IsIO reports whether the access went to memory-mapped IO rather than RAM.
func (a *HwAddr) IsIO() bool {
	if !a.h.checkScope(a.s, "HwAddr.IsIO") {
		return false
	}
	return a.io
}

// PhysAddr returns the physical address of the access. It may not be
// unique across address spaces.
func (a *HwAddr) PhysAddr() uint64 {
	if !a.h.checkScope(a.s, "HwAddr.PhysAddr") {
		return 0
	}
	return a.phys
}

// DeviceName returns a string naming the device behind the access. The
// string stays valid for the plugin's lifetime.
func (a *HwAddr) DeviceName() string {
	if !a.h.checkScope(a.s, "HwAddr.DeviceName") {
		return ""
	}
	return a.dev
}
