package plugin

// MemInfo is a packed descriptor of one memory access. The bit layout is
// host-private; plugins use the decoding queries only.
//
// layout: [3:0] size shift, [4] sign extended, [5] big endian, [6] store,
// [27:16] vCPU index (so GetHwAddr can find the access's execution context).
type MemInfo uint32

const (
	miShiftMask = 0xf
	miSext      = 1 << 4
	miBE        = 1 << 5
	miStore     = 1 << 6
	miVCPUShift = 16
	miVCPUMask  = 0xfff
)

func packMemInfo(vcpu int, shift uint, sext, big, store bool) MemInfo {
	mi := MemInfo(shift&miShiftMask) | MemInfo(vcpu&miVCPUMask)<<miVCPUShift
	if sext {
		mi |= miSext
	}
	if big {
		mi |= miBE
	}
	if store {
		mi |= miStore
	}
	return mi
}

// SizeShift returns the access size as a power-of-two shift
// (0=byte, 1=16bit, 2=32bit, ...).
func (mi MemInfo) SizeShift() uint {
	return uint(mi & miShiftMask)
}

func (mi MemInfo) SignExtended() bool {
	return mi&miSext != 0
}

func (mi MemInfo) BigEndian() bool {
	return mi&miBE != 0
}

func (mi MemInfo) Store() bool {
	return mi&miStore != 0
}

func (mi MemInfo) Load() bool {
	return mi&miStore == 0
}

func (mi MemInfo) vcpu() int {
	return int(mi>>miVCPUShift) & miVCPUMask
}

// matches reports whether an access passes a registration's direction filter.
func (mi MemInfo) matches(rw MemRW) bool {
	if mi.Store() {
		return rw&MemWrite != 0
	}
	return rw&MemRead != 0
}
