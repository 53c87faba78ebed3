// Package plugin is the instrumentation ABI of the quokka emulator: it
// loads instrumentation modules, keeps their callback registrations, weaves
// instrumentation into translated blocks, dispatches it during execution,
// and answers introspection queries from inside callbacks.
package plugin

// ID is a plugin's opaque identity. IDs are unique for the lifetime of the
// host process and are never reused.
type ID uint64

// ABI levels. A module built against a level outside [MinVersion, Version]
// is refused before its install entry point runs.
const (
	MinVersion = 2
	Version    = 7
)

// Feature probes. A module targeting older hosts checks these before
// relying on the corresponding query.
const (
	FeatureAfterInsnExec = true
	FeatureRegisters     = true
	FeatureDisasSyntax   = true
	FeatureReadPhysMem   = true
	FeatureLogFilename   = true
)

// Info is the host snapshot passed to a module's install entry point. It is
// only valid during the call; modules copy what they need. The argument
// slice, in contrast, stays valid for the module's whole lifetime.
type Info struct {
	TargetName string
	MinVersion int
	CurVersion int

	SystemEmulation bool
	// SMPVCPUs and MaxVCPUs are only meaningful under system emulation.
	SMPVCPUs int
	MaxVCPUs int

	MTTCGEnabled bool
}

// Module is one instrumentation module. Install is the entry point called
// once after load; returning non-zero refuses the load.
type Module struct {
	Name    string
	Version int
	Install func(id ID, info *Info, args []string) int
}

// CBFlags declares a callback's register access. Stored but otherwise
// unused; reserved for a revision that permits register writes.
type CBFlags int

const (
	NoRegs CBFlags = iota
	RRegs
	RWRegs
)

// MemRW filters memory instrumentation by access direction.
type MemRW int

const (
	MemRead MemRW = 1 + iota
	MemWrite
	MemReadWrite
)

// Op enumerates inline operations. Inline ops are applied directly by the
// execution shim rather than calling through a function value.
type Op int

const (
	AddU64 Op = iota
	AddU64Atomic
)

// Syntax selects a disassembly flavor for Insn.DisasWithSyntax.
type Syntax int

const (
	SyntaxDefault Syntax = iota
	SyntaxATT
	SyntaxIntel
	SyntaxMASM
)

// callback signatures
type SimpleFn func(id ID)
type UdataFn func(id ID, udata interface{})
type VCPUSimpleFn func(id ID, vcpu int)
type VCPUUdataFn func(vcpu int, udata interface{})
type TBTransFn func(id ID, tb *TB)
type TBInvalidateFn func(hash uint32, udata interface{})
type MemFn func(vcpu int, info MemInfo, vaddr uint64, udata interface{})
type SyscallFn func(id ID, vcpu int, num int64, args [8]uint64)
type SyscallRetFn func(id ID, vcpu int, num int64, ret int64)
