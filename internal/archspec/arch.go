// Package archspec is the arch layer (C1): per-architecture instruction
// encoders, syscall ABI register marshalling, and the handful of byte
// constants the rest of ultask needs to stay free of `#if __x86_64__`-style
// conditionals. Modeled as a tagged interface per the teacher's own
// Architecture abstraction (arch.go, mov_x86_64.go, syscall_x86.go/
// syscall_aarch.go), generalized from code emission to patch-site encoding.
package archspec

import "fmt"

// Regs is a portable register snapshot big enough to hold either
// architecture's integer register file. It mirrors golang.org/x/sys/unix's
// per-GOARCH PtraceRegs layouts without depending on the host's build
// constraints, so archspec stays buildable regardless of GOARCH; the
// remote package is responsible for converting to and from the real
// unix.PtraceRegs on the host it is actually running on.
type Regs struct {
	// x86-64 general purpose registers (unix.PtraceRegs field names).
	Rax, Rbx, Rcx, Rdx, Rsi, Rdi, Rbp, Rsp, Rip uint64
	R8, R9, R10, R11, R12, R13, R14, R15        uint64
	OrigRax, Eflags                             uint64

	// x86-64 segment selectors and FS/GS bases. Not touched by any
	// encoder or syscall-ABI logic, but must round-trip through every
	// GetRegs/SetRegs unchanged: PTRACE_SETREGS writes the whole
	// register file, and a zeroed Cs/Ss is not a valid user-mode
	// segment selector — resuming the target after that would fault
	// on its very next instruction.
	Cs, Ss, Ds, Es, Fs, Gs uint64
	FsBase, GsBase         uint64

	// AArch64 general purpose registers (X0..X30) plus Sp/Pc/Pstate.
	X              [31]uint64
	Sp, Pc, Pstate uint64
}

// Arch is the per-architecture contract: instruction encoders and
// syscall-ABI register marshalling (spec §4.1).
type Arch interface {
	Name() string

	// MCountInsnSize is the size in bytes of the compiler-emitted mcount
	// call/branch: 5 on x86-64 (E8 rel32), 4 on AArch64 (BL).
	MCountInsnSize() int

	// FuncCallOffset scans a bounded function prologue for the
	// mcount call/branch and returns its byte offset from entry.
	FuncCallOffset(prologue []byte) (int, error)

	// CallReplace encodes a direct relative call/branch from ip to
	// target. Returns ErrDisplacementOutOfRange if it does not fit.
	CallReplace(ip, target uint64) ([]byte, error)

	// BranchImm encodes an AArch64 B/BL; link selects BL. Unused (returns
	// an error) on x86-64.
	BranchImm(pc, target uint64, link bool) ([]byte, error)

	// NopReplace returns the canonical multi-byte NOP for this arch.
	NopReplace() []byte

	// JumpTableTemplate returns the fixed head bytes of an absolute
	// indirect jump used to build a JumpTableEntry.
	JumpTableTemplate() []byte

	// JumpTableSize is the total size in bytes of one JumpTableEntry
	// (template head + 64-bit address tail).
	JumpTableSize() int

	// SyscallInstrBytes is the raw syscall instruction for this ABI.
	SyscallInstrBytes() []byte

	// RegsPrepare writes the syscall number and up to six arguments into
	// the registers the ABI expects, into a copy of base.
	RegsPrepare(base Regs, nr uint64, args [6]uint64) Regs

	// SyscallIP/SetSyscallIP access the program counter.
	SyscallIP(r Regs) uint64
	SetSyscallIP(r *Regs, ip uint64)

	// SyscallRet extracts the syscall return value register.
	SyscallRet(r Regs) int64

	// CopyRegs copies the subset of integer registers used by syscalls.
	CopyRegs(dst *Regs, src Regs)

	// ApplyReloc computes the bytes to write at loc for one RELA entry.
	// current holds the bytes presently at loc (the assembler's
	// placeholder encoding); AArch64's ADRP/ADD/LDST forms merge their
	// immediate into those bits rather than overwriting the whole word,
	// while CALL26/JUMP26 re-encode a complete BL/B word.
	ApplyReloc(relType uint32, loc, symVal uint64, addend int64, current []byte) ([]byte, error)

	// IsGOTRelative reports whether relType addresses a GOT cell rather
	// than the symbol directly, so the caller must pass ApplyReloc the
	// address of an allocated, resolved-address-holding cell as symVal
	// instead of the symbol's own resolved address.
	IsGOTRelative(relType uint32) bool

	// MaxCallDisplacement bounds what CallReplace/BranchImm can reach.
	MaxCallDisplacement() int64
}

// For returns the Arch implementation for a GOARCH-style name
// ("amd64"/"x86_64" or "arm64"/"aarch64").
func For(name string) (Arch, error) {
	switch name {
	case "amd64", "x86_64", "x86-64":
		return X86_64{}, nil
	case "arm64", "aarch64":
		return AArch64{}, nil
	default:
		return nil, fmt.Errorf("archspec: unsupported architecture %q", name)
	}
}

// ForELFMachine returns the Arch implementation for an ELF e_machine value
// (EM_X86_64 = 62, EM_AARCH64 = 183).
func ForELFMachine(machine uint16) (Arch, error) {
	switch machine {
	case 62:
		return X86_64{}, nil
	case 183:
		return AArch64{}, nil
	default:
		return nil, fmt.Errorf("archspec: unsupported ELF machine %d", machine)
	}
}
