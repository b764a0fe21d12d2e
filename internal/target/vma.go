// Package target is the target-process model (C3): opens a live PID,
// reads its VMA map with ELF awareness, and builds a name-indexed symbol
// tree spanning the main executable and every loaded shared library.
//
// Grounded on the original C implementation's utils/task.c (VMA
// classification, leader/sibling linkage, load-offset arithmetic) and, for
// the Go shape of the arena + index split, the teacher's own arena-with-
// indices pattern (arena.go) generalized from compiler codegen scopes to
// VMA/symbol storage per DESIGN NOTES §9.
package target

import "fmt"

// VMAKind classifies a VMA's role in the target process.
type VMAKind int

const (
	VMAUnknown VMAKind = iota
	VMASelf
	VMALibc
	VMALibELF
	VMAHeap
	VMALD
	VMAStack
	VMAVVar
	VMAVDSO
	VMAVSyscall
	VMAOtherLib
	VMAAnon
)

func (k VMAKind) String() string {
	switch k {
	case VMASelf:
		return "self"
	case VMALibc:
		return "libc"
	case VMALibELF:
		return "libelf"
	case VMAHeap:
		return "heap"
	case VMALD:
		return "ld"
	case VMAStack:
		return "stack"
	case VMAVVar:
		return "vvar"
	case VMAVDSO:
		return "vdso"
	case VMAVSyscall:
		return "vsyscall"
	case VMAOtherLib:
		return "other_lib"
	case VMAAnon:
		return "anon"
	default:
		return "unknown"
	}
}

// Perms is the r/w/x/shared permission set of one VMA, and the mmap PROT
// flags it implies.
type Perms struct {
	Read, Write, Exec, Shared bool
}

// Prot returns the PROT_* bitmask (unix.PROT_READ etc.) this permission
// set corresponds to.
func (p Perms) Prot() int {
	const (
		protRead  = 0x1
		protWrite = 0x2
		protExec  = 0x4
	)
	prot := 0
	if p.Read {
		prot |= protRead
	}
	if p.Write {
		prot |= protWrite
	}
	if p.Exec {
		prot |= protExec
	}
	return prot
}

// ELFPeek is the Ehdr/Phdr pair read out of a live VMA's first page,
// plus the computed load offset (spec §3, §4.3).
type ELFPeek struct {
	Is64       bool
	Machine    uint16
	Type       uint16 // ET_EXEC, ET_DYN, ...
	Entry      uint64
	PhOff      uint64
	PhNum      int
	PhEntSize  int
	PhFlags    []uint32
	PhType     []uint32
	PhVAddr    []uint64
	PhOffset   []uint64
	PhAlign    []uint64
	LoadOffset uint64
	HasInterp  bool
}

// VMA is one [Start, End) mapping from /proc/PID/maps.
type VMA struct {
	Start, End           uint64
	Perms                Perms
	FileOffset           uint64
	FileVOffset          uint64 // p_vaddr of the owning PT_LOAD, set for siblings
	DevMajor, DevMinor   uint32
	Inode                uint64
	Pathname             string
	Kind                 VMAKind
	IsELF                bool
	IsSharedLib          bool
	ELF                  *ELFPeek

	// LeaderIdx is this VMA's own index if it is the first mapping of
	// its pathname, or the index of that leader otherwise.
	LeaderIdx int
	// SiblingIdxs lists the other VMA indices sharing this leader's
	// pathname, ordered by file offset (leader only).
	SiblingIdxs []int
}

func (v *VMA) String() string {
	return fmt.Sprintf("%08x-%08x %s %s", v.Start, v.End, v.Kind, v.Pathname)
}

// IsLeader reports whether v is the first VMA mapped for its pathname.
func (v *VMA) IsLeader(selfIdx int) bool { return v.LeaderIdx == selfIdx }
