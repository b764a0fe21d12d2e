package remote

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/xyproto/ultask/internal/archspec"
	"github.com/xyproto/ultask/internal/errs"
)

// GetRegs reads the target's current general-purpose register file.
func (s *Session) GetRegs() (archspec.Regs, error) {
	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(s.pid, &raw); err != nil {
		return archspec.Regs{}, errs.PtraceFailed("getregs", err)
	}
	return fromPtraceRegs(raw), nil
}

// SetRegs writes r back into the target.
func (s *Session) SetRegs(r archspec.Regs) error {
	raw := toPtraceRegs(r)
	if err := unix.PtraceSetRegs(s.pid, &raw); err != nil {
		return errs.PtraceFailed("setregs", err)
	}
	return nil
}

// PeekText reads one word at addr (PTRACE_PEEKTEXT). Used for the small
// scratch-instruction save/restore around a remote syscall; bulk transfer
// goes through /proc/PID/mem on Task instead.
func (s *Session) PeekText(addr uintptr) (uintptr, error) {
	var word [8]byte
	n, err := unix.PtracePeekText(s.pid, addr, word[:])
	if err != nil {
		return 0, errs.PtraceFailed("peektext", err)
	}
	if n != len(word) {
		return 0, fmt.Errorf("remote: short PEEKTEXT read (%d bytes)", n)
	}
	return uintptr(binary.LittleEndian.Uint64(word[:])), nil
}

// PokeText writes one word at addr (PTRACE_POKETEXT).
func (s *Session) PokeText(addr uintptr, word uintptr) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(word))
	if _, err := unix.PtracePokeText(s.pid, addr, buf[:]); err != nil {
		return errs.PtraceFailed("poketext", err)
	}
	return nil
}
