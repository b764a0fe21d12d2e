package remote

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/xyproto/ultask/internal/archspec"
	"github.com/xyproto/ultask/internal/errs"
)

// Syscall injects one system call into the target at scratchAddr — an
// already-mapped, executable address inside the target (typically a byte
// or two of libc text) — and returns its return value.
//
// The sequence (spec §4.4): save the target's registers and the
// instruction word at scratchAddr, overwrite that word's leading bytes
// with the architecture's syscall instruction, load the syscall ABI
// registers, single-step exactly that one instruction, read back the
// return value register, then restore both the original registers and
// the original instruction word. Single-step rather than continue-to-trap
// is used because there is no second, trailing breakpoint instruction to
// continue to — the scratch site is a single instruction, not a stub.
func (s *Session) Syscall(a archspec.Arch, scratchAddr uint64, nr uint64, args [6]uint64) (ret int64, err error) {
	saved, err := s.GetRegs()
	if err != nil {
		return 0, err
	}

	savedWord, err := s.PeekText(uintptr(scratchAddr))
	if err != nil {
		return 0, err
	}

	var wordBuf [8]byte
	binary.LittleEndian.PutUint64(wordBuf[:], uint64(savedWord))
	copy(wordBuf[:], a.SyscallInstrBytes())
	if err := s.PokeText(uintptr(scratchAddr), uintptr(binary.LittleEndian.Uint64(wordBuf[:]))); err != nil {
		return 0, err
	}
	defer func() {
		if perr := s.PokeText(uintptr(scratchAddr), savedWord); perr != nil && err == nil {
			err = errs.Inconsistent("scratch instruction not restored: " + perr.Error())
		}
	}()

	call := a.RegsPrepare(saved, nr, args)
	a.SetSyscallIP(&call, scratchAddr)
	if err := s.SetRegs(call); err != nil {
		return 0, err
	}
	defer func() {
		if rerr := s.SetRegs(saved); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if serr := unix.PtraceSingleStep(s.pid); serr != nil {
		return 0, errs.PtraceFailed("singlestep", serr)
	}
	if werr := s.waitStopped(); werr != nil {
		return 0, werr
	}

	after, err := s.GetRegs()
	if err != nil {
		return 0, err
	}
	ret = a.SyscallRet(after)
	return ret, nil
}
