package remote

import (
	"golang.org/x/sys/unix"

	"github.com/xyproto/ultask/internal/archspec"
	"github.com/xyproto/ultask/internal/errs"
)

// Runner bundles a Session with the architecture and scratch address
// Syscall needs, so patch/controller callers don't thread three arguments
// through every remote operation.
type Runner struct {
	Session *Session
	Arch    archspec.Arch
	// Scratch is an executable address inside the target (a libc text
	// byte) that Syscall may briefly overwrite.
	Scratch uint64
}

func NewRunner(sess *Session, arch archspec.Arch, scratch uint64) *Runner {
	return &Runner{Session: sess, Arch: arch, Scratch: scratch}
}

func (r *Runner) call(nr uint64, args [6]uint64) (int64, error) {
	ret, err := r.Session.Syscall(r.Arch, r.Scratch, nr, args)
	if err != nil {
		return ret, err
	}
	return ret, classifySyscallReturn(nr, ret)
}

// classifySyscallReturn maps a Linux syscall's raw return value to a Go
// error, per the -4095..-1 negative-errno convention used by the raw
// syscall ABI (no libc wrapper to translate it for us).
func classifySyscallReturn(nr uint64, ret int64) error {
	if ret < 0 && ret >= -4095 {
		return errs.RemoteSyscall(nr, unix.Errno(-ret))
	}
	return nil
}

// Mmap maps length bytes of fd at file offset off into the target's
// address space, at hint if hint is non-zero, returning the mapped
// address.
func (r *Runner) Mmap(hint, length uint64, prot, flags, fd int, off uint64) (uint64, error) {
	ret, err := r.call(unix.SYS_MMAP, [6]uint64{
		hint, length, uint64(prot), uint64(flags), uint64(fd), off,
	})
	if err != nil {
		return 0, err
	}
	return uint64(ret), nil
}

// Munmap unmaps [addr, addr+length) in the target.
func (r *Runner) Munmap(addr, length uint64) error {
	_, err := r.call(unix.SYS_MUNMAP, [6]uint64{addr, length, 0, 0, 0, 0})
	return err
}

// Mprotect changes protection on [addr, addr+length) in the target.
func (r *Runner) Mprotect(addr, length uint64, prot int) error {
	_, err := r.call(unix.SYS_MPROTECT, [6]uint64{addr, length, uint64(prot), 0, 0, 0})
	return err
}

// OpenAt opens pathPtr (a NUL-terminated path already written into the
// target's memory) relative to dirfd, returning the new remote fd.
func (r *Runner) OpenAt(dirfd int, pathPtr uint64, flags, mode int) (int, error) {
	ret, err := r.call(unix.SYS_OPENAT, [6]uint64{
		uint64(int64(dirfd)), pathPtr, uint64(flags), uint64(mode), 0, 0,
	})
	if err != nil {
		return -1, err
	}
	return int(ret), nil
}

// Close closes a remote fd.
func (r *Runner) Close(fd int) error {
	_, err := r.call(unix.SYS_CLOSE, [6]uint64{uint64(fd), 0, 0, 0, 0, 0})
	return err
}

// Ftruncate resizes a remote fd.
func (r *Runner) Ftruncate(fd int, length int64) error {
	_, err := r.call(unix.SYS_FTRUNCATE, [6]uint64{uint64(fd), uint64(length), 0, 0, 0, 0})
	return err
}

// Fstat reads remote fd's stat struct into a target-memory buffer at
// statPtr (the caller is responsible for reading it back out via
// Task.ReadAt once the syscall returns).
func (r *Runner) Fstat(fd int, statPtr uint64) error {
	_, err := r.call(unix.SYS_FSTAT, [6]uint64{uint64(fd), statPtr, 0, 0, 0, 0})
	return err
}

// Prctl issues a remote prctl(2), most commonly PR_SET_VMA to name an
// anonymous mapping for diagnosability.
func (r *Runner) Prctl(option int, arg2, arg3, arg4, arg5 uint64) (int64, error) {
	return r.call(unix.SYS_PRCTL, [6]uint64{uint64(option), arg2, arg3, arg4, arg5, 0})
}

// Malloc anonymously maps size read-write bytes in the target — scratch
// space for staging a path string or other small payload ahead of a
// remote syscall that needs a pointer into the target's own address
// space.
func (r *Runner) Malloc(size uint64) (uint64, error) {
	const (
		prot  = unix.PROT_READ | unix.PROT_WRITE
		flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	)
	return r.Mmap(0, size, prot, flags, -1, 0)
}

// Free releases a Malloc'd scratch mapping.
func (r *Runner) Free(addr, size uint64) error {
	return r.Munmap(addr, size)
}
