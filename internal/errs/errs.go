// Package errs defines the sentinel error taxonomy shared by every ultask
// component, so callers can use errors.Is/errors.As instead of matching on
// formatted strings.
package errs

import (
	"fmt"
	"syscall"
)

var (
	ErrNotElf                = fmt.Errorf("not an ELF file")
	ErrWrongClass            = fmt.Errorf("wrong ELF class (expected 64-bit)")
	ErrWrongMachine          = fmt.Errorf("wrong ELF machine (expected x86-64 or aarch64)")
	ErrNoSuchPid             = fmt.Errorf("no such pid")
	ErrPermissionDenied      = fmt.Errorf("permission denied")
	ErrMissingLibc           = fmt.Errorf("target has no libc mapping")
	ErrMissingStack          = fmt.Errorf("target has no stack mapping")
	ErrUndefinedSymbol       = fmt.Errorf("undefined symbol")
	ErrUnsupportedReloc      = fmt.Errorf("unsupported relocation type")
	ErrDisplacementOutOfRange = fmt.Errorf("displacement out of range")
	ErrInconsistent          = fmt.Errorf("target left in an inconsistent state")
)

// PtraceFailedError wraps a failed ptrace(2) request.
type PtraceFailedError struct {
	Op  string
	Err error
}

func (e *PtraceFailedError) Error() string {
	return fmt.Sprintf("ptrace %s: %v", e.Op, e.Err)
}

func (e *PtraceFailedError) Unwrap() error { return e.Err }

func PtraceFailed(op string, err error) error {
	return &PtraceFailedError{Op: op, Err: err}
}

// RemoteSyscallError wraps a negative-errno return from a syscall executed
// inside the target process.
type RemoteSyscallError struct {
	Nr    uint64
	Errno syscall.Errno
}

func (e *RemoteSyscallError) Error() string {
	return fmt.Sprintf("remote syscall %d failed: %v", e.Nr, e.Errno)
}

func (e *RemoteSyscallError) Unwrap() error { return e.Errno }

func RemoteSyscall(nr uint64, errno syscall.Errno) error {
	return &RemoteSyscallError{Nr: nr, Errno: errno}
}

// IOError wraps a controller-side file I/O failure.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func IO(path string, err error) error {
	return &IOError{Path: path, Err: err}
}

// UndefinedSymbol annotates ErrUndefinedSymbol with the symbol name.
func UndefinedSymbol(name string) error {
	return fmt.Errorf("%w: %s", ErrUndefinedSymbol, name)
}

// UnsupportedReloc annotates ErrUnsupportedReloc with the relocation type.
func UnsupportedReloc(relType uint32) error {
	return fmt.Errorf("%w: %d", ErrUnsupportedReloc, relType)
}

// Inconsistent annotates ErrInconsistent with what failed to restore.
func Inconsistent(state string) error {
	return fmt.Errorf("%w: %s", ErrInconsistent, state)
}
