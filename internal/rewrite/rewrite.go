// Package rewrite is the call-site rewriter (C6): diverts a target
// function's entry to a replacement, by one of three installation modes,
// and can restore the original bytes.
//
// Grounded on the teacher's own instruction-patching helpers for backpatch
// fixups in arm64_backend.go/codegen.go (overwrite an already-emitted
// branch's immediate once its target address is known), generalized from
// compile-time self-patching to ptrace-mediated patching of a live,
// already-running process.
package rewrite

import (
	"errors"
	"fmt"

	"github.com/xyproto/ultask/internal/archspec"
	"github.com/xyproto/ultask/internal/errs"
	"github.com/xyproto/ultask/internal/target"
)

// Site is one installed redirection: the address touched and the bytes
// originally there, so Restore can undo it.
type Site struct {
	Addr     uint64
	Original []byte

	task *target.Task
}

// InstallFtrace locates the compiler-emitted mcount call/branch in
// funcAddr's prologue and replaces it with a direct call/branch to
// newTarget — the ftrace-style redirect (spec §4.6).
func InstallFtrace(task *target.Task, arch archspec.Arch, funcAddr, newTarget uint64) (*Site, error) {
	const prologueWindow = 64
	prologue := make([]byte, prologueWindow)
	if _, err := task.ReadAt(prologue, int64(funcAddr)); err != nil {
		return nil, err
	}

	offset, err := arch.FuncCallOffset(prologue)
	if err != nil {
		return nil, fmt.Errorf("rewrite: locating mcount call in %#x: %w", funcAddr, err)
	}
	insnAddr := funcAddr + uint64(offset)
	insnSize := arch.MCountInsnSize()

	original := make([]byte, insnSize)
	if _, err := task.ReadAt(original, int64(insnAddr)); err != nil {
		return nil, err
	}

	newInsn, err := arch.CallReplace(insnAddr, newTarget)
	if err != nil {
		return nil, err
	}
	if len(newInsn) != insnSize {
		return nil, fmt.Errorf("rewrite: encoded call is %d bytes, expected %d", len(newInsn), insnSize)
	}

	if _, err := task.WriteAt(newInsn, int64(insnAddr)); err != nil {
		return nil, err
	}

	return &Site{Addr: insnAddr, Original: original, task: task}, nil
}

// InstallFtraceAt is InstallFtrace for a caller that already knows the
// mcount call site's offset into the prologue, bypassing FuncCallOffset's
// scan — the spec's own suggested alternative to prologue scanning for
// binaries whose compiler flags produce an mcount call the scan heuristic
// cannot locate.
func InstallFtraceAt(task *target.Task, arch archspec.Arch, funcAddr uint64, offset int, newTarget uint64) (*Site, error) {
	insnAddr := funcAddr + uint64(offset)
	insnSize := arch.MCountInsnSize()

	original := make([]byte, insnSize)
	if _, err := task.ReadAt(original, int64(insnAddr)); err != nil {
		return nil, err
	}

	newInsn, err := arch.CallReplace(insnAddr, newTarget)
	if err != nil {
		return nil, err
	}
	if len(newInsn) != insnSize {
		return nil, fmt.Errorf("rewrite: encoded call is %d bytes, expected %d", len(newInsn), insnSize)
	}

	if _, err := task.WriteAt(newInsn, int64(insnAddr)); err != nil {
		return nil, err
	}

	return &Site{Addr: insnAddr, Original: original, task: task}, nil
}

// InstallNop replaces funcAddr's mcount call with the architecture's
// canonical multi-byte NOP — disabling the hook without redirecting it
// anywhere (spec §4.6; x86-64 only per the non-goals carried over from
// the distilled spec, since AArch64 tracing stubs are always rewritten to
// a branch rather than nopped in practice).
func InstallNop(task *target.Task, arch archspec.Arch, funcAddr uint64) (*Site, error) {
	if arch.Name() != "x86_64" {
		return nil, fmt.Errorf("rewrite: NOP installation is x86-64 only")
	}

	const prologueWindow = 64
	prologue := make([]byte, prologueWindow)
	if _, err := task.ReadAt(prologue, int64(funcAddr)); err != nil {
		return nil, err
	}
	offset, err := arch.FuncCallOffset(prologue)
	if err != nil {
		return nil, fmt.Errorf("rewrite: locating mcount call in %#x: %w", funcAddr, err)
	}
	insnAddr := funcAddr + uint64(offset)
	insnSize := arch.MCountInsnSize()

	original := make([]byte, insnSize)
	if _, err := task.ReadAt(original, int64(insnAddr)); err != nil {
		return nil, err
	}

	nop := arch.NopReplace()
	if len(nop) != insnSize {
		return nil, fmt.Errorf("rewrite: NOP is %d bytes, expected %d", len(nop), insnSize)
	}
	if _, err := task.WriteAt(nop, int64(insnAddr)); err != nil {
		return nil, err
	}

	return &Site{Addr: insnAddr, Original: original, task: task}, nil
}

// InstallDirect rewrites funcAddr's own entry instruction (not the mcount
// call) with a direct relative call/branch to newTarget, falling back to
// InstallJumpTable when the displacement does not fit the architecture's
// reachable range (spec §4.6's displacement-range rule).
func InstallDirect(task *target.Task, arch archspec.Arch, funcAddr, newTarget uint64) (*Site, error) {
	insnSize := arch.MCountInsnSize()
	original := make([]byte, insnSize)
	if _, err := task.ReadAt(original, int64(funcAddr)); err != nil {
		return nil, err
	}

	newInsn, err := arch.CallReplace(funcAddr, newTarget)
	if err != nil {
		if isDisplacementError(err) {
			return InstallJumpTable(task, arch, funcAddr, newTarget)
		}
		return nil, err
	}

	if _, err := task.WriteAt(newInsn, int64(funcAddr)); err != nil {
		return nil, err
	}
	return &Site{Addr: funcAddr, Original: original, task: task}, nil
}

// InstallJumpTable builds an absolute indirect jump (template head plus a
// trailing 64-bit address) at a nearby span found via the target's
// interval index, and redirects funcAddr's entry to it. Used when
// newTarget is out of CallReplace's reachable range.
func InstallJumpTable(task *target.Task, arch archspec.Arch, funcAddr, newTarget uint64) (*Site, error) {
	entrySize := uint64(arch.JumpTableSize())
	spanAddr := task.FindSpanArea(entrySize)
	if spanAddr == 0 {
		return nil, fmt.Errorf("rewrite: no span large enough for a %d-byte jump table entry", entrySize)
	}

	entry := buildJumpTableEntry(arch, newTarget)
	if _, err := task.WriteAt(entry, int64(spanAddr)); err != nil {
		return nil, err
	}

	insnSize := arch.MCountInsnSize()
	original := make([]byte, insnSize)
	if _, err := task.ReadAt(original, int64(funcAddr)); err != nil {
		return nil, err
	}

	newInsn, err := arch.CallReplace(funcAddr, spanAddr)
	if err != nil {
		return nil, fmt.Errorf("rewrite: jump table at %#x still unreachable from %#x: %w", spanAddr, funcAddr, err)
	}
	if _, err := task.WriteAt(newInsn, int64(funcAddr)); err != nil {
		return nil, err
	}

	return &Site{Addr: funcAddr, Original: original, task: task}, nil
}

func buildJumpTableEntry(arch archspec.Arch, targetAddr uint64) []byte {
	head := arch.JumpTableTemplate()
	total := arch.JumpTableSize()
	entry := make([]byte, total)
	copy(entry, head)
	tail := entry[total-8:]
	for i := 0; i < 8; i++ {
		tail[i] = byte(targetAddr >> (8 * i))
	}
	return entry
}

func isDisplacementError(err error) bool {
	return errors.Is(err, errs.ErrDisplacementOutOfRange)
}

// Restore writes the original bytes back to s.Addr.
func (s *Site) Restore() error {
	if _, err := s.task.WriteAt(s.Original, int64(s.Addr)); err != nil {
		return errs.Inconsistent(fmt.Sprintf("restoring site at %#x: %v", s.Addr, err))
	}
	return nil
}
