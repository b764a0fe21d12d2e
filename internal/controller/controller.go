// Package controller is the thin serializing layer (C3-C6 orchestration)
// that ties target, remote, patch and rewrite together behind one
// exclusive-per-task handle, and the already-parsed request structs
// cmd/ultask converts its flags into.
//
// Grounded on the teacher's cffi_manager.go, which serializes access to a
// shared foreign-function registry behind a single struct-held mutex
// rather than package-level state — the same shape generalized from
// in-process FFI calls to ptrace-mediated remote operations.
package controller

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/xyproto/ultask/internal/archspec"
	"github.com/xyproto/ultask/internal/patch"
	"github.com/xyproto/ultask/internal/rewrite"
	"github.com/xyproto/ultask/internal/target"
)

// Controller serializes every operation against one Task. Concurrent
// controllers on the same PID are prevented one level down, by
// workdir.Acquire's exclusive lock file; Controller's own mutex prevents
// two goroutines inside the same process from racing the same Task.
type Controller struct {
	mu     sync.Mutex
	task   *target.Task
	arch   archspec.Arch
	logger *slog.Logger

	loads []*patch.LoadInfo
	sites map[uint64]*rewrite.Site
}

// Open opens pid under flags and returns a Controller bound to it.
func Open(pid int, flags target.OpenFlags, logger *slog.Logger, workRoot string) (*Controller, error) {
	t, err := target.Open(pid, flags, logger, workRoot)
	if err != nil {
		return nil, err
	}
	arch, err := archspec.ForELFMachine(machineOf(t))
	if err != nil {
		t.Close()
		return nil, err
	}
	return &Controller{
		task:   t,
		arch:   arch,
		logger: logger,
		sites:  make(map[uint64]*rewrite.Site),
	}, nil
}

func machineOf(t *target.Task) uint16 {
	if t.SelfELF != nil {
		return uint16(t.SelfELF.Raw().Machine)
	}
	return 62 // default to EM_X86_64 when the self ELF wasn't peeked
}

// Close releases the underlying Task (and its work directory lock).
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task.Close()
}

// Task exposes the underlying target (read-only queries: --vmas,
// --threads, --fds, --auxv, --status, --syms).
func (c *Controller) Task() *target.Task { return c.task }

// DumpKind selects a --dump variant.
type DumpKind int

const (
	DumpRaw DumpKind = iota
	DumpVMA
	// DumpDisasm dumps the same raw bytes as DumpRaw; turning them into
	// assembly text is a deliberately external concern (spec's own
	// non-goals exclude disassembler output formatting).
	DumpDisasm
)

// DumpRequest is the already-parsed form of `--dump ...`.
type DumpRequest struct {
	Kind DumpKind
	Addr uint64
	Size uint64 // ignored for DumpVMA, which dumps the whole containing VMA
}

// Dump reads the requested bytes out of the target.
func (c *Controller) Dump(req DumpRequest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.Kind {
	case DumpVMA:
		v, ok := c.task.VMAAt(req.Addr)
		if !ok {
			return nil, fmt.Errorf("controller: no VMA contains %#x", req.Addr)
		}
		buf := make([]byte, v.End-v.Start)
		if _, err := c.task.ReadAt(buf, int64(v.Start)); err != nil {
			return nil, err
		}
		return buf, nil
	default: // DumpRaw, DumpDisasm
		buf := make([]byte, req.Size)
		if _, err := c.task.ReadAt(buf, int64(req.Addr)); err != nil {
			return nil, err
		}
		return buf, nil
	}
}

// MapRequest is the already-parsed form of `--map file=F[,ro][,noexec]`.
type MapRequest struct {
	File   string
	ReadOnly bool
	NoExec bool
}

// Map loads req.File into the target as a patch object.
func (c *Controller) Map(req MapRequest) (*patch.LoadInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	li, err := patch.Load(c.logger, c.task, c.arch, req.File, patch.Options{
		ReadOnly: req.ReadOnly,
		NoExec:   req.NoExec,
	})
	if err != nil {
		return nil, err
	}
	c.loads = append(c.loads, li)
	return li, nil
}

// Unmap reverses a previous Map by the base address it returned.
func (c *Controller) Unmap(addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, li := range c.loads {
		if li.TargetBase != addr {
			continue
		}
		if err := patch.Delete(c.task, c.arch, li); err != nil {
			return err
		}
		c.loads = append(c.loads[:i], c.loads[i+1:]...)
		return nil
	}
	return fmt.Errorf("controller: no loaded patch at %#x", addr)
}

// JumpRequest is the already-parsed form of `--jmp from=A,to=B`.
type JumpRequest struct {
	From, To uint64
}

// Jump installs a direct-jump-or-jump-table redirect at req.From.
func (c *Controller) Jump(req JumpRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	site, err := rewrite.InstallDirect(c.task, c.arch, req.From, req.To)
	if err != nil {
		return err
	}
	c.sites[req.From] = site
	return nil
}

// RestoreJump undoes a previously installed Jump at addr.
func (c *Controller) RestoreJump(addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	site, ok := c.sites[addr]
	if !ok {
		return fmt.Errorf("controller: no installed jump at %#x", addr)
	}
	if err := site.Restore(); err != nil {
		return err
	}
	delete(c.sites, addr)
	return nil
}
