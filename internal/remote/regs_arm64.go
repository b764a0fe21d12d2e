//go:build linux && arm64

package remote

import (
	"golang.org/x/sys/unix"

	"github.com/xyproto/ultask/internal/archspec"
)

func toPtraceRegs(r archspec.Regs) unix.PtraceRegs {
	var p unix.PtraceRegs
	copy(p.Regs[:], r.X[:])
	p.Sp = r.Sp
	p.Pc = r.Pc
	p.Pstate = r.Pstate
	return p
}

func fromPtraceRegs(p unix.PtraceRegs) archspec.Regs {
	var r archspec.Regs
	copy(r.X[:], p.Regs[:])
	r.Sp = p.Sp
	r.Pc = p.Pc
	r.Pstate = p.Pstate
	return r
}
