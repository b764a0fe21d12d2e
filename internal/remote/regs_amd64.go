//go:build linux && amd64

package remote

import (
	"golang.org/x/sys/unix"

	"github.com/xyproto/ultask/internal/archspec"
)

func toPtraceRegs(r archspec.Regs) unix.PtraceRegs {
	return unix.PtraceRegs{
		R15:      r.R15,
		R14:      r.R14,
		R13:      r.R13,
		R12:      r.R12,
		Rbp:      r.Rbp,
		Rbx:      r.Rbx,
		R11:      r.R11,
		R10:      r.R10,
		R9:       r.R9,
		R8:       r.R8,
		Rax:      r.Rax,
		Rcx:      r.Rcx,
		Rdx:      r.Rdx,
		Rsi:      r.Rsi,
		Rdi:      r.Rdi,
		Orig_rax: r.OrigRax,
		Rip:      r.Rip,
		Cs:       r.Cs,
		Eflags:   r.Eflags,
		Rsp:      r.Rsp,
		Ss:       r.Ss,
		Fs_base:  r.FsBase,
		Gs_base:  r.GsBase,
		Ds:       r.Ds,
		Es:       r.Es,
		Fs:       r.Fs,
		Gs:       r.Gs,
	}
}

func fromPtraceRegs(p unix.PtraceRegs) archspec.Regs {
	return archspec.Regs{
		R15: p.R15, R14: p.R14, R13: p.R13, R12: p.R12,
		Rbp: p.Rbp, Rbx: p.Rbx, R11: p.R11, R10: p.R10,
		R9: p.R9, R8: p.R8, Rax: p.Rax, Rcx: p.Rcx,
		Rdx: p.Rdx, Rsi: p.Rsi, Rdi: p.Rdi,
		OrigRax: p.Orig_rax, Rip: p.Rip, Eflags: p.Eflags, Rsp: p.Rsp,
		Cs: p.Cs, Ss: p.Ss, Ds: p.Ds, Es: p.Es, Fs: p.Fs, Gs: p.Gs,
		FsBase: p.Fs_base, GsBase: p.Gs_base,
	}
}
