package archspec

import (
	"encoding/binary"

	"github.com/xyproto/ultask/internal/errs"
)

// AArch64 implements Arch for the AArch64 ISA. Mirrors the teacher's
// ARM64 Architecture implementation (arm64_instructions.go), generalized
// from code emission to call-site rewriting.
type AArch64 struct{}

func (AArch64) Name() string { return "aarch64" }

func (AArch64) MCountInsnSize() int { return 4 } // BL is always one 32-bit word

// blOpcodeMask selects bits 31:26, which blOpcodeBits fixes to 100101 for
// an unconditional branch-with-link (bOpcodeBits: 000101 for B); the low
// 26 bits carry the word-granular offset.
const (
	blOpcodeMask  = 0xFC000000
	blOpcodeBits  = 0x94000000
	bOpcodeBits   = 0x14000000
	imm26Mask     = 0x03FFFFFF
	imm26SignBit  = 1 << 25
)

func (AArch64) FuncCallOffset(prologue []byte) (int, error) {
	const scanLimit = 64
	limit := len(prologue)
	if limit > scanLimit {
		limit = scanLimit
	}
	for i := 0; i+4 <= limit; i += 4 {
		word := binary.LittleEndian.Uint32(prologue[i : i+4])
		if word&blOpcodeMask == blOpcodeBits {
			return i, nil
		}
	}
	return 0, errs.ErrDisplacementOutOfRange
}

func (AArch64) MaxCallDisplacement() int64 { return 1 << 27 } // 26-bit word imm => +-128MiB

func encodeImm26(pc, target uint64, opcodeBits uint32) ([]byte, error) {
	disp := int64(target) - int64(pc)
	if disp%4 != 0 {
		return nil, errs.ErrDisplacementOutOfRange
	}
	wordDisp := disp / 4
	if wordDisp >= (1<<25) || wordDisp < -(1<<25) {
		return nil, errs.ErrDisplacementOutOfRange
	}
	word := opcodeBits | (uint32(wordDisp) & imm26Mask)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, word)
	return buf, nil
}

func (AArch64) CallReplace(ip, target uint64) ([]byte, error) {
	return encodeImm26(ip, target, blOpcodeBits)
}

func (AArch64) BranchImm(pc, target uint64, link bool) ([]byte, error) {
	if link {
		return encodeImm26(pc, target, blOpcodeBits)
	}
	return encodeImm26(pc, target, bOpcodeBits)
}

func (AArch64) NopReplace() []byte {
	return []byte{0x1F, 0x20, 0x03, 0xD5}
}

// JumpTableTemplate is "ldr x16, #8 ; br x16"; the 8-byte absolute
// address follows immediately, 8 bytes (2 words) past the ldr.
func (AArch64) JumpTableTemplate() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], 0x58000000|(2<<5)|16) // LDR X16, [PC, #8]
	binary.LittleEndian.PutUint32(buf[4:8], 0xD61F0200)           // BR X16
	return buf
}

func (AArch64) JumpTableSize() int { return 8 + 8 }

func (AArch64) SyscallInstrBytes() []byte { return []byte{0x01, 0x00, 0x00, 0xD4} } // SVC #0

func (AArch64) RegsPrepare(base Regs, nr uint64, args [6]uint64) Regs {
	r := base
	r.X[8] = nr // w8 holds the syscall number
	for i := 0; i < 6; i++ {
		r.X[i] = args[i]
	}
	return r
}

func (AArch64) SyscallIP(r Regs) uint64 { return r.Pc }

func (AArch64) SetSyscallIP(r *Regs, ip uint64) { r.Pc = ip }

func (AArch64) SyscallRet(r Regs) int64 { return int64(r.X[0]) }

func (AArch64) CopyRegs(dst *Regs, src Regs) {
	for i := 0; i < 9; i++ { // x0..x8 cover args + syscall nr
		dst.X[i] = src.X[i]
	}
	dst.Pc = src.Pc
}

// AArch64 RELA types this core supports (AAELF64), see spec §4.5.
const (
	rAArch64ABS64           = 257
	rAArch64ADRPrelPgHi21   = 275
	rAArch64AddAbsLo12NC    = 277
	rAArch64LdSt8AbsLo12NC  = 278
	rAArch64JUMP26          = 282
	rAArch64CALL26          = 283
	rAArch64LdSt16AbsLo12NC = 284
	rAArch64LdSt32AbsLo12NC = 285
	rAArch64LdSt64AbsLo12NC = 286
)

func mergeImm12(current []byte, imm12 uint32) []byte {
	word := binary.LittleEndian.Uint32(current)
	word = (word &^ (0xFFF << 10)) | ((imm12 & 0xFFF) << 10)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, word)
	return buf
}

func mergeAdrImm(current []byte, imm21 int64) []byte {
	word := binary.LittleEndian.Uint32(current)
	immlo := uint32(imm21) & 0x3
	immhi := (uint32(imm21) >> 2) & 0x7FFFF
	word = (word &^ (0x3 << 29)) | (immlo << 29)
	word = (word &^ (0x7FFFF << 5)) | (immhi << 5)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, word)
	return buf
}

func (AArch64) ApplyReloc(relType uint32, loc, symVal uint64, addend int64, current []byte) ([]byte, error) {
	switch relType {
	case rAArch64ABS64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, symVal+uint64(addend))
		return buf, nil
	case rAArch64CALL26:
		return encodeImm26(loc, symVal+uint64(addend), blOpcodeBits)
	case rAArch64JUMP26:
		return encodeImm26(loc, symVal+uint64(addend), bOpcodeBits)
	case rAArch64ADRPrelPgHi21:
		if len(current) < 4 {
			return nil, errs.ErrDisplacementOutOfRange
		}
		pagedTarget := int64((symVal+uint64(addend))&^0xFFF) - int64(loc&^0xFFF)
		imm21 := pagedTarget >> 12
		if imm21 >= (1<<20) || imm21 < -(1<<20) {
			return nil, errs.ErrDisplacementOutOfRange
		}
		return mergeAdrImm(current, imm21), nil
	case rAArch64AddAbsLo12NC:
		if len(current) < 4 {
			return nil, errs.ErrDisplacementOutOfRange
		}
		imm12 := uint32((symVal + uint64(addend)) & 0xFFF)
		return mergeImm12(current, imm12), nil
	case rAArch64LdSt8AbsLo12NC:
		return ldstLo12(current, symVal, addend, 0)
	case rAArch64LdSt16AbsLo12NC:
		return ldstLo12(current, symVal, addend, 1)
	case rAArch64LdSt32AbsLo12NC:
		return ldstLo12(current, symVal, addend, 2)
	case rAArch64LdSt64AbsLo12NC:
		return ldstLo12(current, symVal, addend, 3)
	default:
		return nil, errs.UnsupportedReloc(relType)
	}
}

// IsGOTRelative is always false: the supported AArch64 relocation set is
// page/offset-relative to the symbol itself (ADRP+ADD/LDST), not indirect
// through a GOT cell like x86-64's GOTPCREL.
func (AArch64) IsGOTRelative(relType uint32) bool { return false }

func ldstLo12(current []byte, symVal uint64, addend int64, shift uint) ([]byte, error) {
	if len(current) < 4 {
		return nil, errs.ErrDisplacementOutOfRange
	}
	imm12 := uint32(((symVal + uint64(addend)) & 0xFFF) >> shift)
	return mergeImm12(current, imm12), nil
}
