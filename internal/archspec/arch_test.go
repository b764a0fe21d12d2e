package archspec

import (
	"bytes"
	"testing"

	"github.com/xyproto/ultask/internal/errs"
)

// Scenario 4 (spec §8): x86-64 call replacement.
func TestX86_64CallReplace(t *testing.T) {
	a := X86_64{}

	ip := uint64(0x401020)
	target := uint64(0x10401025) // rel32 = 0x10000000, within range
	got, err := a.CallReplace(ip, target)
	if err != nil {
		t.Fatalf("CallReplace: %v", err)
	}
	want := []byte{0xE8, 0, 0, 0, 0}
	rel := int32(int64(target) - int64(ip+5))
	want[1] = byte(rel)
	want[2] = byte(rel >> 8)
	want[3] = byte(rel >> 16)
	want[4] = byte(rel >> 24)
	if !bytes.Equal(got, want) {
		t.Fatalf("CallReplace = % x, want % x", got, want)
	}

	if _, err := a.CallReplace(ip, 0x1_0000_0000_0000); err != errs.ErrDisplacementOutOfRange {
		t.Fatalf("expected ErrDisplacementOutOfRange, got %v", err)
	}
}

// Scenario 5 (spec §8): AArch64 BL encoding.
func TestAArch64BranchImmBL(t *testing.T) {
	a := AArch64{}
	got, err := a.BranchImm(0x401020, 0x401040, true)
	if err != nil {
		t.Fatalf("BranchImm: %v", err)
	}
	word := uint32(got[0]) | uint32(got[1])<<8 | uint32(got[2])<<16 | uint32(got[3])<<24
	if word != 0x94000008 {
		t.Fatalf("BranchImm word = %#x, want 0x94000008", word)
	}
}

func TestAArch64BranchImmOutOfRange(t *testing.T) {
	a := AArch64{}
	if _, err := a.BranchImm(0, 1<<30, true); err != errs.ErrDisplacementOutOfRange {
		t.Fatalf("expected ErrDisplacementOutOfRange, got %v", err)
	}
}

func TestNopReplace(t *testing.T) {
	if got := (X86_64{}).NopReplace(); len(got) != 5 {
		t.Fatalf("x86-64 nop length = %d, want 5", len(got))
	}
	if got := (AArch64{}).NopReplace(); len(got) != 4 {
		t.Fatalf("aarch64 nop length = %d, want 4", len(got))
	}
}

func TestRegsPrepareX86_64(t *testing.T) {
	a := X86_64{}
	r := a.RegsPrepare(Regs{}, 39, [6]uint64{1, 2, 3, 4, 5, 6})
	if r.Rax != 39 || r.Rdi != 1 || r.Rsi != 2 || r.Rdx != 3 || r.R10 != 4 || r.R8 != 5 || r.R9 != 6 {
		t.Fatalf("unexpected regs: %+v", r)
	}
}

func TestRegsPrepareAArch64(t *testing.T) {
	a := AArch64{}
	r := a.RegsPrepare(Regs{}, 0x5d, [6]uint64{1, 2, 3, 4, 5, 6})
	if r.X[8] != 0x5d || r.X[0] != 1 || r.X[5] != 6 {
		t.Fatalf("unexpected regs: %+v", r)
	}
}

func TestFor(t *testing.T) {
	if _, err := For("amd64"); err != nil {
		t.Fatal(err)
	}
	if _, err := For("arm64"); err != nil {
		t.Fatal(err)
	}
	if _, err := For("riscv64"); err == nil {
		t.Fatal("expected error for unsupported architecture")
	}
}
