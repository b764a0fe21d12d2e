package rewrite

import (
	"bytes"
	"testing"

	"github.com/xyproto/ultask/internal/archspec"
	"github.com/xyproto/ultask/internal/errs"
)

func TestBuildJumpTableEntryX86_64(t *testing.T) {
	arch := archspec.X86_64{}
	entry := buildJumpTableEntry(arch, 0x7ffff7e00000)

	if len(entry) != arch.JumpTableSize() {
		t.Fatalf("entry length = %d, want %d", len(entry), arch.JumpTableSize())
	}
	head := arch.JumpTableTemplate()
	if !bytes.Equal(entry[:len(head)], head) {
		t.Fatalf("entry head = % x, want % x", entry[:len(head)], head)
	}
	tail := entry[len(entry)-8:]
	var got uint64
	for i := 7; i >= 0; i-- {
		got = got<<8 | uint64(tail[i])
	}
	if got != 0x7ffff7e00000 {
		t.Fatalf("tail decodes to %#x, want %#x", got, 0x7ffff7e00000)
	}
}

func TestBuildJumpTableEntryAArch64(t *testing.T) {
	arch := archspec.AArch64{}
	entry := buildJumpTableEntry(arch, 0x400000)
	if len(entry) != arch.JumpTableSize() {
		t.Fatalf("entry length = %d, want %d", len(entry), arch.JumpTableSize())
	}
}

func TestIsDisplacementError(t *testing.T) {
	if !isDisplacementError(errs.ErrDisplacementOutOfRange) {
		t.Fatal("expected the sentinel itself to match")
	}
	if isDisplacementError(errs.Inconsistent("x")) {
		t.Fatal("unrelated sentinel should not match")
	}
	if isDisplacementError(nil) {
		t.Fatal("nil error should not match")
	}
}
