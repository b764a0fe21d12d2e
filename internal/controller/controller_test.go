package controller

import (
	"testing"

	"github.com/xyproto/ultask/internal/target"
)

func TestMachineOfDefaultsToX86_64(t *testing.T) {
	task := &target.Task{}
	if got := machineOf(task); got != 62 {
		t.Fatalf("machineOf(no SelfELF) = %d, want 62 (EM_X86_64)", got)
	}
}

func TestDumpRequestDefaultsToRaw(t *testing.T) {
	var req DumpRequest
	if req.Kind != DumpRaw {
		t.Fatalf("zero-value DumpRequest.Kind = %v, want DumpRaw", req.Kind)
	}
}
