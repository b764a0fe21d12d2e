package main

import (
	"errors"
	"os"
	"testing"

	"github.com/xyproto/ultask/internal/errs"
)

func TestParseJumpRequest(t *testing.T) {
	req, err := parseJumpRequest("from=0x401000,to=0x500000")
	if err != nil {
		t.Fatalf("parseJumpRequest: %v", err)
	}
	if req.From != 0x401000 || req.To != 0x500000 {
		t.Fatalf("req = %+v", req)
	}
}

func TestParseJumpRequestMissingField(t *testing.T) {
	if _, err := parseJumpRequest("from=0x401000"); err == nil {
		t.Fatal("expected an error when to= is missing")
	}
}

func TestLeUint64(t *testing.T) {
	b := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if got := leUint64(b); got != 1 {
		t.Fatalf("leUint64 = %d, want 1", got)
	}
}

func TestExitCodeRemoteSyscall(t *testing.T) {
	err := errs.RemoteSyscall(1, 2) // EPERM
	if got := exitCode(err); got != -2 {
		t.Fatalf("exitCode(RemoteSyscallError) = %d, want -2", got)
	}
}

func TestExitCodeNotExist(t *testing.T) {
	err := errors.Join(os.ErrNotExist)
	if got := exitCode(err); got != 2 {
		t.Fatalf("exitCode(ErrNotExist) = %d, want 2", got)
	}
}

func TestExitCodeDefault(t *testing.T) {
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Fatalf("exitCode(generic) = %d, want 1", got)
	}
}
