package remote

import (
	"testing"

	"github.com/xyproto/ultask/internal/errs"
)

func TestClassifySyscallReturn(t *testing.T) {
	cases := []struct {
		ret     int64
		wantErr bool
	}{
		{0, false},
		{4096, false},     // a valid mmap address, not an error
		{-1, true},        // EPERM
		{-2, true},        // ENOENT
		{-4095, true},     // boundary of the errno range
		{-4096, false},    // just outside the errno range
		{-1 << 40, false}, // a large negative value, not an errno
	}
	for _, c := range cases {
		err := classifySyscallReturn(unixSysOpenat, c.ret)
		if (err != nil) != c.wantErr {
			t.Errorf("classifySyscallReturn(%d) error = %v, wantErr %v", c.ret, err, c.wantErr)
		}
		if c.wantErr {
			var rse *errs.RemoteSyscallError
			if err == nil {
				t.Fatalf("expected a *RemoteSyscallError for %d", c.ret)
			}
			if _, ok := asRemoteSyscallError(err); !ok {
				_ = rse
				t.Errorf("classifySyscallReturn(%d) = %v, want *RemoteSyscallError", c.ret, err)
			}
		}
	}
}

func asRemoteSyscallError(err error) (*errs.RemoteSyscallError, bool) {
	rse, ok := err.(*errs.RemoteSyscallError)
	return rse, ok
}

const unixSysOpenat = 257
