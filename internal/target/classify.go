package target

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	libcNameRE   = regexp.MustCompile(`^libc(-[0-9.]+)?\.so`)
	ldNameRE     = regexp.MustCompile(`^ld-(linux|musl)`)
	interpExcRE  = regexp.MustCompile(`^(libc|libpthread|libdl|libssp)(-[0-9.]+)?\.so`)
)

// classify assigns v.Kind from its pathname and records whether it is
// the self-executable, following the special-path conventions Linux
// writes into /proc/PID/maps (spec §4.3).
func classify(v *VMA, exePath string) {
	switch v.Pathname {
	case "[heap]":
		v.Kind = VMAHeap
		return
	case "[stack]":
		v.Kind = VMAStack
		return
	case "[vdso]":
		v.Kind = VMAVDSO
		return
	case "[vvar]":
		v.Kind = VMAVVar
		return
	case "[vsyscall]":
		v.Kind = VMAVSyscall
		return
	case "":
		v.Kind = VMAAnon
		return
	}
	if strings.HasPrefix(v.Pathname, "[") || strings.HasPrefix(v.Pathname, "/memfd:") ||
		strings.HasPrefix(v.Pathname, "/dev/") || strings.HasPrefix(v.Pathname, "//anon") {
		v.Kind = VMAAnon
		return
	}
	if v.Pathname == exePath {
		v.Kind = VMASelf
		return
	}
	base := filepath.Base(v.Pathname)
	switch {
	case libcNameRE.MatchString(base):
		v.Kind = VMALibc
	case ldNameRE.MatchString(base):
		v.Kind = VMALD
	case strings.Contains(base, ".so"):
		v.Kind = VMAOtherLib
	default:
		v.Kind = VMALibELF
	}
}

// isInterpException reports whether this pathname's basename is one of
// the libraries that may legally carry PT_INTERP yet must still be
// classified as a shared library (spec §4.3's PeekELF rule).
func isInterpException(pathname string) bool {
	return interpExcRE.MatchString(filepath.Base(pathname))
}

// linkLeadersAndSiblings groups VMAs sharing a pathname: the first VMA
// with a given non-empty path becomes the leader, subsequent VMAs link
// into its SiblingIdxs ordered by file offset (spec §3 invariant).
func linkLeadersAndSiblings(vmas []VMA) {
	firstByPath := make(map[string]int)
	for i := range vmas {
		if vmas[i].Pathname == "" {
			vmas[i].LeaderIdx = i
			continue
		}
		leader, ok := firstByPath[vmas[i].Pathname]
		if !ok {
			firstByPath[vmas[i].Pathname] = i
			vmas[i].LeaderIdx = i
			continue
		}
		vmas[i].LeaderIdx = leader
		vmas[leader].SiblingIdxs = append(vmas[leader].SiblingIdxs, i)
	}
	for i := range vmas {
		if vmas[i].LeaderIdx != i {
			continue
		}
		sibs := vmas[i].SiblingIdxs
		for a := 1; a < len(sibs); a++ {
			for b := a; b > 0 && vmas[sibs[b]].FileOffset < vmas[sibs[b-1]].FileOffset; b-- {
				sibs[b], sibs[b-1] = sibs[b-1], sibs[b]
			}
		}
	}
}
