package target

import "testing"

func TestFindSpanArea(t *testing.T) {
	vmas := []VMA{
		{Start: 0x400000, End: 0x401000, Pathname: "/bin/x", LeaderIdx: 0},
		{Start: 0x402000, End: 0x403000, Pathname: "", LeaderIdx: 1},
		{Start: 0x500000, End: 0x501000, Pathname: "", LeaderIdx: 2},
	}
	idx := newIntervalIndex(&vmas)

	got := idx.FindSpanArea(0x1000)
	if want := uint64(0x401000); got != want {
		t.Fatalf("FindSpanArea(0x1000) = %#x, want %#x", got, want)
	}

	if got := idx.FindSpanArea(0x200000); got != 0 {
		t.Fatalf("FindSpanArea(huge) = %#x, want 0", got)
	}
}

func TestLookup(t *testing.T) {
	vmas := []VMA{
		{Start: 0x400000, End: 0x401000, LeaderIdx: 0},
		{Start: 0x500000, End: 0x502000, LeaderIdx: 1},
	}
	idx := newIntervalIndex(&vmas)

	if _, ok := idx.Lookup(0x400500); !ok {
		t.Fatalf("expected 0x400500 to resolve")
	}
	if _, ok := idx.Lookup(0x401500); ok {
		t.Fatalf("expected 0x401500 (in the gap) to miss")
	}
	if v, ok := idx.Lookup(0x501000); !ok || v.Start != 0x500000 {
		t.Fatalf("Lookup(0x501000) = %+v, %v", v, ok)
	}
}

// TestResolveSymbolSharedLib exercises the scenario where libc is mapped
// as two VMAs (a leader at file offset 0 and a sibling whose PT_LOAD
// p_vaddr is 0x28000) and a symbol whose st_value falls in the second
// segment must resolve through that sibling's start and file_voffset.
func TestResolveSymbolSharedLib(t *testing.T) {
	task := &Task{
		VMAs: []VMA{
			{
				Start: 0x7f0000000000, End: 0x7f0000020000,
				Pathname: "/lib/x86_64-linux-gnu/libc.so.6",
				Kind:     VMALibc, LeaderIdx: 0, IsSharedLib: true,
				FileVOffset: 0,
				ELF:         &ELFPeek{LoadOffset: 0x7f0000000000},
				SiblingIdxs: []int{1},
			},
			{
				Start: 0x7f0000028000, End: 0x7f0000030000,
				Pathname:    "/lib/x86_64-linux-gnu/libc.so.6",
				Kind:        VMALibc, LeaderIdx: 0,
				FileVOffset: 0x28000,
			},
		},
	}
	sym := &TargetSymbol{Name: "printf", Value: 0x6f3d0, LeaderIdx: 0}

	got, err := task.ResolveSymbol(sym)
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	want := uint64(0x7f0000000000 + 0x6f3d0)
	if got != want {
		t.Fatalf("ResolveSymbol = %#x, want %#x", got, want)
	}
}

func TestResolveSymbolNonSharedLib(t *testing.T) {
	task := &Task{
		VMAs: []VMA{
			{Start: 0x400000, End: 0x401000, Kind: VMASelf, LeaderIdx: 0},
		},
	}
	sym := &TargetSymbol{Name: "main", Value: 0x401136, LeaderIdx: 0}

	got, err := task.ResolveSymbol(sym)
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	if got != 0x401136 {
		t.Fatalf("ResolveSymbol = %#x, want %#x", got, 0x401136)
	}
}

func TestClassifySpecialPaths(t *testing.T) {
	cases := []struct {
		path string
		want VMAKind
	}{
		{"[heap]", VMAHeap},
		{"[stack]", VMAStack},
		{"[vdso]", VMAVDSO},
		{"[vvar]", VMAVVar},
		{"", VMAAnon},
		{"/lib/x86_64-linux-gnu/libc.so.6", VMALibc},
		{"/lib64/ld-linux-x86-64.so.2", VMALD},
		{"/usr/lib/libfoo.so.1", VMAOtherLib},
		{"/usr/bin/myprog", VMALibELF},
	}
	for _, c := range cases {
		v := VMA{Pathname: c.path}
		classify(&v, "/usr/bin/other")
		if v.Kind != c.want {
			t.Errorf("classify(%q) = %v, want %v", c.path, v.Kind, c.want)
		}
	}
}

func TestClassifySelf(t *testing.T) {
	v := VMA{Pathname: "/usr/bin/myprog"}
	classify(&v, "/usr/bin/myprog")
	if v.Kind != VMASelf {
		t.Fatalf("classify(self) = %v, want VMASelf", v.Kind)
	}
}

func TestIsInterpException(t *testing.T) {
	if !isInterpException("/lib/x86_64-linux-gnu/libc.so.6") {
		t.Fatal("libc.so.6 should be an interp exception")
	}
	if isInterpException("/usr/lib/libfoo.so.1") {
		t.Fatal("libfoo.so.1 should not be an interp exception")
	}
}

func TestLinkLeadersAndSiblings(t *testing.T) {
	vmas := []VMA{
		{Start: 0x7f00, End: 0x7f10, Pathname: "/lib/libc.so.6", FileOffset: 0x20000},
		{Start: 0x7f20, End: 0x7f30, Pathname: "/lib/libc.so.6", FileOffset: 0x0},
		{Start: 0x7f40, End: 0x7f50, Pathname: "/lib/libc.so.6", FileOffset: 0x28000},
	}
	linkLeadersAndSiblings(vmas)

	if vmas[0].LeaderIdx != 0 {
		t.Fatalf("vmas[0].LeaderIdx = %d, want 0", vmas[0].LeaderIdx)
	}
	if vmas[1].LeaderIdx != 0 || vmas[2].LeaderIdx != 0 {
		t.Fatalf("siblings should link to leader 0: got %d, %d", vmas[1].LeaderIdx, vmas[2].LeaderIdx)
	}
	if len(vmas[0].SiblingIdxs) != 2 {
		t.Fatalf("expected 2 siblings, got %d", len(vmas[0].SiblingIdxs))
	}
	if vmas[0].SiblingIdxs[0] != 1 || vmas[0].SiblingIdxs[1] != 2 {
		t.Fatalf("siblings not sorted by file offset: %v", vmas[0].SiblingIdxs)
	}
}

func TestSymbolTreeFirstWriterWins(t *testing.T) {
	tree := newSymbolTree()
	tree.Insert(nil, &TargetSymbol{Name: "printf", Value: 0x1000})
	tree.Insert(nil, &TargetSymbol{Name: "printf", Value: 0x2000})

	s, ok := tree.Find("printf")
	if !ok {
		t.Fatal("printf not found")
	}
	if s.Value != 0x1000 {
		t.Fatalf("expected first definition to win, got %#x", s.Value)
	}
	if tree.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tree.Len())
	}
}

func TestParseMapsLine(t *testing.T) {
	line := "00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon"
	v, err := parseMapsLine(line)
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	if v.Start != 0x400000 || v.End != 0x452000 {
		t.Fatalf("range = %#x-%#x", v.Start, v.End)
	}
	if !v.Perms.Read || v.Perms.Write || !v.Perms.Exec || v.Perms.Shared {
		t.Fatalf("perms = %+v", v.Perms)
	}
	if v.Pathname != "/usr/bin/dbus-daemon" {
		t.Fatalf("pathname = %q", v.Pathname)
	}
}

func TestParseMapsLineAnonymous(t *testing.T) {
	line := "7f1234000000-7f1234021000 rw-p 00000000 00:00 0 "
	v, err := parseMapsLine(line)
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	if v.Pathname != "" {
		t.Fatalf("pathname = %q, want empty", v.Pathname)
	}
}
