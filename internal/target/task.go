package target

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/xyproto/ultask/internal/elfreader"
	"github.com/xyproto/ultask/internal/errs"
	"github.com/xyproto/ultask/internal/workdir"
)

// OpenFlags selects how much of the target is inspected at Open time,
// mirroring the original FTO_VMA_ELF / FTO_VMA_ELF_SYMBOLS flags.
type OpenFlags uint32

const (
	// FlagVMAELF peeks each leader VMA's ELF header in-process.
	FlagVMAELF OpenFlags = 1 << iota
	// FlagVMAELFSymbols additionally builds the name-indexed symbol
	// tree across the self binary and every dynamic shared library.
	// Implies FlagVMAELF.
	FlagVMAELFSymbols
)

// Task is one opened live process (spec §3). Operations that touch
// target registers or instructions assume the caller has already
// ptrace-stopped the process (see internal/remote); Task itself only
// ever performs /proc/PID/mem reads and writes, which are safe whether
// or not the target is stopped.
//
// Task assumes the target is effectively single-threaded-quiesced by
// ptrace; attaching every LWP of a multi-threaded target before patch
// application is not implemented (spec §9 open question, carried
// forward unchanged).
type Task struct {
	PID     int
	Comm    string
	ExePath string

	memFD *os.File

	VMAs  []VMA
	index *intervalIndex

	Symbols *SymbolTree

	SelfELF *elfreader.File
	LibcELF *elfreader.File

	LibcVMAIdx int
	StackVMAIdx int

	Flags   OpenFlags
	WorkDir *workdir.Dir

	logger *slog.Logger
}

// Open opens pid's /proc/PID/mem, reads its maps, classifies every VMA,
// and fails with ErrMissingLibc/ErrMissingStack if either is absent
// (spec §4.3 step 3).
func Open(pid int, flags OpenFlags, logger *slog.Logger, workRoot string) (*Task, error) {
	if logger == nil {
		logger = slog.Default()
	}

	memPath := fmt.Sprintf("/proc/%d/mem", pid)
	memFD, err := os.OpenFile(memPath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNoSuchPid
		}
		if os.IsPermission(err) {
			return nil, errs.ErrPermissionDenied
		}
		return nil, errs.IO(memPath, err)
	}

	comm, _ := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	exePath, _ := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))

	vmas, err := readMaps(pid)
	if err != nil {
		memFD.Close()
		return nil, errs.IO(fmt.Sprintf("/proc/%d/maps", pid), err)
	}
	for i := range vmas {
		classify(&vmas[i], exePath)
	}
	linkLeadersAndSiblings(vmas)

	t := &Task{
		PID:         pid,
		Comm:        trimComm(string(comm)),
		ExePath:     exePath,
		memFD:       memFD,
		VMAs:        vmas,
		Symbols:     newSymbolTree(),
		LibcVMAIdx:  -1,
		StackVMAIdx: -1,
		Flags:       flags,
		logger:      logger,
	}
	t.index = newIntervalIndex(&t.VMAs)

	for i := range t.VMAs {
		switch t.VMAs[i].Kind {
		case VMALibc:
			if t.VMAs[i].LeaderIdx == i {
				t.LibcVMAIdx = i
			}
		case VMAStack:
			t.StackVMAIdx = i
		}
	}
	if t.LibcVMAIdx < 0 {
		memFD.Close()
		return nil, errs.ErrMissingLibc
	}
	if t.StackVMAIdx < 0 {
		memFD.Close()
		return nil, errs.ErrMissingStack
	}

	if flags&(FlagVMAELF|FlagVMAELFSymbols) != 0 {
		if err := t.PeekELFs(); err != nil {
			memFD.Close()
			return nil, err
		}
	}
	if flags&FlagVMAELFSymbols != 0 {
		if err := t.LoadSymbols(); err != nil {
			memFD.Close()
			return nil, err
		}
	}

	if workRoot != "" {
		dir, err := workdir.Acquire(workRoot, pid, t.Comm)
		if err != nil {
			memFD.Close()
			return nil, err
		}
		t.WorkDir = dir
	}

	return t, nil
}

func trimComm(s string) string {
	for i, r := range s {
		if r == '\n' || r == 0 {
			return s[:i]
		}
	}
	return s
}

// Close tears down the work directory and closes every held ELF handle
// and the /proc/PID/mem descriptor (spec §8's open_task/free_task
// round-trip property).
func (t *Task) Close() error {
	var firstErr error
	if t.WorkDir != nil {
		if err := t.WorkDir.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.SelfELF != nil {
		t.SelfELF.Close()
	}
	if t.LibcELF != nil {
		t.LibcELF.Close()
	}
	if err := t.memFD.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ReadAt reads len(p) bytes from the target's address space at off via
// /proc/PID/mem — valid whether or not the target is ptrace-stopped.
func (t *Task) ReadAt(p []byte, off int64) (int, error) {
	return t.memFD.ReadAt(p, off)
}

// WriteAt writes p into the target's address space at off via
// /proc/PID/mem.
func (t *Task) WriteAt(p []byte, off int64) (int, error) {
	return t.memFD.WriteAt(p, off)
}

// VMAAt returns the VMA containing addr.
func (t *Task) VMAAt(addr uint64) (*VMA, bool) { return t.index.Lookup(addr) }

// FindSpanArea returns the end address of the first VMA followed by a
// gap of at least size bytes, or 0 (spec §8 scenario 1).
func (t *Task) FindSpanArea(size uint64) uint64 { return t.index.FindSpanArea(size) }

// Refresh re-reads /proc/PID/maps and rebuilds the VMA arena and
// interval index in place. Nothing in this module calls it after a
// remote mmap/munmap; until it is called, VMAs reflect the maps read at
// Open.
func (t *Task) Refresh() error {
	vmas, err := readMaps(t.PID)
	if err != nil {
		return errs.IO(fmt.Sprintf("/proc/%d/maps", t.PID), err)
	}
	for i := range vmas {
		classify(&vmas[i], t.ExePath)
	}
	linkLeadersAndSiblings(vmas)
	t.VMAs = vmas
	t.index = newIntervalIndex(&t.VMAs)
	return nil
}

// PeekELFs reads the first sizeof(Ehdr)+Phdrs bytes of every leader VMA
// that isn't stack/vvar/vsyscall, classifying ET_DYN-without-PT_INTERP
// objects (libc/libpthread/libdl/libssp excepted) as shared libraries and
// computing each one's load offset (spec §4.3's PeekELF).
func (t *Task) PeekELFs() error {
	for i := range t.VMAs {
		v := &t.VMAs[i]
		if v.LeaderIdx != i {
			continue
		}
		switch v.Kind {
		case VMAStack, VMAVVar, VMAVSyscall:
			continue
		}
		peek, err := t.peekOneELF(v)
		if err != nil || peek == nil {
			continue // not an ELF, or unreadable — not fatal to the whole scan
		}
		v.IsELF = true
		v.ELF = peek
		v.IsSharedLib = peek.Type == 2 /* ET_DYN */ &&
			(!peek.HasInterp || isInterpException(v.Pathname))
		t.computeSiblingVOffsets(i)
	}
	return nil
}

const ehdrSize = 64

func (t *Task) peekOneELF(v *VMA) (*ELFPeek, error) {
	buf := make([]byte, ehdrSize)
	if _, err := t.ReadAt(buf, int64(v.Start)); err != nil {
		return nil, err
	}
	if buf[0] != 0x7f || buf[1] != 'E' || buf[2] != 'L' || buf[3] != 'F' {
		return nil, nil
	}
	if buf[4] != 2 { // ELFCLASS64
		return nil, nil
	}

	peek := &ELFPeek{
		Is64:    true,
		Type:    binary.LittleEndian.Uint16(buf[16:18]),
		Machine: binary.LittleEndian.Uint16(buf[18:20]),
		Entry:   binary.LittleEndian.Uint64(buf[24:32]),
		PhOff:   binary.LittleEndian.Uint64(buf[32:40]),
	}
	phEntSize := int(binary.LittleEndian.Uint16(buf[54:56]))
	phNum := int(binary.LittleEndian.Uint16(buf[56:58]))
	peek.PhEntSize = phEntSize
	peek.PhNum = phNum
	if phNum == 0 {
		return peek, nil
	}

	phBuf := make([]byte, phEntSize*phNum)
	if _, err := t.ReadAt(phBuf, int64(v.Start+peek.PhOff)); err != nil {
		return peek, nil
	}

	const (
		ptLoad   = 1
		ptInterp = 3
	)
	minVAddr := ^uint64(0)
	for i := 0; i < phNum; i++ {
		ph := phBuf[i*phEntSize : (i+1)*phEntSize]
		ptype := binary.LittleEndian.Uint32(ph[0:4])
		flags := binary.LittleEndian.Uint32(ph[4:8])
		offset := binary.LittleEndian.Uint64(ph[8:16])
		vaddr := binary.LittleEndian.Uint64(ph[16:24])
		align := binary.LittleEndian.Uint64(ph[48:56])

		peek.PhType = append(peek.PhType, ptype)
		peek.PhFlags = append(peek.PhFlags, flags)
		peek.PhOffset = append(peek.PhOffset, offset)
		peek.PhVAddr = append(peek.PhVAddr, vaddr)
		peek.PhAlign = append(peek.PhAlign, align)

		if ptype == ptInterp {
			peek.HasInterp = true
		}
		if ptype == ptLoad && vaddr < minVAddr {
			minVAddr = vaddr
		}
	}
	if minVAddr != ^uint64(0) {
		peek.LoadOffset = v.Start - minVAddr
	}
	return peek, nil
}

// computeSiblingVOffsets walks the leader's PT_LOAD phdrs and, for each
// sibling VMA, sets FileVOffset to the p_vaddr of the PT_LOAD whose
// ALIGN_DOWN(p_offset, p_align) equals the sibling's file offset
// (spec §4.3).
func (t *Task) computeSiblingVOffsets(leaderIdx int) {
	leader := &t.VMAs[leaderIdx]
	if leader.ELF == nil {
		return
	}
	const ptLoad = 1
	assign := func(v *VMA) {
		for i, ptype := range leader.ELF.PhType {
			if ptype != ptLoad {
				continue
			}
			align := leader.ELF.PhAlign[i]
			if align == 0 {
				align = 1
			}
			alignedOffset := leader.ELF.PhOffset[i] &^ (align - 1)
			if v.FileOffset == alignedOffset {
				v.FileVOffset = leader.ELF.PhVAddr[i]
				return
			}
		}
	}
	assign(leader)
	for _, si := range leader.SiblingIdxs {
		assign(&t.VMAs[si])
	}
}

// ResolveSymbol computes sym's live address in the target (spec §3's
// TargetSymbol resolved-address rule).
func (t *Task) ResolveSymbol(sym *TargetSymbol) (uint64, error) {
	if sym.LeaderIdx < 0 || sym.LeaderIdx >= len(t.VMAs) {
		return 0, fmt.Errorf("target: symbol %q has no owning VMA", sym.Name)
	}
	leader := &t.VMAs[sym.LeaderIdx]

	value := sym.Value
	if leader.Kind == VMAVDSO && leader.ELF != nil {
		value += leader.ELF.LoadOffset
	}

	if !leader.IsSharedLib {
		return value, nil
	}

	candidates := append([]int{sym.LeaderIdx}, leader.SiblingIdxs...)
	sortByVOffset(candidates, t.VMAs)
	for i, idx := range candidates {
		v := &t.VMAs[idx]
		var upper uint64 = ^uint64(0)
		if i+1 < len(candidates) {
			upper = t.VMAs[candidates[i+1]].FileVOffset
		}
		if value >= v.FileVOffset && value < upper {
			return v.Start + (value - v.FileVOffset), nil
		}
	}
	// Fall back to the leader itself if no sibling's range matched
	// (e.g. a single-segment library).
	return leader.Start + (value - leader.FileVOffset), nil
}

func sortByVOffset(idxs []int, vmas []VMA) {
	for a := 1; a < len(idxs); a++ {
		for b := a; b > 0 && vmas[idxs[b]].FileVOffset < vmas[idxs[b-1]].FileVOffset; b-- {
			idxs[b], idxs[b-1] = idxs[b-1], idxs[b]
		}
	}
}

// LoadSymbols imports defined symbols from the on-disk self ELF and walks
// the DYNAMIC segment of every other shared-library VMA to import its
// exported symbols (spec §4.3's LoadSymbols / FTO_VMA_ELF_SYMBOLS).
func (t *Task) LoadSymbols() error {
	if t.ExePath != "" {
		self, err := elfreader.Open(t.ExePath)
		if err == nil {
			t.SelfELF = self
			t.importDefinedSymbols(self, t.selfLeaderIdx())
		}
	}

	for i := range t.VMAs {
		v := &t.VMAs[i]
		if v.LeaderIdx != i || !v.IsSharedLib || v.ELF == nil {
			continue
		}
		if v.Kind == VMALibc {
			if libc, err := elfreader.Open(v.Pathname); err == nil {
				t.LibcELF = libc
			}
		}
		if err := t.importDynamicSymbols(i); err != nil {
			t.logger.Debug("dynamic symbol import failed", "path", v.Pathname, "error", err)
		}
	}
	return nil
}

func (t *Task) selfLeaderIdx() int {
	for i := range t.VMAs {
		if t.VMAs[i].Kind == VMASelf && t.VMAs[i].LeaderIdx == i {
			return i
		}
	}
	return -1
}

func (t *Task) importDefinedSymbols(f *elfreader.File, leaderIdx int) {
	syms, err := f.Symbols()
	if err != nil {
		return
	}
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		t.Symbols.Insert(t.logger, &TargetSymbol{
			Name:      s.Name,
			Value:     s.Value,
			Size:      s.Size,
			Info:      elf.ST_TYPE(s.Info),
			Bind:      elf.ST_BIND(s.Info),
			Shndx:     s.Section,
			LeaderIdx: leaderIdx,
		})
	}
}

// dynSymEntSize is sizeof(Elf64_Sym).
const dynSymEntSize = 24

// importDynamicSymbols reads DT_SYMTAB/DT_STRTAB/DT_STRSZ/DT_SYMENT out
// of the target's PT_DYNAMIC segment and inserts every non-undefined,
// named symbol (spec §4.3). The symbol table size is inferred as
// strtab_addr - symtab_addr, a common but fragile Linux layout
// assumption flagged as an open question (spec §9) — a stricter
// implementation would bound it via DT_HASH/DT_GNU_HASH instead.
func (t *Task) importDynamicSymbols(leaderIdx int) error {
	v := &t.VMAs[leaderIdx]
	dynOff, dynSize, ok := findDynamicSegment(v)
	if !ok {
		return fmt.Errorf("target: no PT_DYNAMIC in %s", v.Pathname)
	}

	raw := make([]byte, dynSize)
	if _, err := t.ReadAt(raw, int64(v.Start+dynOff)); err != nil {
		return err
	}

	const (
		dtNull    = 0
		dtSymtab  = 6
		dtStrtab  = 5
		dtStrsz   = 10
		dtSyment  = 11
	)
	var symtabAddr, strtabAddr, strsz, syment uint64
	for off := 0; off+16 <= len(raw); off += 16 {
		tag := binary.LittleEndian.Uint64(raw[off : off+8])
		val := binary.LittleEndian.Uint64(raw[off+8 : off+16])
		switch int64(tag) {
		case dtNull:
			off = len(raw) // break out
		case dtSymtab:
			symtabAddr = val
		case dtStrtab:
			strtabAddr = val
		case dtStrsz:
			strsz = val
		case dtSyment:
			syment = val
		}
	}
	_ = strsz
	if symtabAddr == 0 || strtabAddr == 0 || syment == 0 {
		return fmt.Errorf("target: incomplete DYNAMIC in %s", v.Pathname)
	}
	if syment != dynSymEntSize {
		return fmt.Errorf("target: unexpected DT_SYMENT %d in %s", syment, v.Pathname)
	}

	loadOffset := uint64(0)
	if v.ELF != nil {
		loadOffset = v.ELF.LoadOffset
	}
	symtabLive := symtabAddr
	strtabLive := strtabAddr
	if v.Kind == VMAVDSO {
		symtabLive += loadOffset
		strtabLive += loadOffset
	} else {
		symtabLive = v.Start + (symtabAddr - v.FileVOffset)
		strtabLive = v.Start + (strtabAddr - v.FileVOffset)
	}

	if strtabLive <= symtabLive {
		return fmt.Errorf("target: degenerate symtab/strtab ordering in %s", v.Pathname)
	}
	symtabSz := strtabLive - symtabLive

	buf := make([]byte, symtabSz)
	if _, err := t.ReadAt(buf, int64(symtabLive)); err != nil {
		return err
	}
	strBuf := make([]byte, strsz)
	if strsz > 0 {
		if _, err := t.ReadAt(strBuf, int64(strtabLive)); err != nil {
			return err
		}
	}

	count := int(symtabSz) / dynSymEntSize
	for i := 0; i < count; i++ {
		rec := buf[i*dynSymEntSize : (i+1)*dynSymEntSize]
		nameOff := binary.LittleEndian.Uint32(rec[0:4])
		info := rec[4]
		shndx := binary.LittleEndian.Uint16(rec[6:8])
		value := binary.LittleEndian.Uint64(rec[8:16])
		size := binary.LittleEndian.Uint64(rec[16:24])

		if shndx == 0 { // SHN_UNDEF
			continue
		}
		name := cString(strBuf, nameOff)
		if name == "" {
			continue
		}
		t.Symbols.Insert(t.logger, &TargetSymbol{
			Name:      name,
			Value:     value,
			Size:      size,
			Info:      elf.SymType(info & 0xf),
			Bind:      elf.SymBind(info >> 4),
			Shndx:     elf.SectionIndex(shndx),
			LeaderIdx: leaderIdx,
		})
	}
	return nil
}

func cString(buf []byte, off uint32) string {
	if int(off) >= len(buf) {
		return ""
	}
	end := off
	for end < uint32(len(buf)) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

// dynamicScanWindow bounds how much of the DYNAMIC segment is read before
// the DT_NULL terminator is found. p_filesz isn't tracked in ELFPeek's
// trimmed phdr fields (only the ones needed elsewhere are kept), and real
// DYNAMIC segments are always a few hundred entries at most, so a
// generous fixed window plus the DT_NULL-terminated scan in
// importDynamicSymbols is sufficient.
const dynamicScanWindow = 4096

func findDynamicSegment(v *VMA) (offset, size uint64, ok bool) {
	if v.ELF == nil {
		return 0, 0, false
	}
	const ptDynamic = 2
	for i, ptype := range v.ELF.PhType {
		if ptype == ptDynamic {
			return v.ELF.PhVAddr[i] - v.FileVOffset, dynamicScanWindow, true
		}
	}
	return 0, 0, false
}
