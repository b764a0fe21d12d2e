package patch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/xyproto/ultask/internal/archspec"
	"github.com/xyproto/ultask/internal/elfreader"
	"github.com/xyproto/ultask/internal/errs"
	"github.com/xyproto/ultask/internal/remote"
	"github.com/xyproto/ultask/internal/target"
	"github.com/xyproto/ultask/internal/workdir"
)

// LoadInfo is the record of one patch object mapped into a target, kept
// until Delete unwinds it.
type LoadInfo struct {
	ObjPath    string
	TargetBase uint64
	Size       int64
	BuildID    string
	Info       *UpatchInfo

	// GotBase/GotSize describe the scratch allocation backing any
	// GOT-relative relocations the object needed (0/0 if it needed none).
	GotBase uint64
	GotSize int64

	tmpPath string
}

const (
	atFDCWD    = -100
	symEntSize = 24 // sizeof(Elf64_Sym)
)

// Options controls the protection of the patch object's mapping, honoring
// `--map file=F[,ro][,noexec]`'s modifiers.
type Options struct {
	ReadOnly bool
	NoExec   bool
}

// Load stages objPath's bytes into the target's work directory, has the
// target mmap them by path, resolves the object's undefined symbols
// against task's symbol tree, applies its relocations, and returns the
// resulting LoadInfo (spec §4.5).
func Load(logger *slog.Logger, task *target.Task, arch archspec.Arch, objPath string, opts Options) (*LoadInfo, error) {
	raw, err := os.ReadFile(objPath)
	if err != nil {
		return nil, errs.IO(objPath, err)
	}

	ef, err := elf.NewFile(newReaderAt(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrNotElf, err)
	}
	defer ef.Close()

	info, err := ParseUpatchInfo(ef)
	if err != nil {
		logger.Debug("no upatch_info metadata", "path", objPath, "error", err)
	}

	if task.WorkDir == nil {
		return nil, fmt.Errorf("patch: task has no work directory")
	}
	tmp, err := task.WorkDir.PatchTmpfile(int64(len(raw)))
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteAt(raw, 0); err != nil {
		tmp.Close()
		return nil, errs.IO(tmpPath, err)
	}
	tmp.Close()

	base, err := mapIntoTarget(task, arch, tmpPath, int64(len(raw)), opts)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	gotBase, gotSize, err := linkObject(task, arch, ef, base)
	if err != nil {
		return nil, err
	}

	buildID, _, _ := elfBuildID(raw)

	li := &LoadInfo{
		ObjPath:    objPath,
		TargetBase: base,
		Size:       int64(len(raw)),
		BuildID:    buildID,
		Info:       info,
		GotBase:    gotBase,
		GotSize:    gotSize,
		tmpPath:    tmpPath,
	}
	if err := persistLoad(task, li); err != nil {
		logger.Warn("failed to persist load record", "error", err)
	}
	return li, nil
}

func elfBuildID(raw []byte) (string, bool, error) {
	f, err := elfreader.OpenBytes(raw)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	return f.BuildID()
}

// mapIntoTarget has the target open path (staged via a Malloc'd scratch
// allocation holding the NUL-terminated path string) and mmap it by path
// — the target does its own open(2) rather than the host passing a
// duplicated fd, since ptrace has no fd-passing primitive of its own.
func mapIntoTarget(task *target.Task, arch archspec.Arch, path string, size int64, opts Options) (uint64, error) {
	if task.LibcVMAIdx < 0 || task.LibcVMAIdx >= len(task.VMAs) {
		return 0, errs.ErrMissingLibc
	}
	scratchExec := task.VMAs[task.LibcVMAIdx].Start

	sess, err := remote.Attach(task.PID)
	if err != nil {
		return 0, err
	}
	defer sess.Detach()

	runner := remote.NewRunner(sess, arch, scratchExec)

	pathBytes := append([]byte(path), 0)
	scratchAddr, err := runner.Malloc(uint64(len(pathBytes)))
	if err != nil {
		return 0, err
	}
	defer runner.Free(scratchAddr, uint64(len(pathBytes)))

	if _, err := task.WriteAt(pathBytes, int64(scratchAddr)); err != nil {
		return 0, err
	}

	fd, err := runner.OpenAt(atFDCWD, scratchAddr, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer runner.Close(fd)

	if err := runner.Ftruncate(fd, size); err != nil {
		return 0, err
	}

	prot := unix.PROT_READ | unix.PROT_EXEC
	if !opts.ReadOnly {
		prot |= unix.PROT_WRITE
	}
	if opts.NoExec {
		prot &^= unix.PROT_EXEC
	}
	const flags = unix.MAP_PRIVATE
	addr, err := runner.Mmap(0, uint64(size), prot, flags, fd, 0)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

// gotCellSize is sizeof one GOT cell: a single 64-bit pointer slot.
const gotCellSize = 8

// linkObject resolves every undefined symbol in ef against task's symbol
// tree and applies every SHT_RELA section, with every address computed as
// base + section file offset (spec §4.5 steps 4-5). It returns the base and
// size of the scratch allocation backing any GOT-relative relocations (0, 0
// if the object needed none), so the caller can record it for Delete to
// munmap later.
func linkObject(task *target.Task, arch archspec.Arch, ef *elf.File, base uint64) (uint64, int64, error) {
	syms, err := ef.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return 0, 0, fmt.Errorf("patch: reading symbols: %w", err)
	}
	symtabSec := ef.Section(".symtab")
	if symtabSec == nil {
		return 0, 0, fmt.Errorf("patch: object has no .symtab")
	}
	symtabAddr := base + symtabSec.Offset

	resolved := make([]uint64, len(syms)+1) // index 0 is the null symbol
	for i, s := range syms {
		idx := i + 1
		if s.Section == elf.SHN_UNDEF {
			if s.Name == "" {
				continue
			}
			tsym, ok := task.Symbols.Find(s.Name)
			if !ok {
				return 0, 0, errs.UndefinedSymbol(s.Name)
			}
			addr, err := task.ResolveSymbol(tsym)
			if err != nil {
				return 0, 0, err
			}
			resolved[idx] = addr
			if err := writeSymValue(task, symtabAddr, idx, addr); err != nil {
				return 0, 0, err
			}
			continue
		}
		sec := ef.Sections[s.Section]
		resolved[idx] = base + sec.Offset + s.Value
	}

	type relaEntry struct {
		loc     uint64
		symIdx  uint64
		relType uint32
		addend  int64
	}
	var entries []relaEntry
	gotWanted := make(map[uint64]bool)

	for _, sec := range ef.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		appliesTo := ef.Sections[sec.Info]
		relas, err := sec.Data()
		if err != nil {
			return 0, 0, fmt.Errorf("patch: reading %s: %w", sec.Name, err)
		}
		const relaEntSize = 24
		for off := 0; off+relaEntSize <= len(relas); off += relaEntSize {
			relOffset := binary.LittleEndian.Uint64(relas[off : off+8])
			relInfo := binary.LittleEndian.Uint64(relas[off+8 : off+16])
			addend := int64(binary.LittleEndian.Uint64(relas[off+16 : off+24]))

			symIdx := relInfo >> 32
			relType := uint32(relInfo & 0xffffffff)
			if int(symIdx) >= len(resolved) {
				return 0, 0, fmt.Errorf("patch: relocation symbol index %d out of range", symIdx)
			}
			if arch.IsGOTRelative(relType) {
				gotWanted[symIdx] = true
			}
			entries = append(entries, relaEntry{
				loc:     base + appliesTo.Offset + relOffset,
				symIdx:  symIdx,
				relType: relType,
				addend:  addend,
			})
		}
	}

	// GOT-relative relocations address an indirection cell, not the
	// symbol itself: allocate one cell per distinct such symbol, write
	// its resolved address into the cell, and have the relocation point
	// at the cell instead (archspec.Arch.IsGOTRelative).
	gotCell := make(map[uint64]uint64, len(gotWanted))
	var gotBase uint64
	var gotSize int64
	if len(gotWanted) > 0 {
		symIdxs := make([]uint64, 0, len(gotWanted))
		for idx := range gotWanted {
			symIdxs = append(symIdxs, idx)
		}
		sort.Slice(symIdxs, func(i, j int) bool { return symIdxs[i] < symIdxs[j] })

		gotSize = int64(len(symIdxs)) * gotCellSize
		var err error
		gotBase, err = allocateGOTCells(task, arch, uint64(gotSize))
		if err != nil {
			return 0, 0, err
		}
		for i, idx := range symIdxs {
			cellAddr := gotBase + uint64(i)*gotCellSize
			gotCell[idx] = cellAddr
			var buf [gotCellSize]byte
			binary.LittleEndian.PutUint64(buf[:], resolved[idx])
			if _, err := task.WriteAt(buf[:], int64(cellAddr)); err != nil {
				return 0, 0, err
			}
		}
	}

	for _, e := range entries {
		symVal := resolved[e.symIdx]
		if arch.IsGOTRelative(e.relType) {
			symVal = gotCell[e.symIdx]
		}

		current := make([]byte, 8)
		if _, err := task.ReadAt(current, int64(e.loc)); err != nil {
			return 0, 0, err
		}
		newBytes, err := arch.ApplyReloc(e.relType, e.loc, symVal, e.addend, current)
		if err != nil {
			return 0, 0, err
		}
		if _, err := task.WriteAt(newBytes, int64(e.loc)); err != nil {
			return 0, 0, err
		}
	}
	return gotBase, gotSize, nil
}

// allocateGOTCells has the target mmap an anonymous, read-write scratch
// region sized to hold size bytes of GOT cells.
func allocateGOTCells(task *target.Task, arch archspec.Arch, size uint64) (uint64, error) {
	if task.LibcVMAIdx < 0 || task.LibcVMAIdx >= len(task.VMAs) {
		return 0, errs.ErrMissingLibc
	}
	scratchExec := task.VMAs[task.LibcVMAIdx].Start

	sess, err := remote.Attach(task.PID)
	if err != nil {
		return 0, err
	}
	defer sess.Detach()

	runner := remote.NewRunner(sess, arch, scratchExec)
	return runner.Malloc(size)
}

func writeSymValue(task *target.Task, symtabAddr uint64, idx int, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	// st_value is the second 8-byte field of Elf64_Sym (name+info+other+
	// shndx, value, size), at offset 8.
	off := symtabAddr + uint64(idx)*symEntSize + 8
	_, err := task.WriteAt(buf[:], int64(off))
	return err
}

func persistLoad(task *target.Task, li *LoadInfo) error {
	existing, err := task.WorkDir.LoadLoads()
	if err != nil {
		return err
	}
	existing = append(existing, workdir.LoadRecord{
		Path:      li.ObjPath,
		BuildID:   li.BuildID,
		TargetHdr: li.TargetBase,
	})
	return task.WorkDir.SaveLoads(existing)
}

// Delete unmaps info's object from task and removes its staged tmpfile and
// work-directory record.
func Delete(task *target.Task, arch archspec.Arch, info *LoadInfo) error {
	if task.LibcVMAIdx < 0 || task.LibcVMAIdx >= len(task.VMAs) {
		return errs.ErrMissingLibc
	}
	scratchExec := task.VMAs[task.LibcVMAIdx].Start

	sess, err := remote.Attach(task.PID)
	if err != nil {
		return err
	}
	defer sess.Detach()

	runner := remote.NewRunner(sess, arch, scratchExec)
	if err := runner.Munmap(info.TargetBase, uint64(info.Size)); err != nil {
		return err
	}
	if info.GotSize > 0 {
		if err := runner.Munmap(info.GotBase, uint64(info.GotSize)); err != nil {
			return err
		}
	}

	if info.tmpPath != "" {
		os.Remove(info.tmpPath)
	}

	records, err := task.WorkDir.LoadLoads()
	if err == nil {
		filtered := records[:0]
		for _, r := range records {
			if r.TargetHdr != info.TargetBase {
				filtered = append(filtered, r)
			}
		}
		task.WorkDir.SaveLoads(filtered)
	}
	return nil
}

type byteReaderAt struct{ b []byte }

func newReaderAt(b []byte) io.ReaderAt { return &byteReaderAt{b} }

func (r *byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
