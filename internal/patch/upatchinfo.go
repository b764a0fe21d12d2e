// Package patch is the patch loader (C5): stages an ET_REL patch object
// into a target process, resolves its undefined symbols against the
// target's symbol tree, applies its relocations, and tracks the result so
// it can later be unloaded.
//
// Grounded on the teacher's own object-emission path (codegen.go's section
// layout, cffi.go's symbol resolution against a foreign library) read in
// reverse: where the teacher assembles an ELF object and links it against
// the host process at startup, patch loads an already-assembled object and
// links it into a process that is already running.
package patch

import (
	"debug/elf"
	"fmt"
)

// UpatchInfo is the optional `.upatch.strtab`-backed record a patch object
// may carry: which function it replaces, what replaces it, and who wrote
// it (spec §6.3).
type UpatchInfo struct {
	TargetFunc string
	NewFunc    string
	Author     string
}

// upatchInfoRecord is the fixed-width record layout written into the
// `upatch_info` section: three offsets of NUL-terminated strings in
// `.upatch.strtab`.
type upatchInfoRecord struct {
	TargetFuncOff uint32
	NewFuncOff    uint32
	AuthorOff     uint32
}

const upatchInfoRecordSize = 12

// ParseUpatchInfo reads the optional upatch_info/.upatch.strtab section
// pair out of a parsed patch object. Returns (nil, nil) if the object
// carries neither section — they are optional metadata, not required for
// loading.
func ParseUpatchInfo(ef *elf.File) (*UpatchInfo, error) {
	infoSec := ef.Section("upatch_info")
	strSec := ef.Section(".upatch.strtab")
	if infoSec == nil || strSec == nil {
		return nil, nil
	}

	data, err := infoSec.Data()
	if err != nil {
		return nil, fmt.Errorf("patch: reading upatch_info: %w", err)
	}
	if len(data) < upatchInfoRecordSize {
		return nil, fmt.Errorf("patch: upatch_info section too small (%d bytes)", len(data))
	}
	strtab, err := strSec.Data()
	if err != nil {
		return nil, fmt.Errorf("patch: reading .upatch.strtab: %w", err)
	}

	rec := decodeRecord(data)
	return &UpatchInfo{
		TargetFunc: cStringAt(strtab, rec.TargetFuncOff),
		NewFunc:    cStringAt(strtab, rec.NewFuncOff),
		Author:     cStringAt(strtab, rec.AuthorOff),
	}, nil
}

func decodeRecord(b []byte) upatchInfoRecord {
	le := func(off int) uint32 {
		return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
	}
	return upatchInfoRecord{
		TargetFuncOff: le(0),
		NewFuncOff:    le(4),
		AuthorOff:     le(8),
	}
}

func cStringAt(buf []byte, off uint32) string {
	if int(off) >= len(buf) {
		return ""
	}
	end := off
	for end < uint32(len(buf)) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}
