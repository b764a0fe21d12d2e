package elfreader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/xyproto/ultask/internal/errs"
)

func TestOpenBytesRejectsNonELF(t *testing.T) {
	_, err := OpenBytes([]byte("not an elf file at all"))
	if !errors.Is(err, errs.ErrNotElf) {
		t.Fatalf("expected ErrNotElf, got %v", err)
	}
}

func TestParseNotesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writeNote := func(name string, typ uint32, desc []byte) {
		namesz := uint32(len(name) + 1)
		var hdr [12]byte
		binary.LittleEndian.PutUint32(hdr[0:4], namesz)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(desc)))
		binary.LittleEndian.PutUint32(hdr[8:12], typ)
		buf.Write(hdr[:])
		buf.WriteString(name)
		buf.WriteByte(0)
		for (buf.Len() % 4) != 0 {
			buf.WriteByte(0)
		}
		buf.Write(desc)
		for (buf.Len() % 4) != 0 {
			buf.WriteByte(0)
		}
	}

	wantID := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	writeNote("GNU", noteTypeGNUBuildID, wantID)

	notes, err := parseNotes(bytes.NewReader(buf.Bytes()), 4, binary.LittleEndian)
	if err != nil {
		t.Fatalf("parseNotes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	if notes[0].Name != "GNU" || notes[0].Type != noteTypeGNUBuildID {
		t.Fatalf("unexpected note: %+v", notes[0])
	}
	if !bytes.Equal(notes[0].Desc, wantID) {
		t.Fatalf("desc = % x, want % x", notes[0].Desc, wantID)
	}
}
