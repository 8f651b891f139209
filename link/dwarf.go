package link

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/blacktop/go-dwarf"
)

// dwarfSectionName maps a __DWARF section name to the short key
// debug/dwarf-style dwarf.New wants ("__debug_info" -> "info"), the same
// convention the teacher's File.DWARF used.
func dwarfSectionName(segname, sectname string) string {
	if segname != "__DWARF" {
		return ""
	}
	switch {
	case strings.HasPrefix(sectname, "__debug_"):
		return sectname[len("__debug_"):]
	case strings.HasPrefix(sectname, "__zdebug_"):
		return sectname[len("__zdebug_"):]
	default:
		return ""
	}
}

func dwarfSectionData(raw []byte, rs rawSection) []byte {
	if rs.fileOff == 0 || uint64(rs.fileOff)+rs.size > uint64(len(raw)) {
		return nil
	}
	b := raw[rs.fileOff : uint64(rs.fileOff)+rs.size]
	if len(b) >= 12 && string(b[:4]) == "ZLIB" {
		dlen := binary.BigEndian.Uint64(b[4:12])
		dbuf := make([]byte, dlen)
		r, err := zlib.NewReader(bytes.NewReader(b[12:]))
		if err != nil {
			return nil
		}
		if _, err := io.ReadFull(r, dbuf); err != nil {
			return nil
		}
		r.Close()
		return dbuf
	}
	return b
}

// parseDWARFSummary extracts the CU-level comp-dir/name pair an N_SO/N_OSO
// stab pair needs, without retaining any of the DWARF tree past the first
// compile unit; the full walk belongs to a symbolicator, not the linker.
func parseDWARFSummary(path string, raw []byte, rawSections []rawSection) *DWARFSummary {
	want := map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	found := false
	for _, rs := range rawSections {
		key := dwarfSectionName(rs.sect.Segname, rs.sect.Sectname)
		if key == "" {
			continue
		}
		if _, ok := want[key]; !ok {
			continue
		}
		want[key] = dwarfSectionData(raw, rs)
		found = true
	}
	if !found || len(want["info"]) == 0 {
		return nil
	}

	d, err := dwarf.New(want["abbrev"], nil, nil, want["info"], want["line"], nil, want["ranges"], want["str"])
	if err != nil {
		return nil
	}

	r := d.Reader()
	entry, err := r.Next()
	if err != nil || entry == nil || entry.Tag != dwarf.TagCompileUnit {
		return nil
	}

	summary := &DWARFSummary{}
	if v, ok := entry.Val(dwarf.AttrCompDir).(string); ok {
		summary.CompDir = v
	}
	if v, ok := entry.Val(dwarf.AttrName).(string); ok {
		summary.Name = v
	}
	if fi, err := os.Stat(path); err == nil {
		summary.Mtime = uint32(fi.ModTime().Unix())
	}
	return summary
}
