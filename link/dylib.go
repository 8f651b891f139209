package link

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/appsworld/ld64/pkg/trie"
	"github.com/appsworld/ld64/types"
)

// parseDylibBinary implements C3's binary dylib path: read the header and
// LC_ID_DYLIB / LC_DYLD_INFO(_ONLY) load commands, then decode the export
// trie into the uniform Dylib.Exports set via the teacher's pkg/trie reader.
func (l *Linker) parseDylibBinary(path string, raw []byte) (*Dylib, error) {
	if len(raw) < machHeaderSize64 {
		return nil, errEndOfStream()
	}
	bo := binary.LittleEndian
	magic := bo.Uint32(raw[0:4])
	if magic != uint32(types.Magic64) {
		return nil, errNotDylib()
	}
	fileType := types.HeaderFileType(bo.Uint32(raw[12:16]))
	if fileType != types.MH_DYLIB && fileType != types.MH_DYLIB_STUB {
		return nil, errNotDylib()
	}
	ncmds := bo.Uint32(raw[16:20])

	d := &Dylib{fileBase: fileBase{path: path}, Exports: make(map[string]DylibExport)}

	off := uint32(machHeaderSize64)
	var exportOff, exportSize uint32
	for c := uint32(0); c < ncmds; c++ {
		if int(off)+8 > len(raw) {
			return nil, errEndOfStream()
		}
		cmd := types.LoadCmd(bo.Uint32(raw[off:]))
		cmdsize := bo.Uint32(raw[off+4:])
		body := raw[off : off+cmdsize]

		switch cmd {
		case types.LC_ID_DYLIB:
			name, current, compat := decodeDylibCmd(body, bo)
			d.InstallName = name
			d.CurrentVersion = current
			d.CompatVersion = compat
		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			// dyld_info_command: cmd,cmdsize,rebase_{off,size},bind_{off,size},
			// weak_bind_{off,size},lazy_bind_{off,size},export_{off,size} —
			// twelve uint32s; export_off/export_size are the last pair.
			exportOff = bo.Uint32(body[40:44])
			exportSize = bo.Uint32(body[44:48])
		case types.LC_DYLD_EXPORTS_TRIE:
			exportOff = bo.Uint32(body[8:12])
			exportSize = bo.Uint32(body[12:16])
		}
		off += cmdsize
	}

	if exportSize > 0 && int(exportOff)+int(exportSize) <= len(raw) {
		entries, err := trie.ParseTrie(raw[exportOff:exportOff+exportSize], 0)
		if err == nil {
			for _, e := range entries {
				d.Exports[e.Name] = DylibExport{Name: e.Name, Weak: e.Flags.WeakDefinition()}
			}
		}
	}

	return d, nil
}

// decodeDylibCmd unpacks the shared dylib_command payload (LC_ID_DYLIB,
// LC_LOAD_DYLIB, LC_LOAD_WEAK_DYLIB all share this shape): a dylib struct
// with a string-table-style name offset, timestamp, current/compat
// versions.
func decodeDylibCmd(body []byte, bo binary.ByteOrder) (name string, current, compat uint32) {
	nameOff := bo.Uint32(body[8:12])
	current = bo.Uint32(body[16:20])
	compat = bo.Uint32(body[20:24])
	if int(nameOff) < len(body) {
		name = cString(body[nameOff:])
	}
	return
}

// parseTBD implements C3's text-stub path: a hand-rolled line-oriented
// scanner over the subset of the YAML-ish TBD format ld64 actually reads
// (install-name / current-version / compatibility-version / exports[]
// .symbols), with no YAML dependency — the format is neither a full YAML
// document nor a binary Mach-O, so nothing in the corpus's dependency set
// already parses it.
func (l *Linker) parseTBD(path string, raw []byte) (*Dylib, error) {
	text := string(raw)
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "---") && !strings.Contains(trimmed, "install-name:") {
		return nil, errNotDylib()
	}

	d := &Dylib{fileBase: fileBase{path: path}, Exports: make(map[string]DylibExport)}
	d.CurrentVersion = 0x10000
	d.CompatVersion = 0x10000

	inExports := false
	inSymbols := false
	for _, line := range strings.Split(text, "\n") {
		trim := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trim, "install-name:"):
			d.InstallName = unquoteTBD(strings.TrimSpace(strings.TrimPrefix(trim, "install-name:")))
		case strings.HasPrefix(trim, "current-version:"):
			d.CurrentVersion = parseTBDVersion(strings.TrimSpace(strings.TrimPrefix(trim, "current-version:")))
		case strings.HasPrefix(trim, "compatibility-version:"):
			d.CompatVersion = parseTBDVersion(strings.TrimSpace(strings.TrimPrefix(trim, "compatibility-version:")))
		case strings.HasPrefix(trim, "exports:"):
			inExports = true
			inSymbols = false
		case inExports && strings.HasPrefix(trim, "symbols:"):
			inSymbols = true
		case inExports && inSymbols && strings.HasPrefix(trim, "-"):
			name := unquoteTBD(strings.TrimSpace(strings.TrimPrefix(trim, "-")))
			if name != "" {
				d.Exports[name] = DylibExport{Name: name}
			}
		case inExports && trim != "" && !strings.HasPrefix(trim, "-") && !strings.HasSuffix(trim, ":") && !inSymbols:
			// a bare scalar line inside an exports[] entry that isn't
			// recognized; ignore it rather than mis-detecting structure.
		case trim != "" && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") && trim != "---" && trim != "...":
			inExports = false
			inSymbols = false
		}
	}

	if d.InstallName == "" {
		return nil, errNotDylib()
	}
	return d, nil
}

func unquoteTBD(s string) string {
	s = strings.TrimSuffix(s, ",")
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// parseTBDVersion parses ld64's "X.Y.Z" or "X.Y" current/compat-version
// strings into the packed nnnn.nn.nn uint32 current_version encoding.
func parseTBDVersion(s string) uint32 {
	s = unquoteTBD(s)
	parts := strings.SplitN(s, ".", 3)
	var major, minor, patch int
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		patch, _ = strconv.Atoi(parts[2])
	}
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
}
