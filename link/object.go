package link

import (
	"encoding/binary"
	"sort"

	"github.com/appsworld/ld64/types"
)

const machHeaderSize64 = 32

// rawSection is a section header as read straight off an LC_SEGMENT_64,
// before isDebugSection splits it into a linker atom or a DWARF blob.
type rawSection struct {
	sect    inputSection
	fileOff uint32
	size    uint64
	nreloc  uint32
	reloff  uint32
}

// parseObject implements C3's object path: read header, locate the segment
// load command, ingest sections, materialize nlists/relocations, and build
// one primary atom per non-debug section.
func (l *Linker) parseObject(path string, raw []byte) (*Object, error) {
	if len(raw) < machHeaderSize64 {
		return nil, errEndOfStream()
	}
	magic := binary.LittleEndian.Uint32(raw[0:4])
	if magic != uint32(types.Magic64) {
		return nil, errNotObject()
	}

	bo := binary.ByteOrder(binary.LittleEndian)

	var hdr types.FileHeader
	hdr.Magic = types.Magic(magic)
	hdr.CPU = types.CPU(bo.Uint32(raw[4:8]))
	hdr.SubCPU = types.CPUSubtype(bo.Uint32(raw[8:12]))
	hdr.Type = types.HeaderFileType(bo.Uint32(raw[12:16]))
	hdr.NCommands = bo.Uint32(raw[16:20])
	hdr.SizeCommands = bo.Uint32(raw[20:24])
	hdr.Flags = types.HeaderFlag(bo.Uint32(raw[24:28]))

	if hdr.Type != types.MH_OBJECT {
		return nil, errNotObject()
	}
	if hdr.CPU != l.arch.CPUType() {
		return nil, &Error{Kind: ErrMismatchedCPUArchitecture, Msg: "object CPU does not match link target", Path: path}
	}

	o := &Object{
		fileBase: fileBase{path: path},
		Header:   hdr,
		raw:      raw,
	}

	off := uint32(machHeaderSize64)
	var symoff, nsyms, stroff uint32
	var firstGlobal = -1
	var dicOff, dicSize uint32

	var rawSections []rawSection

	for c := uint32(0); c < hdr.NCommands; c++ {
		if int(off)+8 > len(raw) {
			return nil, errEndOfStream()
		}
		cmd := types.LoadCmd(bo.Uint32(raw[off:]))
		cmdsize := bo.Uint32(raw[off+4:])
		body := raw[off : off+cmdsize]

		switch cmd {
		case types.LC_SEGMENT_64:
			nsects := bo.Uint32(body[64:68])
			p := uint32(72)
			for s := uint32(0); s < nsects; s++ {
				sh := body[p : p+80]
				sectname := cString(sh[0:16])
				segname := cString(sh[16:32])
				addr := bo.Uint64(sh[32:40])
				size := bo.Uint64(sh[40:48])
				foff := bo.Uint32(sh[48:52])
				align := bo.Uint32(sh[52:56])
				reloff := bo.Uint32(sh[56:60])
				nreloc := bo.Uint32(sh[60:64])
				flags := bo.Uint32(sh[64:68])
				rawSections = append(rawSections, rawSection{
					sect: inputSection{
						Segname: segname, Sectname: sectname,
						Addr: addr, Size: size, Offset: foff, Align: uint8(align),
						Flags: types.SectionFlag(flags),
					},
					fileOff: foff, size: size, nreloc: nreloc, reloff: reloff,
				})
				p += 80
			}
		case types.LC_SYMTAB:
			symoff = bo.Uint32(body[8:12])
			nsyms = bo.Uint32(body[12:16])
			stroff = bo.Uint32(body[16:20])
		case types.LC_DYSYMTAB:
			firstGlobal = int(bo.Uint32(body[8:12])) + int(bo.Uint32(body[12:16]))
		case types.LC_DATA_IN_CODE:
			dicOff = bo.Uint32(body[8:12])
			dicSize = bo.Uint32(body[12:16])
		case types.LC_BUILD_VERSION:
			o.Platform = types.Platform(bo.Uint32(body[8:12]))
		}
		off += cmdsize
	}

	if hdr.Flags&types.SubsectionsViaSymbols != 0 {
		o.SubsectionsViaSymbols = true
	}

	o.DWARF = parseDWARFSummary(path, raw, rawSections)

	// nlist64: n_strx u32, n_type u8, n_sect u8, n_desc u16, n_value u64 (16 bytes)
	const nlistSize = 16
	if nsyms > 0 {
		if int(symoff)+int(nsyms)*nlistSize > len(raw) {
			return nil, errEndOfStream()
		}
		o.Nlists = make([]types.Nlist64, nsyms)
		for i := uint32(0); i < nsyms; i++ {
			p := symoff + i*nlistSize
			o.Nlists[i] = types.Nlist64{
				Nlist: types.Nlist{
					Name: bo.Uint32(raw[p : p+4]),
					Type: types.NType(raw[p+4]),
					Sect: raw[p+5],
					Desc: types.NDescType(bo.Uint16(raw[p+6 : p+8])),
				},
				Value: bo.Uint64(raw[p+8 : p+16]),
			}
		}
	}
	if int(stroff) < len(raw) {
		end := stroff
		if end > uint32(len(raw)) {
			end = uint32(len(raw))
		}
		o.StrTab = raw[stroff:]
		_ = end
	}

	needsSort := firstGlobal < 0

	if dicSize > 0 {
		n := dicSize / 8
		for i := uint32(0); i < n; i++ {
			p := dicOff + i*8
			if int(p)+8 > len(raw) {
				break
			}
			o.DICE = append(o.DICE, DataInCodeEntry{
				Offset: bo.Uint32(raw[p : p+4]),
				Length: bo.Uint16(raw[p+4 : p+6]),
				Kind:   bo.Uint16(raw[p+6 : p+8]),
			})
		}
	}

	// Materialize one atom per non-debug section; associate relocations
	// and data-in-code entries.
	o.Sections = make([]inputSection, len(rawSections))
	for i, rs := range rawSections {
		sect := rs.sect
		if isDebugSection(sect.Sectname) {
			sect.Atom = -1
			o.Sections[i] = sect
			continue
		}

		var relocs []Reloc
		for r := uint32(0); r < rs.nreloc; r++ {
			p := rs.reloff + r*8
			if int(p)+8 > len(raw) {
				break
			}
			w0 := bo.Uint32(raw[p : p+4])
			w1 := bo.Uint32(raw[p+4 : p+8])
			relocs = append(relocs, decodeReloc(w0, w1))
		}
		sort.Slice(relocs, func(a, b int) bool { return relocs[a].Addr < relocs[b].Addr })

		var data []byte
		if rs.fileOff != 0 && sect.Flags.Type() != types.S_ZEROFILL {
			end := uint64(rs.fileOff) + rs.size
			if end <= uint64(len(raw)) {
				data = raw[rs.fileOff:end]
			}
		}

		var dice []DataInCodeEntry
		for _, d := range o.DICE {
			if uint64(d.Offset) >= sect.Addr && uint64(d.Offset) < sect.Addr+sect.Size {
				dice = append(dice, d)
			}
		}

		name := sect.Segname + "$" + sect.Sectname
		atomIdx := l.newAtom(Atom{
			Name: name, Kind: AtomRegular, File: o.index, NSect: i + 1,
			Size: sect.Size, Align: uint8(sect.Align), Data: data,
			Relocs: relocs, DataInCode: dice, Thunk: -1,
		})
		sect.Atom = atomIdx
		o.Sections[i] = sect
		o.Atoms = append(o.Atoms, atomIdx)
	}

	if needsSort {
		firstGlobal = sortNlists(l, o)
	}
	o.FirstGlobal = firstGlobal
	o.Symbols = make([]int, len(o.Nlists))
	for i := range o.Symbols {
		o.Symbols[i] = -1
	}

	return o, nil
}

func cString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func isDebugSection(name string) bool {
	switch name {
	case "__debug_info", "__debug_abbrev", "__debug_str", "__debug_line", "__debug_loc", "__debug_ranges":
		return true
	}
	return false
}

// decodeReloc unpacks a Mach-O relocation_info pair into the engine's
// architecture-neutral Reloc shape.
func decodeReloc(w0, w1 uint32) Reloc {
	pcrel := (w1 >> 24) & 1
	length := (w1 >> 25) & 3
	extern := (w1 >> 27) & 1
	kind := (w1 >> 28) & 0xF
	symnum := w1 & 0xFFFFFF

	r := Reloc{Addr: w0, Kind: int(kind), Length: uint8(length), PCRel: pcrel != 0}
	if extern != 0 {
		r.Symbol = int(symnum)
		r.Section = -1
	} else {
		r.Symbol = -1
		r.Section = int(symnum)
	}
	return r
}

// sortNlists implements the fallback ordering (§4.1) used when the object
// has no LC_DYSYMTAB to trust: defined-before-undef, then section index,
// then value, then name offset; it rewrites every relocation's symbol
// index (across every atom already materialized for this object, via a
// backlink table) and returns the recomputed first-global index.
func sortNlists(l *Linker, o *Object) int {
	order := make([]int, len(o.Nlists))
	for i := range order {
		order[i] = i
	}
	nl := o.Nlists
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		da, db := nl[ia].Type.IsDefinedInSection(), nl[ib].Type.IsDefinedInSection()
		if da != db {
			return da // defined before undef
		}
		if nl[ia].Sect != nl[ib].Sect {
			return nl[ia].Sect < nl[ib].Sect
		}
		if nl[ia].Value != nl[ib].Value {
			return nl[ia].Value < nl[ib].Value
		}
		return nl[ia].Name < nl[ib].Name
	})

	backlink := make([]int, len(nl))
	for newIdx, oldIdx := range order {
		backlink[oldIdx] = newIdx
	}

	sorted := make([]types.Nlist64, len(nl))
	for newIdx, oldIdx := range order {
		sorted[newIdx] = nl[oldIdx]
	}
	o.Nlists = sorted

	firstGlobal := len(sorted)
	for i, n := range sorted {
		if n.Type.IsExternalSym() {
			firstGlobal = i
			break
		}
	}

	for _, atomIdx := range o.Atoms {
		relocs := l.atoms[atomIdx].Relocs
		for i := range relocs {
			if relocs[i].Symbol >= 0 {
				relocs[i].Symbol = backlink[relocs[i].Symbol]
			}
		}
	}
	return firstGlobal
}
