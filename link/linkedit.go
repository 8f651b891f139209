package link

import (
	"encoding/binary"
	"sort"

	"github.com/appsworld/ld64/pkg/trie"
	"github.com/appsworld/ld64/types"
)

var byteOrder = binary.LittleEndian

// Mach-O dyld_info rebase opcodes (mach-o/loader.h REBASE_OPCODE_*).
const (
	rebaseOpcodeDone                    = 0x00
	rebaseOpcodeSetTypeImm              = 0x10
	rebaseOpcodeSetSegmentAndOffsetULEB = 0x20
	rebaseOpcodeDoRebaseImmTimes        = 0x50

	rebaseTypePointer = 1
)

const indirectSymbolLocal = 0x80000000

// Stab n_type values this writer emits (<mach-o/stab.h>); unlike ordinary
// N_SECT/N_EXT bits these occupy the whole N_STAB mask.
const (
	nGSYM  = 0x20
	nFUN   = 0x24
	nSTSYM = 0x26
	nBNSYM = 0x2e
	nENSYM = 0x4e
	nSO    = 0x64
	nOSO   = 0x66
)

const nDescReferencedDynamically = 0x0010

// linkeditData holds every byte stream and symtab partition C10 produces,
// consumed by C11's header/load-command assembly.
type linkeditData struct {
	rebase     []byte
	bind       []byte
	lazyBind   []byte
	export     []byte
	funcStarts []byte
	dataInCode []byte
	symtab     []byte
	strtab     []byte
	indirect   []byte

	nlocal, nextdef, nundef int
}

// pointerFixup is one pointer-sized field needing a rebase or bind entry at
// load time: a GOT/TLV slot, or a regular atom's UNSIGNED relocation to a
// pointer-sized field in a writable segment.
type pointerFixup struct {
	segIdx int
	offset uint64
	symIdx int // valid (>=0) only for a bind fixup
}

// buildLinkedit implements C10: serialize every dyld_info stream, the
// symbol/string/indirect-symbol tables, and append the __LINKEDIT segment
// to l.segments sized to hold them.
func (l *Linker) buildLinkedit() linkeditData {
	var data linkeditData

	rebases, binds := l.collectPointerFixups()
	data.rebase = l.buildRebaseStream(rebases)
	data.bind = l.buildBindStream(binds)
	data.lazyBind = l.lazyBindBytes

	data.export = l.buildExportTrie()
	data.funcStarts = l.buildFunctionStarts()
	data.dataInCode = l.buildDataInCode()

	local, extdef, undef, indirect := l.buildSymbolTables()
	data.nlocal, data.nextdef, data.nundef = len(local), len(extdef), len(undef)

	data.symtab = make([]byte, 0, 16*(len(local)+len(extdef)+len(undef)))
	for i := range local {
		data.symtab = appendNlist64(data.symtab, &local[i])
	}
	for i := range extdef {
		data.symtab = appendNlist64(data.symtab, &extdef[i])
	}
	for i := range undef {
		data.symtab = appendNlist64(data.symtab, &undef[i])
	}
	data.strtab = l.interner.Bytes()
	data.indirect = indirect

	l.appendLinkeditSegment(&data)
	return data
}

func appendNlist64(b []byte, n *types.Nlist64) []byte {
	row := make([]byte, 16)
	n.Put64(row, byteOrder)
	return append(b, row...)
}

// appendLinkeditSegment lays __LINKEDIT out immediately after the last
// segment allocate() produced, page-aligned in both spaces; its FileSize is
// the exact content size (LINKEDIT is never zerofill-padded mid-stream).
func (l *Linker) appendLinkeditSegment(data *linkeditData) {
	pageSize := l.arch.PageSize()
	var prevVMAddr, prevVMSize, prevFileOff, prevFileSize uint64
	if n := len(l.segments); n > 0 {
		last := l.segments[n-1]
		prevVMAddr, prevVMSize = last.VMAddr, last.VMSize
		prevFileOff, prevFileSize = last.FileOff, last.FileSize
	}

	size := uint64(len(data.rebase) + len(data.bind) + len(data.lazyBind) + len(data.export) +
		len(data.funcStarts) + len(data.dataInCode) + len(data.symtab) + len(data.strtab) + len(data.indirect))

	seg := Segment{
		Name:     "__LINKEDIT",
		VMAddr:   alignUp(prevVMAddr+prevVMSize, pageSize),
		FileOff:  alignUp(prevFileOff+prevFileSize, pageSize),
		FileSize: size,
		VMSize:   alignUp(size, pageSize),
		MaxProt:  protR,
		InitProt: protR,
	}
	l.segments = append(l.segments, seg)
}

// collectPointerFixups gathers every pointer-sized output field whose value
// must be fixed up at load time: every GOT/TLV slot, and every regular
// atom's UNSIGNED relocation landing in a writable segment.
func (l *Linker) collectPointerFixups() (rebases []pointerFixup, binds []pointerFixup) {
	addEntry := func(atomIdx int, targetSymIdx int) {
		a := &l.atoms[atomIdx]
		if a.Section < 0 || a.Section >= len(l.sections) {
			return
		}
		sec := &l.sections[a.Section]
		seg := &l.segments[sec.Segment]
		addr := l.atomAddr(atomIdx)
		segOff := addr - seg.VMAddr
		sym := &l.symbols[targetSymIdx]
		if sym.Flags.Has(SymImport) {
			binds = append(binds, pointerFixup{segIdx: sec.Segment, offset: segOff, symIdx: targetSymIdx})
		} else {
			rebases = append(rebases, pointerFixup{segIdx: sec.Segment, offset: segOff})
		}
	}

	for i := range l.got {
		if l.atoms[l.got[i].Atom].Live {
			addEntry(l.got[i].Atom, l.got[i].TargetSymbol)
		}
	}
	for i := range l.tlv {
		if l.atoms[l.tlv[i].Atom].Live {
			addEntry(l.tlv[i].Atom, l.tlv[i].TargetSymbol)
		}
	}

	for i := range l.atoms {
		a := &l.atoms[i]
		if !a.Live || a.Kind != AtomRegular || a.Section < 0 {
			continue
		}
		sec := &l.sections[a.Section]
		seg := &l.segments[sec.Segment]
		if seg.Name == "__TEXT" || seg.Name == "__PAGEZERO" || seg.Name == "__LINKEDIT" {
			continue
		}

		skipNext := false
		for ri := range a.Relocs {
			if skipNext {
				skipNext = false
				continue
			}
			r := &a.Relocs[ri]
			if l.arch == ArchARM64 && r.Kind == arm64RelocAddend {
				continue
			}
			if r.Kind == x86RelocSubtractor || r.Kind == arm64RelocSubtractor {
				skipNext = true
				continue
			}
			isUnsigned := r.Kind == x86RelocUnsigned || r.Kind == arm64RelocUnsigned
			if !isUnsigned || r.Length != 3 {
				continue
			}
			target, imported, ok := l.relocTarget(i, r)
			_ = target
			if !ok {
				continue
			}
			addr := l.atomAddr(i) + uint64(r.Addr)
			segOff := addr - seg.VMAddr
			if imported {
				symIdx := l.relocTargetSymbol(a, r)
				if symIdx < 0 {
					continue
				}
				binds = append(binds, pointerFixup{segIdx: sec.Segment, offset: segOff, symIdx: symIdx})
			} else {
				rebases = append(rebases, pointerFixup{segIdx: sec.Segment, offset: segOff})
			}
		}
	}

	sort.Slice(rebases, func(i, j int) bool {
		if rebases[i].segIdx != rebases[j].segIdx {
			return rebases[i].segIdx < rebases[j].segIdx
		}
		return rebases[i].offset < rebases[j].offset
	})
	sort.Slice(binds, func(i, j int) bool {
		if binds[i].segIdx != binds[j].segIdx {
			return binds[i].segIdx < binds[j].segIdx
		}
		ni, nj := l.interner.String(l.symbols[binds[i].symIdx].Name), l.interner.String(l.symbols[binds[j].symIdx].Name)
		if ni != nj {
			return ni < nj
		}
		return binds[i].offset < binds[j].offset
	})
	return rebases, binds
}

// buildRebaseStream emits one SET_SEGMENT_AND_OFFSET_ULEB + DO_REBASE_IMM
// pair per pointer rather than coalescing runs with ADD_ADDR_ULEB: larger
// than ld64's own output, but correct and far simpler to generate.
func (l *Linker) buildRebaseStream(fixups []pointerFixup) []byte {
	if len(fixups) == 0 {
		return nil
	}
	buf := []byte{rebaseOpcodeSetTypeImm | rebaseTypePointer}
	for _, f := range fixups {
		buf = append(buf, rebaseOpcodeSetSegmentAndOffsetULEB|byte(f.segIdx))
		buf = append(buf, uleb128Encode(f.offset)...)
		buf = append(buf, rebaseOpcodeDoRebaseImmTimes|1)
	}
	buf = append(buf, rebaseOpcodeDone)
	return buf
}

// buildBindStream emits the non-lazy bind opcode stream, one self-contained
// ordinal/name/type/segment+offset/do_bind run per pointer.
func (l *Linker) buildBindStream(fixups []pointerFixup) []byte {
	if len(fixups) == 0 {
		return nil
	}
	var buf []byte
	for _, f := range fixups {
		sym := &l.symbols[f.symIdx]
		buf = append(buf, encodeBindOrdinal(sym.DylibOrdinal)...)
		buf = append(buf, bindOpcodeSetSymbolTrailingFlagsImm)
		buf = append(buf, l.interner.String(sym.Name)...)
		buf = append(buf, 0)
		buf = append(buf, bindOpcodeSetTypeImm|bindTypePointer)
		buf = append(buf, bindOpcodeSetSegmentAndOffsetULEB|byte(f.segIdx))
		buf = append(buf, uleb128Encode(f.offset)...)
		buf = append(buf, bindOpcodeDoBind)
	}
	buf = append(buf, bindOpcodeDone)
	return buf
}

func encodeBindOrdinal(ordinal int16) []byte {
	switch {
	case ordinal <= 0:
		return []byte{bindOpcodeSetDylibSpecialImm | byte(int8(ordinal))&0xF}
	case ordinal <= 15:
		return []byte{bindOpcodeSetDylibOrdinalImm | byte(ordinal)}
	default:
		return append([]byte{bindOpcodeSetDylibOrdinalULEB}, uleb128Encode(uint64(ordinal))...)
	}
}

// buildExportTrie gathers every symbol markExports flagged and renders the
// compressed export trie via pkg/trie.Build, address offsets relative to
// the lowest segment's vmaddr (the image base dyld slides against).
func (l *Linker) buildExportTrie() []byte {
	var imageBase uint64
	if len(l.segments) > 0 {
		imageBase = l.segments[0].VMAddr
	}

	var entries []trie.TrieEntry
	for i := range l.symbols {
		s := &l.symbols[i]
		if !s.Flags.Has(SymExport) || s.Atom < 0 || !l.atoms[s.Atom].Live {
			continue
		}
		flags := types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR
		if s.Flags.Has(SymWeak) {
			flags |= types.EXPORT_SYMBOL_FLAGS_WEAK_DEFINITION
		}
		entries = append(entries, trie.TrieEntry{
			Name:    l.interner.String(s.Name),
			Flags:   flags,
			Address: s.Value - imageBase,
		})
	}
	return trie.Build(entries)
}

// buildFunctionStarts collects every live global symbol address in
// __TEXT,__text (local symbols are not included) and emits ascending ULEB128 deltas from the segment's
// vmaddr, the first delta measured from that base.
func (l *Linker) buildFunctionStarts() []byte {
	var textVMAddr uint64
	found := false
	for _, seg := range l.segments {
		if seg.Name == "__TEXT" {
			textVMAddr = seg.VMAddr
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	addrs := l.textFunctionAddrs()
	if len(addrs) == 0 {
		return nil
	}

	var buf []byte
	prev := textVMAddr
	for _, addr := range addrs {
		buf = append(buf, uleb128Encode(addr-prev)...)
		prev = addr
	}
	return buf
}

// textFunctionAddrs returns every live global symbol's address placed in
// __TEXT,__text, ascending and deduplicated.
func (l *Linker) textFunctionAddrs() []uint64 {
	seen := make(map[uint64]bool)
	var addrs []uint64
	for i := range l.symbols {
		s := &l.symbols[i]
		if s.Atom < 0 || !l.atoms[s.Atom].Live {
			continue
		}
		if !l.isTextAtom(s.Atom) {
			continue
		}
		if !seen[s.Value] {
			seen[s.Value] = true
			addrs = append(addrs, s.Value)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

func (l *Linker) isTextAtom(atomIdx int) bool {
	a := &l.atoms[atomIdx]
	if a.Section < 0 || a.Section >= len(l.sections) {
		return false
	}
	sec := &l.sections[a.Section]
	return sec.Segname == "__TEXT" && sec.Sectname == "__text"
}

// buildDataInCode rebases every live object's parsed data-in-code entries
// into final output file offsets and sorts the merged table ascending.
func (l *Linker) buildDataInCode() []byte {
	imageSlide := l.pagezeroSize()

	var entries []DataInCodeEntry
	for _, f := range l.files {
		o, ok := f.(*Object)
		if !ok || !o.Alive() {
			continue
		}
		for _, atomIdx := range o.Atoms {
			a := &l.atoms[atomIdx]
			if !a.Live || len(a.DataInCode) == 0 || a.NSect < 1 || a.NSect > len(o.Sections) {
				continue
			}
			base := o.Sections[a.NSect-1].Addr
			for _, d := range a.DataInCode {
				delta := uint32(0)
				if uint64(d.Offset) >= base {
					delta = uint32(uint64(d.Offset) - base)
				}
				finalAddr := l.atomAddr(atomIdx) + uint64(delta)
				entries = append(entries, DataInCodeEntry{
					Offset: uint32(finalAddr - imageSlide),
					Length: d.Length,
					Kind:   d.Kind,
				})
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })

	buf := make([]byte, 0, len(entries)*8)
	for _, e := range entries {
		row := make([]byte, 8)
		byteOrder.PutUint32(row[0:], e.Offset)
		byteOrder.PutUint16(row[4:], e.Length)
		byteOrder.PutUint16(row[6:], e.Kind)
		buf = append(buf, row...)
	}
	return buf
}

// buildSymbolTables partitions the output symtab into locals (plain
// addresses plus, unless stripped, a CU-level stab summary), defined
// externals, and undefined externals (imports), and builds the indirect
// symbol table the __got/__la_symbol_ptr/__stubs/__thread_ptrs sections
// reference via Section.Reserved1/Reserved2.
func (l *Linker) buildSymbolTables() (local, extdef, undef []types.Nlist64, indirect []byte) {
	local = l.buildLocalSymtab()

	var extIdx, undefIdx []int
	for i := range l.symbols {
		s := &l.symbols[i]
		if s.Atom >= 0 && !l.atoms[s.Atom].Live {
			continue
		}
		switch {
		case s.Flags.Has(SymImport):
			undefIdx = append(undefIdx, i)
		case s.Atom >= 0:
			extIdx = append(extIdx, i)
		}
	}
	sort.Slice(extIdx, func(a, b int) bool {
		return l.interner.String(l.symbols[extIdx[a]].Name) < l.interner.String(l.symbols[extIdx[b]].Name)
	})
	sort.Slice(undefIdx, func(a, b int) bool {
		return l.interner.String(l.symbols[undefIdx[a]].Name) < l.interner.String(l.symbols[undefIdx[b]].Name)
	})

	pos := len(local)
	for _, i := range extIdx {
		s := &l.symbols[i]
		s.Flags |= SymOutputSymtab
		s.SymtabPos = pos
		pos++
		typ := types.N_EXT | types.N_SECT
		if s.Flags.Has(SymPrivateExtern) {
			typ |= types.N_PEXT
		}
		var desc uint16
		if s.Flags.Has(SymWeak) {
			desc |= uint16(types.WeakDef)
		}
		if s.Flags.Has(SymReferencedDynamically) {
			desc |= nDescReferencedDynamically
		}
		extdef = append(extdef, types.Nlist64{
			Nlist: types.Nlist{Name: s.Name, Type: typ, Sect: uint8(l.atoms[s.Atom].Section + 1), Desc: types.NDescType(desc)},
			Value: s.Value,
		})
	}
	for _, i := range undefIdx {
		s := &l.symbols[i]
		s.Flags |= SymOutputSymtab
		s.SymtabPos = pos
		pos++
		typ := types.N_EXT
		desc := uint16(libraryOrdinalByte(s.DylibOrdinal)) << 8
		if s.Flags.Has(SymWeakRef) {
			desc |= uint16(types.WeakRef)
		}
		undef = append(undef, types.Nlist64{
			Nlist: types.Nlist{Name: s.Name, Type: typ, Sect: 0, Desc: types.NDescType(desc)},
		})
	}

	indirect = l.buildIndirectSymtab()
	return local, extdef, undef, indirect
}

func libraryOrdinalByte(ordinal int16) byte {
	switch {
	case ordinal == -1:
		return byte(types.EXECUTABLE_ORDINAL)
	case ordinal == -2:
		return byte(types.DYNAMIC_LOOKUP_ORDINAL)
	case ordinal <= 0:
		return byte(types.SELF_LIBRARY_ORDINAL)
	default:
		return byte(ordinal)
	}
}

// buildLocalSymtab emits, per live object, the plain local symbol rows
// (n_type/n_desc carried from the input nlist, address finalized through
// the owning atom), and, unless stripped, a CU stab summary: N_SO/N_SO
// /N_OSO followed by one BNSYM/FUN/FUN/ENSYM quartet per live global
// function defined in that object, one N_GSYM/N_STSYM per live global data
// symbol, and a closing N_SO. Local (file-static) functions are not
// individually stabbed.
func (l *Linker) buildLocalSymtab() []types.Nlist64 {
	var rows []types.Nlist64

	for _, f := range l.files {
		o, ok := f.(*Object)
		if !ok || !o.Alive() {
			continue
		}

		if !l.opts.Strip && o.DWARF != nil {
			rows = append(rows, types.Nlist64{Nlist: types.Nlist{Name: l.interner.Intern(o.DWARF.CompDir), Type: nSO}})
			rows = append(rows, types.Nlist64{Nlist: types.Nlist{Name: l.interner.Intern(o.DWARF.Name), Type: nSO}})
			rows = append(rows, types.Nlist64{
				Nlist: types.Nlist{Name: l.interner.Intern(o.Path()), Type: nOSO, Desc: 1},
				Value: uint64(o.DWARF.Mtime),
			})
		}

		for i := 0; i < o.FirstGlobal; i++ {
			n := o.Nlists[i]
			if !n.Type.IsDefinedInSection() || n.Type.IsDebugSym() {
				continue
			}
			atomIdx := o.sectionAtom(int(n.Sect))
			if atomIdx < 0 || !l.atoms[atomIdx].Live {
				continue
			}
			name := cString(o.StrTab[n.Name:])
			value := l.atomAddr(atomIdx) + o.sectionDelta(int(n.Sect), n.Value)
			rows = append(rows, types.Nlist64{
				Nlist: types.Nlist{Name: l.interner.Intern(name), Type: n.Type, Sect: uint8(atomIdx2Section(l, atomIdx) + 1), Desc: n.Desc},
				Value: value,
			})
		}

		if !l.opts.Strip && o.DWARF != nil {
			rows = append(rows, l.buildObjectFunctionStabs(o)...)
			rows = append(rows, l.buildObjectDataStabs(o)...)
			// Terminating N_SO closes the compilation unit opened above.
			rows = append(rows, types.Nlist64{Nlist: types.Nlist{Type: nSO}})
		}
	}
	return rows
}

// buildObjectDataStabs emits one N_GSYM (externally visible) or N_STSYM
// (private-extern) stab per live non-function global symbol o defines,
// mirroring buildObjectFunctionStabs' global-only scope: file-static data
// symbols never reach l.symbols and so get no per-symbol stab, only the
// CU-level summary.
func (l *Linker) buildObjectDataStabs(o *Object) []types.Nlist64 {
	var rows []types.Nlist64
	for i := range l.symbols {
		s := &l.symbols[i]
		if s.File != o.index || s.Atom < 0 || !l.atoms[s.Atom].Live || l.isTextAtom(s.Atom) {
			continue
		}
		name := l.interner.String(s.Name)
		if s.Flags.Has(SymPrivateExtern) {
			rows = append(rows, types.Nlist64{Nlist: types.Nlist{Name: l.interner.Intern(name), Type: nSTSYM, Sect: uint8(l.atoms[s.Atom].Section + 1)}, Value: s.Value})
		} else {
			rows = append(rows, types.Nlist64{Nlist: types.Nlist{Name: l.interner.Intern(name), Type: nGSYM}})
		}
	}
	return rows
}

func atomIdx2Section(l *Linker, atomIdx int) int {
	return l.atoms[atomIdx].Section
}

// buildObjectFunctionStabs emits one BNSYM/FUN(name)/FUN(size)/ENSYM
// quartet per live global symbol o defines in __TEXT,__text, sizing each by
// the next function's address (or the section end for the last one).
func (l *Linker) buildObjectFunctionStabs(o *Object) []types.Nlist64 {
	type fn struct {
		name  string
		value uint64
	}
	var fns []fn
	for i := range l.symbols {
		s := &l.symbols[i]
		if s.File != o.index || s.Atom < 0 || !l.atoms[s.Atom].Live || !l.isTextAtom(s.Atom) {
			continue
		}
		fns = append(fns, fn{name: l.interner.String(s.Name), value: s.Value})
	}
	if len(fns) == 0 {
		return nil
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].value < fns[j].value })

	var sectionEnd uint64
	if len(fns) > 0 {
		for _, a := range l.atoms {
			if a.Section >= 0 && a.Section < len(l.sections) && l.isTextAtomSection(a.Section) {
				sectionEnd = l.sections[a.Section].Addr + l.sections[a.Section].Size
			}
		}
	}

	var rows []types.Nlist64
	for i, f := range fns {
		size := sectionEnd - f.value
		if i+1 < len(fns) {
			size = fns[i+1].value - f.value
		}
		rows = append(rows,
			types.Nlist64{Nlist: types.Nlist{Type: nBNSYM, Sect: 1}, Value: f.value},
			types.Nlist64{Nlist: types.Nlist{Name: l.interner.Intern(f.name), Type: nFUN, Sect: 1}, Value: f.value},
			types.Nlist64{Nlist: types.Nlist{Type: nFUN}, Value: size},
			types.Nlist64{Nlist: types.Nlist{Type: nENSYM, Sect: 1}, Value: size},
		)
	}
	return rows
}

func (l *Linker) isTextAtomSection(secIdx int) bool {
	sec := &l.sections[secIdx]
	return sec.Segname == "__TEXT" && sec.Sectname == "__text"
}

// buildIndirectSymtab concatenates the __got, __thread_ptrs, then
// __stubs/__la_symbol_ptr indirect entries, recording each participating
// section's Reserved1 (start index) and Reserved2 (stub byte stride, else
// 0) directly on l.sections for C11 to copy into the section_64 header.
func (l *Linker) buildIndirectSymtab() []byte {
	var buf []byte

	emit := func(symIdx int) {
		var v uint32
		sym := &l.symbols[symIdx]
		if sym.Flags.Has(SymImport) {
			v = uint32(sym.SymtabPos)
		} else {
			v = indirectSymbolLocal
		}
		row := make([]byte, 4)
		byteOrder.PutUint32(row, v)
		buf = append(buf, row...)
	}

	setReserved := func(segname, sectname string, start, count int, reserved2 uint32) {
		for i := range l.sections {
			if l.sections[i].Segname == segname && l.sections[i].Sectname == sectname {
				l.sections[i].Reserved1 = uint32(start)
				l.sections[i].Reserved2 = reserved2
				return
			}
		}
	}

	if len(l.got) > 0 {
		start := len(buf) / 4
		for i := range l.got {
			emit(l.got[i].TargetSymbol)
		}
		setReserved("__DATA_CONST", "__got", start, len(l.got), 0)
	}
	if len(l.tlv) > 0 {
		start := len(buf) / 4
		for i := range l.tlv {
			emit(l.tlv[i].TargetSymbol)
		}
		setReserved("__DATA", "__thread_ptrs", start, len(l.tlv), 0)
	}
	if len(l.stubs) > 0 {
		stubsStart := len(buf) / 4
		for i := range l.stubs {
			emit(l.stubs[i].TargetSymbol)
		}
		setReserved("__TEXT", "__stubs", stubsStart, len(l.stubs), uint32(l.arch.StubSize()))

		laStart := len(buf) / 4
		for i := range l.stubs {
			emit(l.stubs[i].TargetSymbol)
		}
		setReserved("__DATA", "__la_symbol_ptr", laStart, len(l.stubs), 0)
	}

	return buf
}
