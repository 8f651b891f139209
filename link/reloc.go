package link

import "encoding/binary"

// Mach-O dyld_info bind opcodes, used for the bind stream and for the
// lazy-bind stream whose byte offsets the stub-helper trampolines push as
// their argument.
const (
	bindOpcodeDone                      = 0x00
	bindOpcodeSetDylibOrdinalImm        = 0x10
	bindOpcodeSetDylibOrdinalULEB       = 0x20
	bindOpcodeSetDylibSpecialImm        = 0x30
	bindOpcodeSetSymbolTrailingFlagsImm = 0x40
	bindOpcodeSetTypeImm                = 0x50
	bindOpcodeSetSegmentAndOffsetULEB   = 0x70
	bindOpcodeDoBind                    = 0x90

	bindTypePointer = 1
)

func uleb128Encode(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

// resolveRelocations implements C9's resolve pass: insert aarch64 long-
// branch thunks where needed, build the lazy-bind opcode stream the
// stub-helper trampolines reference, then emit final bytes for every live
// atom, copying and patching input data for regular atoms and encoding
// content from scratch for every synthetic one.
func (l *Linker) resolveRelocations() error {
	l.planThunks()
	l.computeLazyBindOffsets()

	preambleIdx := l.findPreambleAtom()

	for i := range l.atoms {
		a := &l.atoms[i]
		if !a.Live {
			continue
		}
		switch a.Kind {
		case AtomRegular:
			if err := l.patchRegularAtom(i); err != nil {
				return err
			}
		case AtomGOTEntry, AtomTLVPointer:
			l.atoms[i].Data = l.encodePointerAtom(i)
		case AtomLazyPointer:
			l.atoms[i].Data = l.encodeLazyPointerAtom(i)
		case AtomStub:
			l.atoms[i].Data = l.encodeStubAtom(i)
		case AtomStubHelperPreamble:
			l.atoms[i].Data = l.encodePreambleAtom(i)
		case AtomStubHelper:
			l.atoms[i].Data = l.encodeStubHelperAtom(i, preambleIdx)
		case AtomThunk:
			l.atoms[i].Data = l.encodeThunkAtom(i)
		}
	}
	return nil
}

func (l *Linker) atomAddr(idx int) uint64 {
	a := &l.atoms[idx]
	if a.Section < 0 || a.Section >= len(l.sections) {
		return 0
	}
	return l.sections[a.Section].Addr + a.Offset
}

func (l *Linker) findPreambleAtom() int {
	for i := range l.atoms {
		if l.atoms[i].Kind == AtomStubHelperPreamble {
			return i
		}
	}
	return -1
}

// relocTargetSymbol translates r.Symbol (a local nlist index for an atom
// materialized from an Object, already a linker-global symbol index for a
// synthetic atom) into an index into Linker.symbols, or -1 if unresolvable.
func (l *Linker) relocTargetSymbol(a *Atom, r *Reloc) int {
	if r.Symbol < 0 {
		return -1
	}
	if a.File < 0 {
		return r.Symbol
	}
	o, ok := l.files[a.File].(*Object)
	if !ok || r.Symbol >= len(o.Symbols) {
		return -1
	}
	return o.Symbols[r.Symbol]
}

// relocTarget resolves one relocation's final address, applying the
// GOT/stub/TLV/thunk indirection the scan pass and planThunks decided on,
// and the GOT_LOAD elision to a direct reference when the symbol is defined
// locally (no GOT indirection needed even though a now-unused slot exists).
func (l *Linker) relocTarget(atomIdx int, r *Reloc) (addr uint64, imported bool, ok bool) {
	a := &l.atoms[atomIdx]

	if r.Symbol >= 0 {
		symIdx := l.relocTargetSymbol(a, r)
		if symIdx < 0 || symIdx >= len(l.symbols) {
			return 0, false, false
		}
		sym := &l.symbols[symIdx]
		imported = sym.Flags.Has(SymImport)

		switch {
		case r.IsGOT:
			gotLoad := r.Kind == x86RelocGOTLoad || r.Kind == arm64RelocGOTLoadPage21 || r.Kind == arm64RelocGOTLoadPageOff12
			if gotLoad && !imported {
				return sym.Value, imported, true
			}
			if isTLVReloc(r.Kind, l.arch) {
				return l.atomAddr(l.tlv[l.tlvIndex[symIdx]].Atom), imported, true
			}
			return l.atomAddr(l.got[l.gotIndex[symIdx]].Atom), imported, true
		case r.IsStub:
			return l.atomAddr(l.stubs[l.stubIndex[symIdx]].Atom), imported, true
		default:
			if thunkIdx, ok2 := l.thunkIndex[symIdx]; ok2 && isBranchReloc(r.Kind, l.arch) {
				return l.atomAddr(l.thunks[thunkIdx].Atom), imported, true
			}
			return sym.Value, imported, true
		}
	}

	// Section-relative (non-extern): the target is the whole-section atom
	// materialized for r.Section within the same object.
	if a.File < 0 {
		return 0, false, false
	}
	o, ok2 := l.files[a.File].(*Object)
	if !ok2 || r.Section < 1 || r.Section > len(o.Sections) {
		return 0, false, false
	}
	targetAtom := o.Sections[r.Section-1].Atom
	if targetAtom < 0 {
		return 0, false, false
	}
	return l.atomAddr(targetAtom), false, true
}

// patchRegularAtom copies atom i's input bytes and applies every
// relocation, pairing SUBTRACTOR with the UNSIGNED entry that immediately
// follows it and consuming any ARM64_RELOC_ADDEND prefix into the next
// entry's addend.
func (l *Linker) patchRegularAtom(idx int) error {
	a := &l.atoms[idx]
	if a.Data == nil {
		return nil // input S_ZEROFILL section: no file content to patch
	}
	out := make([]byte, len(a.Data))
	copy(out, a.Data)

	var pendingAddend int64
	havePending := false

	relocs := a.Relocs
	for ri := 0; ri < len(relocs); ri++ {
		r := &relocs[ri]

		if l.arch == ArchARM64 && r.Kind == arm64RelocAddend {
			pendingAddend = signExtend24(int32(r.Section))
			havePending = true
			continue
		}

		addend := r.Addend
		if havePending {
			addend += pendingAddend
			havePending = false
		}

		isSubtractor := r.Kind == x86RelocSubtractor || r.Kind == arm64RelocSubtractor
		if isSubtractor {
			subAddr, _, ok := l.relocTarget(idx, r)
			if !ok {
				continue
			}
			if ri+1 >= len(relocs) {
				continue
			}
			next := &relocs[ri+1]
			nextAddr, _, ok2 := l.relocTarget(idx, next)
			if !ok2 {
				continue
			}
			value := int64(nextAddr) - int64(subAddr) + addend
			writePointerField(out, int(next.Addr), next.Length, uint64(value))
			ri++ // the paired UNSIGNED entry is fully consumed here
			continue
		}

		target, imported, ok := l.relocTarget(idx, r)
		if !ok {
			continue
		}

		if r.Symbol < 0 {
			o := l.files[a.File].(*Object)
			orig := readPointerField(out, int(r.Addr), r.Length)
			addend += int64(orig) - int64(o.Sections[r.Section-1].Addr)
		}

		target = uint64(int64(target) + addend)
		srcAddr := l.atomAddr(idx) + uint64(r.Addr)

		var err error
		if l.arch == ArchX86_64 {
			err = l.applyX86Reloc(out, r, srcAddr, target, imported)
		} else {
			err = l.applyARM64Reloc(out, r, srcAddr, target, imported)
		}
		if err != nil {
			return err
		}
	}

	a.Data = out
	return nil
}

func signExtend24(v int32) int64 {
	v &= 0xFFFFFF
	if v&0x800000 != 0 {
		v |= ^0xFFFFFF
	}
	return int64(v)
}

func readPointerField(b []byte, off int, length uint8) uint64 {
	switch length {
	case 0:
		if off >= len(b) {
			return 0
		}
		return uint64(b[off])
	case 1:
		return uint64(binary.LittleEndian.Uint16(b[off:]))
	case 2:
		return uint64(binary.LittleEndian.Uint32(b[off:]))
	default:
		return binary.LittleEndian.Uint64(b[off:])
	}
}

func writePointerField(b []byte, off int, length uint8, v uint64) {
	switch length {
	case 0:
		b[off] = byte(v)
	case 1:
		binary.LittleEndian.PutUint16(b[off:], uint16(v))
	case 2:
		binary.LittleEndian.PutUint32(b[off:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(b[off:], v)
	}
}

// x86RelocCorrection returns the "N" term of the displacement formula
// (target - (source+4+addend) - N) for each x86-64 relocation kind.
func x86RelocCorrection(kind int) int64 {
	switch kind {
	case x86RelocSigned1:
		return 1
	case x86RelocSigned2:
		return 2
	case x86RelocSigned4:
		return 4
	default:
		return 0
	}
}

func (l *Linker) applyX86Reloc(out []byte, r *Reloc, srcAddr, target uint64, imported bool) error {
	switch r.Kind {
	case x86RelocUnsigned:
		writePointerField(out, int(r.Addr), r.Length, target)
		return nil
	case x86RelocGOTLoad:
		if !imported {
			elideGOTLoadToLea(out, int(r.Addr))
		}
		fallthrough
	case x86RelocBranch, x86RelocSigned, x86RelocSigned1, x86RelocSigned2, x86RelocSigned4, x86RelocGOT, x86RelocTLV:
		disp, err := calcPcRelativeDisplacementX86(srcAddr, target, 4+x86RelocCorrection(r.Kind))
		if err != nil {
			return err
		}
		writePointerField(out, int(r.Addr), 2, uint64(uint32(disp)))
		return nil
	}
	return nil
}

// elideGOTLoadToLea flips a rip-relative MOV's opcode byte (0x8B) to LEA
// (0x8D) two bytes before the relocated displacement field, turning
// "mov sym@GOTPCREL(%rip), %reg" into "lea sym(%rip), %reg" once the GOT
// slot is no longer needed. Left untouched if the bytes don't match the
// expected MOV encoding.
func elideGOTLoadToLea(out []byte, dispOff int) {
	if dispOff < 2 {
		return
	}
	if out[dispOff-2] == 0x8B {
		out[dispOff-2] = 0x8D
	}
}

func (l *Linker) applyARM64Reloc(out []byte, r *Reloc, srcAddr, target uint64, imported bool) error {
	addr := int(r.Addr)
	switch r.Kind {
	case arm64RelocUnsigned, arm64RelocPointerToGOT:
		writePointerField(out, addr, r.Length, target)
		return nil
	case arm64RelocBranch26:
		if !branchInRangeARM64(srcAddr, target) {
			return &Error{Kind: ErrOverflow, Msg: "branch26 out of range after thunk planning"}
		}
		disp26 := int32((int64(target) - int64(srcAddr)) >> 2)
		patchBranchImm26(out, addr, disp26)
		return nil
	case arm64RelocPage21, arm64RelocTLVPLoadPage21, arm64RelocGOTLoadPage21:
		// GOT_LOAD_PAGE21 needs no special casing here: relocTarget already
		// substituted the direct symbol address when eliding the GOT, so
		// the page computation is identical either way.
		patchADRP(out, addr, calcNumberOfPages(srcAddr, target))
		return nil
	case arm64RelocPageOff12:
		kind := instrPageOffsetKind(binary.LittleEndian.Uint32(out[addr:]))
		patchImm12(out, addr, uint32(calcPageOffset(target, kind)))
		return nil
	case arm64RelocTLVPLoadPageOff12:
		patchImm12(out, addr, uint32(calcPageOffset(target, pageOffsetLoadStore64)))
		return nil
	case arm64RelocGOTLoadPageOff12:
		if !imported {
			rewriteLDRtoADD(out, addr)
			patchImm12(out, addr, uint32(calcPageOffset(target, pageOffsetArithmetic)))
		} else {
			patchImm12(out, addr, uint32(calcPageOffset(target, pageOffsetLoadStore64)))
		}
		return nil
	}
	return nil
}

func patchADRP(out []byte, addr int, pages int32) {
	insn := binary.LittleEndian.Uint32(out[addr:])
	rd := insn & 0x1F
	binary.LittleEndian.PutUint32(out[addr:], encodeADRP(rd, pages))
}

func patchImm12(out []byte, addr int, imm12 uint32) {
	insn := binary.LittleEndian.Uint32(out[addr:])
	insn = (insn &^ (0xFFF << 10)) | ((imm12 & 0xFFF) << 10)
	binary.LittleEndian.PutUint32(out[addr:], insn)
}

func patchBranchImm26(out []byte, addr int, disp26 int32) {
	insn := binary.LittleEndian.Uint32(out[addr:])
	insn = (insn &^ 0x03FFFFFF) | (uint32(disp26) & 0x03FFFFFF)
	binary.LittleEndian.PutUint32(out[addr:], insn)
}

func rewriteLDRtoADD(out []byte, addr int) {
	insn := binary.LittleEndian.Uint32(out[addr:])
	rt := insn & 0x1F
	rn := (insn >> 5) & 0x1F
	binary.LittleEndian.PutUint32(out[addr:], encodeADDImm(rt, rn, 0))
}

// instrPageOffsetKind classifies the PAGEOFF12 host instruction so its
// immediate is scaled the way the processor expects: unscaled for
// ADD/SUB-immediate, element-scaled for LDR/STR unsigned-immediate.
func instrPageOffsetKind(insn uint32) pageOffsetKind {
	switch insn >> 24 {
	case 0x91, 0x11, 0xD1, 0x51:
		return pageOffsetArithmetic
	}
	switch (insn >> 30) & 0x3 {
	case 1:
		return pageOffsetLoadStore16
	case 2:
		return pageOffsetLoadStore32
	case 3:
		return pageOffsetLoadStore64
	default:
		return pageOffsetLoadStore8
	}
}

// encodePointerAtom renders a GOT or TLV-pointer slot's initial content: the
// resolved address for a locally defined target, or zero (filled by a bind
// opcode at load time) for an imported one.
func (l *Linker) encodePointerAtom(idx int) []byte {
	a := &l.atoms[idx]
	out := make([]byte, 8)
	if len(a.Relocs) == 0 {
		return out
	}
	r := &a.Relocs[0]
	sym := &l.symbols[r.Symbol]
	if !sym.Flags.Has(SymImport) {
		binary.LittleEndian.PutUint64(out, sym.Value)
	}
	return out
}

// encodeLazyPointerAtom renders a __la_symbol_ptr slot's initial content:
// the address of its stub_helper entry, per the lazy-binding convention.
func (l *Linker) encodeLazyPointerAtom(laAtomIdx int) []byte {
	out := make([]byte, 8)
	for i := range l.stubs {
		if l.stubs[i].LazyPtrAtom == laAtomIdx {
			binary.LittleEndian.PutUint64(out, l.atomAddr(l.stubs[i].HelperAtom))
			break
		}
	}
	return out
}

func (l *Linker) encodeStubAtom(stubAtomIdx int) []byte {
	stubAddr := l.atomAddr(stubAtomIdx)
	for i := range l.stubs {
		if l.stubs[i].Atom == stubAtomIdx {
			return l.arch.EncodeStub(stubAddr, l.atomAddr(l.stubs[i].LazyPtrAtom))
		}
	}
	return make([]byte, l.arch.StubSize())
}

func (l *Linker) encodePreambleAtom(idx int) []byte {
	addr := l.atomAddr(idx)
	var dyldPrivateAddr, binderAddr uint64
	if l.dyldPrivateAtom >= 0 {
		dyldPrivateAddr = l.atomAddr(l.dyldPrivateAtom)
	}
	if l.dyldStubBinderSym >= 0 {
		if gi, ok := l.gotIndex[l.dyldStubBinderSym]; ok {
			binderAddr = l.atomAddr(l.got[gi].Atom)
		}
	}
	return l.arch.EncodeStubHelperPreamble(addr, dyldPrivateAddr, binderAddr)
}

func (l *Linker) encodeStubHelperAtom(helperAtomIdx, preambleIdx int) []byte {
	addr := l.atomAddr(helperAtomIdx)
	var preambleAddr uint64
	if preambleIdx >= 0 {
		preambleAddr = l.atomAddr(preambleIdx)
	}
	for i := range l.stubs {
		if l.stubs[i].HelperAtom == helperAtomIdx {
			return l.arch.EncodeStubHelper(addr, preambleAddr, l.lazyBindOffset[i])
		}
	}
	return make([]byte, l.arch.StubHelperSize())
}

func (l *Linker) encodeThunkAtom(idx int) []byte {
	addr := l.atomAddr(idx)
	for ti := range l.thunks {
		if l.thunks[ti].Atom == idx {
			target := l.symbols[l.thunks[ti].TargetSymbol].Value
			return EncodeThunk(addr, target)
		}
	}
	return make([]byte, 12)
}

// planThunks inserts an aarch64 long-branch thunk for every BRANCH26 target
// a live caller cannot reach directly, then re-runs C8's allocator so the
// new thunk atoms receive real addresses; it repeats until a pass adds no
// further thunks, stopping after at most four passes.
func (l *Linker) planThunks() {
	if l.arch != ArchARM64 {
		return
	}
	for pass := 0; pass < 4; pass++ {
		created := false
		for i := range l.atoms {
			a := &l.atoms[i]
			if !a.Live || a.Kind == AtomThunk {
				continue
			}
			for ri := range a.Relocs {
				r := &a.Relocs[ri]
				if r.Kind != arm64RelocBranch26 || r.Symbol < 0 {
					continue
				}
				symIdx := l.relocTargetSymbol(a, r)
				if symIdx < 0 {
					continue
				}
				sym := &l.symbols[symIdx]
				if sym.Flags.Has(SymImport) || sym.Atom < 0 {
					continue // goes through a stub, or unresolved; never a thunk
				}
				if _, ok := l.thunkIndex[symIdx]; ok {
					continue
				}
				srcAddr := l.atomAddr(i) + uint64(r.Addr)
				tgtAddr := l.atomAddr(sym.Atom)
				if branchInRangeARM64(srcAddr, tgtAddr) {
					continue
				}
				atomIdx := l.newAtom(Atom{
					Name:  "__TEXT$__text#thunk." + l.interner.String(sym.Name),
					Kind:  AtomThunk,
					File:  -1,
					Size:  12,
					Align: uint8(l.arch.TextAlign()),
					Live:  true,
					Thunk: -1,
				})
				l.thunkIndex[symIdx] = len(l.thunks)
				l.thunks = append(l.thunks, Thunk{TargetSymbol: symIdx, Atom: atomIdx})
				created = true
			}
		}
		if !created {
			return
		}
		l.allocate()
	}
}

// computeLazyBindOffsets builds the lazy-bind opcode stream and records
// each stub's starting offset within it, for the stub-helper trampolines to
// push and C10's LINKEDIT writer to emit verbatim.
func (l *Linker) computeLazyBindOffsets() {
	l.lazyBindBytes = l.lazyBindBytes[:0]
	l.lazyBindOffset = make([]uint32, len(l.stubs))

	for i := range l.stubs {
		e := &l.stubs[i]
		sym := &l.symbols[e.TargetSymbol]

		l.lazyBindOffset[i] = uint32(len(l.lazyBindBytes))

		laAddr := l.atomAddr(e.LazyPtrAtom)
		segIdx := l.atoms[e.LazyPtrAtom].Section
		var segOff uint64
		var segNum byte
		if segIdx >= 0 && segIdx < len(l.sections) {
			segNum = byte(l.sections[segIdx].Segment)
			segOff = laAddr - l.segments[l.sections[segIdx].Segment].VMAddr
		}

		var buf []byte
		ordinal := sym.DylibOrdinal
		switch {
		case ordinal <= 0:
			buf = append(buf, bindOpcodeSetDylibSpecialImm|byte(int8(ordinal))&0xF)
		case ordinal <= 15:
			buf = append(buf, bindOpcodeSetDylibOrdinalImm|byte(ordinal))
		default:
			buf = append(buf, bindOpcodeSetDylibOrdinalULEB)
			buf = append(buf, uleb128Encode(uint64(ordinal))...)
		}

		buf = append(buf, bindOpcodeSetSymbolTrailingFlagsImm)
		buf = append(buf, l.interner.String(sym.Name)...)
		buf = append(buf, 0)

		buf = append(buf, bindOpcodeSetTypeImm|bindTypePointer)

		buf = append(buf, bindOpcodeSetSegmentAndOffsetULEB|segNum)
		buf = append(buf, uleb128Encode(segOff)...)

		buf = append(buf, bindOpcodeDoBind)
		buf = append(buf, bindOpcodeDone)

		l.lazyBindBytes = append(l.lazyBindBytes, buf...)
	}
}
