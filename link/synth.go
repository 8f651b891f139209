package link

// synthTentativeAndBoundary implements the common/tentative and boundary
// portions of C7: every tentative global gets a __DATA,__common zerofill
// atom sized to its resolved n_value; every boundary-flagged global gets a
// zero-size placeholder atom, which C8's allocate() skips: the symbol's
// address is set by allocateBoundarySymbols once segment layout exists.
func (l *Linker) synthTentativeAndBoundary() {
	for i := range l.symbols {
		sym := &l.symbols[i]
		switch {
		case sym.Flags.Has(SymTentative):
			atomIdx := l.newAtom(Atom{
				Name:  "__DATA$__common",
				Kind:  AtomTentative,
				File:  sym.File,
				Size:  sym.Value,
				Align: sym.CommonAlign,
				Live:  true,
				Thunk: -1,
			})
			sym.Atom = atomIdx
			l.atoms[atomIdx].Symbol = i
		case sym.Flags.Has(SymBoundary):
			atomIdx := l.newAtom(Atom{
				Name:  "boundary$" + sym.BoundarySeg + "$" + sym.BoundarySect,
				Kind:  AtomBoundary,
				File:  -1,
				Live:  true,
				Thunk: -1,
			})
			sym.Atom = atomIdx
			l.atoms[atomIdx].Symbol = i
		}
	}
}

// scanRelocations implements C9's scan pass: walk every live atom's
// relocations and allocate GOT/stub/TLV table slots on demand, deferring
// atom materialization to synthIndirectAtoms so table indices are stable
// before any atom is created.
func (l *Linker) scanRelocations() {
	for i := range l.atoms {
		if !l.atoms[i].Live {
			continue
		}
		for ri := range l.atoms[i].Relocs {
			r := &l.atoms[i].Relocs[ri]
			symIdx := l.relocTargetSymbol(&l.atoms[i], r)
			if symIdx < 0 {
				continue
			}
			sym := &l.symbols[symIdx]

			switch {
			case isGOTOrTLVReloc(r.Kind, l.arch):
				if isTLVReloc(r.Kind, l.arch) {
					l.allocTableSlot(&l.tlv, l.tlvIndex, symIdx)
					sym.TLVIndex = l.tlvIndex[symIdx]
				} else {
					l.allocTableSlot(&l.got, l.gotIndex, symIdx)
					sym.GOTIndex = l.gotIndex[symIdx]
				}
				r.IsGOT = true
			case isBranchReloc(r.Kind, l.arch) && (sym.Flags.Has(SymImport) || (sym.Flags.Has(SymWeak) && sym.Atom < 0)):
				if _, ok := l.stubIndex[symIdx]; !ok {
					idx := len(l.stubs)
					l.stubs = append(l.stubs, IndirectEntry{TargetSymbol: symIdx})
					l.stubIndex[symIdx] = idx
					sym.StubIndex = idx
				}
				r.IsStub = true
			}
		}
	}
}

func (l *Linker) allocTableSlot(table *[]IndirectEntry, index map[int]int, symIdx int) {
	if _, ok := index[symIdx]; ok {
		return
	}
	idx := len(*table)
	*table = append(*table, IndirectEntry{TargetSymbol: symIdx})
	index[symIdx] = idx
}

// synthIndirectAtoms materializes the GOT/lazy-pointer/stub/stub-helper/TLV
// atoms the scan pass requested, plus the stub-helper preamble and
// dyld_private placeholder whenever any stub exists.
func (l *Linker) synthIndirectAtoms() {
	// The stub-helper preamble loads dyld_stub_binder's address through its
	// own GOT slot; request it before the GOT-atom loop below so it is
	// created in the same pass as every other GOT entry.
	if len(l.stubs) > 0 && l.dyldStubBinderSym >= 0 {
		l.allocTableSlot(&l.got, l.gotIndex, l.dyldStubBinderSym)
	}

	for i := range l.got {
		e := &l.got[i]
		sym := l.symbols[e.TargetSymbol]
		atomIdx := l.newAtom(Atom{
			Name: "__DATA_CONST$__got#" + l.interner.String(sym.Name),
			Kind: AtomGOTEntry, File: -1, Size: 8, Align: 3, Live: true, Thunk: -1,
			Relocs: []Reloc{{Kind: x86RelocUnsigned, Length: 3, Symbol: e.TargetSymbol}},
		})
		e.Atom = atomIdx
	}

	for i := range l.tlv {
		e := &l.tlv[i]
		sym := l.symbols[e.TargetSymbol]
		atomIdx := l.newAtom(Atom{
			Name: "__DATA$__thread_ptrs#" + l.interner.String(sym.Name),
			Kind: AtomTLVPointer, File: -1, Size: 8, Align: 3, Live: true, Thunk: -1,
			Relocs: []Reloc{{Kind: x86RelocUnsigned, Length: 3, Symbol: e.TargetSymbol}},
		})
		e.Atom = atomIdx
	}

	if len(l.stubs) == 0 {
		return
	}

	l.dyldPrivateAtom = l.newAtom(Atom{
		Name: "__DATA$__data#dyld_private", Kind: AtomZerofill, File: -1,
		Size: 8, Align: 3, Live: true, Thunk: -1,
	})

	preambleSize := uint64(l.arch.StubHelperPreambleSize())
	l.newAtom(Atom{
		Name: "__TEXT$__stub_helper#preamble", Kind: AtomStubHelperPreamble, File: -1,
		Size: preambleSize, Align: uint8(l.arch.TextAlign()), Live: true, Thunk: -1,
	})

	helperSize := uint64(l.arch.StubHelperSize())
	for i := range l.stubs {
		e := &l.stubs[i]
		sym := &l.symbols[e.TargetSymbol]
		name := l.interner.String(sym.Name)

		laIdx := l.newAtom(Atom{
			Name: "__DATA$__la_symbol_ptr#" + name, Kind: AtomLazyPointer, File: -1,
			Size: 8, Align: 3, Live: true, Thunk: -1,
		})

		stubIdx := l.newAtom(Atom{
			Name: "__TEXT$__stubs#" + name, Kind: AtomStub, File: -1,
			Size: uint64(l.arch.StubSize()), Align: uint8(l.arch.TextAlign()), Live: true, Thunk: -1,
		})

		helperIdx := l.newAtom(Atom{
			Name: "__TEXT$__stub_helper#" + name, Kind: AtomStubHelper, File: -1,
			Size: helperSize, Align: uint8(l.arch.TextAlign()), Live: true, Thunk: -1,
		})

		e.Atom = stubIdx
		e.LazyPtrAtom = laIdx
		e.HelperAtom = helperIdx
		sym.StubIndex = i
	}
}

func isGOTOrTLVReloc(kind int, a Arch) bool {
	switch a {
	case ArchX86_64:
		return kind == x86RelocGOT || kind == x86RelocGOTLoad || kind == x86RelocTLV
	case ArchARM64:
		return kind == arm64RelocGOTLoadPage21 || kind == arm64RelocGOTLoadPageOff12 ||
			kind == arm64RelocPointerToGOT || kind == arm64RelocTLVPLoadPage21 || kind == arm64RelocTLVPLoadPageOff12
	}
	return false
}

func isTLVReloc(kind int, a Arch) bool {
	switch a {
	case ArchX86_64:
		return kind == x86RelocTLV
	case ArchARM64:
		return kind == arm64RelocTLVPLoadPage21 || kind == arm64RelocTLVPLoadPageOff12
	}
	return false
}

func isBranchReloc(kind int, a Arch) bool {
	switch a {
	case ArchX86_64:
		return kind == x86RelocBranch
	case ArchARM64:
		return kind == arm64RelocBranch26
	}
	return false
}
