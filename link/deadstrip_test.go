package link

import "testing"

func TestMarkLiveFromEntryPropagatesThroughRelocs(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})

	// root: atom 0 (entry) references atom 1 via a symbol; atom 2 is unreachable.
	calleeSym := l.newSymbol(Symbol{Name: "_callee", Atom: -1})
	rootIdx := l.newAtom(Atom{Name: "_main"})
	calleeIdx := l.newAtom(Atom{Name: "_callee"})
	l.newAtom(Atom{Name: "_dead"})

	l.symbols[calleeSym].Atom = calleeIdx
	l.atoms[rootIdx].Relocs = []Reloc{{Symbol: calleeSym}}
	l.entryAtom = rootIdx

	l.markLive()

	if !l.atoms[rootIdx].Live {
		t.Fatal("entry atom should be live")
	}
	if !l.atoms[calleeIdx].Live {
		t.Fatal("atom reachable via relocation from a live atom should be live")
	}
	if l.atoms[2].Live {
		t.Fatal("unreachable atom should not be live")
	}
}

func TestMarkLiveDylibExportRootsOnlyForDylibOutput(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, OutputMode: OutputDylib})
	exportedIdx := l.newAtom(Atom{Name: "_exported"})
	l.newSymbol(Symbol{Name: "_exported", Atom: exportedIdx, Flags: SymExport})

	l.markLive()

	if !l.atoms[exportedIdx].Live {
		t.Fatal("an exported symbol's atom must be live when building a dylib")
	}
}

func TestMarkLiveMarksDeadSymbolsWithSymDead(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	deadIdx := l.newAtom(Atom{Name: "_unused"})
	sym := l.newSymbol(Symbol{Name: "_unused", Atom: deadIdx})

	l.markLive()

	if l.symbols[sym].Flags&SymDead == 0 {
		t.Fatal("symbol naming an unreachable atom should be flagged SymDead")
	}
}
