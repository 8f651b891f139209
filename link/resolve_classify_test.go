package link

import (
	"testing"

	"github.com/appsworld/ld64/types"
)

func nlist(typ types.NType, desc types.NDescType, value uint64) types.Nlist64 {
	return types.Nlist64{Nlist: types.Nlist{Type: typ, Desc: desc}, Value: value}
}

func TestClassifyNlistUndefined(t *testing.T) {
	n := nlist(types.N_UNDF|types.N_EXT, 0, 0)
	if got := classifyNlist(n); got != kindUndef {
		t.Fatalf("classifyNlist(undef, value=0) = %v, want kindUndef", got)
	}
}

func TestClassifyNlistTentative(t *testing.T) {
	n := nlist(types.N_UNDF|types.N_EXT, 0, 8)
	if got := classifyNlist(n); got != kindTentative {
		t.Fatalf("classifyNlist(undef, value=8) = %v, want kindTentative (common symbol)", got)
	}
}

func TestClassifyNlistStrong(t *testing.T) {
	n := nlist(types.N_SECT|types.N_EXT, 0, 0x1000)
	if got := classifyNlist(n); got != kindStrong {
		t.Fatalf("classifyNlist(defined, no weak bits) = %v, want kindStrong", got)
	}
}

func TestClassifyNlistWeakViaDesc(t *testing.T) {
	n := nlist(types.N_SECT|types.N_EXT, types.WeakDef, 0x1000)
	if got := classifyNlist(n); got != kindWeak {
		t.Fatalf("classifyNlist(defined, N_WEAK_DEF) = %v, want kindWeak", got)
	}
}

func TestClassifyNlistWeakViaPrivateExtern(t *testing.T) {
	n := nlist(types.N_SECT|types.N_PEXT, 0, 0x1000)
	if got := classifyNlist(n); got != kindWeak {
		t.Fatalf("classifyNlist(defined, N_PEXT) = %v, want kindWeak", got)
	}
}

func TestSymbolKindPrecedence(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})

	tentative := Symbol{Flags: SymTentative}
	if got := l.symbolKind(&tentative); got != kindTentative {
		t.Fatalf("symbolKind(tentative) = %v, want kindTentative", got)
	}

	undef := Symbol{Atom: -1}
	if got := l.symbolKind(&undef); got != kindUndef {
		t.Fatalf("symbolKind(no atom, no import) = %v, want kindUndef", got)
	}

	imported := Symbol{Atom: -1, Flags: SymImport}
	if got := l.symbolKind(&imported); got != kindStrong {
		t.Fatalf("symbolKind(imported, no atom) = %v, want kindStrong (resolved via dylib)", got)
	}

	weak := Symbol{Atom: 0, Flags: SymWeak}
	if got := l.symbolKind(&weak); got != kindWeak {
		t.Fatalf("symbolKind(weak, has atom) = %v, want kindWeak", got)
	}

	strong := Symbol{Atom: 0}
	if got := l.symbolKind(&strong); got != kindStrong {
		t.Fatalf("symbolKind(defined, no flags) = %v, want kindStrong", got)
	}
}
