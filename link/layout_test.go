package link

import "testing"

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, align, want uint64 }{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{0x1001, 0x1000, 0x2000},
	}
	for _, c := range cases {
		if got := alignUp(c.v, c.align); got != c.want {
			t.Errorf("alignUp(%#x, %#x) = %#x, want %#x", c.v, c.align, got, c.want)
		}
	}
}

func TestPagezeroSizeDefaults(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, OutputMode: OutputExecutable})
	if got := l.pagezeroSize(); got != 0x100000000 {
		t.Fatalf("default executable pagezero = %#x, want 4 GiB", got)
	}

	l2 := NewLinker(Options{Target: Target{CPU: ArchX86_64}, OutputMode: OutputDylib})
	if got := l2.pagezeroSize(); got != 0 {
		t.Fatalf("dylib pagezero = %#x, want 0", got)
	}

	l3 := NewLinker(Options{Target: Target{CPU: ArchX86_64}, OutputMode: OutputExecutable, PagezeroSize: 0x4000})
	if got := l3.pagezeroSize(); got != 0x4000 {
		t.Fatalf("overridden pagezero = %#x, want 0x4000", got)
	}
}

func TestSegPrecedenceOrdering(t *testing.T) {
	if !(segPrecedence("__PAGEZERO") < segPrecedence("__TEXT") &&
		segPrecedence("__TEXT") < segPrecedence("__DATA_CONST") &&
		segPrecedence("__DATA_CONST") < segPrecedence("__DATA") &&
		segPrecedence("__DATA") < segPrecedence("__LINKEDIT")) {
		t.Fatal("expected __PAGEZERO < __TEXT < __DATA_CONST < __DATA < __LINKEDIT")
	}
	if segPrecedence("__LINKEDIT") <= segPrecedence("__FOO") {
		t.Fatal("__LINKEDIT must sort after any unknown segment")
	}
}

func TestSectPrecedenceOrdering(t *testing.T) {
	if !(sectPrecedence("__text") < sectPrecedence("__stubs") &&
		sectPrecedence("__stubs") < sectPrecedence("__stub_helper") &&
		sectPrecedence("__got") < sectPrecedence("__la_symbol_ptr") &&
		sectPrecedence("__mod_init_func") < sectPrecedence("__data") &&
		sectPrecedence("__data") < sectPrecedence("__common")) {
		t.Fatal("section precedence ordering violated")
	}
}

func TestAllocateBoundarySymbolsSegmentLevel(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	l.segments = []Segment{
		{Name: "__TEXT", VMAddr: 0x1000, VMSize: 0x2000},
	}
	idx := l.newSymbol(Symbol{
		Atom: -1, Flags: SymBoundary,
		BoundarySeg: "__TEXT", BoundaryStart: true,
	})
	l.allocateBoundarySymbols()
	if got := l.symbols[idx].Value; got != 0x1000 {
		t.Fatalf("segment$start$__TEXT = %#x, want 0x1000", got)
	}

	idx2 := l.newSymbol(Symbol{
		Atom: -1, Flags: SymBoundary,
		BoundarySeg: "__TEXT", BoundaryStart: false,
	})
	l.allocateBoundarySymbols()
	if got := l.symbols[idx2].Value; got != 0x3000 {
		t.Fatalf("segment$end$__TEXT = %#x, want 0x3000", got)
	}
}

func TestAllocateBoundarySymbolsSectionLevel(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	l.sections = []Section{
		{Segname: "__DATA", Sectname: "__data", Addr: 0x4000, Size: 0x100},
	}
	idx := l.newSymbol(Symbol{
		Atom: -1, Flags: SymBoundary,
		BoundarySeg: "__DATA", BoundarySect: "__data", BoundaryStart: false,
	})
	l.allocateBoundarySymbols()
	if got := l.symbols[idx].Value; got != 0x4100 {
		t.Fatalf("section$end$__DATA$__data = %#x, want 0x4100", got)
	}
}
