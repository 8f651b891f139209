package link

import "github.com/appsworld/ld64/types"

// symKind classifies one nlist occurrence (or an already-resolved global)
// for the precedence lattice of §4.2.
type symKind int

const (
	kindStrong symKind = iota
	kindWeak
	kindTentative
	kindUndef
)

func classifyNlist(n types.Nlist64) symKind {
	if n.Type.IsUndefinedSym() {
		if n.Value != 0 {
			return kindTentative
		}
		return kindUndef
	}
	if n.Type.IsPrivateExternalSym() || n.Desc&types.WeakDef != 0 {
		return kindWeak
	}
	return kindStrong
}

func (l *Linker) symbolKind(sym *Symbol) symKind {
	if sym.Flags.Has(SymTentative) {
		return kindTentative
	}
	if sym.Atom < 0 && !sym.Flags.Has(SymImport) {
		return kindUndef
	}
	if sym.Flags.Has(SymWeak) {
		return kindWeak
	}
	return kindStrong
}

// resolve implements C5: process already-added objects in discovery order,
// drain the unresolved list against archive TOCs then dylib export sets,
// then apply the configured undefined-reference policy and create the
// handful of synthetic globals the pipeline depends on.
func (l *Linker) resolve() error {
	var clashes []error

	for _, f := range l.files {
		o, ok := f.(*Object)
		if !ok || !o.Alive() {
			continue
		}
		clashes = append(clashes, l.resolveObjectGlobals(o)...)
	}

	l.drainUnresolvedAgainstArchives(&clashes)
	l.drainUnresolvedAgainstDylibs()

	if err := joinErrors(clashes); err != nil {
		return err
	}

	if err := l.applyUndefinedPolicy(); err != nil {
		return err
	}

	if err := l.createSyntheticGlobals(); err != nil {
		return err
	}

	l.markExports()

	return l.resolveEntryPoint()
}

// markExports flags every defined, non-hidden global as exported when
// building a dylib, per the two-level namespace default of exporting
// everything not marked private-extern. An executable exports nothing.
func (l *Linker) markExports() {
	if l.opts.OutputMode != OutputDylib {
		return
	}
	for i := range l.symbols {
		s := &l.symbols[i]
		if s.Atom < 0 || s.Flags.Has(SymImport) || s.Flags.Has(SymPrivateExtern) {
			continue
		}
		s.Flags |= SymExport
	}
}

// resolveEntryPoint looks up opts.Entry (default "_main") among the
// resolved globals and records its atom for C6's root set.
func (l *Linker) resolveEntryPoint() error {
	if l.opts.OutputMode != OutputExecutable {
		return nil
	}
	entry := l.opts.Entry
	if entry == "" {
		entry = "_main"
	}
	nameOff := l.interner.Intern(entry)
	idx, ok := l.globals[nameOff]
	if !ok || l.symbols[idx].Atom < 0 {
		return &Error{Kind: ErrMissingMainEntrypoint, Msg: "entry point not defined", Name: entry}
	}
	l.entryAtom = l.symbols[idx].Atom
	return nil
}

// resolveObjectGlobals runs every external nlist of o through the
// precedence lattice, creating or updating the global name table.
func (l *Linker) resolveObjectGlobals(o *Object) []error {
	var errs []error
	for i := o.FirstGlobal; i < len(o.Nlists); i++ {
		n := o.Nlists[i]
		if !n.Type.IsExternalSym() || n.Type.IsDebugSym() {
			continue
		}
		name := cString(o.StrTab[n.Name:])
		nameOff := l.interner.Intern(name)
		newKind := classifyNlist(n)

		existingIdx, ok := l.globals[nameOff]
		if !ok {
			symIdx := l.newGlobalFromNlist(o, i, n, nameOff, newKind)
			o.Symbols[i] = symIdx
			if newKind == kindUndef {
				l.unresolved = append(l.unresolved, symIdx)
			}
			continue
		}

		existing := &l.symbols[existingIdx]
		existingKind := l.symbolKind(existing)
		o.Symbols[i] = existingIdx

		switch {
		case newKind == kindStrong && existingKind == kindStrong:
			errs = append(errs, &Error{Kind: ErrMultipleSymbolDefinitions, Msg: "multiple strong definitions of " + name, Name: name, Path: o.Path()})
		case existingKind == kindStrong:
			// keep existing
		case newKind == kindWeak && existingKind == kindWeak:
			// keep existing (first weak wins; coalescing)
		case newKind == kindTentative && existingKind == kindTentative:
			if n.Value > existing.Value {
				existing.Value = n.Value
				existing.File = o.index
				existing.NList = i
			}
			if align := uint8(n.Desc.GetCommAlign()); align > existing.CommonAlign {
				existing.CommonAlign = align
			}
		case newKind == kindUndef:
			// keep existing; a mere reference never overrides a resolution
		default:
			l.replaceGlobal(existing, o, i, n, newKind)
		}
	}
	return errs
}

func (l *Linker) newGlobalFromNlist(o *Object, i int, n types.Nlist64, nameOff uint32, kind symKind) int {
	sym := Symbol{Name: nameOff, Value: n.Value, Atom: -1, File: o.index, NList: i}
	switch kind {
	case kindTentative:
		sym.Flags |= SymTentative
		sym.CommonAlign = uint8(n.Desc.GetCommAlign())
	case kindWeak:
		sym.Flags |= SymWeak
		sym.Atom = o.sectionAtom(int(n.Sect))
		sym.SectionDelta = o.sectionDelta(int(n.Sect), n.Value)
	case kindStrong:
		sym.Atom = o.sectionAtom(int(n.Sect))
		sym.SectionDelta = o.sectionDelta(int(n.Sect), n.Value)
	}
	idx := l.newSymbol(sym)
	l.globals[nameOff] = idx
	if idx < len(l.symbols) && l.symbols[idx].Atom >= 0 {
		l.atoms[l.symbols[idx].Atom].Symbol = idx
	}
	return idx
}

func (l *Linker) replaceGlobal(existing *Symbol, o *Object, i int, n types.Nlist64, kind symKind) {
	existing.Value = n.Value
	existing.File = o.index
	existing.NList = i
	existing.Flags &^= SymWeak | SymTentative
	existing.Atom = -1
	existing.CommonAlign = 0
	existing.SectionDelta = 0

	switch kind {
	case kindTentative:
		existing.Flags |= SymTentative
		existing.CommonAlign = uint8(n.Desc.GetCommAlign())
	case kindWeak:
		existing.Flags |= SymWeak
		existing.Atom = o.sectionAtom(int(n.Sect))
		existing.SectionDelta = o.sectionDelta(int(n.Sect), n.Value)
	case kindStrong:
		existing.Atom = o.sectionAtom(int(n.Sect))
		existing.SectionDelta = o.sectionDelta(int(n.Sect), n.Value)
	}
	if existing.Atom >= 0 {
		existingIdx := l.globals[existing.Name]
		l.atoms[existing.Atom].Symbol = existingIdx
	}
}

// sectionAtom maps a 1-based nlist section number to the linker-wide atom
// index materialized for it.
func (o *Object) sectionAtom(nsect int) int {
	if nsect < 1 || nsect > len(o.Sections) {
		return -1
	}
	return o.Sections[nsect-1].Atom
}

// sectionDelta returns value's offset from the start of its defining
// section's original (pre-link) address, since every atom here spans a
// whole input section rather than one symbol.
func (o *Object) sectionDelta(nsect int, value uint64) uint64 {
	if nsect < 1 || nsect > len(o.Sections) {
		return 0
	}
	base := o.Sections[nsect-1].Addr
	if value < base {
		return 0
	}
	return value - base
}

// drainUnresolvedAgainstArchives repeatedly scans archive TOCs for every
// still-unresolved name, parsing and resolving hit members until a pass
// makes no further progress.
func (l *Linker) drainUnresolvedAgainstArchives(clashes *[]error) {
	for {
		progress := false
		for i := 0; i < len(l.unresolved); i++ {
			symIdx := l.unresolved[i]
			sym := &l.symbols[symIdx]
			if l.symbolKind(sym) != kindUndef {
				continue
			}
			name := l.interner.String(sym.Name)

			for _, f := range l.files {
				a, ok := f.(*Archive)
				if !ok {
					continue
				}
				members, ok := a.TOC[name]
				if !ok || len(members) == 0 {
					continue
				}
				for _, memberIdx := range members {
					member, err := l.loadMember(a, memberIdx)
					if err != nil || member == nil {
						continue
					}
					a.SetAlive(true)
					*clashes = append(*clashes, l.resolveObjectGlobals(member)...)
					progress = true
				}
			}
		}
		l.unresolved = compactUnresolved(l, l.unresolved)
		if !progress {
			break
		}
	}
}

func compactUnresolved(l *Linker, in []int) []int {
	out := in[:0]
	for _, idx := range in {
		if l.symbolKind(&l.symbols[idx]) == kindUndef {
			out = append(out, idx)
		}
	}
	return out
}

// drainUnresolvedAgainstDylibs scans every dylib's export set for each
// remaining unresolved name, importing on a hit per §4.2.
func (l *Linker) drainUnresolvedAgainstDylibs() {
	l.unresolved = compactUnresolved(l, l.unresolved)
	var stillUnresolved []int
	for _, symIdx := range l.unresolved {
		sym := &l.symbols[symIdx]
		name := l.interner.String(sym.Name)

		found := false
		for _, f := range l.files {
			d, ok := f.(*Dylib)
			if !ok {
				continue
			}
			exp, ok := d.Exports[name]
			if !ok {
				continue
			}
			d.SetAlive(true)
			l.importFromDylib(sym, d, exp)
			found = true
			break
		}
		if !found {
			stillUnresolved = append(stillUnresolved, symIdx)
		}
	}
	l.unresolved = stillUnresolved
}

func (l *Linker) importFromDylib(sym *Symbol, d *Dylib, exp DylibExport) {
	if d.Ordinal == 0 {
		d.Ordinal = l.nextDylibOrdinal()
	}
	sym.Flags |= SymImport
	sym.DylibOrdinal = d.Ordinal
	if l.opts.Namespace == NamespaceFlat {
		sym.DylibOrdinal = -2 // FLAT_LOOKUP
	}
	if d.Weak || exp.Weak {
		sym.Flags |= SymWeakRef
	}
}

func (l *Linker) nextDylibOrdinal() int16 {
	var max int16
	for _, f := range l.files {
		if d, ok := f.(*Dylib); ok && d.Ordinal > max {
			max = d.Ordinal
		}
	}
	return max + 1
}

// applyUndefinedPolicy resolves every name still unresolved after archives
// and dylibs have been consulted, per the undefined_treatment table.
func (l *Linker) applyUndefinedPolicy() error {
	l.unresolved = l.deferBoundarySymbols(l.unresolved)

	var names []string
	for _, symIdx := range l.unresolved {
		sym := &l.symbols[symIdx]
		name := l.interner.String(sym.Name)

		switch l.opts.UndefinedTreatment {
		case UndefinedDynamicLookup:
			sym.Flags |= SymImport
			sym.DylibOrdinal = -2 // FLAT_LOOKUP
		case UndefinedWarn, UndefinedSuppress:
			if sym.Flags.Has(SymWeakRef) {
				sym.Flags |= SymImport
				sym.DylibOrdinal = -2
			} else if l.opts.UndefinedTreatment == UndefinedWarn {
				l.warn("undefined symbol", name, "")
				names = append(names, name)
			}
		default: // UndefinedError
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &Error{Kind: ErrUndefinedSymbolReference, Msg: "undefined symbol: " + names[0], Name: names[0]}
}

// deferBoundarySymbols pulls segment$start$/segment$stop$/section$start$
// /section$stop$ references, and any reference to ___dso_handle or (for an
// executable) __mh_execute_header, out of the unresolved list, since all of
// these are always satisfied by createSyntheticGlobals/synthTentativeAndBoundary
// rather than by a real definition; they must never be reported as
// UndefinedSymbolReference.
func (l *Linker) deferBoundarySymbols(in []int) []int {
	var out []int
	for _, symIdx := range in {
		sym := &l.symbols[symIdx]
		name := l.interner.String(sym.Name)

		if name == "___dso_handle" || (name == "__mh_execute_header" && l.opts.OutputMode == OutputExecutable) {
			continue
		}

		seg, sect, start, ok := parseBoundaryName(name)
		if !ok {
			out = append(out, symIdx)
			continue
		}
		sym.Flags |= SymBoundary | SymPrivateExtern
		sym.BoundarySeg = seg
		sym.BoundarySect = sect
		sym.BoundaryStart = start
	}
	return out
}

// parseBoundaryName recognizes the four ld64 boundary-symbol name shapes.
func parseBoundaryName(name string) (seg, sect string, start, ok bool) {
	switch {
	case hasPrefixDollar(name, "segment$start$"):
		return name[len("segment$start$"):], "", true, true
	case hasPrefixDollar(name, "segment$stop$"):
		return name[len("segment$stop$"):], "", false, true
	case hasPrefixDollar(name, "section$start$"):
		rest := name[len("section$start$"):]
		if i := indexByte(rest, '$'); i >= 0 {
			return rest[:i], rest[i+1:], true, true
		}
	case hasPrefixDollar(name, "section$stop$"):
		rest := name[len("section$stop$"):]
		if i := indexByte(rest, '$'); i >= 0 {
			return rest[:i], rest[i+1:], false, true
		}
	}
	return "", "", false, false
}

func hasPrefixDollar(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// createSyntheticGlobals materializes __mh_execute_header, ___dso_handle
// (if referenced), and dyld_stub_binder (if any import remains) per §4.2.
func (l *Linker) createSyntheticGlobals() error {
	if l.opts.OutputMode == OutputExecutable {
		name := l.interner.Intern("__mh_execute_header")
		idx := l.newSymbol(Symbol{Name: name, Atom: -1, File: -1, NList: -1, Flags: SymReferencedDynamically})
		l.globals[name] = idx
		l.mhExecuteHeaderSym = idx
	}

	if name, ok := l.globals[l.interner.Intern("___dso_handle")]; ok {
		l.dsoHandleSym = name
		l.symbols[name].Flags |= SymWeak
	}

	needsBinder := false
	for _, sym := range l.symbols {
		if sym.Flags.Has(SymImport) {
			needsBinder = true
			break
		}
	}
	if needsBinder {
		name := l.interner.Intern("dyld_stub_binder")
		if idx, ok := l.globals[name]; ok {
			l.dyldStubBinderSym = idx
		} else {
			var binderDylib *Dylib
			for _, f := range l.files {
				if d, ok := f.(*Dylib); ok {
					if _, has := d.Exports["dyld_stub_binder"]; has {
						binderDylib = d
						break
					}
				}
			}
			if binderDylib == nil {
				return &Error{Kind: ErrUndefinedSymbolReference, Msg: "dyld_stub_binder not exported by any linked dylib"}
			}
			idx := l.newSymbol(Symbol{Name: name, Atom: -1, File: binderDylib.index, NList: -1})
			l.importFromDylib(&l.symbols[idx], binderDylib, binderDylib.Exports["dyld_stub_binder"])
			l.globals[name] = idx
			l.dyldStubBinderSym = idx
		}
	}

	return nil
}
