package link

// markLive implements C6: compute a live-set over atoms from the root set
// (entry atom, __mh_execute_header, REFERENCED_DYNAMICALLY symbols, library
// exports, no_dead_strip sections), then propagate through every relocation
// edge to a fixpoint.
func (l *Linker) markLive() {
	var worklist []int
	mark := func(atomIdx int) {
		if atomIdx < 0 || atomIdx >= len(l.atoms) {
			return
		}
		if l.atoms[atomIdx].Live {
			return
		}
		l.atoms[atomIdx].Live = true
		worklist = append(worklist, atomIdx)
	}

	if l.entryAtom >= 0 {
		mark(l.entryAtom)
	}
	if l.mhExecuteHeaderSym >= 0 && l.symbols[l.mhExecuteHeaderSym].Atom >= 0 {
		mark(l.symbols[l.mhExecuteHeaderSym].Atom)
	}
	for i := range l.symbols {
		s := &l.symbols[i]
		if s.Flags.Has(SymReferencedDynamically) && s.Atom >= 0 {
			mark(s.Atom)
		}
		if l.opts.OutputMode == OutputDylib && s.Flags.Has(SymExport) && s.Atom >= 0 {
			mark(s.Atom)
		}
	}
	for i, a := range l.atoms {
		if a.File >= 0 && l.atomNoDeadStrip(a) {
			mark(i)
		}
	}

	for len(worklist) > 0 {
		idx := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		a := &l.atoms[idx]

		for _, r := range a.Relocs {
			if r.Symbol < 0 {
				// Section-relative (non-extern): the target is the whole-
				// section atom for r.Section within the same object, the
				// same lookup relocTarget uses to patch it later.
				if a.File < 0 {
					continue
				}
				o, ok := l.files[a.File].(*Object)
				if !ok || r.Section < 1 || r.Section > len(o.Sections) {
					continue
				}
				mark(o.Sections[r.Section-1].Atom)
				continue
			}
			target := &l.symbols[r.Symbol]
			if target.Atom >= 0 {
				mark(target.Atom)
				continue
			}
			// Undefined target: keep the defining file alive so its locals
			// are not stamped N_DEAD at symtab-write time.
			if target.File >= 0 && target.File < len(l.files) {
				l.files[target.File].SetAlive(true)
			}
		}
	}

	for i := range l.symbols {
		s := &l.symbols[i]
		if s.Atom >= 0 && !l.atoms[s.Atom].Live {
			s.Flags |= SymDead
		}
	}
}

// atomNoDeadStrip reports whether a's owning input section carries
// S_ATTR_NO_DEAD_STRIP.
func (l *Linker) atomNoDeadStrip(a Atom) bool {
	if a.File < 0 || a.File >= len(l.files) {
		return false
	}
	o, ok := l.files[a.File].(*Object)
	if !ok || a.NSect < 1 || a.NSect > len(o.Sections) {
		return false
	}
	return o.Sections[a.NSect-1].Flags.HasNoDeadStrip()
}
