package link

import "sort"

const (
	protNone = 0
	protR    = 1
	protW    = 2
	protX    = 4
	protRW   = protR | protW
	protRX   = protR | protX
)

// segOrder fixes the conventional segment precedence; segments not listed
// here (user __DATA-like or framework segments) sort between __DATA and
// __LINKEDIT, in first-seen order.
var segOrder = []string{"__PAGEZERO", "__TEXT", "__DATA_CONST", "__DATA"}

func segPrecedence(name string) int {
	for i, s := range segOrder {
		if s == name {
			return i
		}
	}
	if name == "__LINKEDIT" {
		return 1 << 20
	}
	return len(segOrder) // unknown segments sort after the fixed prefix, before __LINKEDIT
}

// sectPrecedence orders sections within one segment: code before stubs
// before other code before pointers (non-lazy before lazy) before
// init/term function pointers before zerofill.
func sectPrecedence(sectname string) int {
	switch sectname {
	case "__text":
		return 0
	case "__stubs":
		return 1
	case "__stub_helper":
		return 2
	case "__cstring":
		return 3
	case "__const":
		return 4
	case "__got":
		return 10
	case "__la_symbol_ptr":
		return 11
	case "__thread_ptrs":
		return 12
	case "__mod_init_func":
		return 20
	case "__mod_term_func":
		return 21
	case "__data":
		return 30
	case "__common":
		return 40
	case "__bss":
		return 41
	default:
		return 15
	}
}

// outSection accumulates every live atom destined for one (segname,
// sectname) output section before addresses are assigned.
type outSection struct {
	segname, sectname string
	align              uint8
	atoms              []int
	zerofill           bool
}

// atomIsZerofillRegular reports whether a's source input section carries
// S_ZEROFILL/S_GB_ZEROFILL (e.g. an object's __DATA,__bss).
func (l *Linker) atomIsZerofillRegular(a *Atom) bool {
	if a.Kind != AtomRegular || a.File < 0 {
		return false
	}
	o, ok := l.files[a.File].(*Object)
	if !ok || a.NSect < 1 || a.NSect > len(o.Sections) {
		return false
	}
	return o.Sections[a.NSect-1].Flags.IsZerofill()
}

// atomSegSect reports the output (segment, section) name pair an atom
// belongs to; boundary atoms return ("", "") and are excluded from the
// normal section grouping, since their value is derived directly from the
// segment/section they name rather than from membership in one.
func (l *Linker) atomSegSect(a *Atom) (string, string) {
	switch a.Kind {
	case AtomRegular:
		if a.File >= 0 {
			if o, ok := l.files[a.File].(*Object); ok && a.NSect >= 1 && a.NSect <= len(o.Sections) {
				s := o.Sections[a.NSect-1]
				return s.Segname, s.Sectname
			}
		}
		return "__TEXT", "__text"
	case AtomZerofill:
		return "__DATA", "__data"
	case AtomTentative:
		return "__DATA", "__common"
	case AtomGOTEntry:
		return "__DATA_CONST", "__got"
	case AtomLazyPointer:
		return "__DATA", "__la_symbol_ptr"
	case AtomStub:
		return "__TEXT", "__stubs"
	case AtomStubHelper, AtomStubHelperPreamble:
		return "__TEXT", "__stub_helper"
	case AtomTLVPointer:
		return "__DATA", "__thread_ptrs"
	case AtomThunk:
		return "__TEXT", "__text"
	}
	return "", ""
}

// allocate implements C8: prune empty sections, sort by composite
// precedence, build segments, compute header pad, and assign page-aligned
// vmaddr/fileoff, updating every live atom's offset and owning symbol's
// value.
func (l *Linker) allocate() {
	grouped := make(map[string]*outSection)
	var order []string

	for i := range l.atoms {
		a := &l.atoms[i]
		if !a.Live || a.Kind == AtomBoundary {
			continue
		}
		seg, sect := l.atomSegSect(a)
		if seg == "" {
			continue
		}
		key := seg + "," + sect
		os, ok := grouped[key]
		if !ok {
			os = &outSection{segname: seg, sectname: sect}
			grouped[key] = os
			order = append(order, key)
		}
		if a.Align > os.align {
			os.align = a.Align
		}
		// dyld_private (AtomZerofill) carries real zero-filled bytes in
		// __DATA,__data and is not itself a zerofill *section* — only
		// tentative/common atoms and input S_ZEROFILL sections are.
		if a.Kind == AtomTentative || l.atomIsZerofillRegular(a) {
			os.zerofill = true
		}
		os.atoms = append(os.atoms, i)
	}

	var sections []*outSection
	for _, key := range order {
		os := grouped[key]
		if len(os.atoms) == 0 {
			continue // prune empty (rule 1)
		}
		sections = append(sections, os)
	}

	sort.SliceStable(sections, func(i, j int) bool {
		si, sj := sections[i], sections[j]
		pi, pj := segPrecedence(si.segname), segPrecedence(sj.segname)
		if pi != pj {
			return pi < pj
		}
		return sectPrecedence(si.sectname) < sectPrecedence(sj.sectname)
	})

	pageSize := l.arch.PageSize()

	// Build segments in the order their first section appears.
	segIndex := make(map[string]int)
	l.sections = l.sections[:0]
	l.segments = l.segments[:0]

	if l.opts.OutputMode == OutputExecutable {
		l.segments = append(l.segments, Segment{Name: "__PAGEZERO", MaxProt: protNone, InitProt: protNone})
		segIndex["__PAGEZERO"] = 0
	}

	for _, os := range sections {
		segIdx, ok := segIndex[os.segname]
		if !ok {
			seg := Segment{Name: os.segname}
			switch os.segname {
			case "__PAGEZERO":
				seg.MaxProt, seg.InitProt = protNone, protNone
			case "__TEXT":
				seg.MaxProt, seg.InitProt = protRX, protRX
			case "__LINKEDIT":
				seg.MaxProt, seg.InitProt = protR, protR
			default:
				seg.MaxProt, seg.InitProt = protRW, protRW
			}
			l.segments = append(l.segments, seg)
			segIdx = len(l.segments) - 1
			segIndex[os.segname] = segIdx
		}

		secIdx := len(l.sections)
		sec := Section{
			Segname: os.segname, Sectname: os.sectname,
			Align: os.align, FirstAtom: -1, LastAtom: -1, Segment: segIdx,
			Zerofill: os.zerofill,
		}
		if len(os.atoms) > 0 {
			sec.FirstAtom = os.atoms[0]
			sec.LastAtom = os.atoms[len(os.atoms)-1]
		}
		l.sections = append(l.sections, sec)
		l.segments[segIdx].Sections = append(l.segments[segIdx].Sections, secIdx)

		var prev = -1
		for _, atomIdx := range os.atoms {
			a := &l.atoms[atomIdx]
			a.Section = secIdx
			a.Prev = prev
			a.Next = -1
			if prev >= 0 {
				l.atoms[prev].Next = atomIdx
			}
			prev = atomIdx
		}
	}

	headerPad := l.calcMinHeaderPad()

	pagezeroSize := l.pagezeroSize()

	var prevVMAddr, prevVMSize, prevFileOff, prevFileSize uint64
	for si := range l.segments {
		seg := &l.segments[si]
		seg.VMAddr = alignUp(prevVMAddr+prevVMSize, pageSize)
		seg.FileOff = alignUp(prevFileOff+prevFileSize, pageSize)

		if seg.Name == "__PAGEZERO" {
			seg.VMSize = pagezeroSize
			seg.FileSize = 0
			prevVMAddr, prevVMSize = seg.VMAddr, seg.VMSize
			prevFileOff, prevFileSize = seg.FileOff, seg.FileSize
			continue
		}

		cursorAddr := seg.VMAddr
		cursorFileOff := seg.FileOff
		if seg.Name == firstNonPagezeroSegment(l.segments) {
			cursorAddr = seg.VMAddr + headerPad
			cursorFileOff = seg.FileOff + headerPad
		}

		for _, secIdx := range seg.Sections {
			sec := &l.sections[secIdx]
			align := uint64(1) << sec.Align
			cursorAddr = alignUp(cursorAddr, align)
			if !sec.Zerofill {
				cursorFileOff = alignUp(cursorFileOff, align)
			}

			sec.Addr = cursorAddr
			if sec.Zerofill {
				sec.Offset = 0
			} else {
				sec.Offset = uint32(cursorFileOff)
			}

			off := uint64(0)
			for _, atomIdx := range sec.FirstAtomList(l) {
				a := &l.atoms[atomIdx]
				a.Offset = alignUpOffset(off, uint64(1)<<a.Align)
				off = a.Offset + a.Size
				l.finalizeAtomSymbol(atomIdx, cursorAddr+a.Offset)
			}
			sec.Size = off

			cursorAddr += sec.Size
			if !sec.Zerofill {
				cursorFileOff += sec.Size
			}
		}

		seg.VMSize = alignUp(cursorAddr-seg.VMAddr, pageSize)
		seg.FileSize = alignUp(cursorFileOff-seg.FileOff, pageSize)
		if seg.Name == "__LINKEDIT" {
			seg.FileSize = cursorFileOff - seg.FileOff // LINKEDIT is not itself page-rounded mid-stream
		}

		prevVMAddr, prevVMSize = seg.VMAddr, seg.VMSize
		prevFileOff, prevFileSize = seg.FileOff, seg.FileSize
	}

	l.allocateSpecialSymbols()
	l.allocateBoundarySymbols()
}

// pagezeroSize returns the __PAGEZERO segment's size: the configured
// override, or ld64's conventional 4 GiB trap page for a 64-bit executable,
// or 0 for a dylib (which carries no __PAGEZERO at all).
func (l *Linker) pagezeroSize() uint64 {
	if l.opts.OutputMode != OutputExecutable {
		return 0
	}
	if l.opts.PagezeroSize != 0 {
		return l.opts.PagezeroSize
	}
	return 0x100000000
}

func firstNonPagezeroSegment(segs []Segment) string {
	for _, s := range segs {
		if s.Name != "__PAGEZERO" {
			return s.Name
		}
	}
	return ""
}

// FirstAtomList materializes the ordered list of atom indices assigned to
// sec during allocation; the grouping pass above appends in precedence
// order already, so this simply reuses outSection's order via the
// Section.FirstAtom/LastAtom linked list built as atoms are iterated.
func (sec *Section) FirstAtomList(l *Linker) []int {
	var out []int
	idx := sec.FirstAtom
	for idx >= 0 {
		out = append(out, idx)
		idx = l.atoms[idx].Next
	}
	return out
}

// finalizeAtomSymbol assigns addr to every symbol this atom owns. Atom
// granularity is one per input section, so more than one global can share an
// atom (two functions in the same unsplit __text section); each gets its own
// final address via its recorded SectionDelta.
func (l *Linker) finalizeAtomSymbol(atomIdx int, addr uint64) {
	for i := range l.symbols {
		if l.symbols[i].Atom == atomIdx {
			l.symbols[i].Value = addr + l.symbols[i].SectionDelta
		}
	}
}

func (l *Linker) allocateSpecialSymbols() {
	if len(l.segments) == 0 {
		return
	}
	var textVMAddr uint64
	for _, seg := range l.segments {
		if seg.Name == "__TEXT" {
			textVMAddr = seg.VMAddr
			break
		}
	}
	if l.mhExecuteHeaderSym >= 0 {
		l.symbols[l.mhExecuteHeaderSym].Value = textVMAddr
	}
	if l.dsoHandleSym >= 0 {
		l.symbols[l.dsoHandleSym].Value = textVMAddr
	}
}

// allocateBoundarySymbols positions every segment$/section$ boundary
// symbol at the start or end of its named segment/section, now that
// layout is final.
func (l *Linker) allocateBoundarySymbols() {
	for i := range l.symbols {
		sym := &l.symbols[i]
		if !sym.Flags.Has(SymBoundary) {
			continue
		}
		if sym.BoundarySect == "" {
			for _, seg := range l.segments {
				if seg.Name == sym.BoundarySeg {
					if sym.BoundaryStart {
						sym.Value = seg.VMAddr
					} else {
						sym.Value = seg.VMAddr + seg.VMSize
					}
					break
				}
			}
			continue
		}
		for _, sec := range l.sections {
			if sec.Segname == sym.BoundarySeg && sec.Sectname == sym.BoundarySect {
				if sym.BoundaryStart {
					sym.Value = sec.Addr
				} else {
					sym.Value = sec.Addr + sec.Size
				}
				break
			}
		}
	}
}

// calcMinHeaderPad estimates the mach_header_64 plus load-command region
// size, widened by HeaderpadMaxInstallNames when set, then rounded up to a
// 16-byte boundary for the first section's start offset.
func (l *Linker) calcMinHeaderPad() uint64 {
	const headerSize = 32
	estimate := uint64(headerSize)
	estimate += uint64(len(l.files)) * 56 // rough per-dylib LC_LOAD_DYLIB allowance
	estimate += 512                       // symtab/dysymtab/segment/uuid/build-version commands
	if l.opts.Headerpad > estimate {
		estimate = l.opts.Headerpad
	}
	if l.opts.HeaderpadMaxInstallNames {
		estimate += uint64(len(l.files)) * 256
	}
	return alignUp(estimate, 16)
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func alignUpOffset(v, align uint64) uint64 {
	return alignUp(v, align)
}
