package link

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/appsworld/ld64/pkg/codesign"
	"github.com/appsworld/ld64/types"
)

// assembleOutput implements C11: lay the mach_header_64 and every load
// command into the pad allocate() reserved ahead of the first section,
// splice in every segment's section content and the LINKEDIT streams C10
// built, then ad-hoc sign the whole image.
func (l *Linker) assembleOutput() ([]byte, error) {
	data := l.buildLinkedit()

	if len(l.segments) == 0 {
		return nil, &Error{Kind: ErrOverflow, Msg: "no segments to lay out"}
	}
	last := l.segments[len(l.segments)-1]
	fileSize := last.FileOff + last.FileSize

	out := make([]byte, fileSize)

	for si := range l.segments {
		seg := &l.segments[si]
		if seg.Name == "__PAGEZERO" {
			continue
		}
		if seg.Name == "__LINKEDIT" {
			l.writeLinkeditContent(out, seg, &data)
			continue
		}
		for _, secIdx := range seg.Sections {
			sec := &l.sections[secIdx]
			if sec.Zerofill {
				continue
			}
			idx := sec.FirstAtom
			for idx >= 0 {
				a := &l.atoms[idx]
				copy(out[uint64(sec.Offset)+a.Offset:], a.Data)
				idx = a.Next
			}
		}
	}

	entitlements, err := l.readEntitlements()
	if err != nil {
		return nil, err
	}

	needsSig := l.needsCodeSignature(entitlements)

	cmds, ncmds, sigField, err := l.buildLoadCommands(&data, needsSig)
	if err != nil {
		return nil, err
	}

	header := l.buildFileHeader(len(cmds), ncmds)
	headerBytes := make([]byte, types.FileHeaderSize64)
	n := header.Put(headerBytes, byteOrder)

	firstSectOff := l.firstSectionFileOffset()
	if uint64(n+len(cmds)) > firstSectOff {
		return nil, &Error{Kind: ErrOverflow, Msg: "load commands overflow reserved header pad"}
	}

	copy(out[0:], headerBytes[:n])
	copy(out[n:], cmds)

	if !needsSig {
		return out, nil
	}

	id := l.signIdentifier()
	sigSize := codesign.Size(int64(len(out)), id, entitlements)
	byteOrder.PutUint32(out[n+sigField:], uint32(len(out)))
	byteOrder.PutUint32(out[n+sigField+4:], uint32(sigSize))

	full := make([]byte, len(out)+int(sigSize))
	copy(full, out)

	textOff, textSize := l.textSegmentExtent()
	codesign.AdHocSign(full[len(out):], bytes.NewReader(out), id, int64(len(out)), textOff, textSize, l.opts.OutputMode == OutputExecutable, entitlements)

	return full, nil
}

// needsCodeSignature implements §4.8's CODE_SIGNATURE rule: always required
// on aarch64 (macOS and simulator both run arm64 code), otherwise only when
// entitlements were supplied.
func (l *Linker) needsCodeSignature(entitlements []byte) bool {
	return l.arch == ArchARM64 || len(entitlements) > 0
}

// readEntitlements loads the plist named by Options.Entitlements, if any,
// for embedding as the CSSLOT_ENTITLEMENTS blob (§4.8's "optional
// Entitlements blob"). DER entitlements are not produced: doing so needs a
// plist->ASN.1 encoder this codebase has no grounding for (see DESIGN.md).
func (l *Linker) readEntitlements() ([]byte, error) {
	if l.opts.Entitlements == "" {
		return nil, nil
	}
	b, err := os.ReadFile(l.opts.Entitlements)
	if err != nil {
		return nil, fmt.Errorf("reading entitlements %s: %w", l.opts.Entitlements, err)
	}
	return b, nil
}

func (l *Linker) signIdentifier() string {
	base := l.opts.OutputPath
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if base == "" {
		return "a.out"
	}
	return base
}

func (l *Linker) textSegmentExtent() (off, size int64) {
	for _, seg := range l.segments {
		if seg.Name == "__TEXT" {
			return int64(seg.FileOff), int64(seg.FileSize)
		}
	}
	return 0, 0
}

func (l *Linker) firstSectionFileOffset() uint64 {
	for _, seg := range l.segments {
		if seg.Name == "__PAGEZERO" || seg.Name == "__LINKEDIT" {
			continue
		}
		for _, secIdx := range seg.Sections {
			sec := &l.sections[secIdx]
			if sec.Zerofill {
				continue
			}
			return uint64(sec.Offset)
		}
		return seg.FileOff
	}
	return 0
}

func (l *Linker) writeLinkeditContent(out []byte, seg *Segment, data *linkeditData) {
	off := seg.FileOff
	write := func(b []byte) uint64 {
		start := off
		copy(out[off:], b)
		off += uint64(len(b))
		return start
	}
	write(data.rebase)
	write(data.bind)
	write(data.lazyBind)
	write(data.export)
	write(data.funcStarts)
	write(data.dataInCode)
	write(data.symtab)
	write(data.strtab)
	write(data.indirect)
}

func (l *Linker) buildFileHeader(sizeofCmds int, ncmds uint32) types.FileHeader {
	var flags types.HeaderFlag = types.NoUndefs | types.DyldLink | types.TwoLevel
	if l.opts.OutputMode == OutputExecutable {
		flags |= types.PIE
	} else {
		flags |= types.NoReexportedDylibs
	}
	if len(l.tlv) > 0 {
		flags |= types.HasTLVDescriptors
	}

	typ := types.MH_EXECUTE
	if l.opts.OutputMode == OutputDylib {
		typ = types.MH_DYLIB
	}

	return types.FileHeader{
		Magic:        types.Magic64,
		CPU:          l.arch.CPUType(),
		SubCPU:       l.arch.CPUSubtype(),
		Type:         typ,
		NCommands:    ncmds,
		SizeCommands: uint32(sizeofCmds),
		Flags:        flags,
	}
}

// cmdWriter accumulates raw load-command bytes and counts commands emitted,
// since every command is hand-encoded (LoadCmd.Put always panics).
type cmdWriter struct {
	buf   []byte
	ncmds uint32
}

func (w *cmdWriter) put32(v uint32) { var b [4]byte; byteOrder.PutUint32(b[:], v); w.buf = append(w.buf, b[:]...) }
func (w *cmdWriter) put16(v uint16) { var b [2]byte; byteOrder.PutUint16(b[:], v); w.buf = append(w.buf, b[:]...) }
func (w *cmdWriter) put64(v uint64) { var b [8]byte; byteOrder.PutUint64(b[:], v); w.buf = append(w.buf, b[:]...) }
func (w *cmdWriter) putBytes(b []byte) { w.buf = append(w.buf, b...) }
func (w *cmdWriter) putName16(s string) {
	var b [16]byte
	copy(b[:], s)
	w.buf = append(w.buf, b[:]...)
}
func (w *cmdWriter) padTo(n int) {
	for len(w.buf)%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

// putCString appends s's bytes, a single NUL terminator, then pads to a
// 4-byte boundary — the lstring layout every path-carrying load command uses.
func (w *cmdWriter) putCString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	w.padTo(4)
}

// buildLoadCommands hand-encodes every load command in this order: the
// segments, LC_SYMTAB, LC_DYSYMTAB, LC_DYLD_INFO_ONLY, LC_FUNCTION_STARTS,
// LC_DATA_IN_CODE, LC_DYLD_EXPORTS_TRIE, one LC_LOAD_DYLIB or
// LC_LOAD_WEAK_DYLIB per live dylib, LC_ID_DYLIB (dylib output),
// LC_LOAD_DYLINKER, LC_UUID, one LC_RPATH per rpath, LC_MAIN (executable
// output), LC_SOURCE_VERSION, LC_BUILD_VERSION, LC_CODE_SIGNATURE. It
// returns the raw bytes, plus the byte offset within them of the
// LC_CODE_SIGNATURE command's (offset,size) pair so assembleOutput can patch
// it in once the final file size is known. sigField is -1 when needsSig is
// false and no LC_CODE_SIGNATURE command was emitted at all.
func (l *Linker) buildLoadCommands(data *linkeditData, needsSig bool) ([]byte, uint32, int, error) {
	w := &cmdWriter{}

	for i := range l.segments {
		l.writeSegmentCommand(w, i)
	}

	linkeditOff := l.segments[len(l.segments)-1].FileOff
	preSymtabLen := uint64(len(data.rebase) + len(data.bind) + len(data.lazyBind) + len(data.export) +
		len(data.funcStarts) + len(data.dataInCode))
	symoff := linkeditOff + preSymtabLen
	nsyms := uint32(data.nlocal + data.nextdef + data.nundef)
	stroff := symoff + uint64(len(data.symtab))
	strsize := uint32(len(data.strtab))
	indirectoff := stroff + uint64(strsize)

	writeCmd(w, uint32(types.LC_SYMTAB), 24, func() {
		w.put32(uint32(symoff))
		w.put32(nsyms)
		w.put32(uint32(stroff))
		w.put32(strsize)
	})

	writeCmd(w, uint32(types.LC_DYSYMTAB), 80, func() {
		w.put32(0)                       // ilocalsym
		w.put32(uint32(data.nlocal))      // nlocalsym
		w.put32(uint32(data.nlocal))      // iextdefsym
		w.put32(uint32(data.nextdef))     // nextdefsym
		w.put32(uint32(data.nlocal + data.nextdef)) // iundefsym
		w.put32(uint32(data.nundef))      // nundefsym
		w.put32(0)                       // tocoffset
		w.put32(0)                       // ntoc
		w.put32(0)                       // modtaboff
		w.put32(0)                       // nmodtab
		w.put32(0)                       // extrefsymoff
		w.put32(0)                       // nextrefsyms
		w.put32(uint32(indirectoff))      // indirectsymoff
		w.put32(uint32(len(data.indirect) / 4)) // nindirectsyms
		w.put32(0)                       // extreloff
		w.put32(0)                       // nextrel
		w.put32(0)                       // locreloff
		w.put32(0)                       // nlocrel
	})

	dyldBase := linkeditOff
	rebaseOff := dyldBase
	bindOff := rebaseOff + uint64(len(data.rebase))
	weakBindOff := bindOff + uint64(len(data.bind))
	lazyBindOff := weakBindOff
	exportOff := lazyBindOff + uint64(len(data.lazyBind))
	writeCmd(w, uint32(types.LC_DYLD_INFO_ONLY), 48, func() {
		w.put32(uint32(rebaseOff))
		w.put32(uint32(len(data.rebase)))
		w.put32(uint32(bindOff))
		w.put32(uint32(len(data.bind)))
		w.put32(uint32(weakBindOff))
		w.put32(0)
		w.put32(uint32(lazyBindOff))
		w.put32(uint32(len(data.lazyBind)))
		w.put32(uint32(exportOff))
		w.put32(uint32(len(data.export)))
	})

	funcStartsOff := exportOff + uint64(len(data.export))
	writeCmd(w, uint32(types.LC_FUNCTION_STARTS), 16, func() {
		w.put32(uint32(funcStartsOff))
		w.put32(uint32(len(data.funcStarts)))
	})

	diceOff := funcStartsOff + uint64(len(data.funcStarts))
	writeCmd(w, uint32(types.LC_DATA_IN_CODE), 16, func() {
		w.put32(uint32(diceOff))
		w.put32(uint32(len(data.dataInCode)))
	})

	writeCmd(w, uint32(types.LC_DYLD_EXPORTS_TRIE), 16, func() {
		w.put32(uint32(exportOff))
		w.put32(uint32(len(data.export)))
	})

	for _, d := range l.liveDylibsByOrdinal() {
		cmd := uint32(types.LC_LOAD_DYLIB)
		if d.Weak {
			cmd = uint32(types.LC_LOAD_WEAK_DYLIB)
		}
		nameLen := align4(len(d.InstallName) + 1)
		writeCmd(w, cmd, uint32(24+nameLen), func() {
			w.put32(24)
			w.put32(0)
			w.put32(d.CurrentVersion)
			w.put32(d.CompatVersion)
			w.putCString(d.InstallName)
		})
	}

	if l.opts.OutputMode == OutputDylib {
		nameLen := align4(len(l.opts.InstallName) + 1)
		writeCmd(w, uint32(types.LC_ID_DYLIB), uint32(24+nameLen), func() {
			w.put32(24)
			w.put32(0)
			w.put32(l.opts.CurrentVersion)
			w.put32(l.opts.CompatibilityVersion)
			w.putCString(l.opts.InstallName)
		})
	}

	const dyldPath = "/usr/lib/dyld"
	dyldPathLen := align4(len(dyldPath) + 1)
	writeCmd(w, uint32(types.LC_LOAD_DYLINKER), uint32(12+dyldPathLen), func() {
		w.put32(12)
		w.putCString(dyldPath)
	})

	uuid := randomUUID()
	writeCmd(w, uint32(types.LC_UUID), 24, func() {
		w.putBytes(uuid[:])
	})

	for _, rp := range l.opts.RpathList {
		pathLen := align4(len(rp) + 1)
		writeCmd(w, uint32(types.LC_RPATH), uint32(12+pathLen), func() {
			w.put32(12)
			w.putCString(rp)
		})
	}

	if l.opts.OutputMode == OutputExecutable {
		entry := l.opts.Entry
		if entry == "" {
			entry = "_main"
		}
		entryAddr := l.atomAddr(l.entryAtom)
		if idx, ok := l.globals[l.interner.Intern(entry)]; ok {
			entryAddr = l.symbols[idx].Value
		}
		entryOff := entryAddr - l.pagezeroSize()
		writeCmd(w, uint32(types.LC_MAIN), 24, func() {
			w.put64(entryOff)
			w.put64(l.opts.StackSize)
		})
	}

	writeCmd(w, uint32(types.LC_SOURCE_VERSION), 16, func() {
		w.put64(0)
	})

	platform, minos, sdk := l.buildVersionFields()
	writeCmd(w, uint32(types.LC_BUILD_VERSION), 32, func() {
		w.put32(platform)
		w.put32(minos)
		w.put32(sdk)
		w.put32(1)
		w.put32(3) // TOOL_LD
		w.put32(0)
	})

	sigField := -1
	if needsSig {
		sigField = len(w.buf) + 8 // position of (offset,size) within the command about to be written
		writeCmd(w, uint32(types.LC_CODE_SIGNATURE), 16, func() {
			w.put32(0)
			w.put32(0)
		})
	}

	return w.buf, w.ncmds, sigField, nil
}

// writeCmd appends one load command's header (cmd, cmdsize) then calls body
// to fill in the rest; size must equal the command's total on-disk size.
func writeCmd(w *cmdWriter, cmd uint32, size uint32, body func()) {
	w.put32(cmd)
	w.put32(size)
	w.ncmds++
	before := len(w.buf)
	body()
	got := uint32(len(w.buf) - before + 8)
	if got != size {
		panic(fmt.Sprintf("load command 0x%x: declared size %d, wrote %d", cmd, size, got))
	}
}

func align4(n int) int { return (n + 3) &^ 3 }

// writeSegmentCommand hand-encodes one LC_SEGMENT_64 plus its section_64
// array for l.segments[idx].
func (l *Linker) writeSegmentCommand(w *cmdWriter, idx int) {
	seg := &l.segments[idx]
	size := uint32(72 + 80*len(seg.Sections))

	w.put32(uint32(types.LC_SEGMENT_64))
	w.put32(size)
	w.ncmds++
	w.putName16(seg.Name)
	w.put64(seg.VMAddr)
	w.put64(seg.VMSize)
	w.put64(seg.FileOff)
	w.put64(seg.FileSize)
	w.put32(uint32(seg.MaxProt))
	w.put32(uint32(seg.InitProt))
	w.put32(uint32(len(seg.Sections)))
	w.put32(0) // flags

	for _, secIdx := range seg.Sections {
		sec := &l.sections[secIdx]
		w.putName16(sec.Sectname)
		w.putName16(sec.Segname)
		w.put64(sec.Addr)
		w.put64(sec.Size)
		w.put32(sec.Offset)
		w.put32(uint32(sec.Align))
		w.put32(0) // reloff: relocations are never left in linker output
		w.put32(0) // nreloc
		w.put32(l.sectionFlags(sec))
		w.put32(sec.Reserved1)
		w.put32(sec.Reserved2)
		w.put32(0)
	}
}

// sectionFlags computes the section_64 flags word fresh from the section's
// role, since Section.Flags is never populated by the allocator: atoms carry
// their kind, not a precomputed output flags word.
func (l *Linker) sectionFlags(sec *Section) uint32 {
	switch {
	case sec.Sectname == "__text" && sec.Segname == "__TEXT":
		return uint32(types.S_REGULAR | types.S_ATTR_PURE_INSTRUCTIONS | types.S_ATTR_SOME_INSTRUCTIONS)
	case sec.Sectname == "__stubs":
		return uint32(types.S_SYMBOL_STUBS | types.S_ATTR_SOME_INSTRUCTIONS | types.S_ATTR_PURE_INSTRUCTIONS)
	case sec.Sectname == "__stub_helper":
		return uint32(types.S_REGULAR | types.S_ATTR_SOME_INSTRUCTIONS | types.S_ATTR_PURE_INSTRUCTIONS)
	case sec.Sectname == "__got":
		return uint32(types.S_NON_LAZY_SYMBOL_POINTERS)
	case sec.Sectname == "__la_symbol_ptr":
		return uint32(types.S_LAZY_SYMBOL_POINTERS)
	case sec.Sectname == "__thread_ptrs":
		return uint32(types.S_THREAD_LOCAL_VARIABLE_POINTERS)
	case sec.Sectname == "__common":
		return uint32(types.S_ZEROFILL | types.S_ATTR_NO_DEAD_STRIP)
	case sec.Zerofill:
		return uint32(types.S_ZEROFILL)
	case sec.Sectname == "__cstring":
		return uint32(types.S_CSTRING_LITERALS)
	case sec.Sectname == "__mod_init_func":
		return uint32(types.S_MOD_INIT_FUNC_POINTERS)
	case sec.Sectname == "__mod_term_func":
		return uint32(types.S_MOD_TERM_FUNC_POINTERS)
	default:
		return uint32(types.S_REGULAR)
	}
}

// liveDylibsByOrdinal returns every referenced Dylib in ascending ordinal
// order, the order ld64 emits LC_LOAD_DYLIB commands in.
func (l *Linker) liveDylibsByOrdinal() []*Dylib {
	var out []*Dylib
	for _, f := range l.files {
		if d, ok := f.(*Dylib); ok && d.Alive() && d.Ordinal > 0 {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// buildVersionFields packs opts.PlatformVersion/SDKVersion ("X.Y" or
// "X.Y.Z") into the nibble-packed Version format LC_BUILD_VERSION expects,
// defaulting to macOS 11.0 when unset.
func (l *Linker) buildVersionFields() (platform, minos, sdk uint32) {
	const platformMacOS = 1
	v := parsePackedVersion(l.opts.PlatformVersion, 11, 0, 0)
	s := parsePackedVersion(l.opts.SDKVersion, 11, 0, 0)
	return platformMacOS, v, s
}

func parsePackedVersion(s string, defMajor, defMinor, defPatch uint32) uint32 {
	major, minor, patch := defMajor, defMinor, defPatch
	if s != "" {
		parts := strings.SplitN(s, ".", 3)
		if v, err := strconv.Atoi(parts[0]); err == nil {
			major = uint32(v)
		}
		if len(parts) > 1 {
			if v, err := strconv.Atoi(parts[1]); err == nil {
				minor = uint32(v)
			}
		}
		if len(parts) > 2 {
			if v, err := strconv.Atoi(parts[2]); err == nil {
				patch = uint32(v)
			}
		}
	}
	return (major << 16) | (minor << 8) | patch
}

func randomUUID() types.UUID {
	var u types.UUID
	rand.Read(u[:])
	u[6] = (u[6] & 0x0F) | 0x40
	u[8] = (u[8] & 0x3F) | 0x80
	return u
}
