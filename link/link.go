// Package link implements the Mach-O link engine: parsing of relocatable
// objects, archives, and dylibs; symbol resolution under the strong/weak
// /tentative/undef precedence lattice; atom-level layout; relocation
// scanning and resolution for x86-64 and aarch64; synthesis of GOT/stub
// /TLV atoms and aarch64 long-branch thunks; LINKEDIT serialization; and
// ad-hoc code signature emission.
package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/appsworld/ld64/types"
)

// Linker owns every vector for one link. A link is one Linker value; two
// links may run independently in the same process. There is no
// package-level mutable state.
type Linker struct {
	opts Options
	arch Arch

	interner *Interner

	files   []File
	atoms   []Atom
	symbols []Symbol

	globals map[uint32]int // interned name offset -> index into symbols
	unresolved []int       // indices into symbols still unresolved

	sections []Section
	segments []Segment

	got  []IndirectEntry
	gotIndex map[int]int // target symbol -> index into got

	stubs     []IndirectEntry
	stubIndex map[int]int

	tlv      []IndirectEntry
	tlvIndex map[int]int

	thunks     []Thunk
	thunkIndex map[int]int // target symbol -> index into thunks

	// lazyBindBytes is the concatenated lazy-bind opcode stream, one
	// BIND_OPCODE_DONE-terminated run per l.stubs entry in order;
	// lazyBindOffset[i] is stubs[i]'s starting byte offset within it. Both
	// are computed in C9's resolve pass (the stub-helper push immediates
	// must agree with them) and reused verbatim by C10's LINKEDIT writer.
	lazyBindBytes  []byte
	lazyBindOffset []uint32

	diagnostics []Diagnostic

	entryAtom int
	mhExecuteHeaderSym int
	dsoHandleSym        int
	dyldStubBinderSym   int
	dyldPrivateAtom     int
}

// NewLinker constructs a Linker for one link governed by opts.
func NewLinker(opts Options) *Linker {
	return &Linker{
		opts:      opts,
		arch:      opts.Target.CPU,
		interner:  NewInterner(),
		globals:   make(map[uint32]int),
		gotIndex:   make(map[int]int),
		stubIndex:  make(map[int]int),
		tlvIndex:   make(map[int]int),
		thunkIndex: make(map[int]int),
		entryAtom: -1,
		mhExecuteHeaderSym: -1,
		dsoHandleSym:        -1,
		dyldStubBinderSym:   -1,
		dyldPrivateAtom:     -1,
	}
}

// Link runs the whole pipeline — C3 → C5 → (C6) → C7 → C9 scan → C7 → C8 →
// C9 resolve → C10 → C11 — and writes the linked Mach-O to opts.OutputPath.
func Link(ctx context.Context, opts Options) ([]Diagnostic, error) {
	if opts.Target.CPU != ArchX86_64 && opts.Target.CPU != ArchARM64 {
		return nil, &Error{Kind: ErrUnsupportedCPUArchitecture, Msg: "target must be x86-64 or aarch64"}
	}

	l := NewLinker(opts)

	// C3: parse every positional input in discovery order.
	for _, pos := range opts.Positionals {
		if err := ctx.Err(); err != nil {
			return l.diagnostics, err
		}
		if err := l.addInput(pos.Path, pos.MustLink); err != nil {
			return l.diagnostics, err
		}
	}

	// Library/framework search: turn -lX and -framework requests into
	// concrete dylib/archive inputs, appended after every positional.
	if err := l.resolveLibraries(); err != nil {
		return l.diagnostics, err
	}

	// C5: resolve symbols across objects, then archives, then dylibs.
	if err := l.resolve(); err != nil {
		return l.diagnostics, err
	}

	// C6: optional dead-strip.
	if opts.DeadStrip {
		l.markLive()
	} else {
		for i := range l.atoms {
			l.atoms[i].Live = true
		}
	}

	// C7 (initial synth): common/tentative + boundary atoms.
	l.synthTentativeAndBoundary()

	// C9 scan pass: populate GOT/stub/TLV tables from live relocations.
	l.scanRelocations()

	// C7 (stub/GOT fill): materialize the atoms the scan pass asked for.
	l.synthIndirectAtoms()

	// C8: prune, sort, allocate.
	l.allocate()

	// C9 resolve pass: apply relocations into output bytes.
	if err := l.resolveRelocations(); err != nil {
		return l.diagnostics, err
	}

	// C10 + C11: serialize LINKEDIT, assemble header/load-commands, sign.
	out, err := l.assembleOutput()
	if err != nil {
		return l.diagnostics, err
	}

	if err := os.WriteFile(opts.OutputPath, out, 0o755); err != nil {
		return l.diagnostics, fmt.Errorf("writing output: %w", err)
	}

	return l.diagnostics, nil
}

func (l *Linker) warn(msg, name, path string) {
	l.diagnostics = append(l.diagnostics, Diagnostic{Msg: msg, Name: name, Path: path})
}

// addInput dispatches path to the appropriate C3 parser by peeking its
// magic, retrying as the next format on a parser-rejection error.
func (l *Linker) addInput(path string, forceLoad bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if len(raw) >= 8 && binary.BigEndian.Uint32(raw[0:4]) == uint32(types.MagicFat) {
		slice, err := l.selectFatSlice(path, raw)
		if err != nil {
			return err
		}
		raw = slice
	}

	if obj, err := l.parseObject(path, raw); err == nil {
		l.addObject(obj)
		return nil
	} else if !isParseRejection(err) {
		return err
	}

	if ar, err := l.parseArchive(path, raw, forceLoad); err == nil {
		l.addArchive(ar)
		return nil
	} else if !isParseRejection(err) {
		return err
	}

	if dy, err := l.parseDylibBinary(path, raw); err == nil {
		l.addDylib(dy)
		return nil
	} else if !isParseRejection(err) {
		return err
	}

	if dy, err := l.parseTBD(path, raw); err == nil {
		l.addDylib(dy)
		return nil
	} else if !isParseRejection(err) {
		return err
	}

	return &Error{Kind: ErrMismatchedCPUArchitecture, Msg: "unrecognized input format", Path: path}
}

func (l *Linker) addObject(o *Object) {
	o.index = len(l.files)
	o.alive = true
	l.files = append(l.files, o)
}

func (l *Linker) addArchive(a *Archive) {
	a.index = len(l.files)
	a.alive = false
	l.files = append(l.files, a)
}

func (l *Linker) addDylib(d *Dylib) {
	d.index = len(l.files)
	d.alive = false
	l.files = append(l.files, d)
}

// newAtom appends a. Callers are responsible for setting a.Thunk to -1
// explicitly when the atom has no associated thunk (the zero value 0 is a
// valid thunk index and must not be mistaken for "none").
func (l *Linker) newAtom(a Atom) int {
	a.Symbol = -1
	a.Next, a.Prev = -1, -1
	l.atoms = append(l.atoms, a)
	return len(l.atoms) - 1
}

// newSymbol appends s. Callers are responsible for setting s.Atom to -1
// explicitly when the symbol has no associated atom yet.
func (l *Linker) newSymbol(s Symbol) int {
	l.symbols = append(l.symbols, s)
	return len(l.symbols) - 1
}

// joinErrors aggregates multiple resolver clashes into one error so callers
// see every MultipleSymbolDefinitions clash together (§9 error channel).
func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// selectFatSlice implements C3's universal-binary path: a fat header (magic
// + fat_arch array, always big-endian regardless of host or slice byte
// order) is peeked ahead of the object/archive/dylib dispatch, and the
// slice matching the link target's CPU is returned as the sub-slice of raw
// it spans, to be handed to that same dispatch as if it were the whole
// file.
func (l *Linker) selectFatSlice(path string, raw []byte) ([]byte, error) {
	bo := binary.BigEndian
	nfatArch := bo.Uint32(raw[4:8])

	const fatArchSize = 20
	off := 8
	for i := uint32(0); i < nfatArch; i++ {
		if off+fatArchSize > len(raw) {
			return nil, errEndOfStream()
		}
		cputype := types.CPU(bo.Uint32(raw[off : off+4]))
		arOff := bo.Uint32(raw[off+8 : off+12])
		arSize := bo.Uint32(raw[off+12 : off+16])
		if cputype == l.arch.CPUType() {
			end := uint64(arOff) + uint64(arSize)
			if end > uint64(len(raw)) {
				return nil, errEndOfStream()
			}
			return raw[arOff:end], nil
		}
		off += fatArchSize
	}

	return nil, &Error{Kind: ErrMismatchedCPUArchitecture, Msg: "fat archive has no slice for target architecture", Path: path}
}
