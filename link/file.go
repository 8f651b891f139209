package link

import (
	"github.com/appsworld/ld64/types"
)

// FileKind tags the File sum type. Dispatch on File implementations is
// always by explicit switch over Kind(), never by type-assertion used as
// implicit virtual dispatch.
type FileKind int

const (
	FileObject FileKind = iota
	FileArchive
	FileDylib
)

// File is the tagged union over {Object, Archive, Dylib}. Every
// implementation shares the {Index, Path, Alive} prefix described in §3.
type File interface {
	Kind() FileKind
	Index() int
	Path() string
	Alive() bool
	SetAlive(bool)
}

type fileBase struct {
	index int
	path  string
	alive bool
}

func (f *fileBase) Index() int      { return f.index }
func (f *fileBase) Path() string    { return f.path }
func (f *fileBase) Alive() bool     { return f.alive }
func (f *fileBase) SetAlive(b bool) { f.alive = b }

// DWARFSummary is the CU-level stab summary extracted from an object's
// debug sections via blacktop/go-dwarf, consumed by C10 item 7.
type DWARFSummary struct {
	CompDir string
	Name    string
	Mtime   uint32
}

// Object is a parsed relocatable Mach-O. Symbols are partitioned locals
// (indices [0, FirstGlobal)) then globals; Atoms holds one primary atom per
// non-debug input section (synthesized boundary/tentative atoms are not
// listed here).
type Object struct {
	fileBase

	Header      types.FileHeader
	Sections    []inputSection
	Nlists      []types.Nlist64
	FirstGlobal int
	StrTab      []byte

	// Symbols[i] maps a local nlist (i < FirstGlobal) to a linker-internal
	// local symbol index, and a global nlist (i >= FirstGlobal) to the
	// resolved global symbol index it currently points at.
	Symbols []int

	Atoms []int // indices into Linker.atoms owned by this object

	// Relocations live directly on each atom (Atom.Relocs), one atom per
	// input section, which already gives the "sorted pool with per-section
	// slices" shape the data model calls for without a separate indirection.
	DICE []DataInCodeEntry

	DWARF *DWARFSummary

	Platform        types.Platform
	SubsectionsViaSymbols bool

	raw []byte
}

func (o *Object) Kind() FileKind { return FileObject }

// inputSection is the on-disk section header. Its relocations are stored on
// the section's atom (Atom.Relocs); RelocStart/RelocEnd are not filled in.
type inputSection struct {
	Segname, Sectname string
	Addr              uint64
	Size              uint64
	Offset            uint32
	Align             uint8
	Flags             types.SectionFlag
	RelocStart, RelocEnd int
	Atom              int // index into Linker.atoms, -1 for debug sections
}

// ArchiveMember is one lazily-parsed entry in an Archive's symbol table of
// contents.
type ArchiveMember struct {
	Offset int64
	Name   string
	parsed bool
	object int // index into Linker.files once parsed, or -1
}

// Archive is a BSD `ar` static library: a symbol-name -> member-offset
// multimap, with members parsed on first reference unless ForceLoad.
type Archive struct {
	fileBase

	ForceLoad bool
	TOC       map[string][]int // symbol name -> indices into Members
	Members   []ArchiveMember

	raw []byte
}

func (a *Archive) Kind() FileKind { return FileArchive }

// DylibExport is one exported name from a Dylib's export set.
type DylibExport struct {
	Name string
	Weak bool
}

// Dylib is a dynamic library, whether parsed from a binary MH_DYLIB or a
// TBD text stub; the resolver treats both uniformly through this struct.
type Dylib struct {
	fileBase

	InstallName    string
	CurrentVersion uint32
	CompatVersion  uint32
	Weak           bool
	Ordinal        int16 // assigned at first reference, 0 until then

	Exports map[string]DylibExport
}

func (d *Dylib) Kind() FileKind { return FileDylib }
