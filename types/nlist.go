package types

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// An Nlist is a Mach-O generic symbol table entry.
type Nlist struct {
	Name uint32
	Type NType
	Sect uint8
	Desc NDescType
}

// An Nlist64 is a Mach-O 64-bit symbol table entry.
type Nlist64 struct {
	Nlist
	Value uint64
}

func (n *Nlist64) Put64(b []byte, o binary.ByteOrder) uint32 {
	o.PutUint32(b[0:], n.Name)
	b[4] = byte(n.Type)
	b[5] = n.Sect
	o.PutUint16(b[6:], uint16(n.Desc))
	o.PutUint64(b[8:], n.Value)
	return 8 + 8
}

type NType uint8

/*
 * The n_type field really contains four fields:
 *	unsigned char N_STAB:3,
 *		      N_PEXT:1,
 *		      N_TYPE:3,
 *		      N_EXT:1;
 * which are used via the following masks.
 */
const (
	N_STAB NType = 0xe0
	N_PEXT NType = 0x10
	N_TYPE NType = 0x0e
	N_EXT  NType = 0x01
)

const (
	N_UNDF NType = 0x0
	N_ABS  NType = 0x2
	N_SECT NType = 0xe
	N_PBUD NType = 0xc
	N_INDR NType = 0xa
)

func (t NType) IsDebugSym() bool             { return (t & N_STAB) != 0 }
func (t NType) IsPrivateExternalSym() bool   { return (t & N_PEXT) != 0 }
func (t NType) IsExternalSym() bool          { return (t & N_EXT) != 0 }
func (t NType) IsUndefinedSym() bool         { return (t & N_TYPE) == N_UNDF }
func (t NType) IsAbsoluteSym() bool          { return (t & N_TYPE) == N_ABS }
func (t NType) IsDefinedInSection() bool     { return (t & N_TYPE) == N_SECT }
func (t NType) IsPreboundUndefinedSym() bool { return (t & N_TYPE) == N_PBUD }
func (t NType) IsIndirectSym() bool          { return (t & N_TYPE) == N_INDR }

func (t NType) String(secName string) string {
	var tStr string
	if t.IsDebugSym() {
		tStr += "debug|"
	}
	if t.IsPrivateExternalSym() {
		tStr += "priv_ext|"
	}
	if t.IsExternalSym() {
		tStr += "ext|"
	}
	if t.IsUndefinedSym() {
		tStr += "undef|"
	}
	if t.IsAbsoluteSym() {
		tStr += "abs|"
	}
	if t.IsDefinedInSection() {
		tStr += fmt.Sprintf("%s|", secName)
	}
	if t.IsPreboundUndefinedSym() {
		tStr += "prebound_undef|"
	}
	if t.IsIndirectSym() {
		tStr += "indir|"
	}
	return strings.TrimSuffix(tStr, "|")
}

type NDescType uint16

func (d NDescType) GetCommAlign() NDescType { return (d >> 8) & 0x0f }

const REFERENCE_TYPE NDescType = 0x7

const (
	REFERENCE_FLAG_UNDEFINED_NON_LAZY         NDescType = 0
	REFERENCE_FLAG_UNDEFINED_LAZY             NDescType = 1
	REFERENCE_FLAG_DEFINED                    NDescType = 2
	REFERENCE_FLAG_PRIVATE_DEFINED            NDescType = 3
	REFERENCE_FLAG_PRIVATE_UNDEFINED_NON_LAZY NDescType = 4
	REFERENCE_FLAG_PRIVATE_UNDEFINED_LAZY     NDescType = 5
)

func (d NDescType) IsUndefinedNonLazy() bool { return (d & REFERENCE_TYPE) == REFERENCE_FLAG_UNDEFINED_NON_LAZY }
func (d NDescType) IsUndefinedLazy() bool    { return (d & REFERENCE_TYPE) == REFERENCE_FLAG_UNDEFINED_LAZY }
func (d NDescType) IsDefined() bool          { return (d & REFERENCE_TYPE) == REFERENCE_FLAG_DEFINED }
func (d NDescType) GetLibraryOrdinal() NDescType { return (d >> 8) & 0xff }

func (t NDescType) String() string {
	var tStr string
	if t.IsUndefinedNonLazy() {
		tStr += "undef_nonlazy|"
	}
	if t.IsUndefinedLazy() {
		tStr += "undef_lazy|"
	}
	if t.IsDefined() {
		tStr += "def|"
	}
	return strings.TrimSuffix(tStr, "|")
}

const (
	SELF_LIBRARY_ORDINAL   NDescType = 0x0
	MAX_LIBRARY_ORDINAL    NDescType = 0xfd
	DYNAMIC_LOOKUP_ORDINAL NDescType = 0xfe
	EXECUTABLE_ORDINAL     NDescType = 0xff
)

const (
	// NoDeadStrip marks a symbol as never to be dead stripped. Only appears in MH_OBJECT files.
	NoDeadStrip NDescType = 0x0020
	// WeakRef marks an undefined symbol as allowed to be missing, resolving to 0.
	WeakRef NDescType = 0x0040
	// WeakDef marks a coalesced symbol's definition as weak.
	WeakDef NDescType = 0x0080
	RefToWeak NDescType = 0x0080
	// SymbolResolver marks a symbol as a resolver function (MH_OBJECT only).
	SymbolResolver NDescType = 0x0100
	// AltEntry marks a symbol as pinned to the previous content (no new atom gap).
	AltEntry NDescType = 0x0200
)
