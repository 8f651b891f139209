package link

import (
	"encoding/binary"

	"github.com/appsworld/ld64/types"
)

// Arch selects the page size, instruction encoders, and relocation kinds for
// one of the two supported CPU targets.
type Arch int

const (
	ArchX86_64 Arch = iota
	ArchARM64
)

// PageSize returns the architecture's page granularity used by the
// section/segment allocator (C8).
func (a Arch) PageSize() uint64 {
	if a == ArchARM64 {
		return 0x4000
	}
	return 0x1000
}

func (a Arch) CPUType() types.CPU {
	if a == ArchARM64 {
		return types.CPUArm64
	}
	return types.CPUAmd64
}

func (a Arch) CPUSubtype() types.CPUSubtype {
	if a == ArchARM64 {
		return types.CPUSubtypeArm64All
	}
	return types.CPUSubtypeX8664All
}

// TextAlign is the log2 alignment the allocator uses for code atoms
// (stubs, stub-helpers, thunks) on this architecture.
func (a Arch) TextAlign() int {
	if a == ArchARM64 {
		return 2
	}
	return 0
}

// x86_64 relocation kinds (r_type, <mach-o/x86_64/reloc.h>).
const (
	x86RelocUnsigned = iota
	x86RelocSigned
	x86RelocBranch
	x86RelocGOTLoad
	x86RelocGOT
	x86RelocSubtractor
	x86RelocSigned1
	x86RelocSigned2
	x86RelocSigned4
	x86RelocTLV
)

// aarch64 relocation kinds (r_type, <mach-o/arm64/reloc.h>).
const (
	arm64RelocUnsigned = iota
	arm64RelocSubtractor
	arm64RelocBranch26
	arm64RelocPage21
	arm64RelocPageOff12
	arm64RelocGOTLoadPage21
	arm64RelocGOTLoadPageOff12
	arm64RelocPointerToGOT
	arm64RelocTLVPLoadPage21
	arm64RelocTLVPLoadPageOff12
	arm64RelocAddend
)

// StubSize is the size in bytes of one __stubs entry.
func (a Arch) StubSize() int {
	if a == ArchARM64 {
		return 12
	}
	return 6
}

// StubHelperSize is the size in bytes of one per-symbol __stub_helper entry.
func (a Arch) StubHelperSize() int {
	if a == ArchARM64 {
		return 12
	}
	return 10
}

// StubHelperPreambleSize is the size of the one-time __stub_helper prologue.
func (a Arch) StubHelperPreambleSize() int {
	if a == ArchARM64 {
		return 24
	}
	return 15
}

// EncodeStub emits the code for one lazy-symbol stub that loads through the
// lazy pointer at laAddr from an instruction located at stubAddr.
func (a Arch) EncodeStub(stubAddr, laAddr uint64) []byte {
	if a == ArchARM64 {
		return encodeStubARM64(stubAddr, laAddr)
	}
	return encodeStubX86_64(stubAddr, laAddr)
}

// jmp *disp(%rip) — 6 bytes: FF 25 <rel32>
func encodeStubX86_64(stubAddr, laAddr uint64) []byte {
	out := make([]byte, 6)
	out[0] = 0xFF
	out[1] = 0x25
	disp := int32(int64(laAddr) - int64(stubAddr+6))
	binary.LittleEndian.PutUint32(out[2:], uint32(disp))
	return out
}

// adrp x16, page; ldr x16, [x16, pageoff]; br x16 — 12 bytes.
func encodeStubARM64(stubAddr, laAddr uint64) []byte {
	out := make([]byte, 12)
	pages := calcNumberOfPages(stubAddr, laAddr)
	off := calcPageOffset(laAddr, pageOffsetLoadStore64)
	binary.LittleEndian.PutUint32(out[0:], encodeADRP(16, pages))
	binary.LittleEndian.PutUint32(out[4:], encodeLDRImm64(16, 16, uint32(off)))
	binary.LittleEndian.PutUint32(out[8:], encodeBR(16))
	return out
}

// EncodeThunk emits an aarch64 long-branch trampoline: adrp x16, page; add
// x16,x16,pageoff; br x16.
func EncodeThunk(thunkAddr, targetAddr uint64) []byte {
	out := make([]byte, 12)
	pages := calcNumberOfPages(thunkAddr, targetAddr)
	off := calcPageOffset(targetAddr, pageOffsetArithmetic)
	binary.LittleEndian.PutUint32(out[0:], encodeADRP(16, pages))
	binary.LittleEndian.PutUint32(out[4:], encodeADDImm(16, 16, uint32(off)))
	binary.LittleEndian.PutUint32(out[8:], encodeBR(16))
	return out
}

func encodeADRP(reg uint32, pages int32) uint32 {
	imm := uint32(pages) & 0x1FFFFF
	immlo := imm & 0x3
	immhi := (imm >> 2) & 0x7FFFF
	return 0x90000000 | (immlo << 29) | (immhi << 5) | reg
}

func encodeADDImm(dst, src, imm12 uint32) uint32 {
	return 0x91000000 | ((imm12 & 0xFFF) << 10) | (src << 5) | dst
}

func encodeLDRImm64(dst, base, byteOff uint32) uint32 {
	imm12 := (byteOff / 8) & 0xFFF
	return 0xF9400000 | (imm12 << 10) | (base << 5) | dst
}

// encodeSTPPreIndex64 encodes "stp rt, rt2, [rn, #imm]!" (64-bit,
// pre-indexed), imm a multiple of 8 in [-512,504] expressed here as a
// pre-scaled 7-bit signed word count (e.g. -2 for #-16).
func encodeSTPPreIndex64(rt, rn, rt2 uint32, imm7 int32) uint32 {
	return 0xA9800000 | ((uint32(imm7) & 0x7F) << 15) | (rt2 << 10) | (rn << 5) | rt
}

func encodeBR(reg uint32) uint32 {
	return 0xD61F0000 | (reg << 5)
}

func encodeB(disp26 int32) uint32 {
	return 0x14000000 | (uint32(disp26) & 0x03FFFFFF)
}

func encodeBL(disp26 int32) uint32 {
	return 0x94000000 | (uint32(disp26) & 0x03FFFFFF)
}

// EncodeStubHelperPreamble emits the one-time prologue that pushes
// dyld_private and jumps through dyld_stub_binder's GOT slot.
func (a Arch) EncodeStubHelperPreamble(addr, dyldPrivateAddr, binderGOTAddr uint64) []byte {
	if a == ArchARM64 {
		return encodeStubHelperPreambleARM64(addr, dyldPrivateAddr, binderGOTAddr)
	}
	return encodeStubHelperPreambleX86_64(addr, dyldPrivateAddr, binderGOTAddr)
}

// lea r11, [rip+disp]; push r11; jmp *disp(%rip) — 7+2+6 = 15 bytes.
func encodeStubHelperPreambleX86_64(addr, dyldPrivateAddr, binderGOTAddr uint64) []byte {
	out := make([]byte, 15)
	out[0], out[1], out[2] = 0x4C, 0x8D, 0x1D
	disp1 := int32(int64(dyldPrivateAddr) - int64(addr+7))
	binary.LittleEndian.PutUint32(out[3:], uint32(disp1))
	out[7], out[8] = 0x41, 0x53
	out[9], out[10] = 0xFF, 0x25
	disp2 := int32(int64(binderGOTAddr) - int64(addr+15))
	binary.LittleEndian.PutUint32(out[11:], uint32(disp2))
	return out
}

// adrp/add x17,dyld_private; stp x16,x17,[sp,#-16]!; adrp/ldr x16,binder@got; br x16 — 24 bytes.
func encodeStubHelperPreambleARM64(addr, dyldPrivateAddr, binderGOTAddr uint64) []byte {
	out := make([]byte, 24)
	p1 := calcNumberOfPages(addr, dyldPrivateAddr)
	o1 := calcPageOffset(dyldPrivateAddr, pageOffsetArithmetic)
	binary.LittleEndian.PutUint32(out[0:], encodeADRP(17, p1))
	binary.LittleEndian.PutUint32(out[4:], encodeADDImm(17, 17, uint32(o1)))
	binary.LittleEndian.PutUint32(out[8:], encodeSTPPreIndex64(16, 31, 17, -2)) // stp x16, x17, [sp, #-16]!
	p2 := calcNumberOfPages(addr+12, binderGOTAddr)
	o2 := calcPageOffset(binderGOTAddr, pageOffsetLoadStore64)
	binary.LittleEndian.PutUint32(out[12:], encodeADRP(16, p2))
	binary.LittleEndian.PutUint32(out[16:], encodeLDRImm64(16, 16, uint32(o2)))
	binary.LittleEndian.PutUint32(out[20:], encodeBR(16))
	return out
}

// EncodeStubHelper emits the per-symbol lazy-bind trampoline: push the
// lazy-bind opcode offset, then branch back to the shared preamble.
func (a Arch) EncodeStubHelper(addr, preambleAddr uint64, lazyBindOffset uint32) []byte {
	if a == ArchARM64 {
		return encodeStubHelperARM64(addr, preambleAddr, lazyBindOffset)
	}
	return encodeStubHelperX86_64(addr, preambleAddr, lazyBindOffset)
}

// push imm32; jmp rel32 — 5+5 = 10 bytes.
func encodeStubHelperX86_64(addr, preambleAddr uint64, lazyBindOffset uint32) []byte {
	out := make([]byte, 10)
	out[0] = 0x68
	binary.LittleEndian.PutUint32(out[1:], lazyBindOffset)
	out[5] = 0xE9
	disp := int32(int64(preambleAddr) - int64(addr+10))
	binary.LittleEndian.PutUint32(out[6:], uint32(disp))
	return out
}

// movz w16,#lazyBindOffset; b preamble; nop — 12 bytes.
func encodeStubHelperARM64(addr, preambleAddr uint64, lazyBindOffset uint32) []byte {
	out := make([]byte, 12)
	imm16 := lazyBindOffset & 0xFFFF
	binary.LittleEndian.PutUint32(out[0:], 0x52800010|(imm16<<5)) // movz w16, #imm16
	disp26 := int32((int64(preambleAddr) - int64(addr+4)) >> 2)
	binary.LittleEndian.PutUint32(out[4:], encodeB(disp26))
	binary.LittleEndian.PutUint32(out[8:], 0xD503201F) // nop
	return out
}

type pageOffsetKind int

const (
	pageOffsetArithmetic pageOffsetKind = iota
	pageOffsetLoadStore8
	pageOffsetLoadStore16
	pageOffsetLoadStore32
	pageOffsetLoadStore64
	pageOffsetLoadStore128
)

// calcNumberOfPages returns (tgt>>12) - (src>>12) as a signed 21-bit value:
// the count of 4 KiB pages between src and tgt that ADRP encodes.
func calcNumberOfPages(src, tgt uint64) int32 {
	return int32(int64(tgt>>12) - int64(src>>12))
}

// calcPageOffset masks the low 12 bits of tgt, shifted per the access width
// the immediate will be scaled by (ADD uses byte offsets; LDR/STR scale by
// element size).
func calcPageOffset(tgt uint64, kind pageOffsetKind) uint64 {
	off := tgt & 0xFFF
	switch kind {
	case pageOffsetLoadStore16:
		return off >> 1
	case pageOffsetLoadStore32:
		return off >> 2
	case pageOffsetLoadStore64:
		return off >> 3
	case pageOffsetLoadStore128:
		return off >> 4
	default:
		return off
	}
}

// calcPcRelativeDisplacementX86 returns target - (source + corr) as a
// verified-in-range int32, used for rel32 BRANCH/GOT/GOT_LOAD relocations.
func calcPcRelativeDisplacementX86(src, tgt uint64, corr int64) (int32, error) {
	disp := int64(tgt) - int64(src) - corr
	if disp > 0x7FFFFFFF || disp < -0x80000000 {
		return 0, &Error{Kind: ErrOverflow, Msg: "pc-relative displacement out of i32 range"}
	}
	return int32(disp), nil
}

// branchInRangeARM64 reports whether a BRANCH26 displacement fits the
// aarch64 ±128 MiB direct-branch range.
func branchInRangeARM64(src, tgt uint64) bool {
	disp := int64(tgt) - int64(src)
	const lo = -(1 << 27)
	const hi = 1 << 27
	return disp >= lo && disp < hi
}
