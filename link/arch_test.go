package link

import (
	"encoding/binary"
	"testing"
)

func TestPageSizePerArch(t *testing.T) {
	if got := ArchX86_64.PageSize(); got != 0x1000 {
		t.Fatalf("x86-64 PageSize() = %#x, want 0x1000", got)
	}
	if got := ArchARM64.PageSize(); got != 0x4000 {
		t.Fatalf("arm64 PageSize() = %#x, want 0x4000", got)
	}
}

func TestEncodeStubX86_64(t *testing.T) {
	stubAddr := uint64(0x1000)
	laAddr := uint64(0x2000)
	code := ArchX86_64.EncodeStub(stubAddr, laAddr)
	if len(code) != 6 {
		t.Fatalf("stub length = %d, want 6", len(code))
	}
	if code[0] != 0xFF || code[1] != 0x25 {
		t.Fatalf("stub opcode = % x, want FF 25 ...", code[:2])
	}
	disp := int32(binary.LittleEndian.Uint32(code[2:]))
	if got := int64(stubAddr) + 6 + int64(disp); uint64(got) != laAddr {
		t.Fatalf("rip-relative disp resolves to %#x, want %#x", got, laAddr)
	}
}

func TestEncodeStubARM64Length(t *testing.T) {
	stubAddr := uint64(0x100000)
	laAddr := uint64(0x104008)
	code := ArchARM64.EncodeStub(stubAddr, laAddr)
	if len(code) != 12 {
		t.Fatalf("arm64 stub length = %d, want 12", len(code))
	}
}

func TestCalcNumberOfPagesSameGroup(t *testing.T) {
	if got := calcNumberOfPages(0x1000, 0x1FFF); got != 0 {
		t.Fatalf("same 4KiB page: calcNumberOfPages = %d, want 0", got)
	}
	if got := calcNumberOfPages(0x1000, 0x2000); got != 1 {
		t.Fatalf("adjacent page: calcNumberOfPages = %d, want 1", got)
	}
	if got := calcNumberOfPages(0x2000, 0x1000); got != -1 {
		t.Fatalf("backward page: calcNumberOfPages = %d, want -1", got)
	}
}

func TestCalcPageOffsetScalesByAccessWidth(t *testing.T) {
	tgt := uint64(0x1038)
	if got := calcPageOffset(tgt, pageOffsetArithmetic); got != 0x038 {
		t.Fatalf("arithmetic offset = %#x, want 0x38", got)
	}
	if got := calcPageOffset(tgt, pageOffsetLoadStore64); got != 0x038/8 {
		t.Fatalf("ldr x offset = %#x, want %#x", got, 0x038/8)
	}
}

func TestCalcPcRelativeDisplacementX86OverflowDetected(t *testing.T) {
	_, err := calcPcRelativeDisplacementX86(0, 1<<33, 0)
	if err == nil {
		t.Fatal("expected overflow error for a displacement outside i32 range")
	}
	e, ok := err.(*Error)
	if !ok || e.Kind != ErrOverflow {
		t.Fatalf("err = %v, want *Error{Kind: ErrOverflow}", err)
	}
}

func TestBranchInRangeARM64(t *testing.T) {
	if !branchInRangeARM64(0, 1<<20) {
		t.Fatal("1 MiB branch should be in range")
	}
	if branchInRangeARM64(0, 1<<28) {
		t.Fatal("256 MiB branch should be out of range")
	}
}
