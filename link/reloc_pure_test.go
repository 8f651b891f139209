package link

import "testing"

func TestULEB128EncodeSmallAndMultiByte(t *testing.T) {
	if got := uleb128Encode(0); len(got) != 1 || got[0] != 0 {
		t.Fatalf("uleb128Encode(0) = %v, want [0]", got)
	}
	if got := uleb128Encode(127); len(got) != 1 || got[0] != 0x7F {
		t.Fatalf("uleb128Encode(127) = %v, want [0x7F]", got)
	}
	got := uleb128Encode(128)
	want := []byte{0x80, 0x01}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("uleb128Encode(128) = %v, want %v", got, want)
	}
}

func TestSignExtend24(t *testing.T) {
	if got := signExtend24(0x000001); got != 1 {
		t.Fatalf("signExtend24(1) = %d, want 1", got)
	}
	if got := signExtend24(0x800000); got != -8388608 {
		t.Fatalf("signExtend24(0x800000) = %d, want -8388608", got)
	}
	if got := signExtend24(0xFFFFFF); got != -1 {
		t.Fatalf("signExtend24(0xFFFFFF) = %d, want -1", got)
	}
}

func TestPointerFieldRoundTrip(t *testing.T) {
	for _, length := range []uint8{0, 1, 2, 3} {
		buf := make([]byte, 8)
		var v uint64
		switch length {
		case 0:
			v = 0xAB
		case 1:
			v = 0xABCD
		case 2:
			v = 0xABCD1234
		default:
			v = 0x1122334455667788
		}
		writePointerField(buf, 0, length, v)
		if got := readPointerField(buf, 0, length); got != v {
			t.Fatalf("length %d: round-trip = %#x, want %#x", length, got, v)
		}
	}
}

func TestX86RelocCorrection(t *testing.T) {
	if got := x86RelocCorrection(x86RelocSigned1); got != 1 {
		t.Fatalf("x86RelocCorrection(Signed1) = %d, want 1", got)
	}
	if got := x86RelocCorrection(x86RelocSigned2); got != 2 {
		t.Fatalf("x86RelocCorrection(Signed2) = %d, want 2", got)
	}
	if got := x86RelocCorrection(x86RelocSigned4); got != 4 {
		t.Fatalf("x86RelocCorrection(Signed4) = %d, want 4", got)
	}
	if got := x86RelocCorrection(x86RelocSigned); got != 0 {
		t.Fatalf("x86RelocCorrection(Signed) = %d, want 0", got)
	}
}

func TestEncodeBindOrdinal(t *testing.T) {
	if got := encodeBindOrdinal(3); len(got) != 1 || got[0] != bindOpcodeSetDylibOrdinalImm|3 {
		t.Fatalf("encodeBindOrdinal(3) = %v, want a single ordinal-imm byte", got)
	}
	if got := encodeBindOrdinal(0); len(got) != 1 || got[0]&0xF0 != bindOpcodeSetDylibSpecialImm {
		t.Fatalf("encodeBindOrdinal(0) = %v, want a special-imm byte", got)
	}
	got := encodeBindOrdinal(200)
	if len(got) < 2 || got[0] != bindOpcodeSetDylibOrdinalULEB {
		t.Fatalf("encodeBindOrdinal(200) = %v, want a ULEB-prefixed opcode", got)
	}
}

func TestLibraryOrdinalByte(t *testing.T) {
	if got := libraryOrdinalByte(-1); got != byte(0xff) {
		t.Fatalf("libraryOrdinalByte(-1) = %#x, want EXECUTABLE_ORDINAL (0xff)", got)
	}
	if got := libraryOrdinalByte(-2); got != byte(0xfe) {
		t.Fatalf("libraryOrdinalByte(-2) = %#x, want DYNAMIC_LOOKUP_ORDINAL (0xfe)", got)
	}
	if got := libraryOrdinalByte(0); got != byte(0) {
		t.Fatalf("libraryOrdinalByte(0) = %#x, want SELF_LIBRARY_ORDINAL (0)", got)
	}
	if got := libraryOrdinalByte(5); got != byte(5) {
		t.Fatalf("libraryOrdinalByte(5) = %#x, want 5", got)
	}
}
