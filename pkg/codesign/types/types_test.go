package types

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestSizeWithoutEntitlementsMatchesSignedLength(t *testing.T) {
	data := bytes.Repeat([]byte{0x90}, pageSize+17)
	want := Size(int64(len(data)), "a.out", nil)

	out := make([]byte, want)
	Sign(out, bytes.NewReader(data), "a.out", int64(len(data)), 0, int64(len(data)), true, uint32(ADHOC), nil)

	var sb SuperBlob
	sb.Magic = magic(be32(out[0:4]))
	sb.Count = be32(out[8:12])
	if sb.Magic != MAGIC_EMBEDDED_SIGNATURE {
		t.Fatalf("SuperBlob magic = %#x, want MAGIC_EMBEDDED_SIGNATURE", uint32(sb.Magic))
	}
	if sb.Count != 1 {
		t.Fatalf("SuperBlob count = %d, want 1 (no entitlements)", sb.Count)
	}
}

func TestSizeAndSignEmbedEntitlementsBlob(t *testing.T) {
	data := bytes.Repeat([]byte{0x90}, pageSize*2+3)
	ent := []byte(`<?xml version="1.0"?><plist><dict/></plist>`)

	want := Size(int64(len(data)), "a.out", ent)
	out := make([]byte, want)
	Sign(out, bytes.NewReader(data), "a.out", int64(len(data)), 0, int64(len(data)), true, uint32(ADHOC), ent)

	count := be32(out[8:12])
	if count != 2 {
		t.Fatalf("SuperBlob count = %d, want 2 (CodeDirectory + Entitlements)", count)
	}

	// Second BlobIndex entry names the Entitlements slot and its offset.
	entSlotType := be32(out[20:24])
	entOffset := be32(out[24:28])
	if SlotType(entSlotType) != CSSLOT_ENTITLEMENTS {
		t.Fatalf("second blob index type = %d, want CSSLOT_ENTITLEMENTS", entSlotType)
	}

	entBlobMagic := be32(out[entOffset : entOffset+4])
	entBlobLen := be32(out[entOffset+4 : entOffset+8])
	if magic(entBlobMagic) != MAGIC_EMBEDDED_ENTITLEMENTS {
		t.Fatalf("entitlements blob magic = %#x, want MAGIC_EMBEDDED_ENTITLEMENTS", entBlobMagic)
	}
	if int(entBlobLen) != blobSize+len(ent) {
		t.Fatalf("entitlements blob length = %d, want %d", entBlobLen, blobSize+len(ent))
	}
	gotEnt := out[entOffset+8 : entOffset+entBlobLen]
	if !bytes.Equal(gotEnt, ent) {
		t.Fatalf("embedded entitlements = %q, want %q", gotEnt, ent)
	}

	// CodeDirectory's special slot 5 must hold sha256(entitlements).
	cdirOffset := be32(out[16:20])
	hashOffset := be32(out[cdirOffset+16 : cdirOffset+20])
	nSpecial := be32(out[cdirOffset+24 : cdirOffset+28])
	if nSpecial != entitlementsSpecialSlot {
		t.Fatalf("NSpecialSlots = %d, want %d", nSpecial, entitlementsSpecialSlot)
	}
	wantHash := sha256.Sum256(ent)
	slot5Off := cdirOffset + hashOffset - entitlementsSpecialSlot*sha256.Size
	gotHash := out[slot5Off : slot5Off+sha256.Size]
	if !bytes.Equal(gotHash, wantHash[:]) {
		t.Fatalf("special slot 5 hash = %x, want %x", gotHash, wantHash)
	}
}

func be32(b []byte) uint32 { return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]) }
