package link

import "testing"

func TestParseArchiveRejectsBadMagic(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	if _, err := l.parseArchive("bad", []byte("not an archive"), false); err == nil {
		t.Fatal("expected errNotArchive for missing magic")
	}
}

func TestParseArchiveRejectsBadTrailer(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	raw := append([]byte{}, arMagic...)
	hdr := make([]byte, arHeaderSize)
	for i := range hdr {
		hdr[i] = ' '
	}
	copy(hdr[48:58], "0")
	// leave the trailer as spaces instead of "`\n"
	raw = append(raw, hdr...)
	if _, err := l.parseArchive("bad", raw, false); err == nil {
		t.Fatal("expected errNotArchive for malformed member trailer")
	}
}

func TestParseArchiveWalksMembersAndBuildsFallbackTOC(t *testing.T) {
	obj := buildTestObjectBytes("_foo", 0x1000)
	raw := buildTestArchive(map[string][]byte{"foo.o": obj}, []string{"foo.o"})

	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	a, err := l.parseArchive("libtest.a", raw, false)
	if err != nil {
		t.Fatalf("parseArchive: %v", err)
	}
	if len(a.Members) != 1 || a.Members[0].Name != "foo.o" {
		t.Fatalf("Members = %+v, want one member named foo.o", a.Members)
	}
	idxs, ok := a.TOC["_foo"]
	if !ok || len(idxs) != 1 || idxs[0] != 0 {
		t.Fatalf("TOC[_foo] = %v, ok=%v, want [0]", idxs, ok)
	}
}

func TestParseArchiveGNULongNames(t *testing.T) {
	obj := buildTestObjectBytes("_bar", 0x2000)
	longName := "a_member_name_longer_than_sixteen_bytes.o"

	raw := append([]byte{}, arMagic...)
	raw = append(raw, arMember("//", []byte(longName+"/\n"))...)
	raw = append(raw, arMember("/0", obj)...)

	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	a, err := l.parseArchive("libtest.a", raw, false)
	if err != nil {
		t.Fatalf("parseArchive: %v", err)
	}
	if len(a.Members) != 1 {
		t.Fatalf("Members = %+v, want exactly one (the '//' table isn't a member)", a.Members)
	}
	if a.Members[0].Name != longName {
		t.Fatalf("Members[0].Name = %q, want %q", a.Members[0].Name, longName)
	}
}
