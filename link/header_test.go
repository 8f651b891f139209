package link

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAlign4(t *testing.T) {
	cases := []struct{ n, want int }{
		{0, 0}, {1, 4}, {4, 4}, {5, 8}, {13, 16},
	}
	for _, c := range cases {
		if got := align4(c.n); got != c.want {
			t.Errorf("align4(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestParsePackedVersionDefaults(t *testing.T) {
	if got := parsePackedVersion("", 11, 0, 0); got != (11<<16) {
		t.Fatalf("parsePackedVersion(\"\") = %#x, want %#x", got, 11<<16)
	}
}

func TestParsePackedVersionFull(t *testing.T) {
	got := parsePackedVersion("12.3.1", 0, 0, 0)
	want := uint32(12<<16 | 3<<8 | 1)
	if got != want {
		t.Fatalf("parsePackedVersion(12.3.1) = %#x, want %#x", got, want)
	}
}

func TestParsePackedVersionMajorMinorOnly(t *testing.T) {
	got := parsePackedVersion("10.15", 0, 0, 9)
	want := uint32(10<<16 | 15<<8 | 9)
	if got != want {
		t.Fatalf("parsePackedVersion(10.15) = %#x, want %#x", got, want)
	}
}

func TestSignIdentifierUsesOutputBasenameOverInstallName(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, InstallName: "@rpath/libfoo.dylib", OutputPath: "/tmp/out"})
	if got := l.signIdentifier(); got != "out" {
		t.Fatalf("signIdentifier() = %q, want output basename out", got)
	}
}

func TestSignIdentifierFallsBackToOutputBasename(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, OutputPath: "/usr/local/bin/mytool"})
	if got := l.signIdentifier(); got != "mytool" {
		t.Fatalf("signIdentifier() = %q, want mytool", got)
	}
}

func TestSignIdentifierDefaultsToAOut(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	if got := l.signIdentifier(); got != "a.out" {
		t.Fatalf("signIdentifier() = %q, want a.out", got)
	}
}

func TestSectionFlagsKnownSections(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})

	text := &Section{Segname: "__TEXT", Sectname: "__text"}
	if f := l.sectionFlags(text); f&uint32(0x80000000) == 0 {
		t.Fatalf("__text flags %#x missing S_ATTR_PURE_INSTRUCTIONS", f)
	}

	got := &Section{Segname: "__DATA_CONST", Sectname: "__got"}
	if f := l.sectionFlags(got); f != 6 {
		t.Fatalf("__got flags = %#x, want S_NON_LAZY_SYMBOL_POINTERS (6)", f)
	}

	zf := &Section{Segname: "__DATA", Sectname: "__bss", Zerofill: true}
	if f := l.sectionFlags(zf); f != 1 {
		t.Fatalf("zerofill section flags = %#x, want S_ZEROFILL (1)", f)
	}
}

func TestReadEntitlementsEmptyWhenUnset(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	b, err := l.readEntitlements()
	if err != nil || b != nil {
		t.Fatalf("readEntitlements() = (%v, %v), want (nil, nil)", b, err)
	}
}

func TestReadEntitlementsReadsPlistFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.entitlements")
	want := []byte("<plist><dict/></plist>")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, Entitlements: path})
	got, err := l.readEntitlements()
	if err != nil {
		t.Fatalf("readEntitlements() error: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("readEntitlements() = %q, want %q", got, want)
	}
}

func TestReadEntitlementsMissingFileErrors(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, Entitlements: "/nonexistent/app.entitlements"})
	if _, err := l.readEntitlements(); err == nil {
		t.Fatal("readEntitlements() with missing path should error")
	}
}

// TestCodeSignatureGating reproduces spec.md:157: the signature is always
// required on aarch64, and on x86-64 only when entitlements are supplied.
func TestCodeSignatureGating(t *testing.T) {
	cases := []struct {
		name         string
		arch         Arch
		entitlements bool
		want         bool
	}{
		{"arm64 no entitlements", ArchARM64, false, true},
		{"arm64 with entitlements", ArchARM64, true, true},
		{"x86_64 no entitlements", ArchX86_64, false, false},
		{"x86_64 with entitlements", ArchX86_64, true, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var ent []byte
			if c.entitlements {
				ent = []byte("<plist/>")
			}
			l := NewLinker(Options{Target: Target{CPU: c.arch}})
			if got := l.needsCodeSignature(ent); got != c.want {
				t.Fatalf("needsSig = %v, want %v", got, c.want)
			}
		})
	}
}

func TestTextSegmentExtent(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	l.segments = []Segment{
		{Name: "__PAGEZERO", FileOff: 0, FileSize: 0},
		{Name: "__TEXT", FileOff: 0, FileSize: 0x2000},
	}
	off, size := l.textSegmentExtent()
	if off != 0 || size != 0x2000 {
		t.Fatalf("textSegmentExtent() = (%d, %d), want (0, 0x2000)", off, size)
	}
}
