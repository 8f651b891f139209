package link

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFindLibraryDylibsFirstPrefersDylibOverArchive(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "libfoo.a"))
	touch(t, filepath.Join(dir, "libfoo.dylib"))

	l := NewLinker(Options{
		Target:        Target{CPU: ArchX86_64},
		LibDirs:       []string{dir},
		SearchStrategy: SearchDylibsFirst,
	})
	got, err := l.findLibrary("foo")
	if err != nil {
		t.Fatalf("findLibrary: %v", err)
	}
	if got != filepath.Join(dir, "libfoo.dylib") {
		t.Fatalf("findLibrary = %q, want the .dylib", got)
	}
}

func TestFindLibraryPathsFirstPrefersEarlierDirRegardlessOfExtension(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	touch(t, filepath.Join(first, "libfoo.a"))
	touch(t, filepath.Join(second, "libfoo.dylib"))

	l := NewLinker(Options{
		Target:         Target{CPU: ArchX86_64},
		LibDirs:        []string{first, second},
		SearchStrategy: SearchPathsFirst,
	})
	got, err := l.findLibrary("foo")
	if err != nil {
		t.Fatalf("findLibrary: %v", err)
	}
	if got != filepath.Join(first, "libfoo.a") {
		t.Fatalf("findLibrary = %q, want the static archive in the first dir", got)
	}
}

func TestFindLibraryNotFound(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, LibDirs: []string{t.TempDir()}})
	_, err := l.findLibrary("nonexistent")
	e, ok := err.(*Error)
	if !ok || e.Kind != ErrLibraryNotFound {
		t.Fatalf("err = %v, want *Error{Kind: ErrLibraryNotFound}", err)
	}
}

func TestFindFrameworkResolvesBundleBinary(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "Foo.framework", "Foo"))

	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, FrameworkDirs: []string{dir}})
	got, err := l.findFramework("Foo")
	if err != nil {
		t.Fatalf("findFramework: %v", err)
	}
	if got != filepath.Join(dir, "Foo.framework", "Foo") {
		t.Fatalf("findFramework = %q, want the bundle binary", got)
	}
}

func TestFindFrameworkFallsBackToTBD(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "Foo.framework", "Foo.tbd"))

	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, FrameworkDirs: []string{dir}})
	got, err := l.findFramework("Foo")
	if err != nil {
		t.Fatalf("findFramework: %v", err)
	}
	if got != filepath.Join(dir, "Foo.framework", "Foo.tbd") {
		t.Fatalf("findFramework = %q, want the .tbd stub", got)
	}
}

func TestFindFrameworkNotFound(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, FrameworkDirs: []string{t.TempDir()}})
	_, err := l.findFramework("Missing")
	e, ok := err.(*Error)
	if !ok || e.Kind != ErrFrameworkNotFound {
		t.Fatalf("err = %v, want *Error{Kind: ErrFrameworkNotFound}", err)
	}
}

func TestSearchDirsAppliesSyslibrootToAbsoluteDirsOnly(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, Syslibroot: "/sysroot"})
	got := l.searchDirs([]string{"/usr/lib", "relative/lib"})
	if got[0] != filepath.Join("/sysroot", "/usr/lib") {
		t.Fatalf("searchDirs[0] = %q, want /sysroot prefix applied", got[0])
	}
	if got[1] != "relative/lib" {
		t.Fatalf("searchDirs[1] = %q, want relative dir untouched", got[1])
	}
}

func TestMarkLastDylibWeak(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})
	d := &Dylib{fileBase: fileBase{path: "libfoo.dylib"}}
	l.files = append(l.files, d)
	l.markLastDylibWeak()
	if !d.Weak {
		t.Fatal("markLastDylibWeak did not set Weak on the most recently added dylib")
	}
}
