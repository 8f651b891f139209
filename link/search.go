package link

import (
	"os"
	"path/filepath"
	"sort"
)

// resolveLibraries implements the -lX/-framework search of §6: turn every
// requested library and framework name into a concrete file and feed it
// through the same addInput path positional inputs use. Library and
// framework inputs are always searched after every positional, preserving
// the discovery-order guarantee of §5 (positional before library).
func (l *Linker) resolveLibraries() error {
	for _, name := range sortedLibNames(l.opts.Libs) {
		spec := l.opts.Libs[name]
		path, err := l.findLibrary(spec.Name)
		if err != nil {
			if !spec.Needed {
				l.warn("library not found", spec.Name, "")
				continue
			}
			return err
		}
		if err := l.addInput(path, false); err != nil {
			return err
		}
		if spec.Weak {
			l.markLastDylibWeak()
		}
	}

	for _, name := range l.opts.Frameworks {
		path, err := l.findFramework(name)
		if err != nil {
			l.warn("framework not found", name, "")
			continue
		}
		if err := l.addInput(path, false); err != nil {
			return err
		}
	}

	return nil
}

func sortedLibNames(libs map[string]LibSpec) []string {
	names := make([]string, 0, len(libs))
	for k := range libs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// searchDirs applies Syslibroot to every absolute search directory, leaving
// relative directories untouched.
func (l *Linker) searchDirs(dirs []string) []string {
	if l.opts.Syslibroot == "" {
		return dirs
	}
	out := make([]string, len(dirs))
	for i, d := range dirs {
		if filepath.IsAbs(d) {
			out[i] = filepath.Join(l.opts.Syslibroot, d)
		} else {
			out[i] = d
		}
	}
	return out
}

// findLibrary resolves a bare -lX name to a concrete path, honoring
// SearchStrategy: SearchDylibsFirst prefers a dylib/tbd over a static
// archive regardless of which search directory holds it; SearchPathsFirst
// prefers an earlier search directory regardless of extension.
func (l *Linker) findLibrary(name string) (string, error) {
	dirs := l.searchDirs(l.opts.LibDirs)
	dylibNames := []string{"lib" + name + ".dylib", "lib" + name + ".tbd"}
	archiveNames := []string{"lib" + name + ".a"}

	if l.opts.SearchStrategy == SearchDylibsFirst {
		if p, ok := firstExisting(dirs, dylibNames); ok {
			return p, nil
		}
		if p, ok := firstExisting(dirs, archiveNames); ok {
			return p, nil
		}
	} else {
		all := append(append([]string{}, dylibNames...), archiveNames...)
		if p, ok := firstExisting(dirs, all); ok {
			return p, nil
		}
	}

	return "", &Error{Kind: ErrLibraryNotFound, Msg: "library not found in search path", Name: name}
}

// findFramework resolves a -framework name to its binary (or TBD stub)
// inside the first matching FrameworkDirs/<name>.framework bundle.
func (l *Linker) findFramework(name string) (string, error) {
	dirs := l.searchDirs(l.opts.FrameworkDirs)
	for _, dir := range dirs {
		base := filepath.Join(dir, name+".framework", name)
		if fileExists(base) {
			return base, nil
		}
		if fileExists(base + ".tbd") {
			return base + ".tbd", nil
		}
	}
	return "", &Error{Kind: ErrFrameworkNotFound, Msg: "framework not found in search path", Name: name}
}

// firstExisting tries every name in every directory, directory-major, and
// returns the first path that exists.
func firstExisting(dirs, names []string) (string, bool) {
	for _, dir := range dirs {
		for _, n := range names {
			p := filepath.Join(dir, n)
			if fileExists(p) {
				return p, true
			}
		}
	}
	return "", false
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// markLastDylibWeak flags the dylib most recently appended to l.files as
// weak-linked, used right after resolveLibraries adds a -weak_lX match.
func (l *Linker) markLastDylibWeak() {
	if len(l.files) == 0 {
		return
	}
	if d, ok := l.files[len(l.files)-1].(*Dylib); ok {
		d.Weak = true
	}
}
