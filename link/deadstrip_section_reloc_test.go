package link

import "testing"

// TestMarkLiveFollowsSectionRelativeRelocation reproduces a live atom
// referencing a local, non-extern target purely through a section-relative
// relocation (Reloc.Symbol == -1, Reloc.Section naming the target's input
// section) — the same shape relocTarget resolves when patching. markLive
// must mark the target section's atom live too, not just extern-keyed ones.
func TestMarkLiveFollowsSectionRelativeRelocation(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}, OutputMode: OutputExecutable, DeadStrip: true})

	o := &Object{
		fileBase: fileBase{path: "local_ref.o"},
		Sections: []inputSection{
			{Segname: "__TEXT", Sectname: "__text", Atom: -1},
			{Segname: "__TEXT", Sectname: "__cstring", Atom: -1},
		},
	}
	l.addObject(o)

	liveAtom := l.newAtom(Atom{Name: "_live", File: o.index, NSect: 1, Thunk: -1})
	localAtom := l.newAtom(Atom{Name: "L_.str", File: o.index, NSect: 2, Thunk: -1})
	o.Atoms = []int{liveAtom, localAtom}
	o.Sections[0].Atom = liveAtom
	o.Sections[1].Atom = localAtom

	l.atoms[liveAtom].Relocs = []Reloc{
		{Symbol: -1, Section: 2},
	}

	l.entryAtom = liveAtom

	l.markLive()

	if !l.atoms[liveAtom].Live {
		t.Fatal("entry atom should be live")
	}
	if !l.atoms[localAtom].Live {
		t.Fatal("section-relative relocation target should be marked live, but markLive did not follow it")
	}
}
