package link

import (
	"testing"

	"github.com/appsworld/ld64/types"
)

// TestResolveDsoHandleUndefinedExternAlwaysSynthesized reproduces the
// extremely common C++ static-init/atexit pattern of referencing
// ___dso_handle as an undefined extern: it must always resolve via
// createSyntheticGlobals, even under the default UndefinedError policy.
// OutputDylib sidesteps the unrelated entry-point requirement that
// OutputExecutable would add here.
func TestResolveDsoHandleUndefinedExternAlwaysSynthesized(t *testing.T) {
	l := NewLinker(Options{
		Target:     Target{CPU: ArchX86_64},
		OutputMode: OutputDylib,
		// UndefinedTreatment left at its zero value, UndefinedError.
	})

	strTab := []byte{0}
	nameOff := uint32(len(strTab))
	strTab = append(strTab, []byte("___dso_handle\x00")...)

	o := &Object{
		fileBase: fileBase{path: "dso_ref.o"},
		StrTab:   strTab,
		Nlists: []types.Nlist64{
			{Nlist: types.Nlist{Name: nameOff, Type: types.N_UNDF | types.N_EXT}},
		},
		FirstGlobal: 0,
	}
	o.Symbols = []int{-1}
	l.addObject(o)

	if err := l.resolve(); err != nil {
		t.Fatalf("resolve() = %v, want ___dso_handle to always resolve via synthesis", err)
	}
	if l.dsoHandleSym < 0 {
		t.Fatal("dsoHandleSym was never set")
	}
	if l.symbols[l.dsoHandleSym].Flags&SymWeak == 0 {
		t.Fatal("___dso_handle must be flagged weak-def")
	}
}
