package trie

import (
	"sort"
	"testing"

	"github.com/appsworld/ld64/types"
)

func TestBuildParseRoundTrip(t *testing.T) {
	want := []TrieEntry{
		{Name: "_main", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR, Address: 0x1000},
		{Name: "_malloc", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR, Address: 0x2000},
		{Name: "_mallocate", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR, Address: 0x2100},
		{Name: "__tlv_bootstrap", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_THREAD_LOCAL, Address: 0x3000},
	}

	encoded := Build(want)

	got, err := ParseTrie(encoded, 0)
	if err != nil {
		t.Fatalf("ParseTrie: %v", err)
	}

	sort.Slice(want, func(i, j int) bool { return want[i].Name < want[j].Name })
	sort.Slice(got, func(i, j int) bool { return got[i].Name < got[j].Name })

	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name != want[i].Name {
			t.Fatalf("entry %d name = %q, want %q", i, got[i].Name, want[i].Name)
		}
		if got[i].Address != want[i].Address {
			t.Fatalf("entry %d (%s) address = %#x, want %#x", i, got[i].Name, got[i].Address, want[i].Address)
		}
		if got[i].Flags != want[i].Flags {
			t.Fatalf("entry %d (%s) flags = %v, want %v", i, got[i].Name, got[i].Flags, want[i].Flags)
		}
	}
}

func TestBuildSharedPrefixesStillResolve(t *testing.T) {
	want := []TrieEntry{
		{Name: "_foo", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR, Address: 0x10},
		{Name: "_foobar", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR, Address: 0x20},
		{Name: "_foobaz", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR, Address: 0x30},
	}

	encoded := Build(want)
	got, err := ParseTrie(encoded, 0)
	if err != nil {
		t.Fatalf("ParseTrie: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}

	byName := make(map[string]uint64, len(got))
	for _, e := range got {
		byName[e.Name] = e.Address
	}
	for _, e := range want {
		if byName[e.Name] != e.Address {
			t.Fatalf("%s resolved to %#x, want %#x", e.Name, byName[e.Name], e.Address)
		}
	}
}

func TestBuildEmpty(t *testing.T) {
	encoded := Build(nil)
	got, err := ParseTrie(encoded, 0)
	if err != nil {
		t.Fatalf("ParseTrie(empty): %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d entries from an empty trie, want 0", len(got))
	}
}
