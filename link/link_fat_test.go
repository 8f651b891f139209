package link

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/appsworld/ld64/types"
)

// buildFatBytes assembles a minimal universal-binary header (magic + one
// fat_arch entry per slice) followed by each slice's raw bytes, the exact
// shape selectFatSlice parses ahead of the object/archive/dylib dispatch.
func buildFatBytes(slices map[types.CPU][]byte) []byte {
	type entry struct {
		cpu  types.CPU
		data []byte
	}
	var entries []entry
	for cpu, data := range slices {
		entries = append(entries, entry{cpu, data})
	}

	const fatArchSize = 20
	headerLen := 8 + fatArchSize*len(entries)
	off := headerLen
	// align each slice to a 16-byte boundary, as real fat binaries do.
	offsets := make([]int, len(entries))
	for i, e := range entries {
		if off%16 != 0 {
			off += 16 - off%16
		}
		offsets[i] = off
		off += len(e.data)
	}

	buf := make([]byte, off)
	binary.BigEndian.PutUint32(buf[0:4], uint32(types.MagicFat))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(entries)))
	pos := 8
	for i, e := range entries {
		binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(e.cpu))
		binary.BigEndian.PutUint32(buf[pos+4:pos+8], 0)
		binary.BigEndian.PutUint32(buf[pos+8:pos+12], uint32(offsets[i]))
		binary.BigEndian.PutUint32(buf[pos+12:pos+16], uint32(len(e.data)))
		binary.BigEndian.PutUint32(buf[pos+16:pos+20], 0)
		pos += fatArchSize
		copy(buf[offsets[i]:], e.data)
	}
	return buf
}

func TestSelectFatSlicePicksTargetArch(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchARM64}})

	x86Slice := []byte("x86-slice-bytes-here")
	armSlice := []byte("arm64-slice-bytes-here-longer")
	fat := buildFatBytes(map[types.CPU][]byte{
		types.CPUAmd64: x86Slice,
		types.CPUArm64: armSlice,
	})

	got, err := l.selectFatSlice("fat.o", fat)
	if err != nil {
		t.Fatalf("selectFatSlice() error: %v", err)
	}
	if string(got) != string(armSlice) {
		t.Fatalf("selectFatSlice() = %q, want the arm64 slice %q", got, armSlice)
	}
}

func TestSelectFatSliceNoMatchingArch(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchARM64}})

	fat := buildFatBytes(map[types.CPU][]byte{
		types.CPUAmd64: []byte("only-x86-here"),
	})

	_, err := l.selectFatSlice("fat.o", fat)
	if err == nil {
		t.Fatal("selectFatSlice() should fail when no slice matches the target architecture")
	}
	lerr, ok := err.(*Error)
	if !ok || lerr.Kind != ErrMismatchedCPUArchitecture {
		t.Fatalf("selectFatSlice() error = %v, want ErrMismatchedCPUArchitecture", err)
	}
}

func TestAddInputUnwrapsFatObjectForTargetArch(t *testing.T) {
	l := NewLinker(Options{Target: Target{CPU: ArchX86_64}})

	obj := buildTestObjectBytes("_foo", 0x1000)
	fat := buildFatBytes(map[types.CPU][]byte{
		types.CPUArm64: []byte("not-a-real-object-but-never-selected-------"),
		types.CPUAmd64: obj,
	})

	path := filepath.Join(t.TempDir(), "fat.o")
	if err := os.WriteFile(path, fat, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.addInput(path, false); err != nil {
		t.Fatalf("addInput() on fat input error: %v", err)
	}
	if len(l.files) != 1 || l.files[0].Kind() != FileObject {
		t.Fatalf("addInput() did not register the unwrapped x86-64 object slice")
	}
}
