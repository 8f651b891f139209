package link

// Interner is an append-only byte arena that returns a stable offset for
// every interned string. Offset 0 is always the empty string, matching the
// string-table convention used throughout the symbol and LINKEDIT writers.
type Interner struct {
	buf    []byte
	lookup map[string]uint32
}

// NewInterner returns an Interner primed with the reserved empty string at
// offset 0.
func NewInterner() *Interner {
	in := &Interner{
		buf:    []byte{0},
		lookup: make(map[string]uint32),
	}
	in.lookup[""] = 0
	return in
}

// Intern returns the stable offset for s, appending it (NUL-terminated) to
// the arena on first occurrence.
func (in *Interner) Intern(s string) uint32 {
	if off, ok := in.lookup[s]; ok {
		return off
	}
	off := uint32(len(in.buf))
	in.buf = append(in.buf, s...)
	in.buf = append(in.buf, 0)
	in.lookup[s] = off
	return off
}

// String returns the interned string at off, up to its terminating NUL.
func (in *Interner) String(off uint32) string {
	if int(off) >= len(in.buf) {
		return ""
	}
	end := off
	for end < uint32(len(in.buf)) && in.buf[end] != 0 {
		end++
	}
	return string(in.buf[off:end])
}

// Bytes returns the full backing arena, suitable for writing out verbatim as
// the LINKEDIT string table.
func (in *Interner) Bytes() []byte {
	return in.buf
}

// Len returns the current size of the arena in bytes.
func (in *Interner) Len() int {
	return len(in.buf)
}
