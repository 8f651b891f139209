package link

import "testing"

func TestInternerEmptyStringAtZero(t *testing.T) {
	in := NewInterner()
	if off := in.Intern(""); off != 0 {
		t.Fatalf("Intern(\"\") = %d, want 0", off)
	}
	if s := in.String(0); s != "" {
		t.Fatalf("String(0) = %q, want empty", s)
	}
}

func TestInternerDeduplicates(t *testing.T) {
	in := NewInterner()
	a := in.Intern("_main")
	b := in.Intern("_main")
	if a != b {
		t.Fatalf("Intern(\"_main\") twice returned different offsets: %d != %d", a, b)
	}

	c := in.Intern("_printf")
	if c == a {
		t.Fatalf("distinct strings got the same offset %d", a)
	}

	if got := in.String(a); got != "_main" {
		t.Fatalf("String(%d) = %q, want _main", a, got)
	}
	if got := in.String(c); got != "_printf" {
		t.Fatalf("String(%d) = %q, want _printf", c, got)
	}
}

func TestInternerBytesRoundTrip(t *testing.T) {
	in := NewInterner()
	off := in.Intern("hello")
	buf := in.Bytes()
	if len(buf) != in.Len() {
		t.Fatalf("Bytes() length %d != Len() %d", len(buf), in.Len())
	}
	if string(buf[off:off+5]) != "hello" {
		t.Fatalf("arena at offset %d = %q, want hello", off, buf[off:off+5])
	}
}

func TestInternerStringOutOfRange(t *testing.T) {
	in := NewInterner()
	if s := in.String(1000); s != "" {
		t.Fatalf("String(out-of-range) = %q, want empty", s)
	}
}
