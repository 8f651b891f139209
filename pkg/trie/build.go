package trie

import (
	"bytes"
	"sort"
)

// Build serializes entries into the compressed export trie dyld_info expects,
// the inverse of ParseTrie: a byte-oriented radix tree keyed by symbol name,
// where each node's terminal content encodes the symbol's flags, address (or
// re-export ordinal/name, or stub-and-resolver offset).
func Build(entries []TrieEntry) []byte {
	root := newBuildNode()
	sorted := append([]TrieEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, e := range sorted {
		root.insert(e.Name, e)
	}
	root.trimSingleChildPrefixes()

	order := root.preorder(nil)
	// Fixpoint the byte offset of every node: each node's encoded size depends
	// on the ULEB128 width of its children's offsets, which in turn depend on
	// earlier nodes' sizes, so offsets are recomputed until stable.
	for {
		offset := uint64(0)
		changed := false
		for _, n := range order {
			if n.offset != offset {
				n.offset = offset
				changed = true
			}
			offset += uint64(n.encodedSize())
		}
		if !changed {
			break
		}
	}

	var buf bytes.Buffer
	for _, n := range order {
		n.emit(&buf)
	}
	return buf.Bytes()
}

type buildEdge struct {
	label string
	child *buildNode
}

type buildNode struct {
	edges    []*buildEdge
	terminal bool
	entry    TrieEntry
	offset   uint64
}

func newBuildNode() *buildNode {
	return &buildNode{}
}

func (n *buildNode) insert(name string, entry TrieEntry) {
	if name == "" {
		n.terminal = true
		n.entry = entry
		return
	}

	for _, e := range n.edges {
		common := commonPrefixLen(e.label, name)
		if common == 0 {
			continue
		}
		if common == len(e.label) {
			e.child.insert(name[common:], entry)
			return
		}
		// Split e.label at common: interior node carries the old child under
		// the remainder of the old label.
		mid := newBuildNode()
		mid.edges = append(mid.edges, &buildEdge{label: e.label[common:], child: e.child})
		e.label = e.label[:common]
		e.child = mid
		mid.insert(name[common:], entry)
		return
	}

	leaf := newBuildNode()
	leaf.terminal = true
	leaf.entry = entry
	n.edges = append(n.edges, &buildEdge{label: name, child: leaf})
}

// trimSingleChildPrefixes merges a non-terminal node with exactly one child
// into its parent edge, the same collapsing ParseTrie expects on read (a
// node with a single edge and no symbol info is never emitted as its own
// hop in dyld's actual trie, only ever as a longer edge label).
func (n *buildNode) trimSingleChildPrefixes() {
	for _, e := range n.edges {
		for !e.child.terminal && len(e.child.edges) == 1 {
			only := e.child.edges[0]
			e.label += only.label
			e.child = only.child
		}
		e.child.trimSingleChildPrefixes()
	}
}

func uleb128Encode(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// preorder returns every node depth-first (root first, then each child's
// subtree in the order its edge was inserted), which is the order the nodes
// are written in.
func (n *buildNode) preorder(out []*buildNode) []*buildNode {
	out = append(out, n)
	for _, e := range n.edges {
		out = e.child.preorder(out)
	}
	return out
}

func (n *buildNode) terminalPayload() []byte {
	if !n.terminal {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(uleb128Encode(uint64(n.entry.Flags)))
	switch {
	case n.entry.Flags.ReExport():
		buf.Write(uleb128Encode(n.entry.Other))
		buf.WriteString(n.entry.ReExport)
		buf.WriteByte(0)
	case n.entry.Flags.StubAndResolver():
		buf.Write(uleb128Encode(n.entry.Other))
		buf.Write(uleb128Encode(n.entry.Address))
	default:
		buf.Write(uleb128Encode(n.entry.Address))
	}
	return buf.Bytes()
}

// encodedSize returns this node's on-disk footprint: the terminal-info
// block (size-prefixed, zero-length for a non-terminal) followed by one
// (label, child-offset) pair per edge.
func (n *buildNode) encodedSize() int {
	size := 0
	if n.terminal {
		payload := n.terminalPayload()
		size += len(uleb128Encode(uint64(len(payload)))) + len(payload)
	} else {
		size++ // terminal size byte 0x00
	}
	size++ // edge count byte
	for _, e := range n.edges {
		size += len(e.label) + 1 // label + NUL
		size += len(uleb128Encode(e.child.offset))
	}
	return size
}

func (n *buildNode) emit(buf *bytes.Buffer) {
	if n.terminal {
		payload := n.terminalPayload()
		buf.Write(uleb128Encode(uint64(len(payload))))
		buf.Write(payload)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteByte(byte(len(n.edges)))
	for _, e := range n.edges {
		buf.WriteString(e.label)
		buf.WriteByte(0)
		buf.Write(uleb128Encode(e.child.offset))
	}
}
