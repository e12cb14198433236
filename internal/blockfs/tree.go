package blockfs

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/klauspost/compress/zstd"
	"github.com/tinylib/msgp/msgp"
)

// node is an in-memory directory or file.
type node struct {
	name     string
	dir      bool
	children map[string]*node
	data     []byte
}

func newDir(name string) *node {
	return &node{name: name, dir: true, children: make(map[string]*node)}
}

// sortedChildren returns a directory's children ordered by name, which is
// the filesystem's enumeration order.
func (n *node) sortedChildren() []*node {
	out := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *node) int { return cmp.Compare(a.name, b.name) })
	return out
}

// appendNode encodes n as a msgpack array [name, dir, children|data].
func appendNode(b []byte, n *node) []byte {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendString(b, n.name)
	b = msgp.AppendBool(b, n.dir)
	if !n.dir {
		return msgp.AppendBytes(b, n.data)
	}
	children := n.sortedChildren()
	b = msgp.AppendArrayHeader(b, uint32(len(children)))
	for _, c := range children {
		b = appendNode(b, c)
	}
	return b
}

func readNode(b []byte, depth int) (*node, []byte, error) {
	if depth > MaxDepth+1 {
		return nil, b, ErrTooDeep
	}
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	if sz != 3 {
		return nil, b, fmt.Errorf("node has %d fields, want 3", sz)
	}
	name, b, err := msgp.ReadStringBytes(b)
	if err != nil {
		return nil, b, err
	}
	dir, b, err := msgp.ReadBoolBytes(b)
	if err != nil {
		return nil, b, err
	}

	if !dir {
		data, rest, err := msgp.ReadBytesBytes(b, nil)
		if err != nil {
			return nil, rest, err
		}
		return &node{name: name, data: data}, rest, nil
	}

	n := newDir(name)
	count, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	for range count {
		var child *node
		child, b, err = readNode(b, depth+1)
		if err != nil {
			return nil, b, err
		}
		n.children[child.name] = child
	}
	return n, b, nil
}

// encodeTree serializes and compresses the tree rooted at root.
func encodeTree(root *node) ([]byte, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(appendNode(nil, root), nil), nil
}

// decodeTree reverses encodeTree.
func decodeTree(payload []byte) (*node, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrCorrupt, err)
	}
	root, rest, err := readNode(raw, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: decode tree: %w", ErrCorrupt, err)
	}
	if len(rest) != 0 || !root.dir {
		return nil, fmt.Errorf("%w: malformed root", ErrCorrupt)
	}
	return root, nil
}
