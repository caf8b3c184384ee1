package sparsetrie

import (
	"errors"

	"github.com/eth2030/sparsetrie/rlp"
)

// ErrDecodeNode is returned when a multiproof entry's RLP cannot be parsed
// as a trie node.
var ErrDecodeNode = errors.New("sparsetrie: invalid encoded node")

// node is the tagged variant shared by all trie node kinds stored in a
// SparseTrie's path->node map. It mirrors package trie's node/shortNode/
// fullNode split (see trie/node.go) but, because a sparse trie only ever
// holds a partial view of the full trie, a node's children are referenced
// by cached hash (or small inline RLP) rather than by live pointers: the
// actual child structure, if known, lives in the owning SparseTrie's map
// under the extended path.
type node interface {
	cache() (hash []byte, dirty bool)
}

// nodeFlag carries incremental-hashing state for a node: its last computed
// hash, and whether it has been mutated since that hash was computed.
type nodeFlag struct {
	hash  []byte
	dirty bool
}

// emptyNode is the canonical empty trie: EmptyRoot. It carries no data and
// is never dirty (its hash is always EMPTY_ROOT_HASH).
type emptyNode struct{}

func (emptyNode) cache() ([]byte, bool) { return EmptyRootHash[:], false }

// leafNode is a terminal node. Suffix is the remaining nibbles from this
// node's path to the full key; Value is opaque bytes (an RLP-encoded
// account or RLP-encoded storage value).
type leafNode struct {
	Suffix Path
	Value  []byte
	flags  nodeFlag
}

func (n *leafNode) cache() ([]byte, bool) { return n.flags.hash, n.flags.dirty }

func (n *leafNode) copy() *leafNode {
	cp := *n
	cp.Suffix = n.Suffix.Copy()
	cp.Value = append([]byte(nil), n.Value...)
	return &cp
}

// extensionNode compresses a run of nibbles above a single child. Child is
// the child's cached hash, or its raw RLP if short enough to be embedded
// inline (<32 bytes); it is nil when the child has never been hashed.
type extensionNode struct {
	Suffix Path
	Child  []byte
	flags  nodeFlag
}

func (n *extensionNode) cache() ([]byte, bool) { return n.flags.hash, n.flags.dirty }

func (n *extensionNode) copy() *extensionNode {
	cp := *n
	cp.Suffix = n.Suffix.Copy()
	return &cp
}

// branchNode is a 16-way fan-out. StateMask is a bitmap of which of the 16
// children are present; Children[i] is only meaningful when bit i of
// StateMask is set, and holds that child's cached hash or inline RLP.
// HashMask and TreeMask are optional hints (see spec §4.2 "Masks"): bit i of
// HashMask means child i has a known persisted hash; bit i of TreeMask means
// child i's entire subtree is known. Both default to zero (no hint).
type branchNode struct {
	Children  [16][]byte
	StateMask uint16
	HashMask  uint16
	TreeMask  uint16
	flags     nodeFlag
}

func (n *branchNode) cache() ([]byte, bool) { return n.flags.hash, n.flags.dirty }

func (n *branchNode) copy() *branchNode {
	cp := *n
	return &cp
}

// childCount returns the number of set bits in StateMask, i.e. the number
// of present children. Must always equal the number of non-nil entries in
// Children (invariant 5 in spec.md §3).
func (n *branchNode) childCount() int {
	return popcount16(n.StateMask)
}

func popcount16(x uint16) int {
	c := 0
	for x != 0 {
		c++
		x &= x - 1
	}
	return c
}

// --- RLP encode/decode -----------------------------------------------
//
// Node RLP has a fixed, non-reflective shape (a 2-list or a 17-list of
// strings/sub-lists), so — like the teacher's trie/node_encoder.go and
// trie/encoding.go — it is hand-rolled here rather than routed through the
// generic reflective rlp package used elsewhere in this module.

// encodeNode produces the canonical Ethereum RLP encoding of n, as defined
// by the Yellow Paper. EmptyRoot encodes as the single byte 0x80.
func encodeNode(n node) ([]byte, error) {
	switch n := n.(type) {
	case emptyNode:
		return []byte{0x80}, nil
	case *leafNode:
		keyEnc, err := rlp.EncodeToBytes(PackCompact(n.Suffix, true))
		if err != nil {
			return nil, err
		}
		valEnc, err := rlp.EncodeToBytes(n.Value)
		if err != nil {
			return nil, err
		}
		return rlp.WrapList(append(append([]byte{}, keyEnc...), valEnc...)), nil
	case *extensionNode:
		keyEnc, err := rlp.EncodeToBytes(PackCompact(n.Suffix, false))
		if err != nil {
			return nil, err
		}
		childEnc, err := encodeChildRef(n.Child)
		if err != nil {
			return nil, err
		}
		return rlp.WrapList(append(append([]byte{}, keyEnc...), childEnc...)), nil
	case *branchNode:
		var payload []byte
		for i := 0; i < 16; i++ {
			var ref []byte
			if n.StateMask&(1<<uint(i)) != 0 {
				ref = n.Children[i]
			}
			enc, err := encodeChildRef(ref)
			if err != nil {
				return nil, err
			}
			payload = append(payload, enc...)
		}
		// Fixed-length (32-byte) keys never terminate exactly at a branch,
		// so the 17th (value) slot is always empty; it is still emitted so
		// the encoding matches Ethereum's canonical 17-element branch RLP.
		payload = append(payload, 0x80)
		return rlp.WrapList(payload), nil
	default:
		return nil, ErrDecodeNode
	}
}

// encodeChildRef encodes a child reference for inclusion in a parent's RLP:
// nil -> empty string (0x80); 32-byte ref -> RLP string of the hash;
// shorter ref -> treated as already-RLP-encoded inline node bytes, emitted
// verbatim (it is its own valid RLP item).
func encodeChildRef(ref []byte) ([]byte, error) {
	if len(ref) == 0 {
		return []byte{0x80}, nil
	}
	if len(ref) == 32 {
		return rlp.EncodeToBytes(ref)
	}
	return ref, nil
}

// decodeNode parses the canonical RLP encoding of a trie node, as produced
// by encodeNode. It is the inverse used when revealing multiproof entries.
func decodeNode(data []byte) (node, error) {
	if len(data) == 0 {
		return nil, ErrDecodeNode
	}
	if len(data) == 1 && data[0] == 0x80 {
		return emptyNode{}, nil
	}
	elems, err := splitRawList(data)
	if err != nil {
		return nil, &decodeError{err}
	}
	switch len(elems) {
	case 2:
		return decodeTwoElement(elems)
	case 17:
		return decodeBranchElements(elems)
	default:
		return nil, ErrDecodeNode
	}
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "sparsetrie: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func decodeTwoElement(elems [][]byte) (node, error) {
	keyContent, isList, err := splitItem(elems[0])
	if err != nil {
		return nil, &decodeError{err}
	}
	if isList {
		return nil, ErrDecodeNode
	}
	key, isLeaf := UnpackCompact(keyContent)
	if isLeaf {
		valContent, isList, err := splitItem(elems[1])
		if err != nil {
			return nil, &decodeError{err}
		}
		if isList {
			return nil, ErrDecodeNode
		}
		return &leafNode{Suffix: key, Value: append([]byte(nil), valContent...)}, nil
	}
	child, err := decodeChildRef(elems[1])
	if err != nil {
		return nil, err
	}
	return &extensionNode{Suffix: key, Child: child}, nil
}

func decodeBranchElements(elems [][]byte) (node, error) {
	n := &branchNode{}
	for i := 0; i < 16; i++ {
		ref, err := decodeChildRef(elems[i])
		if err != nil {
			return nil, err
		}
		if len(ref) > 0 {
			n.Children[i] = ref
			n.StateMask |= 1 << uint(i)
		}
	}
	// elems[16] is the value slot; always empty for fixed-length keys.
	return n, nil
}

// decodeChildRef extracts a child reference from an already-split RLP item:
// the empty string decodes to nil (no child); a 32-byte string is a hash
// reference; a sub-list (an inlined child node) is kept as its own raw RLP
// bytes (header included), since it is already a complete, valid encoding.
func decodeChildRef(item []byte) ([]byte, error) {
	if len(item) == 1 && item[0] == 0x80 {
		return nil, nil
	}
	content, isList, err := splitItem(item)
	if err != nil {
		return nil, &decodeError{err}
	}
	if isList {
		return append([]byte(nil), item...), nil
	}
	return append([]byte(nil), content...), nil
}

// splitItem classifies a single RLP item (header + payload) starting at
// data[0], returning its content (the string payload, or the list's raw
// inner payload) and whether it is a list.
func splitItem(data []byte) (content []byte, isList bool, err error) {
	if len(data) == 0 {
		return nil, false, errRLPTruncated
	}
	prefix := data[0]
	switch {
	case prefix <= 0x7f:
		return data[0:1], false, nil
	case prefix <= 0xb7:
		size := int(prefix - 0x80)
		if 1+size > len(data) {
			return nil, false, errRLPTruncated
		}
		return data[1 : 1+size], false, nil
	case prefix <= 0xbf:
		lenOfLen := int(prefix - 0xb7)
		size, rest, err := readRLPLength(data, lenOfLen)
		if err != nil {
			return nil, false, err
		}
		if len(rest) < size {
			return nil, false, errRLPTruncated
		}
		return rest[:size], false, nil
	case prefix <= 0xf7:
		size := int(prefix - 0xc0)
		if 1+size > len(data) {
			return nil, false, errRLPTruncated
		}
		return data[1 : 1+size], true, nil
	default:
		lenOfLen := int(prefix - 0xf7)
		size, rest, err := readRLPLength(data, lenOfLen)
		if err != nil {
			return nil, false, err
		}
		if len(rest) < size {
			return nil, false, errRLPTruncated
		}
		return rest[:size], true, nil
	}
}

var errRLPTruncated = errors.New("truncated RLP item")

func readRLPLength(data []byte, lenOfLen int) (size int, rest []byte, err error) {
	if 1+lenOfLen > len(data) {
		return 0, nil, errRLPTruncated
	}
	var u uint64
	for _, b := range data[1 : 1+lenOfLen] {
		u = u<<8 | uint64(b)
	}
	return int(u), data[1+lenOfLen:], nil
}

// splitRawList splits the payload of a top-level RLP list into the raw
// bytes (header + payload) of each of its items, in order.
func splitRawList(data []byte) ([][]byte, error) {
	content, isList, err := splitItem(data)
	if err != nil {
		return nil, err
	}
	if !isList {
		return nil, ErrDecodeNode
	}
	var items [][]byte
	for len(content) > 0 {
		item, err := splitOneRaw(content)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		content = content[len(item):]
	}
	return items, nil
}

// splitOneRaw returns the raw bytes (header + payload) of the single item
// at the start of data.
func splitOneRaw(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errRLPTruncated
	}
	prefix := data[0]
	switch {
	case prefix <= 0x7f:
		return data[0:1], nil
	case prefix <= 0xb7:
		size := int(prefix - 0x80)
		if 1+size > len(data) {
			return nil, errRLPTruncated
		}
		return data[:1+size], nil
	case prefix <= 0xbf:
		lenOfLen := int(prefix - 0xb7)
		size, _, err := readRLPLength(data, lenOfLen)
		if err != nil {
			return nil, err
		}
		total := 1 + lenOfLen + size
		if total > len(data) {
			return nil, errRLPTruncated
		}
		return data[:total], nil
	case prefix <= 0xf7:
		size := int(prefix - 0xc0)
		if 1+size > len(data) {
			return nil, errRLPTruncated
		}
		return data[:1+size], nil
	default:
		lenOfLen := int(prefix - 0xf7)
		size, _, err := readRLPLength(data, lenOfLen)
		if err != nil {
			return nil, err
		}
		total := 1 + lenOfLen + size
		if total > len(data) {
			return nil, errRLPTruncated
		}
		return data[:total], nil
	}
}
