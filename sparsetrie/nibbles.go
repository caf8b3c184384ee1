// Package sparsetrie implements a sparse Merkle-Patricia state trie: an
// incrementally-revealed, hex-nibble-keyed radix trie that computes
// Ethereum-style state roots from streaming multiproof evidence and pending
// account/storage mutations.
package sparsetrie

// Path is an ordered sequence of hex nibbles (values 0-15), one nibble per
// byte. It is the key type for every trie operation in this package: the
// key for an account is the 64-nibble expansion of its 256-bit hash, and
// the key for a storage slot is the 64-nibble expansion of the slot's
// 256-bit hash. Unlike the dense trie in package trie, Path carries no
// terminator nibble — callers always know from context whether a path is a
// full key or a node suffix, so the Yellow-Paper terminator convention
// would be redundant here.
//
// Every method below returns a new Path rather than mutating the receiver;
// paths are short (at most 64 nibbles) and always copied on write so that
// sharing a Path between a trie node and a caller is always safe.
type Path []byte

// emptyPath is the root path (prefix of every key).
var emptyPath = Path{}

// NewPathFromKey expands a raw key (typically a 32-byte hash) into its
// nibble sequence, high nibble first.
func NewPathFromKey(key []byte) Path {
	p := make(Path, len(key)*2)
	for i, b := range key {
		p[i*2] = b >> 4
		p[i*2+1] = b & 0x0f
	}
	return p
}

// Len returns the number of nibbles in the path.
func (p Path) Len() int { return len(p) }

// At returns the nibble at index i.
func (p Path) At(i int) byte { return p[i] }

// Append returns a new Path with nibble n appended.
func (p Path) Append(n byte) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = n
	return out
}

// Extend returns a new Path consisting of p followed by suffix.
func (p Path) Extend(suffix Path) Path {
	out := make(Path, len(p)+len(suffix))
	copy(out, p)
	copy(out[len(p):], suffix)
	return out
}

// Slice returns a copy of the nibbles in [from:to).
func (p Path) Slice(from, to int) Path {
	out := make(Path, to-from)
	copy(out, p[from:to])
	return out
}

// HasPrefix reports whether prefix is a prefix of p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// CommonPrefixLen returns the length of the longest common prefix of p and
// other.
func (p Path) CommonPrefixLen(other Path) int {
	n := len(p)
	if len(other) < n {
		n = len(other)
	}
	i := 0
	for i < n && p[i] == other[i] {
		i++
	}
	return i
}

// Equal reports whether p and other contain the same nibbles.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Copy returns an independent copy of p.
func (p Path) Copy() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// key returns p packed as a string suitable for use as a map key. Each
// nibble occupies one byte, so this is not a compact hex-prefix packing
// (see PackCompact for that); it only needs to be collision-free and cheap,
// since it is purely an in-memory lookup key and is never serialized.
func (p Path) key() string { return string(p) }

// Key exposes the same map-key packing to callers outside the package that
// need to index auxiliary data (e.g. per-path mask hints) by Path.
func (p Path) Key() string { return p.key() }

// PackCompact renders p in the Yellow Paper's hex-prefix (HP) compact form
// used inside leaf/extension node RLP: two nibbles per byte, with a header
// nibble that encodes both the parity of len(p) and whether p terminates a
// leaf. This is the inverse of UnpackCompact.
func PackCompact(p Path, isLeaf bool) []byte {
	flags := byte(0)
	if isLeaf {
		flags |= 2
	}
	odd := len(p)%2 == 1
	buf := make([]byte, len(p)/2+1)
	if odd {
		flags |= 1
		buf[0] = flags<<4 | p[0]
		packPairs(p[1:], buf[1:])
	} else {
		buf[0] = flags << 4
		packPairs(p, buf[1:])
	}
	return buf
}

// UnpackCompact parses the Yellow Paper hex-prefix encoding produced by
// PackCompact, returning the nibble path and whether it denotes a leaf.
func UnpackCompact(b []byte) (Path, bool) {
	if len(b) == 0 {
		return emptyPath, false
	}
	flags := b[0] >> 4
	isLeaf := flags&2 != 0
	odd := flags&1 != 0

	var nibbles []byte
	if odd {
		nibbles = append(nibbles, b[0]&0x0f)
	}
	for _, byt := range b[1:] {
		nibbles = append(nibbles, byt>>4, byt&0x0f)
	}
	return Path(nibbles), isLeaf
}

// packPairs packs consecutive nibble pairs from src into dst bytes.
func packPairs(src Path, dst []byte) {
	for i := 0; i+1 < len(src); i += 2 {
		dst[i/2] = src[i]<<4 | src[i+1]
	}
}
