package sparsetrie

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/eth2030/sparsetrie/crypto"
)

// delta accumulates the pending changes a SparseTrie has made since the last
// drain: nodes added or changed (updated_nodes), nodes removed
// (removed_nodes), and whether the whole trie was wiped. Reveal does not
// touch this — it only reflects mutations (update_leaf/remove_leaf/wipe),
// since revealed-but-unmodified nodes already exist in whatever persistent
// store the multiproof was generated from.
type delta struct {
	updated map[string]node
	removed mapset.Set[string]
	wiped   bool
}

func newDelta() *delta {
	return &delta{
		updated: make(map[string]node),
		removed: mapset.NewThreadUnsafeSet[string](),
	}
}

func (d *delta) reset() {
	clear(d.updated)
	d.removed.Clear()
	d.wiped = false
}

func (d *delta) markUpdated(path Path, n node) {
	d.removed.Remove(path.key())
	d.updated[path.key()] = n
}

func (d *delta) markRemoved(path Path) {
	delete(d.updated, path.key())
	d.removed.Add(path.key())
}

// SparseTrie is a single hex-keyed radix trie holding only the subset of
// nodes it has been told about (via reveal) or computed itself (via
// update/remove), as described in spec.md §3/§4.2. It starts Blind; reveal
// transitions it to Revealed.
type SparseTrie struct {
	revealed      bool
	nodes         map[string]node
	pending       *delta
	retainUpdates bool
	provider      NodeProvider

	// revealedRootRef is the ref (hash, or raw RLP if <32 bytes) of the root
	// node as it stood at reveal time. reveal_root compares against this
	// fixed commitment, not the live (possibly since-mutated) root, so that
	// re-revealing the same witnessed root after local edits is a no-op
	// rather than a conflict or a resurrection of removed state.
	revealedRootRef []byte
}

// NewSparseTrie returns a Blind SparseTrie with no provider. Use
// SetProvider before any operation that may need to fetch a blind node.
func NewSparseTrie() *SparseTrie {
	return &SparseTrie{
		nodes:    make(map[string]node),
		pending:  newDelta(),
		provider: noProvider{},
	}
}

// SetProvider installs the NodeProvider consulted to resolve blind nodes.
func (t *SparseTrie) SetProvider(p NodeProvider) {
	if p == nil {
		p = noProvider{}
	}
	t.provider = p
}

// IsRevealed reports whether the trie has a known root (is in Revealed
// mode).
func (t *SparseTrie) IsRevealed() bool { return t.revealed }

// RevealRoot transitions Blind -> Revealed with the given root node. It is
// idempotent if the trie is already revealed at the same root (compared by
// hash); it fails if a structurally different root is already set.
func (t *SparseTrie) RevealRoot(n node, hashMask, treeMask uint16, retainUpdates bool) error {
	applyMasks(n, hashMask, treeMask)
	newEnc, err := encodeNode(n)
	if err != nil {
		return err
	}
	newRef := refBytes(newEnc)

	if !t.revealed || t.revealedRootRef == nil {
		t.nodes[emptyPath.key()] = n
		t.revealed = true
		t.retainUpdates = retainUpdates
		t.revealedRootRef = newRef
		return nil
	}
	if !bytesEqual(t.revealedRootRef, newRef) {
		return fmt.Errorf("%w: reveal_root: different root already set (have %x, got %x)",
			ErrInvariantViolated, t.revealedRootRef, newRef)
	}
	return nil
}

// RevealNode records n at path. Precondition (caller's responsibility,
// checked best-effort here): path must be reachable from already-revealed
// structure. Duplicate reveals at the same path are no-ops.
func (t *SparseTrie) RevealNode(path Path, n node, hashMask, treeMask uint16) error {
	if !t.revealed {
		return newBlindError(path)
	}
	if path.Len() == 0 {
		return t.RevealRoot(n, hashMask, treeMask, t.retainUpdates)
	}
	if _, exists := t.nodes[path.key()]; exists {
		return nil // duplicate reveal: no-op
	}
	if !t.hasRevealedAncestor(path) {
		return newInvariantError("reveal_node: path %x has no revealed ancestor", []byte(path))
	}
	applyMasks(n, hashMask, treeMask)
	t.nodes[path.key()] = n
	return nil
}

// hasRevealedAncestor reports whether some strict prefix of path (including
// the empty path) already has a materialized node, which is this package's
// reachability approximation for "path is reachable from revealed
// structure" (spec.md §4.2).
func (t *SparseTrie) hasRevealedAncestor(path Path) bool {
	for i := path.Len() - 1; i >= 0; i-- {
		if _, ok := t.nodes[path.Slice(0, i).key()]; ok {
			return true
		}
	}
	_, ok := t.nodes[emptyPath.key()]
	return ok
}

// revealEntry pairs a path with the node and mask hints to reveal there.
type revealEntry struct {
	Path     Path
	Node     node
	HashMask uint16
	TreeMask uint16
}

// RevealNodes batch-reveals entries. It is order-independent provided the
// set, taken together with already-revealed nodes, forms a valid partial
// trie rooted at the known root — in practice this means a node must be
// revealed only after one of its ancestors has been revealed, which
// filterMapRevealedNodes's BFS/queue callers already guarantee; this method
// itself retries until a pass makes no progress, so actual caller order
// does not matter.
func (t *SparseTrie) RevealNodes(entries []revealEntry) error {
	remaining := entries
	for len(remaining) > 0 {
		var next []revealEntry
		progressed := false
		for _, e := range remaining {
			if _, exists := t.nodes[e.Path.key()]; exists {
				progressed = true
				continue
			}
			if !t.hasRevealedAncestor(e.Path) {
				next = append(next, e)
				continue
			}
			if err := t.RevealNode(e.Path, e.Node, e.HashMask, e.TreeMask); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return newInvariantError("reveal_nodes: %d entries unreachable from revealed structure", len(next))
		}
		remaining = next
	}
	return nil
}

// ReserveNodes is a capacity hint only.
func (t *SparseTrie) ReserveNodes(n int) {
	if n <= 0 {
		return
	}
	grown := make(map[string]node, len(t.nodes)+n)
	for k, v := range t.nodes {
		grown[k] = v
	}
	t.nodes = grown
}

// Wipe discards all content and records wiped=true in the pending delta.
// The trie remains (or becomes) Revealed at the canonical empty root, so
// that writes coalesced into the same batch after a wipe (spec.md §4.7 step
// 2: "wipe first, then apply writes") need no intervening reveal_root.
func (t *SparseTrie) Wipe() {
	clear(t.nodes)
	t.nodes[emptyPath.key()] = emptyNode{}
	t.revealed = true
	t.revealedRootRef = nil
	t.pending.reset()
	t.pending.wiped = true
}

// Root computes the node hash of the root. Pure read; fails Blind if the
// trie has no revealed root.
func (t *SparseTrie) Root() ([]byte, error) {
	if !t.revealed {
		return nil, newBlindError(emptyPath)
	}
	return t.rootHash()
}

// TrieUpdates is the drained delta of a single SparseTrie: nodes changed or
// added, nodes removed, and whether the whole trie was wiped.
type TrieUpdates struct {
	Nodes   map[string]node
	Removed mapset.Set[string]
	Wiped   bool
}

// RootWithUpdates computes the root and drains the accumulated delta,
// resetting it.
func (t *SparseTrie) RootWithUpdates() ([]byte, TrieUpdates, error) {
	root, err := t.Root()
	if err != nil {
		return nil, TrieUpdates{}, err
	}
	out := TrieUpdates{
		Nodes:   t.pending.updated,
		Removed: t.pending.removed,
		Wiped:   t.pending.wiped,
	}
	t.pending = newDelta()
	return root, out, nil
}

// GetLeafValue returns the value of the leaf whose full key is path, if that
// leaf and every node above it are materialized in memory.
func (t *SparseTrie) GetLeafValue(path Path) ([]byte, bool) {
	cur := emptyPath
	for {
		switch n := t.nodes[cur.key()].(type) {
		case *leafNode:
			if !cur.Extend(n.Suffix).Equal(path) {
				return nil, false
			}
			return n.Value, true
		case *extensionNode:
			cur = cur.Extend(n.Suffix)
			if !path.HasPrefix(cur) {
				return nil, false
			}
		case *branchNode:
			if cur.Len() >= path.Len() || n.StateMask&(1<<uint(path.At(cur.Len()))) == 0 {
				return nil, false
			}
			cur = cur.Append(path.At(cur.Len()))
		default:
			return nil, false
		}
	}
}

// FindLeaf reports whether a leaf exists at path with exactly expectedValue.
// If expectedValue is nil, it only checks presence/absence.
func (t *SparseTrie) FindLeaf(path Path, expectedValue []byte) (found bool, matches bool) {
	v, ok := t.GetLeafValue(path)
	if !ok {
		return false, expectedValue == nil
	}
	if expectedValue == nil {
		return true, true
	}
	return true, bytesEqual(v, expectedValue)
}

// NodesRef exposes the internal path->node map for tests.
func (t *SparseTrie) NodesRef() map[string]node { return t.nodes }

// Clear drains all content, preserving map capacity for reuse, and resets
// the trie to Blind.
func (t *SparseTrie) Clear() *SparseTrie {
	clear(t.nodes)
	t.revealed = false
	t.revealedRootRef = nil
	t.pending.reset()
	t.retainUpdates = false
	return t
}

// --- hashing ------------------------------------------------------------

func applyMasks(n node, hashMask, treeMask uint16) {
	if b, ok := n.(*branchNode); ok {
		b.HashMask = hashMask
		b.TreeMask = treeMask
	}
}

// refOf computes the canonical child-reference bytes for the node at path:
// its Keccak256 hash, or (if the node's RLP encoding is under 32 bytes) the
// raw encoding itself, per the Yellow Paper's embedding rule. Results are
// cached on the node until the node is replaced or marked dirty.
func (t *SparseTrie) refOf(path Path) ([]byte, error) {
	n, ok := t.nodes[path.key()]
	if !ok {
		return nil, newBlindError(path)
	}
	if hash, dirty := n.cache(); !dirty && hash != nil {
		return hash, nil
	}
	enc, err := t.encodeAt(path, n)
	if err != nil {
		return nil, err
	}
	ref := refBytes(enc)
	setCache(n, ref)
	return ref, nil
}

// rootHash always hashes the root node's encoding, regardless of its
// length (the <32-byte inline rule only applies to child references).
func (t *SparseTrie) rootHash() ([]byte, error) {
	n, ok := t.nodes[emptyPath.key()]
	if !ok {
		return EmptyRootHash.Bytes(), nil
	}
	enc, err := t.encodeAt(emptyPath, n)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(enc), nil
}

// encodeAt produces the canonical RLP encoding of the node at path,
// resolving child slots either by recursing into a materialized child
// (when one exists in t.nodes, which happens once a subtree has been
// revealed or rebuilt by a mutation) or by trusting the node's own cached
// child reference (the blind case: we know the child's hash from the proof
// but have not materialized its structure). Each resolved reference is
// stored back into the node's Child/Children slot, so a node handed out in
// a drained delta encodes on its own to the same bytes.
func (t *SparseTrie) encodeAt(path Path, n node) ([]byte, error) {
	switch tn := n.(type) {
	case emptyNode:
		return []byte{0x80}, nil
	case *leafNode:
		return encodeNode(tn)
	case *extensionNode:
		childPath := path.Extend(tn.Suffix)
		ref, err := t.resolveChildRef(childPath, tn.Child)
		if err != nil {
			return nil, err
		}
		tn.Child = ref
		return encodeNode(tn)
	case *branchNode:
		for i := 0; i < 16; i++ {
			if tn.StateMask&(1<<uint(i)) == 0 {
				continue
			}
			childPath := path.Append(byte(i))
			ref, err := t.resolveChildRef(childPath, tn.Children[i])
			if err != nil {
				return nil, err
			}
			tn.Children[i] = ref
		}
		return encodeNode(tn)
	default:
		return nil, ErrDecodeNode
	}
}

func (t *SparseTrie) resolveChildRef(childPath Path, cached []byte) ([]byte, error) {
	if _, ok := t.nodes[childPath.key()]; ok {
		return t.refOf(childPath)
	}
	if len(cached) == 0 {
		return nil, newBlindError(childPath)
	}
	return cached, nil
}

func setCache(n node, ref []byte) {
	switch tn := n.(type) {
	case *leafNode:
		tn.flags.hash, tn.flags.dirty = ref, false
	case *extensionNode:
		tn.flags.hash, tn.flags.dirty = ref, false
	case *branchNode:
		tn.flags.hash, tn.flags.dirty = ref, false
	}
}

func markDirty(n node) {
	switch tn := n.(type) {
	case *leafNode:
		tn.flags.dirty = true
	case *extensionNode:
		tn.flags.dirty = true
	case *branchNode:
		tn.flags.dirty = true
	}
}

// invalidate marks the node at every prefix of path (including path
// itself) dirty, so the next refOf/Root recomputes their hashes. Called
// after any structural change along a root-to-leaf walk.
func (t *SparseTrie) invalidate(path Path) {
	for i := 0; i <= path.Len(); i++ {
		if n, ok := t.nodes[path.Slice(0, i).key()]; ok {
			markDirty(n)
		}
	}
}

func refBytes(encoding []byte) []byte {
	if len(encoding) < 32 {
		return encoding
	}
	return crypto.Keccak256(encoding)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
