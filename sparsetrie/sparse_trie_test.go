package sparsetrie

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/eth2030/sparsetrie/core/types"
)

func defaultAccountRLP(t *testing.T) []byte {
	t.Helper()
	enc, err := EncodeTrieAccount(TrieAccount{
		Balance:     big.NewInt(0),
		StorageRoot: EmptyRootHash,
		CodeHash:    types.EmptyCodeHash,
	}, nil)
	if err != nil {
		t.Fatalf("encode default account: %v", err)
	}
	return enc
}

// TestRevealTwice is the S1 scenario: a branch with two leaves at [0x0] and
// [0x1], both holding rlp(TrieAccount::default()). Revealing the same proof
// again after a remove must not resurrect the removed leaf.
func TestRevealTwice(t *testing.T) {
	val := defaultAccountRLP(t)

	branch := &branchNode{StateMask: (1 << 0) | (1 << 1)}
	trie := NewSparseTrie()
	if err := trie.RevealRoot(branch, 0, 0, false); err != nil {
		t.Fatalf("reveal_root: %v", err)
	}
	if err := trie.RevealNode(Path{0x0}, &leafNode{Suffix: Path{}, Value: val}, 0, 0); err != nil {
		t.Fatalf("reveal_node [0x0]: %v", err)
	}
	if err := trie.RevealNode(Path{0x1}, &leafNode{Suffix: Path{}, Value: val}, 0, 0); err != nil {
		t.Fatalf("reveal_node [0x1]: %v", err)
	}

	got, found := trie.GetLeafValue(Path{0x0})
	if !found || !bytes.Equal(got, val) {
		t.Fatalf("leaf at [0x0] = (%x, %v), want (%x, true)", got, found, val)
	}

	if err := trie.RemoveLeaf(Path{0x0}); err != nil {
		t.Fatalf("remove_leaf: %v", err)
	}
	if _, found := trie.GetLeafValue(Path{0x0}); found {
		t.Fatalf("leaf at [0x0] present after remove")
	}

	// Reveal the same proof again.
	if err := trie.RevealRoot(branch, 0, 0, false); err != nil {
		t.Fatalf("reveal_root (again): %v", err)
	}
	if err := trie.RevealNode(Path{0x0}, &leafNode{Suffix: Path{}, Value: val}, 0, 0); err != nil {
		t.Fatalf("reveal_node [0x0] (again): %v", err)
	}
	if err := trie.RevealNode(Path{0x1}, &leafNode{Suffix: Path{}, Value: val}, 0, 0); err != nil {
		t.Fatalf("reveal_node [0x1] (again): %v", err)
	}

	if _, found := trie.GetLeafValue(Path{0x0}); found {
		t.Fatalf("leaf at [0x0] resurrected by a second reveal")
	}
	got, found = trie.GetLeafValue(Path{0x1})
	if !found || !bytes.Equal(got, val) {
		t.Fatalf("leaf at [0x1] = (%x, %v), want (%x, true)", got, found, val)
	}
}

func TestRevealRootConflict(t *testing.T) {
	trie := NewSparseTrie()
	branch := &branchNode{StateMask: (1 << 0) | (1 << 1)}
	if err := trie.RevealRoot(branch, 0, 0, false); err != nil {
		t.Fatalf("reveal_root: %v", err)
	}
	other := &branchNode{StateMask: (1 << 0) | (1 << 2)}
	if err := trie.RevealRoot(other, 0, 0, false); err == nil {
		t.Fatalf("expected error revealing a different root")
	}
}

func TestUpdateLeafThenRoot(t *testing.T) {
	trie := NewSparseTrie()
	if err := trie.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
		t.Fatalf("reveal_root: %v", err)
	}
	root, err := trie.Root()
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if !bytes.Equal(root, EmptyRootHash[:]) {
		t.Fatalf("empty trie root = %x, want %x", root, EmptyRootHash)
	}

	key := NewPathFromKey(bytes.Repeat([]byte{0x11}, 32))
	if err := trie.UpdateLeaf(key, []byte("value-1")); err != nil {
		t.Fatalf("update_leaf: %v", err)
	}
	root, err = trie.Root()
	if err != nil {
		t.Fatalf("root after update: %v", err)
	}
	if bytes.Equal(root, EmptyRootHash[:]) {
		t.Fatalf("root unchanged after inserting a leaf")
	}

	got, found := trie.GetLeafValue(key)
	if !found || !bytes.Equal(got, []byte("value-1")) {
		t.Fatalf("leaf lookup = (%x, %v), want (value-1, true)", got, found)
	}
}

func TestRootIndependentOfInsertOrder(t *testing.T) {
	keyA := NewPathFromKey(bytes.Repeat([]byte{0xaa}, 32))
	keyB := NewPathFromKey(bytes.Repeat([]byte{0xbb}, 32))
	keyC := NewPathFromKey(bytes.Repeat([]byte{0xcc}, 32))

	// Same final key->value mapping requires matching values per key, so
	// build with identical per-key values regardless of insertion order.
	values := map[string][]byte{
		keyA.Key(): []byte("A"),
		keyB.Key(): []byte("B"),
		keyC.Key(): []byte("C"),
	}
	buildWith := func(order []Path) []byte {
		trie := NewSparseTrie()
		if err := trie.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
			t.Fatalf("reveal_root: %v", err)
		}
		for _, k := range order {
			if err := trie.UpdateLeaf(k, values[k.Key()]); err != nil {
				t.Fatalf("update_leaf: %v", err)
			}
		}
		root, err := trie.Root()
		if err != nil {
			t.Fatalf("root: %v", err)
		}
		return root
	}
	r1 := buildWith([]Path{keyA, keyB, keyC})
	r2 := buildWith([]Path{keyC, keyB, keyA})
	r3 := buildWith([]Path{keyB, keyC, keyA})
	if !bytes.Equal(r1, r2) || !bytes.Equal(r1, r3) {
		t.Fatalf("root depends on insertion order: %x, %x, %x", r1, r2, r3)
	}
}

func TestRemoveLeafCollapsesBranch(t *testing.T) {
	trie := NewSparseTrie()
	if err := trie.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
		t.Fatalf("reveal_root: %v", err)
	}
	keyA := Path{0x1, 0x2, 0x3, 0x4}
	keyB := Path{0x1, 0x2, 0x5, 0x6}
	if err := trie.UpdateLeaf(keyA, []byte("A")); err != nil {
		t.Fatalf("update A: %v", err)
	}
	if err := trie.UpdateLeaf(keyB, []byte("B")); err != nil {
		t.Fatalf("update B: %v", err)
	}

	rootWithBoth, err := trie.Root()
	if err != nil {
		t.Fatalf("root: %v", err)
	}

	if err := trie.RemoveLeaf(keyA); err != nil {
		t.Fatalf("remove A: %v", err)
	}
	if _, found := trie.GetLeafValue(keyA); found {
		t.Fatalf("A still present after removal")
	}
	got, found := trie.GetLeafValue(keyB)
	if !found || !bytes.Equal(got, []byte("B")) {
		t.Fatalf("B lookup after collapse = (%x, %v), want (B, true)", got, found)
	}

	// Root after removing A must differ from the two-leaf root, and must
	// equal a trie built directly with only B.
	rootAfterRemove, err := trie.Root()
	if err != nil {
		t.Fatalf("root after remove: %v", err)
	}
	if bytes.Equal(rootAfterRemove, rootWithBoth) {
		t.Fatalf("root unchanged after removing a leaf")
	}

	onlyB := NewSparseTrie()
	if err := onlyB.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
		t.Fatalf("reveal_root: %v", err)
	}
	if err := onlyB.UpdateLeaf(keyB, []byte("B")); err != nil {
		t.Fatalf("update B only: %v", err)
	}
	wantRoot, err := onlyB.Root()
	if err != nil {
		t.Fatalf("root only-B: %v", err)
	}
	if !bytes.Equal(rootAfterRemove, wantRoot) {
		t.Fatalf("post-collapse root = %x, want %x (matches a trie built with only B)", rootAfterRemove, wantRoot)
	}
}

func TestRemoveThenReinsertSamePathIsNotATombstone(t *testing.T) {
	trie := NewSparseTrie()
	if err := trie.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
		t.Fatalf("reveal_root: %v", err)
	}
	key := Path{0x7, 0x7, 0x7, 0x7}
	if err := trie.UpdateLeaf(key, []byte("first")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := trie.RemoveLeaf(key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := trie.UpdateLeaf(key, []byte("second")); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	got, found := trie.GetLeafValue(key)
	if !found || !bytes.Equal(got, []byte("second")) {
		t.Fatalf("leaf after reinsert = (%x, %v), want (second, true)", got, found)
	}
}

func TestRemoveMissingKeyIsNoOp(t *testing.T) {
	trie := NewSparseTrie()
	if err := trie.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
		t.Fatalf("reveal_root: %v", err)
	}
	key := Path{0x1, 0x2, 0x3, 0x4}
	if err := trie.UpdateLeaf(key, []byte("A")); err != nil {
		t.Fatalf("update: %v", err)
	}
	rootBefore, err := trie.Root()
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	missing := Path{0xf, 0xf, 0xf, 0xf}
	if err := trie.RemoveLeaf(missing); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	rootAfter, err := trie.Root()
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if !bytes.Equal(rootBefore, rootAfter) {
		t.Fatalf("removing an absent key changed the root: %x -> %x", rootBefore, rootAfter)
	}
}

func TestRootWithUpdatesDrainsDelta(t *testing.T) {
	trie := NewSparseTrie()
	if err := trie.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
		t.Fatalf("reveal_root: %v", err)
	}
	key := Path{0x1, 0x2, 0x3, 0x4}
	if err := trie.UpdateLeaf(key, []byte("A")); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, upd, err := trie.RootWithUpdates()
	if err != nil {
		t.Fatalf("root_with_updates: %v", err)
	}
	if len(upd.Nodes) == 0 {
		t.Fatalf("expected at least one updated node")
	}
	// A second drain with no intervening mutation must be empty.
	_, upd2, err := trie.RootWithUpdates()
	if err != nil {
		t.Fatalf("root_with_updates (second): %v", err)
	}
	if len(upd2.Nodes) != 0 || upd2.Removed.Cardinality() != 0 || upd2.Wiped {
		t.Fatalf("second drain not empty: %+v", upd2)
	}
}

// TestWipeLeavesAnImmediatelyUsableEmptyTrie checks spec.md §4.7 step 2: a
// wipe coalesced into the same batch as subsequent writes must not require
// an intervening reveal_root, so the trie stays Revealed at the canonical
// empty root rather than reverting to Blind.
func TestWipeLeavesAnImmediatelyUsableEmptyTrie(t *testing.T) {
	trie := NewSparseTrie()
	if err := trie.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
		t.Fatalf("reveal_root: %v", err)
	}
	key := Path{0x1}
	if err := trie.UpdateLeaf(key, []byte("A")); err != nil {
		t.Fatalf("update: %v", err)
	}
	trie.Wipe()
	if !trie.IsRevealed() {
		t.Fatalf("trie not revealed immediately after wipe")
	}
	root, err := trie.Root()
	if err != nil {
		t.Fatalf("root after wipe: %v", err)
	}
	if !bytes.Equal(root, EmptyRootHash[:]) {
		t.Fatalf("root after wipe = %x, want %x", root, EmptyRootHash)
	}
	if _, found := trie.GetLeafValue(key); found {
		t.Fatalf("leaf survived a wipe")
	}

	// A write coalesced right after the wipe needs no separate reveal.
	if err := trie.UpdateLeaf(Path{0x2}, []byte("B")); err != nil {
		t.Fatalf("update after wipe: %v", err)
	}
	got, found := trie.GetLeafValue(Path{0x2})
	if !found || !bytes.Equal(got, []byte("B")) {
		t.Fatalf("leaf after post-wipe write = (%x, %v), want (B, true)", got, found)
	}
}
