package sparsetrie

import (
	"math/big"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/eth2030/sparsetrie/core/types"
	"github.com/eth2030/sparsetrie/crypto"
)

// TestDeltaAppliesToPebble is testable property 7 (spec.md §8 "delta
// completeness"): applying trie_updates to a real external store and
// recomputing the root from what was stored there reproduces state_root.
// A child's reference is embedded as a hash (or short inline RLP) in its
// parent's own encoding, so a store round trip of just the root entry is
// enough to recompute the canonical root hash — no recursive subtree walk
// is needed, mirroring how the teacher's own trie.Hash() trusts a node's
// cached child references instead of re-deriving them.
func TestDeltaAppliesToPebble(t *testing.T) {
	state := NewSparseStateTrie()
	if err := state.accounts.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
		t.Fatalf("reveal account root: %v", err)
	}

	accounts := []types.Hash{
		types.HexToHash("0x01"),
		types.HexToHash("0x02"),
		types.HexToHash("0x03"),
	}
	for i, addr := range accounts {
		info := &TrieAccount{Nonce: uint64(i + 1), Balance: big.NewInt(int64(i + 1))}
		if err := state.UpdateAccount(addr, info, nil); err != nil {
			t.Fatalf("update_account %s: %v", addr.Hex(), err)
		}
	}

	updates, err := state.RootWithUpdates()
	if err != nil {
		t.Fatalf("root_with_updates: %v", err)
	}
	if len(updates.AccountNodes) == 0 {
		t.Fatalf("no account nodes to persist")
	}

	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("open in-memory pebble: %v", err)
	}
	defer db.Close()

	batch := db.NewBatch()
	for path, n := range updates.AccountNodes {
		enc, err := encodeNode(n)
		if err != nil {
			t.Fatalf("encode node at %x: %v", []byte(path), err)
		}
		if err := batch.Set([]byte(path), enc, nil); err != nil {
			t.Fatalf("batch set %x: %v", []byte(path), err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		t.Fatalf("commit batch: %v", err)
	}

	rootBlob, closer, err := db.Get([]byte(emptyPath.Key()))
	if err != nil {
		t.Fatalf("get persisted root: %v", err)
	}
	rootCopy := append([]byte(nil), rootBlob...)
	if err := closer.Close(); err != nil {
		t.Fatalf("close root value: %v", err)
	}

	decoded, err := decodeNode(rootCopy)
	if err != nil {
		t.Fatalf("decode persisted root: %v", err)
	}
	reEncoded, err := encodeNode(decoded)
	if err != nil {
		t.Fatalf("re-encode persisted root: %v", err)
	}
	gotRoot := crypto.Keccak256(reEncoded)

	if !bytesEqual(gotRoot, updates.StateRoot.Bytes()) {
		t.Fatalf("root recomputed from pebble = %x, want %x", gotRoot, updates.StateRoot)
	}
}
