package sparsetrie

import "github.com/eth2030/sparsetrie/core/types"

// Witness is a flat hash->RLP map, the alternative reveal input to a decoded
// multiproof: rather than a path-addressed proof subtree, the caller only
// knows the state root and a bag of node encodings keyed by their own hash
// (spec.md §4.4 "reveal_witness").
type Witness map[types.Hash][]byte

// witnessQueueItem is one pending node to resolve while walking a Witness:
// the path it belongs at (so it can be revealed in the right place) and the
// hash/inline-ref the parent node pointed to it with.
type witnessQueueItem struct {
	path Path
	ref  []byte
}

// RevealWitness traverses witness breadth-first starting from stateRoot,
// revealing each node it resolves into t. It uses an explicit queue rather
// than recursion so that a pathological witness depth cannot overflow the
// call stack. A leaf encountered at the account level whose decoded
// storage_root is not EMPTY_ROOT_HASH enqueues that storage sub-root into
// storage, under the corresponding account hash, for the caller to reveal
// into that account's storage trie the same way. Already-revealed paths are
// never re-revealed; an EmptyRoot node short-circuits the walk at that
// point (it has no children to enqueue).
func (t *SparseTrie) RevealWitness(stateRoot types.Hash, witness Witness, storageRoots map[types.Hash]types.Hash) error {
	queue := []witnessQueueItem{{path: emptyPath, ref: stateRoot.Bytes()}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if _, exists := t.nodes[item.path.key()]; exists {
			continue
		}

		rlpBytes, ok := resolveWitnessRef(witness, item.ref)
		if !ok {
			return newInvariantError("reveal_witness: no entry for ref at path %x", []byte(item.path))
		}
		n, err := decodeNode(rlpBytes)
		if err != nil {
			return err
		}

		if item.path.Len() == 0 {
			if err := t.RevealRoot(n, 0, 0, t.retainUpdates); err != nil {
				return err
			}
		} else if err := t.RevealNode(item.path, n, 0, 0); err != nil {
			return err
		}

		switch tn := n.(type) {
		case emptyNode:
			// No children to enqueue.
		case *leafNode:
			if storageRoots == nil {
				break
			}
			full := item.path.Extend(tn.Suffix)
			if full.Len() != 64 {
				break
			}
			acc, err := DecodeTrieAccount(tn.Value)
			if err != nil {
				break // not an account leaf (e.g. storage-level leaf); nothing to chase.
			}
			if acc.StorageRoot != EmptyRootHash {
				storageRoots[types.BytesToHash(full.packBytesForAccountKey())] = acc.StorageRoot
			}
		case *extensionNode:
			queue = append(queue, witnessQueueItem{path: item.path.Extend(tn.Suffix), ref: tn.Child})
		case *branchNode:
			for i := 0; i < 16; i++ {
				if tn.StateMask&(1<<uint(i)) == 0 {
					continue
				}
				queue = append(queue, witnessQueueItem{path: item.path.Append(byte(i)), ref: tn.Children[i]})
			}
		}
	}
	return nil
}

// resolveWitnessRef looks up ref in witness. A ref shorter than 32 bytes is
// an inline (embedded) node encoding rather than a hash, so it is returned
// directly; the witness map is only ever keyed by actual hashes.
func resolveWitnessRef(witness Witness, ref []byte) ([]byte, bool) {
	if len(ref) < 32 {
		return ref, true
	}
	rlpBytes, ok := witness[types.BytesToHash(ref)]
	return rlpBytes, ok
}

// packBytesForAccountKey packs a 64-nibble path back into its 32-byte key,
// used only to recover the account hash a leaf was found at while walking a
// Witness (the path itself is the nibble-expanded key).
func (p Path) packBytesForAccountKey() []byte {
	out := make([]byte, p.Len()/2)
	for i := range out {
		out[i] = p[i*2]<<4 | p[i*2+1]
	}
	return out
}
