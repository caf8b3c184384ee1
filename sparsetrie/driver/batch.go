// Package driver consumes a channel of sparse-trie update batches and
// drives a SparseStateTrie through reveal, per-account storage mutation,
// and account-leaf folding, as described in spec.md §4.6/§4.7.
package driver

import (
	"github.com/holiman/uint256"

	"github.com/eth2030/sparsetrie"
	"github.com/eth2030/sparsetrie/core/types"
)

// StorageMutation is the post-state storage change for one account within a
// batch: an optional wipe, plus per-slot value writes (a zero value removes
// the slot — see spec.md §9 open question on revealed-set bookkeeping for
// zero-value writes to non-existent slots).
type StorageMutation struct {
	Wiped   bool
	Storage map[types.Hash]*uint256.Int
}

// StateUpdate is the post-state half of a batch: per-address account info
// (nil entry means "remove this account") and per-address storage
// mutations.
type StateUpdate struct {
	Accounts map[types.Hash]*sparsetrie.TrieAccount
	Storages map[types.Hash]StorageMutation
}

// SparseTrieUpdate is one payload off the channel: a post-state mutation
// set plus the multiproof witnessing the accounts/slots it touches (spec.md
// §6 "Input channel payload").
type SparseTrieUpdate struct {
	State      StateUpdate
	MultiProof *sparsetrie.StateMultiProof
}

// newStateUpdate returns a StateUpdate with both maps initialized, so
// Extend never needs a nil check.
func newStateUpdate() StateUpdate {
	return StateUpdate{
		Accounts: make(map[types.Hash]*sparsetrie.TrieAccount),
		Storages: make(map[types.Hash]StorageMutation),
	}
}

// Extend merges src into dst in place: map-union with right-side (src)
// overwrite for accounts; for storages, `wiped |=` and slot-map right-side
// overwrite (spec.md §6 "extend is defined as..."). The multiproof
// subtrees are unioned with no overwrite — paths already present in dst
// are left as-is, since filterMapRevealedNodes will skip anything already
// revealed regardless, and re-copying would just waste allocation.
func (dst *SparseTrieUpdate) Extend(src *SparseTrieUpdate) {
	if dst.State.Accounts == nil {
		dst.State = newStateUpdate()
	}
	for addr, info := range src.State.Accounts {
		dst.State.Accounts[addr] = info
	}
	for addr, mutation := range src.State.Storages {
		existing, ok := dst.State.Storages[addr]
		if !ok {
			existing.Storage = make(map[types.Hash]*uint256.Int)
		}
		existing.Wiped = existing.Wiped || mutation.Wiped
		for slot, value := range mutation.Storage {
			existing.Storage[slot] = value
		}
		dst.State.Storages[addr] = existing
	}

	if dst.MultiProof == nil {
		dst.MultiProof = &sparsetrie.StateMultiProof{Storages: map[types.Hash]*sparsetrie.DecodedMultiProof{}}
	}
	if src.MultiProof == nil {
		return
	}
	dst.MultiProof.Account = unionDecodedMultiProof(dst.MultiProof.Account, src.MultiProof.Account)
	if dst.MultiProof.Storages == nil {
		dst.MultiProof.Storages = map[types.Hash]*sparsetrie.DecodedMultiProof{}
	}
	for account, proof := range src.MultiProof.Storages {
		dst.MultiProof.Storages[account] = unionDecodedMultiProof(dst.MultiProof.Storages[account], proof)
	}
}

// unionDecodedMultiProof merges src's entries into dst (creating dst if
// nil), without overwriting an entry dst already has at the same path.
func unionDecodedMultiProof(dst, src *sparsetrie.DecodedMultiProof) *sparsetrie.DecodedMultiProof {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = &sparsetrie.DecodedMultiProof{
			Nodes:     make(map[string]sparsetrie.ProofEntry, len(src.Nodes)),
			HashMasks: make(map[string]uint16, len(src.HashMasks)),
			TreeMasks: make(map[string]uint16, len(src.TreeMasks)),
		}
	}
	for k, v := range src.Nodes {
		if _, exists := dst.Nodes[k]; !exists {
			dst.Nodes[k] = v
		}
	}
	for k, v := range src.HashMasks {
		if _, exists := dst.HashMasks[k]; !exists {
			dst.HashMasks[k] = v
		}
	}
	for k, v := range src.TreeMasks {
		if _, exists := dst.TreeMasks[k]; !exists {
			dst.TreeMasks[k] = v
		}
	}
	return dst
}
