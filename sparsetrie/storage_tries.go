package sparsetrie

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/eth2030/sparsetrie/core/types"
)

// StorageTries maps an account hash to its sparse storage trie and the set
// of storage paths already revealed for that account (spec.md §4.3). It
// keeps two recycle pools — drained tries and drained path-sets — so that
// repeated payload processing does not reallocate a fresh hash map per
// account every time.
type StorageTries struct {
	tries  map[types.Hash]*SparseTrie
	paths  map[types.Hash]mapset.Set[string]
	trieio []*SparseTrie
	pathio []mapset.Set[string]
}

// NewStorageTries returns an empty StorageTries with empty recycle pools.
func NewStorageTries() *StorageTries {
	return &StorageTries{
		tries: make(map[types.Hash]*SparseTrie),
		paths: make(map[types.Hash]mapset.Set[string]),
	}
}

func (s *StorageTries) takeTrieFromPool() *SparseTrie {
	if n := len(s.trieio); n > 0 {
		t := s.trieio[n-1]
		s.trieio = s.trieio[:n-1]
		return t
	}
	return NewSparseTrie()
}

func (s *StorageTries) takePathsFromPool() mapset.Set[string] {
	if n := len(s.pathio); n > 0 {
		p := s.pathio[n-1]
		s.pathio = s.pathio[:n-1]
		return p
	}
	return mapset.NewThreadUnsafeSet[string]()
}

// GetTrieAndRevealedPathsMut returns the trie and revealed-path set for
// account, creating both (from the recycle pools, if available) if absent.
// This is the only accessor that hands out both at once, which is the
// package's way of guaranteeing callers never need to borrow the same
// account's sub-maps twice (spec.md §4.3 invariant).
func (s *StorageTries) GetTrieAndRevealedPathsMut(account types.Hash) (*SparseTrie, mapset.Set[string]) {
	t, ok := s.tries[account]
	if !ok {
		t = s.takeTrieFromPool()
		s.tries[account] = t
	}
	p, ok := s.paths[account]
	if !ok {
		p = s.takePathsFromPool()
		s.paths[account] = p
	}
	return t, p
}

// TakeOrCreateTrie removes and returns account's trie (creating one if
// absent), so it can be handed to a parallel worker with exclusive
// ownership. Call InsertTrie to put it back.
func (s *StorageTries) TakeOrCreateTrie(account types.Hash) *SparseTrie {
	if t, ok := s.tries[account]; ok {
		delete(s.tries, account)
		return t
	}
	return s.takeTrieFromPool()
}

// InsertTrie puts a trie back into the container under account, after a
// parallel worker has finished with it.
func (s *StorageTries) InsertTrie(account types.Hash, t *SparseTrie) {
	s.tries[account] = t
}

// TakeOrCreateRevealedPaths removes and returns account's revealed-path
// set (creating one if absent). Call InsertRevealedPaths to put it back.
func (s *StorageTries) TakeOrCreateRevealedPaths(account types.Hash) mapset.Set[string] {
	if p, ok := s.paths[account]; ok {
		delete(s.paths, account)
		return p
	}
	return s.takePathsFromPool()
}

// InsertRevealedPaths puts a revealed-path set back into the container
// under account.
func (s *StorageTries) InsertRevealedPaths(account types.Hash, p mapset.Set[string]) {
	s.paths[account] = p
}

// Accounts returns the account hashes that currently have a trie in the
// container; an account with only a path-set entry is not included.
func (s *StorageTries) Accounts() []types.Hash {
	seen := make(map[types.Hash]struct{}, len(s.tries))
	out := make([]types.Hash, 0, len(s.tries))
	for a := range s.tries {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// Clear drains every account's trie and path-set into the recycle pools
// (each cleared of content but retaining capacity) and empties the
// account-keyed maps.
func (s *StorageTries) Clear() {
	for a, t := range s.tries {
		t.Clear()
		s.trieio = append(s.trieio, t)
		delete(s.tries, a)
	}
	for a, p := range s.paths {
		p.Clear()
		s.pathio = append(s.pathio, p)
		delete(s.paths, a)
	}
}
