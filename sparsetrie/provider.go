package sparsetrie

import "github.com/eth2030/sparsetrie/core/types"

// RevealedNode is what a NodeProvider returns for a blind path: the node's
// raw RLP plus the hash/tree mask hints a branch node at that path may
// carry (see node.go — HashMask/TreeMask are zero when the node isn't a
// branch, or when the provider has no hint to offer).
type RevealedNode struct {
	RLP      []byte
	HashMask uint16
	TreeMask uint16
}

// NodeProvider resolves a blind node by path, on demand. It is the sparse
// engine's only collaborator with whatever backs the full trie — an
// on-disk database, a remote peer, a cache — none of which this package
// implements; callers supply their own. TrieNode returns (nil, nil) if the
// path legitimately has no node (e.g. past the end of a short trie), and an
// error for anything else (I/O failure, corrupt store, ...), which
// RevealNode wraps in a ProviderError.
type NodeProvider interface {
	TrieNode(path Path) (*RevealedNode, error)
}

// AccountNodeProvider and StorageNodeProvider split NodeProvider by the two
// tries a SparseStateTrie manages (spec.md §3 two-level composition): one
// account-trie provider, and one storage-trie provider per account.
type AccountNodeProvider interface {
	NodeProvider
}

// StorageNodeProviderFactory yields the NodeProvider backing a single
// account's storage trie, keyed by the account's address hash (the account
// trie's key for that account).
type StorageNodeProviderFactory interface {
	StorageNodeProvider(accountHash types.Hash) NodeProvider
}

// noProvider is used internally when a SparseTrie is constructed without a
// NodeProvider. It reports every path as legitimately having no node (the
// (nil, nil) case in the NodeProvider contract above, not an error), so a
// lookup through it surfaces as a plain blind error at the call site
// (resolve, RootWithUpdates) rather than a wrapped ProviderError implying an
// I/O failure that never happened.
type noProvider struct{}

func (noProvider) TrieNode(Path) (*RevealedNode, error) { return nil, nil }
