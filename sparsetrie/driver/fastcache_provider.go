package driver

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/eth2030/sparsetrie"
	"github.com/eth2030/sparsetrie/core/types"
)

// FastcacheNodeProvider is an in-memory clean-node cache in front of a
// backing NodeProvider (the "disk" layer, never implemented by this
// package — spec.md keeps node provisioning interface-only), the same
// clean-cache-in-front-of-disk arrangement diskLayer.node uses its
// *fastcache.Cache for. A miss falls through to disk and populates the
// cache; a hit never touches disk at all.
type FastcacheNodeProvider struct {
	owner []byte
	clean *fastcache.Cache
	disk  sparsetrie.NodeProvider
}

// NewFastcacheNodeProvider wraps disk with a cache holding up to maxBytes of
// clean node blobs, scoped to owner (empty for the account trie, an
// account's address hash for its storage trie): every cache key is the
// owner followed by the node path.
func NewFastcacheNodeProvider(maxBytes int, owner []byte, disk sparsetrie.NodeProvider) *FastcacheNodeProvider {
	return &FastcacheNodeProvider{owner: owner, clean: fastcache.New(maxBytes), disk: disk}
}

func (p *FastcacheNodeProvider) cacheKey(path sparsetrie.Path) []byte {
	key := make([]byte, 0, len(p.owner)+len(path))
	key = append(key, p.owner...)
	key = append(key, path...)
	return key
}

// TrieNode satisfies sparsetrie.NodeProvider: check the clean cache, and on
// a miss delegate to disk, caching whatever it returns (including a nil
// result being cached as "absent" is deliberately skipped — a later write
// to disk at that path must still be observable on next lookup).
func (p *FastcacheNodeProvider) TrieNode(path sparsetrie.Path) (*sparsetrie.RevealedNode, error) {
	key := p.cacheKey(path)
	if blob := p.clean.Get(nil, key); len(blob) > 0 {
		return decodeCachedNode(blob), nil
	}
	rev, err := p.disk.TrieNode(path)
	if err != nil || rev == nil {
		return rev, err
	}
	p.clean.Set(key, encodeCachedNode(rev))
	return rev, nil
}

// encodeCachedNode/decodeCachedNode pack a RevealedNode into the flat blob
// fastcache stores: a 2-byte hash_mask, a 2-byte tree_mask, then the raw RLP.
func encodeCachedNode(rev *sparsetrie.RevealedNode) []byte {
	blob := make([]byte, 4+len(rev.RLP))
	binary.BigEndian.PutUint16(blob[0:2], rev.HashMask)
	binary.BigEndian.PutUint16(blob[2:4], rev.TreeMask)
	copy(blob[4:], rev.RLP)
	return blob
}

func decodeCachedNode(blob []byte) *sparsetrie.RevealedNode {
	return &sparsetrie.RevealedNode{
		HashMask: binary.BigEndian.Uint16(blob[0:2]),
		TreeMask: binary.BigEndian.Uint16(blob[2:4]),
		RLP:      append([]byte(nil), blob[4:]...),
	}
}

// DiskProviderFactory is the caller-supplied source of per-account disk
// providers that FastcacheProviderFactory fronts with a cache each.
type DiskProviderFactory interface {
	StorageNodeProvider(accountHash types.Hash) sparsetrie.NodeProvider
}

// FastcacheProviderFactory implements sparsetrie.StorageNodeProviderFactory,
// handing out a new FastcacheNodeProvider on every StorageNodeProvider
// call, each with its own *fastcache.Cache of maxBytesPerAccount bytes; no
// cache is shared between accounts or between calls.
type FastcacheProviderFactory struct {
	maxBytesPerAccount int
	disk               DiskProviderFactory
}

// NewFastcacheProviderFactory returns a factory that wraps disk's
// per-account providers with a cache of maxBytesPerAccount bytes each.
func NewFastcacheProviderFactory(maxBytesPerAccount int, disk DiskProviderFactory) *FastcacheProviderFactory {
	return &FastcacheProviderFactory{maxBytesPerAccount: maxBytesPerAccount, disk: disk}
}

func (f *FastcacheProviderFactory) StorageNodeProvider(accountHash types.Hash) sparsetrie.NodeProvider {
	return NewFastcacheNodeProvider(f.maxBytesPerAccount, accountHash.Bytes(), f.disk.StorageNodeProvider(accountHash))
}
