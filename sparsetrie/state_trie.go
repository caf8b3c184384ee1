package sparsetrie

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/sparsetrie/core/types"
)

// StateMultiProof is a decoded multiproof for reveal_decoded_multiproof
// (spec.md §4.4): the account subtree, plus one storage subtree per account
// that the proof witnesses.
type StateMultiProof struct {
	Account  *DecodedMultiProof
	Storages map[types.Hash]*DecodedMultiProof
}

// SparseStateTrie is the two-level composition of one account SparseTrie
// plus a StorageTries container, linked through each account leaf's decoded
// storage_root field (spec.md §3/§4.4, §9 "one-way reference by content").
type SparseStateTrie struct {
	accounts             *SparseTrie
	storages             *StorageTries
	revealedAccountPaths mapset.Set[string]
	retainUpdates        bool
	scratch              []byte

	accountProvider AccountNodeProvider
	storageFactory  StorageNodeProviderFactory
}

// NewSparseStateTrie returns an empty SparseStateTrie with empty recycle
// pools and no provider installed.
func NewSparseStateTrie() *SparseStateTrie {
	return &SparseStateTrie{
		accounts:             NewSparseTrie(),
		storages:             NewStorageTries(),
		revealedAccountPaths: mapset.NewThreadUnsafeSet[string](),
		scratch:              make([]byte, 0, TrieAccountRLPMaxSize),
		accountProvider:      noProvider{},
	}
}

// SetRetainUpdates controls whether subsequent reveal_root calls (on the
// account trie and any newly created storage trie) ask to retain their
// update deltas across a reveal of an already-known root.
func (s *SparseStateTrie) SetRetainUpdates(retain bool) { s.retainUpdates = retain }

// SetAccountProvider installs the provider consulted to resolve blind nodes
// in the account trie.
func (s *SparseStateTrie) SetAccountProvider(p AccountNodeProvider) {
	if p == nil {
		p = noProvider{}
	}
	s.accountProvider = p
	s.accounts.SetProvider(p)
}

// SetStorageProviderFactory installs the factory used to build a
// per-account NodeProvider when a storage trie needs to resolve a blind
// node.
func (s *SparseStateTrie) SetStorageProviderFactory(f StorageNodeProviderFactory) {
	s.storageFactory = f
}

func (s *SparseStateTrie) storageProviderFor(account types.Hash) NodeProvider {
	if s.storageFactory == nil {
		return noProvider{}
	}
	return s.storageFactory.StorageNodeProvider(account)
}

// RevealDecodedMultiProof is the central reveal path (spec.md §4.4): filter
// and reveal the account subtree, then fan the per-account storage subtrees
// out to a worker pool (an errgroup.Group — ownership of each account's
// trie/path-set is transferred to its worker for the duration, so no lock
// is needed) and fold every result back regardless of whether one of them
// failed.
func (s *SparseStateTrie) RevealDecodedMultiProof(mp *StateMultiProof) error {
	result, err := filterMapRevealedNodes(mp.Account, s.revealedAccountPaths)
	if err != nil {
		return err
	}
	if result.RootEntry != nil {
		if err := s.accounts.RevealRoot(result.RootEntry.Node, result.RootEntry.HashMask, result.RootEntry.TreeMask, s.retainUpdates); err != nil {
			return err
		}
	}
	if result.NewNodes > 0 {
		s.accounts.ReserveNodes(result.NewNodes)
	}
	if len(result.Nodes) > 0 {
		if err := s.accounts.RevealNodes(result.Nodes); err != nil {
			return err
		}
	}

	if len(mp.Storages) == 0 {
		return nil
	}

	type storageJob struct {
		account types.Hash
		trie    *SparseTrie
		paths   mapset.Set[string]
		proof   *DecodedMultiProof
	}
	jobs := make([]storageJob, 0, len(mp.Storages))
	for account, proof := range mp.Storages {
		trie := s.storages.TakeOrCreateTrie(account)
		paths := s.storages.TakeOrCreateRevealedPaths(account)
		trie.SetProvider(s.storageProviderFor(account))
		jobs = append(jobs, storageJob{account: account, trie: trie, paths: paths, proof: proof})
	}

	var g errgroup.Group
	for i := range jobs {
		j := jobs[i]
		g.Go(func() error {
			return revealIntoStorageTrie(j.trie, j.paths, j.proof, s.retainUpdates)
		})
	}
	firstErr := g.Wait()

	for _, j := range jobs {
		s.storages.InsertTrie(j.account, j.trie)
		s.storages.InsertRevealedPaths(j.account, j.paths)
	}
	return firstErr
}

func revealIntoStorageTrie(trie *SparseTrie, paths mapset.Set[string], mp *DecodedMultiProof, retainUpdates bool) error {
	result, err := filterMapRevealedNodes(mp, paths)
	if err != nil {
		return err
	}
	if result.RootEntry != nil {
		if err := trie.RevealRoot(result.RootEntry.Node, result.RootEntry.HashMask, result.RootEntry.TreeMask, retainUpdates); err != nil {
			return err
		}
	}
	if result.NewNodes > 0 {
		trie.ReserveNodes(result.NewNodes)
	}
	if len(result.Nodes) == 0 {
		return nil
	}
	return trie.RevealNodes(result.Nodes)
}

// RevealWitness is the alternative reveal path driven by a flat hash->RLP
// witness map instead of a path-addressed proof (spec.md §4.4). It walks
// the account trie breadth-first from stateRoot; whenever it resolves an
// account leaf whose decoded storage_root is not EMPTY_ROOT_HASH, it walks
// that account's storage trie from the same witness map too.
func (s *SparseStateTrie) RevealWitness(stateRoot types.Hash, witness Witness) error {
	storageRoots := make(map[types.Hash]types.Hash)
	if err := s.accounts.RevealWitness(stateRoot, witness, storageRoots); err != nil {
		return err
	}
	for account, root := range storageRoots {
		trie, _ := s.storages.GetTrieAndRevealedPathsMut(account)
		trie.SetProvider(s.storageProviderFor(account))
		if err := trie.RevealWitness(root, witness, nil); err != nil {
			return err
		}
	}
	return nil
}

// effectiveStorageRoot computes the storage_root to write into an account
// leaf, per spec.md §4.4 update_account's ordered fallback: the account's
// in-memory storage trie root if one is materialized and revealed, else the
// existing account leaf's decoded storage root, else EMPTY_ROOT_HASH for an
// account with no storage trie and no prior leaf (a brand new account).
func (s *SparseStateTrie) effectiveStorageRoot(account types.Hash, path Path) (types.Hash, error) {
	if trie, ok := s.storages.tries[account]; ok && trie.IsRevealed() {
		root, err := trie.Root()
		if err != nil {
			return types.Hash{}, err
		}
		return types.BytesToHash(root), nil
	}
	if leaf, ok := s.accounts.GetLeafValue(path); ok {
		acc, err := DecodeTrieAccount(leaf)
		if err != nil {
			return types.Hash{}, err
		}
		return acc.StorageRoot, nil
	}
	return EmptyRootHash, nil
}

// UpdateAccount writes the account leaf at address with info's nonce,
// balance, and code hash, and a storage_root computed by effectiveStorageRoot
// (info's own StorageRoot field is ignored and overwritten). A nil info, or
// an info that reduces to the empty account with empty storage, removes the
// leaf instead. If provider is non-nil it is installed as the account
// trie's provider for this call (and later ones, until changed).
func (s *SparseStateTrie) UpdateAccount(address types.Hash, info *TrieAccount, provider AccountNodeProvider) error {
	if provider != nil {
		s.SetAccountProvider(provider)
	}
	path := NewPathFromKey(address.Bytes())
	storageRoot, err := s.effectiveStorageRoot(address, path)
	if err != nil {
		return err
	}
	s.revealedAccountPaths.Add(path.Key())

	if info == nil || (info.IsEmpty() && storageRoot == EmptyRootHash) {
		return s.accounts.RemoveLeaf(path)
	}
	acc := *info
	acc.StorageRoot = storageRoot
	return s.writeAccountLeaf(path, acc)
}

// UpdateAccountStorageRoot updates only the storage_root field of an
// existing account leaf (spec.md §4.4), removing the leaf entirely if doing
// so reduces it to the empty account. Fails Blind if no account leaf is
// reachable at address.
func (s *SparseStateTrie) UpdateAccountStorageRoot(address types.Hash, provider AccountNodeProvider) error {
	if provider != nil {
		s.SetAccountProvider(provider)
	}
	path := NewPathFromKey(address.Bytes())
	leaf, found, err := s.accounts.LookupLeaf(path)
	if err != nil {
		return err
	}
	if !found {
		return newBlindError(path)
	}
	acc, err := DecodeTrieAccount(leaf)
	if err != nil {
		return err
	}
	storageRoot, err := s.effectiveStorageRoot(address, path)
	if err != nil {
		return err
	}
	acc.StorageRoot = storageRoot
	s.revealedAccountPaths.Add(path.Key())

	if acc.IsEmpty() {
		return s.accounts.RemoveLeaf(path)
	}
	return s.writeAccountLeaf(path, acc)
}

// writeAccountLeaf encodes acc using the state trie's reusable scratch
// buffer, then hands the account trie an independent copy (the scratch
// buffer's backing array is reused by the next call, so the leaf node must
// not alias it).
func (s *SparseStateTrie) writeAccountLeaf(path Path, acc TrieAccount) error {
	enc, err := EncodeTrieAccount(acc, s.scratch)
	if err != nil {
		return err
	}
	s.scratch = enc
	stored := append([]byte(nil), enc...)
	return s.accounts.UpdateLeaf(path, stored)
}

// UpdateAccountLeaf writes an already-encoded account value directly,
// bypassing effectiveStorageRoot computation (used when the caller already
// has the final RLP, e.g. replaying a persisted delta).
func (s *SparseStateTrie) UpdateAccountLeaf(address types.Hash, encodedAccount []byte) error {
	path := NewPathFromKey(address.Bytes())
	s.revealedAccountPaths.Add(path.Key())
	return s.accounts.UpdateLeaf(path, encodedAccount)
}

// RemoveAccountLeaf deletes the account leaf at address, if present.
func (s *SparseStateTrie) RemoveAccountLeaf(address types.Hash) error {
	path := NewPathFromKey(address.Bytes())
	return s.accounts.RemoveLeaf(path)
}

// UpdateStorageLeaf writes slot's value into account's storage trie
// (creating the trie if this is the first reference to the account).
func (s *SparseStateTrie) UpdateStorageLeaf(account types.Hash, slot types.Hash, value *uint256.Int) error {
	trie, paths := s.storages.GetTrieAndRevealedPathsMut(account)
	trie.SetProvider(s.storageProviderFor(account))
	path := NewPathFromKey(slot.Bytes())
	paths.Add(path.Key())
	enc, err := EncodeStorageValue(value)
	if err != nil {
		return err
	}
	return trie.UpdateLeaf(path, enc)
}

// RemoveStorageLeaf deletes slot from account's storage trie (a write of
// the zero value, per spec.md §9 "the source swallows zero-value storage
// writes by removing the slot"). The slot's path is still recorded as
// revealed before the removal, preserving the visited-path invariant even
// though the slot never existed.
func (s *SparseStateTrie) RemoveStorageLeaf(account types.Hash, slot types.Hash) error {
	trie, paths := s.storages.GetTrieAndRevealedPathsMut(account)
	trie.SetProvider(s.storageProviderFor(account))
	path := NewPathFromKey(slot.Bytes())
	paths.Add(path.Key())
	return trie.RemoveLeaf(path)
}

// WipeStorage discards account's entire storage trie, recording the wipe in
// its pending delta.
func (s *SparseStateTrie) WipeStorage(account types.Hash) {
	trie, _ := s.storages.GetTrieAndRevealedPathsMut(account)
	trie.Wipe()
}

// TakeOrCreateStorageTrie removes and returns account's storage trie
// (creating one from the recycle pool if absent), transferring exclusive
// ownership to a caller that intends to mutate it off the main goroutine
// (spec.md §5 "ownership transfer"). Call InsertStorageTrie to put it back.
func (s *SparseStateTrie) TakeOrCreateStorageTrie(account types.Hash) *SparseTrie {
	return s.storages.TakeOrCreateTrie(account)
}

// InsertStorageTrie puts a storage trie back into the container under
// account, after a parallel worker has finished mutating it.
func (s *SparseStateTrie) InsertStorageTrie(account types.Hash, trie *SparseTrie) {
	s.storages.InsertTrie(account, trie)
}

// AccountIsRevealed reports whether an account leaf has been witnessed at
// address, directly or as a path already folded into
// revealed_account_paths.
func (s *SparseStateTrie) AccountIsRevealed(address types.Hash) bool {
	path := NewPathFromKey(address.Bytes())
	if s.revealedAccountPaths.Contains(path.Key()) {
		return true
	}
	_, ok := s.accounts.GetLeafValue(path)
	return ok
}

// StorageTrieUpdate is one account's drained storage delta.
type StorageTrieUpdate struct {
	IsDeleted bool
	Nodes     map[string]node
	Removed   mapset.Set[string]
}

// StateTrieUpdates is the output of RootWithUpdates (spec.md §6 "Output").
type StateTrieUpdates struct {
	StateRoot    types.Hash
	AccountNodes map[string]node
	RemovedNodes mapset.Set[string]
	StorageTries map[types.Hash]StorageTrieUpdate
}

// storageTrieUpdates drains every account's pending storage delta, omitting
// accounts whose delta is empty (spec.md §6 "Empty per-account deltas are
// omitted").
func (s *SparseStateTrie) storageTrieUpdates() (map[types.Hash]StorageTrieUpdate, error) {
	out := make(map[types.Hash]StorageTrieUpdate)
	for _, account := range s.storages.Accounts() {
		trie := s.storages.tries[account]
		_, upd, err := trie.RootWithUpdates()
		if err != nil {
			return nil, err
		}
		if len(upd.Nodes) == 0 && upd.Removed.Cardinality() == 0 && !upd.Wiped {
			continue
		}
		out[account] = StorageTrieUpdate{IsDeleted: upd.Wiped, Nodes: upd.Nodes, Removed: upd.Removed}
	}
	return out, nil
}

// RootWithUpdates obtains storage_trie_updates first, then ensures the
// account trie is revealed (auto-fetching its root node via the account
// provider if Blind), then drains the account trie's own root and delta.
// Per spec.md §8 S5, a provider legitimately reporting no node there is
// success with state_root = EMPTY_ROOT_HASH, not an error — but that is the
// (nil error, nil node) case only; a real provider error is propagated, not
// swallowed (mirrors resolve in sparse_trie_insert.go). The no-node case
// still reveals the trie at the canonical empty root, so it leaves
// IsRevealed() true rather than Blind.
func (s *SparseStateTrie) RootWithUpdates() (*StateTrieUpdates, error) {
	storageUpdates, err := s.storageTrieUpdates()
	if err != nil {
		return nil, err
	}

	if !s.accounts.IsRevealed() {
		rev, err := s.accountProvider.TrieNode(emptyPath)
		if err != nil {
			return nil, &ProviderError{Path: emptyPath.Copy(), Err: err}
		}
		if rev == nil {
			if err := s.accounts.RevealRoot(emptyNode{}, 0, 0, s.retainUpdates); err != nil {
				return nil, err
			}
		} else {
			n, err := decodeNode(rev.RLP)
			if err != nil {
				return nil, err
			}
			if err := s.accounts.RevealRoot(n, rev.HashMask, rev.TreeMask, s.retainUpdates); err != nil {
				return nil, err
			}
		}
	}

	root, upd, err := s.accounts.RootWithUpdates()
	if err != nil {
		return nil, err
	}
	return &StateTrieUpdates{
		StateRoot:    types.BytesToHash(root),
		AccountNodes: upd.Nodes,
		RemovedNodes: upd.Removed,
		StorageTries: storageUpdates,
	}, nil
}

// CalculateSubtries precomputes subtree hashes (forces the root-hash cache
// to fill) if the account trie is revealed; a no-op otherwise.
func (s *SparseStateTrie) CalculateSubtries() error {
	if !s.accounts.IsRevealed() {
		return nil
	}
	_, err := s.accounts.Root()
	return err
}

// Clear drains the account trie, the storage-tries container, and the
// revealed-account-paths set, preserving capacity for reuse, and returns s
// so it can be wrapped by ClearedSparseStateTrie.
func (s *SparseStateTrie) Clear() *SparseStateTrie {
	s.accounts.Clear()
	s.storages.Clear()
	s.revealedAccountPaths.Clear()
	s.scratch = s.scratch[:0]
	return s
}
