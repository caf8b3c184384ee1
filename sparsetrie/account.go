package sparsetrie

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/eth2030/sparsetrie/core/types"
	"github.com/eth2030/sparsetrie/rlp"
)

// TrieAccountRLPMaxSize bounds the RLP encoding of a TrieAccount: nonce (9
// bytes max as a long-form uint64 string), balance (33 bytes max), two
// 32-byte hashes, plus list/string headers. The scratch buffer a
// SparseStateTrie reuses for encoding account leaves is pre-sized to this.
const TrieAccountRLPMaxSize = 4 + 9 + 33 + 33 + 33

// TrieAccount is the canonical Ethereum account record stored as the value
// of an account-trie leaf: nonce, balance, storage root, and code hash.
// Like core/types.Account's Root field, storage_root here is a hash, never
// a pointer into a trie: it is always a derived snapshot
// of whatever the corresponding SparseTrie's root currently is — a one-way
// reference by content, never a live pointer (spec.md §9).
type TrieAccount struct {
	Nonce       uint64
	Balance     *big.Int
	StorageRoot types.Hash
	CodeHash    types.Hash
}

// IsEmpty reports whether the account is the zero account with no storage
// and no code, i.e. indistinguishable from never having existed.
func (a TrieAccount) IsEmpty() bool {
	return a.Nonce == 0 &&
		(a.Balance == nil || a.Balance.Sign() == 0) &&
		a.StorageRoot == EmptyRootHash &&
		a.CodeHash == types.EmptyCodeHash
}

// EncodeTrieAccount renders a into canonical RLP, appending into scratch
// (which is reset and reused across calls by SparseStateTrie to avoid
// reallocating TRIE_ACCOUNT_RLP_MAX_SIZE bytes per account).
func EncodeTrieAccount(a TrieAccount, scratch []byte) ([]byte, error) {
	balance := a.Balance
	if balance == nil {
		balance = new(big.Int)
	}
	type rlpAccount struct {
		Nonce       uint64
		Balance     *big.Int
		StorageRoot []byte
		CodeHash    []byte
	}
	enc, err := rlp.EncodeToBytes(rlpAccount{
		Nonce:       a.Nonce,
		Balance:     balance,
		StorageRoot: a.StorageRoot.Bytes(),
		CodeHash:    a.CodeHash.Bytes(),
	})
	if err != nil {
		return nil, err
	}
	scratch = append(scratch[:0], enc...)
	return scratch, nil
}

// DecodeTrieAccount parses the RLP produced by EncodeTrieAccount.
func DecodeTrieAccount(data []byte) (TrieAccount, error) {
	var raw struct {
		Nonce       uint64
		Balance     *big.Int
		StorageRoot []byte
		CodeHash    []byte
	}
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return TrieAccount{}, &decodeError{err}
	}
	var out TrieAccount
	out.Nonce = raw.Nonce
	out.Balance = raw.Balance
	out.StorageRoot = types.BytesToHash(raw.StorageRoot)
	out.CodeHash = types.BytesToHash(raw.CodeHash)
	return out, nil
}

// EncodeStorageValue renders a storage slot's value (a uint256) as the
// fixed-trim canonical RLP used for storage-trie leaves: big-endian,
// leading zero bytes stripped, the way go-ethereum's state trie stores
// slot values.
func EncodeStorageValue(v *uint256.Int) ([]byte, error) {
	if v == nil || v.IsZero() {
		return rlp.EncodeToBytes([]byte{})
	}
	b := v.Bytes()
	return rlp.EncodeToBytes(b)
}
