package sparsetrie

import (
	"errors"
	"fmt"

	"github.com/eth2030/sparsetrie/core/types"
)

// EmptyRootHash is the Keccak256 hash of the RLP encoding of an empty trie
// (the single byte 0x80). A SparseTrie with no revealed content, and a
// wiped storage trie, both root to this value.
var EmptyRootHash = types.EmptyRootHash

// ErrBlind is returned by any read or write operation that needs a node the
// trie has not been told about and has no NodeProvider able to resolve.
var ErrBlind = errors.New("sparsetrie: node is blind (not revealed, no provider)")

// ErrInvariantViolated is returned when an operation would leave the trie in
// a state that violates one of its structural invariants (see spec.md §3):
// a branch with fewer than two children, a node whose own path does not
// have the expected ancestor's path as a prefix, and so on. A well-formed
// caller driving the trie only through its exported operations should never
// trigger this; it exists to fail loudly rather than silently corrupt state.
var ErrInvariantViolated = errors.New("sparsetrie: invariant violated")

// InvalidRootNodeError is returned by filterMapRevealedNodes (and
// RevealDecodedMultiProof) when a multiproof's root entry is not a valid
// encoding for a trie root — in particular, EmptyRoot (0x80) alongside any
// other entries, which is self-contradictory (an empty trie has no other
// nodes to prove).
type InvalidRootNodeError struct {
	Path Path
	RLP  []byte
}

func (e *InvalidRootNodeError) Error() string {
	return fmt.Sprintf("sparsetrie: invalid root node at path %x (%d bytes of RLP)", []byte(e.Path), len(e.RLP))
}

// ProviderError wraps an error returned by a NodeProvider while resolving a
// blind path, identifying which path triggered it.
type ProviderError struct {
	Path Path
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("sparsetrie: node provider failed for path %x: %v", []byte(e.Path), e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// blindError is the sentinel-carrying form of ErrBlind that also records
// which path was blind, for logging and NodeProvider retry loops.
type blindError struct {
	Path Path
}

func (e *blindError) Error() string {
	return fmt.Sprintf("sparsetrie: blind node at path %x", []byte(e.Path))
}

func (e *blindError) Unwrap() error { return ErrBlind }

func newBlindError(p Path) error { return &blindError{Path: p.Copy()} }

func newInvariantError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolated, fmt.Sprintf(format, args...))
}
