package sparsetrie

// ClearedSparseStateTrie is a phantom-state wrapper: a type-level marker
// that a SparseStateTrie has been drained and is safe to hand back into a
// pool for reuse (spec.md §4 "Cleared wrapper", §9 "allocation recycling").
// Go has no phantom-typestate enforcement, so the contract is encoded the
// way a builder would: the only way to get one is to call From, and the
// only way to get the trie back out is Into, which consumes the wrapper.
type ClearedSparseStateTrie struct {
	trie *SparseStateTrie
}

// ClearedSparseStateTrieFrom drains trie (preserving its capacities) and
// wraps it, asserting the caller's intent to only reuse it from here, never
// read stale state out of it directly.
func ClearedSparseStateTrieFrom(trie *SparseStateTrie) ClearedSparseStateTrie {
	if trie == nil {
		trie = NewSparseStateTrie()
	}
	trie.Clear()
	return ClearedSparseStateTrie{trie: trie}
}

// Into unwraps the cleared trie, consuming the wrapper, ready for the next
// payload's reveal/update calls.
func (c ClearedSparseStateTrie) Into() *SparseStateTrie {
	return c.trie
}
