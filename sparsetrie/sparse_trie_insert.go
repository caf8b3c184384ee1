package sparsetrie

// UpdateLeaf inserts or replaces the leaf at the full key path, splitting
// existing leaves/extensions into branches as needed (the standard MPT
// restructure described in spec.md §4.2 "Restructuring on insert"). If a
// node along the walk is blind, provider is consulted; failure to resolve
// surfaces as Blind.
func (t *SparseTrie) UpdateLeaf(key Path, value []byte) error {
	if !t.revealed {
		return newBlindError(emptyPath)
	}
	if err := t.insertAt(emptyPath, key, value); err != nil {
		return err
	}
	t.invalidate(key)
	return nil
}

// insertAt walks from nodePath (where a node is already materialized)
// toward key, creating/splitting nodes as necessary, and records every
// newly written node in the pending delta.
func (t *SparseTrie) insertAt(nodePath Path, key Path, value []byte) error {
	n, err := t.resolve(nodePath)
	if err != nil {
		return err
	}
	switch tn := n.(type) {
	case emptyNode:
		leaf := &leafNode{Suffix: key.Slice(nodePath.Len(), key.Len()), Value: value}
		t.setNode(nodePath, leaf)
		return nil

	case *leafNode:
		return t.splitLeafOrExtension(nodePath, tn.Suffix, tn, key, value, true)

	case *extensionNode:
		return t.splitLeafOrExtension(nodePath, tn.Suffix, tn, key, value, false)

	case *branchNode:
		remaining := key.Slice(nodePath.Len(), key.Len())
		if remaining.Len() == 0 {
			return newInvariantError("insert: key terminates exactly at branch path %x", []byte(nodePath))
		}
		slot := remaining.At(0)
		childPath := nodePath.Append(slot)
		if tn.StateMask&(1<<uint(slot)) == 0 {
			leaf := &leafNode{Suffix: key.Slice(childPath.Len(), key.Len()), Value: value}
			t.setNode(childPath, leaf)
			cp := tn.copy()
			cp.StateMask |= 1 << uint(slot)
			cp.Children[slot] = nil
			t.setNode(nodePath, cp)
			return nil
		}
		return t.insertAt(childPath, key, value)

	default:
		return ErrDecodeNode
	}
}

// splitLeafOrExtension handles inserting key/value when the node currently
// at nodePath is a leaf or an extension with the given suffix. The existing
// node's effective full path is nodePath+suffix (for a leaf) or nodePath is
// where the extension starts (its subtree covers nodePath+suffix onward).
func (t *SparseTrie) splitLeafOrExtension(nodePath Path, suffix Path, existing node, key Path, value []byte, existingIsLeaf bool) error {
	existingFullPrefix := nodePath.Extend(suffix)
	keyFromHere := key.Slice(nodePath.Len(), key.Len())

	if existingIsLeaf && keyFromHere.Equal(suffix) {
		leaf := &leafNode{Suffix: suffix, Value: value}
		t.setNode(nodePath, leaf)
		return nil
	}

	common := keyFromHere.CommonPrefixLen(suffix)

	if !existingIsLeaf && common == suffix.Len() {
		// key passes all the way through this extension; recurse into its
		// child (which must already be a branch, by MPT construction).
		return t.insertAt(existingFullPrefix, key, value)
	}

	branchPath := nodePath.Extend(suffix.Slice(0, common))
	branch := &branchNode{}

	// Place the existing node's remainder below the new branch.
	existingRemainder := suffix.Slice(common, suffix.Len())
	existingSlot := existingRemainder.At(0)
	existingChildPath := branchPath.Append(existingSlot)
	existingChildSuffix := existingRemainder.Slice(1, existingRemainder.Len())
	switch {
	case existingIsLeaf:
		old := existing.(*leafNode)
		t.setNode(existingChildPath, &leafNode{Suffix: existingChildSuffix, Value: old.Value})
	case existingChildSuffix.Len() == 0:
		// The extension collapses entirely into this branch slot.
		// existingChildPath == nodePath+suffix, i.e. wherever the
		// extension's child is materialized already lives at exactly the
		// new branch slot's path — nothing to move. The cached ref just
		// carries over for the case where that child is still blind.
		old := existing.(*extensionNode)
		branch.Children[existingSlot] = old.Child
	default:
		old := existing.(*extensionNode)
		t.setNode(existingChildPath, &extensionNode{Suffix: existingChildSuffix, Child: old.Child})
	}
	branch.StateMask |= 1 << uint(existingSlot)

	// Place the new key's remainder below the new branch.
	newRemainder := keyFromHere.Slice(common, keyFromHere.Len())
	newSlot := newRemainder.At(0)
	newChildPath := branchPath.Append(newSlot)
	newChildSuffix := newRemainder.Slice(1, newRemainder.Len())
	t.setNode(newChildPath, &leafNode{Suffix: newChildSuffix, Value: value})
	branch.StateMask |= 1 << uint(newSlot)

	t.setNode(branchPath, branch)

	if common > 0 {
		// branchPath > nodePath: splice an extension above the new branch
		// to carry the shared prefix.
		t.setNode(nodePath, &extensionNode{Suffix: suffix.Slice(0, common), Child: nil})
	}
	return nil
}

// resolve returns the node at path, fetching it through the provider if
// blind.
func (t *SparseTrie) resolve(path Path) (node, error) {
	if n, ok := t.nodes[path.key()]; ok {
		return n, nil
	}
	rev, err := t.provider.TrieNode(path)
	if err != nil {
		return nil, &ProviderError{Path: path.Copy(), Err: err}
	}
	if rev == nil {
		return nil, newBlindError(path)
	}
	n, err := decodeNode(rev.RLP)
	if err != nil {
		return nil, err
	}
	applyMasks(n, rev.HashMask, rev.TreeMask)
	t.nodes[path.key()] = n
	return n, nil
}

// setNode installs n at path and records it in the pending delta, since
// this is only ever called while applying a mutation (insert/remove), never
// while revealing.
func (t *SparseTrie) setNode(path Path, n node) {
	t.nodes[path.key()] = n
	t.pending.markUpdated(path, n)
}

// tombstone marks path as logically gone: an emptyNode placeholder replaces
// whatever was materialized there, rather than deleting the map entry
// outright, so that re-revealing a multiproof that still names this path
// (reveal_node is a no-op wherever t.nodes already holds something) can
// never resurrect state a local remove has already retired.
func (t *SparseTrie) tombstone(path Path) {
	t.nodes[path.key()] = emptyNode{}
	t.pending.markRemoved(path)
}
