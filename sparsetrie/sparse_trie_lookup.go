package sparsetrie

// LookupLeaf walks from the root toward key, resolving blind nodes through
// the installed provider as it goes, and reports the value of the leaf at
// key if one exists. Unlike GetLeafValue (which only inspects nodes already
// materialized in memory), LookupLeaf can cross a blind node as long as the
// provider can resolve it — the read-only counterpart of the walk
// RemoveLeaf performs.
func (t *SparseTrie) LookupLeaf(key Path) (value []byte, found bool, err error) {
	if !t.revealed {
		return nil, false, newBlindError(emptyPath)
	}
	path := emptyPath
	for {
		n, err := t.resolve(path)
		if err != nil {
			return nil, false, err
		}
		switch tn := n.(type) {
		case emptyNode:
			return nil, false, nil

		case *leafNode:
			full := path.Extend(tn.Suffix)
			if !full.Equal(key) {
				return nil, false, nil
			}
			return tn.Value, true, nil

		case *extensionNode:
			child := path.Extend(tn.Suffix)
			if !key.HasPrefix(child) {
				return nil, false, nil
			}
			path = child

		case *branchNode:
			if path.Len() >= key.Len() {
				return nil, false, nil
			}
			slot := key.At(path.Len())
			if tn.StateMask&(1<<uint(slot)) == 0 {
				return nil, false, nil
			}
			path = path.Append(slot)

		default:
			return nil, false, ErrDecodeNode
		}
	}
}
