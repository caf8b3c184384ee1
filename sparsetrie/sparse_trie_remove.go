package sparsetrie

// walkFrame records one step of the root-to-leaf walk RemoveLeaf performs,
// so that after deleting the target leaf it can walk back up and collapse
// any branch left with a single remaining child (spec.md §4.2
// "Restructuring on remove").
type walkFrame struct {
	extension bool // true: path is an extensionNode; false: path is a branchNode
	path      Path
	slot      byte // valid only when !extension
}

// RemoveLeaf deletes the leaf at the full key path, if present, collapsing
// any branch left with a single child into an extension or leaf (merging
// with an extension directly above it, if any) per the standard MPT rule.
// Removing a key that is not present is a no-op, not an error.
func (t *SparseTrie) RemoveLeaf(key Path) error {
	if !t.revealed {
		return newBlindError(emptyPath)
	}
	removed, err := t.removeWalk(key)
	if err != nil {
		return err
	}
	if removed {
		t.invalidate(key)
	}
	return nil
}

func (t *SparseTrie) removeWalk(key Path) (bool, error) {
	var stack []walkFrame
	path := emptyPath
	for {
		n, err := t.resolve(path)
		if err != nil {
			return false, err
		}
		switch tn := n.(type) {
		case emptyNode:
			return false, nil

		case *leafNode:
			full := path.Extend(tn.Suffix)
			if !full.Equal(key) {
				return false, nil
			}
			t.tombstone(path)
			return true, t.collapseAfterRemove(stack)

		case *extensionNode:
			child := path.Extend(tn.Suffix)
			if !key.HasPrefix(child) {
				return false, nil
			}
			stack = append(stack, walkFrame{extension: true, path: path})
			path = child

		case *branchNode:
			if path.Len() >= key.Len() {
				return false, nil
			}
			slot := key.At(path.Len())
			if tn.StateMask&(1<<uint(slot)) == 0 {
				return false, nil
			}
			stack = append(stack, walkFrame{path: path, slot: slot})
			path = path.Append(slot)

		default:
			return false, ErrDecodeNode
		}
	}
}

// collapseAfterRemove restructures the trie after a leaf deletion. stack is
// the walk from root (stack[0]) down to, but not including, the deleted
// leaf; its last element is always the branch the leaf hung off of, unless
// the leaf was the root itself (empty stack, nothing to collapse).
func (t *SparseTrie) collapseAfterRemove(stack []walkFrame) error {
	if len(stack) == 0 {
		return nil
	}
	last := stack[len(stack)-1]
	if last.extension {
		return newInvariantError("remove: leaf's parent at %x is not a branch", []byte(last.path))
	}
	branchPath := last.path
	bn, ok := t.nodes[branchPath.key()].(*branchNode)
	if !ok {
		return newInvariantError("remove: expected branch at %x", []byte(branchPath))
	}
	cp := bn.copy()
	cp.StateMask &^= 1 << uint(last.slot)
	cp.Children[last.slot] = nil

	switch cp.childCount() {
	case 0:
		return newInvariantError("remove: branch at %x left with no children", []byte(branchPath))
	default:
		t.setNode(branchPath, cp)
		return nil
	case 1:
		return t.collapseSingleton(stack, branchPath, cp)
	}
}

// collapseSingleton replaces a branch left with exactly one child by an
// extension or leaf absorbing that child's slot nibble, merging with an
// extension directly above the branch if one is present.
func (t *SparseTrie) collapseSingleton(stack []walkFrame, branchPath Path, cp *branchNode) error {
	remainingSlot := onlySetBit(cp.StateMask)
	childPath := branchPath.Append(remainingSlot)
	child, err := t.resolve(childPath)
	if err != nil {
		return err
	}

	var collapsed node
	switch c := child.(type) {
	case *leafNode:
		collapsed = &leafNode{Suffix: prependNibble(remainingSlot, c.Suffix), Value: c.Value}
		t.tombstone(childPath)
	case *extensionNode:
		collapsed = &extensionNode{Suffix: prependNibble(remainingSlot, c.Suffix), Child: c.Child}
		t.tombstone(childPath)
	case *branchNode:
		// The branch stays materialized at childPath; the new extension
		// just points one nibble down to it.
		collapsed = &extensionNode{Suffix: Path{remainingSlot}, Child: nil}
	default:
		return newInvariantError("remove: unexpected child kind at %x", []byte(childPath))
	}

	if len(stack) >= 2 {
		parent := stack[len(stack)-2]
		if parent.extension {
			if pe, ok := t.nodes[parent.path.key()].(*extensionNode); ok && parent.path.Extend(pe.Suffix).Equal(branchPath) {
				merged, err := mergeExtension(pe.Suffix, collapsed)
				if err != nil {
					return err
				}
				t.tombstone(branchPath)
				t.setNode(parent.path, merged)
				return nil
			}
		}
	}

	t.setNode(branchPath, collapsed)
	return nil
}

// mergeExtension combines a parent extension's suffix with the node it
// would otherwise point to, collapsing two consecutive extensions (or an
// extension directly above a leaf) into one, to keep the trie in minimal
// (canonical) form.
func mergeExtension(parentSuffix Path, child node) (node, error) {
	switch c := child.(type) {
	case *leafNode:
		return &leafNode{Suffix: parentSuffix.Extend(c.Suffix), Value: c.Value}, nil
	case *extensionNode:
		return &extensionNode{Suffix: parentSuffix.Extend(c.Suffix), Child: c.Child}, nil
	default:
		return nil, newInvariantError("remove: cannot merge extension with non-leaf/extension child")
	}
}

func prependNibble(n byte, p Path) Path {
	out := make(Path, p.Len()+1)
	out[0] = n
	copy(out[1:], p)
	return out
}

func onlySetBit(mask uint16) byte {
	for i := byte(0); i < 16; i++ {
		if mask&(1<<uint(i)) != 0 {
			return i
		}
	}
	return 0
}
