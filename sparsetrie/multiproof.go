package sparsetrie

import mapset "github.com/deckarep/golang-set/v2"

// ProofEntry pairs a path with the (already-decoded) node a multiproof
// witnesses there.
type ProofEntry struct {
	Path Path
	Node node
}

// DecodedMultiProof is a decoded proof subtree: every witnessed node keyed
// by its path, plus the optional hash-mask/tree-mask hint for any branch
// entries (spec.md §4.2 "Masks"). Masks are keyed by Path.Key().
type DecodedMultiProof struct {
	Nodes     map[string]ProofEntry
	HashMasks map[string]uint16
	TreeMasks map[string]uint16
}

// RawProofEntry is a multiproof entry as received off the wire: a path and
// its node's raw RLP encoding.
type RawProofEntry struct {
	Path Path
	RLP  []byte
}

// DecodeMultiProof parses each entry's RLP into a node, producing a
// DecodedMultiProof ready for filterMapRevealedNodes. hashMasks/treeMasks
// may be nil if the producer supplied no hints.
func DecodeMultiProof(entries []RawProofEntry, hashMasks, treeMasks map[string]uint16) (*DecodedMultiProof, error) {
	mp := &DecodedMultiProof{
		Nodes:     make(map[string]ProofEntry, len(entries)),
		HashMasks: hashMasks,
		TreeMasks: treeMasks,
	}
	for _, e := range entries {
		n, err := decodeNode(e.RLP)
		if err != nil {
			return nil, err
		}
		mp.Nodes[e.Path.Key()] = ProofEntry{Path: e.Path, Node: n}
	}
	return mp, nil
}

// FilterMapResult is the output of filterMapRevealedNodes: the root entry
// (if the proof subtree included one), the surviving non-root entries
// ready to reveal, and bookkeeping counts (spec.md §4.5).
type FilterMapResult struct {
	RootEntry *revealEntry
	Nodes     []revealEntry
	NewNodes  int
	Total     int
	Skipped   int
}

// filterMapRevealedNodes partitions mp into (root, non-root, skipped) per
// spec.md §4.5, marking surviving non-root paths as revealed in revealed.
// The root entry, if present, is never inserted into revealed and never
// counted as skipped, but does contribute to NewNodes.
func filterMapRevealedNodes(mp *DecodedMultiProof, revealed mapset.Set[string]) (*FilterMapResult, error) {
	res := &FilterMapResult{}
	for key, entry := range mp.Nodes {
		res.Total++
		if entry.Path.Len() == 0 {
			if res.RootEntry != nil {
				return nil, newInvariantError("filter_map_revealed_nodes: multiple root entries")
			}
			re := revealEntry{
				Path:     entry.Path,
				Node:     entry.Node,
				HashMask: mp.HashMasks[key],
				TreeMask: mp.TreeMasks[key],
			}
			res.RootEntry = &re
			res.NewNodes += newNodeCount(entry.Node)
			continue
		}
		if revealed.Contains(key) {
			res.Skipped++
			continue
		}
		revealed.Add(key)
		res.NewNodes += newNodeCount(entry.Node)
		res.Nodes = append(res.Nodes, revealEntry{
			Path:     entry.Path,
			Node:     entry.Node,
			HashMask: mp.HashMasks[key],
			TreeMask: mp.TreeMasks[key],
		})
	}
	if res.RootEntry != nil {
		if _, isEmpty := res.RootEntry.Node.(emptyNode); isEmpty && res.Total > 1 {
			return nil, &InvalidRootNodeError{Path: emptyPath}
		}
	}
	return res, nil
}

// newNodeCount is how many future reveals a node pre-announces: itself,
// plus one per branch child slot (a future per-child reveal) or one for an
// extension's single child.
func newNodeCount(n node) int {
	switch tn := n.(type) {
	case *branchNode:
		return 1 + popcount16(tn.StateMask)
	case *extensionNode:
		return 1 + 1
	default:
		return 1
	}
}
