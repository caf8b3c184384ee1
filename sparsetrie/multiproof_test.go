package sparsetrie

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
)

// TestFilterMapRevealedNodes is the S3 scenario from spec.md §8: a decoded
// proof {root -> branch with two leaf children, [0x0] -> leaf, [0x1] ->
// leaf}, with the revealed-set preloaded with {[0x0]}. Expected output:
// root_node=branch, nodes=[leaf@[0x1]], new_nodes=4, total=3, skipped=1.
func TestFilterMapRevealedNodes(t *testing.T) {
	root := &branchNode{StateMask: (1 << 0) | (1 << 1)}
	leaf0 := &leafNode{Suffix: Path{}, Value: []byte("leaf0")}
	leaf1 := &leafNode{Suffix: Path{}, Value: []byte("leaf1")}

	mp := &DecodedMultiProof{
		Nodes: map[string]ProofEntry{
			emptyPath.Key():  {Path: emptyPath, Node: root},
			Path{0x0}.Key(): {Path: Path{0x0}, Node: leaf0},
			Path{0x1}.Key(): {Path: Path{0x1}, Node: leaf1},
		},
	}
	revealed := mapset.NewThreadUnsafeSet[string]()
	revealed.Add(Path{0x0}.Key())

	result, err := filterMapRevealedNodes(mp, revealed)
	if err != nil {
		t.Fatalf("filter_map_revealed_nodes: %v", err)
	}

	if result.Total != 3 {
		t.Fatalf("total = %d, want 3", result.Total)
	}
	if result.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", result.Skipped)
	}
	if result.NewNodes != 4 {
		t.Fatalf("new_nodes = %d, want 4", result.NewNodes)
	}
	if result.RootEntry == nil || result.RootEntry.Node != node(root) {
		t.Fatalf("root_node = %v, want the branch", result.RootEntry)
	}
	if len(result.Nodes) != 1 {
		t.Fatalf("nodes = %v, want exactly one entry (leaf@[0x1])", result.Nodes)
	}
	if !result.Nodes[0].Path.Equal(Path{0x1}) || result.Nodes[0].Node != node(leaf1) {
		t.Fatalf("nodes[0] = %+v, want leaf@[0x1]", result.Nodes[0])
	}
	if !revealed.Contains(Path{0x1}.Key()) {
		t.Fatalf("revealed set not updated with the newly-surfaced path")
	}
}

func TestFilterMapRevealedNodesRejectsMultipleRoots(t *testing.T) {
	mp := &DecodedMultiProof{
		Nodes: map[string]ProofEntry{
			"a": {Path: emptyPath, Node: &branchNode{}},
			"b": {Path: emptyPath, Node: &leafNode{}},
		},
	}
	_, err := filterMapRevealedNodes(mp, mapset.NewThreadUnsafeSet[string]())
	if err == nil {
		t.Fatalf("expected error for multiple root entries")
	}
}

func TestFilterMapRevealedNodesRejectsEmptyRootWithSiblings(t *testing.T) {
	mp := &DecodedMultiProof{
		Nodes: map[string]ProofEntry{
			emptyPath.Key(): {Path: emptyPath, Node: emptyNode{}},
			Path{0x0}.Key(): {Path: Path{0x0}, Node: &leafNode{}},
		},
	}
	_, err := filterMapRevealedNodes(mp, mapset.NewThreadUnsafeSet[string]())
	if err == nil {
		t.Fatalf("expected error: empty root alongside other proof entries")
	}
}

func TestFilterMapRevealedNodesNoRoot(t *testing.T) {
	mp := &DecodedMultiProof{
		Nodes: map[string]ProofEntry{
			Path{0x2}.Key(): {Path: Path{0x2}, Node: &leafNode{Value: []byte("x")}},
		},
	}
	revealed := mapset.NewThreadUnsafeSet[string]()
	result, err := filterMapRevealedNodes(mp, revealed)
	if err != nil {
		t.Fatalf("filter_map_revealed_nodes: %v", err)
	}
	if result.RootEntry != nil {
		t.Fatalf("unexpected root entry: %+v", result.RootEntry)
	}
	if result.Total != 1 || result.NewNodes != 1 || result.Skipped != 0 {
		t.Fatalf("result = %+v, want total=1 new_nodes=1 skipped=0", result)
	}
}
