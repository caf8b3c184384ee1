package sparsetrie

import (
	"math/big"
	"testing"

	"github.com/eth2030/sparsetrie/core/types"
)

func TestClearedSparseStateTrieFromNil(t *testing.T) {
	cleared := ClearedSparseStateTrieFrom(nil)
	state := cleared.Into()
	if state == nil {
		t.Fatalf("into() returned nil")
	}
	if state.accounts.IsRevealed() {
		t.Fatalf("a fresh cleared trie must start Blind")
	}
}

func TestClearedSparseStateTrieFromDrainsExistingContent(t *testing.T) {
	state := NewSparseStateTrie()
	if err := state.accounts.RevealRoot(emptyNode{}, 0, 0, false); err != nil {
		t.Fatalf("reveal account root: %v", err)
	}
	address := types.HexToHash("0x01")
	info := &TrieAccount{Nonce: 1, Balance: big.NewInt(1)}
	if err := state.UpdateAccount(address, info, nil); err != nil {
		t.Fatalf("update_account: %v", err)
	}

	cleared := ClearedSparseStateTrieFrom(state)
	out := cleared.Into()
	if out != state {
		t.Fatalf("Into() must hand back the same instance it was built from")
	}
	if out.accounts.IsRevealed() {
		t.Fatalf("account trie still revealed after Clear")
	}
	path := NewPathFromKey(address.Bytes())
	if _, found := out.accounts.GetLeafValue(path); found {
		t.Fatalf("account leaf survived Clear")
	}
}
