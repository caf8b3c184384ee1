package driver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eth2030/sparsetrie"
	"github.com/eth2030/sparsetrie/core/types"
	"github.com/eth2030/sparsetrie/log"
)

var driverLog = log.Default().Module("sparsetrie.driver")

// ProviderFactory supplies the node providers a driver run needs: one for
// the account trie, and a factory minting one per account for storage
// tries (spec.md §6 "Node provider interface").
type ProviderFactory interface {
	AccountNodeProvider() sparsetrie.AccountNodeProvider
	StorageNodeProviderFactory() sparsetrie.StorageNodeProviderFactory
}

// Result is what Run returns on channel close: the final state root and
// trie delta, plus the drained SparseStateTrie handed back for recycling
// into the next Run (spec.md §4.6 contract).
type Result struct {
	Updates *sparsetrie.StateTrieUpdates
	Trie    *sparsetrie.SparseStateTrie
}

// Run drains updates, applying each coalesced batch through
// updateSparseTrie, until the channel closes, then computes the final root
// with updates. ctx cancellation aborts the wait on the next channel
// receive; an in-flight batch application is not interrupted mid-step.
func Run(ctx context.Context, updates <-chan *SparseTrieUpdate, cleared sparsetrie.ClearedSparseStateTrie, providers ProviderFactory) (*Result, error) {
	state := cleared.Into()
	state.SetAccountProvider(providers.AccountNodeProvider())
	state.SetStorageProviderFactory(providers.StorageNodeProviderFactory())

	for {
		select {
		case <-ctx.Done():
			return &Result{Trie: state}, ctx.Err()

		case batch, ok := <-updates:
			if !ok {
				result, err := finalizeRoot(state)
				return &Result{Updates: result, Trie: state}, err
			}
			coalesced := drainReady(updates, batch)
			start := time.Now()
			if err := updateSparseTrie(state, coalesced, providers); err != nil {
				return &Result{Trie: state}, fmt.Errorf("sparsetrie/driver: apply batch: %w", err)
			}
			batchDuration.Observe(float64(time.Since(start).Milliseconds()))
			driverLog.Debug("applied batch", "accounts", len(coalesced.State.Accounts), "storages", len(coalesced.State.Storages))
		}
	}
}

// drainReady coalesces first plus every additional batch already sitting in
// updates, without blocking, into one logical batch (spec.md §4.6 step 1).
func drainReady(updates <-chan *SparseTrieUpdate, first *SparseTrieUpdate) *SparseTrieUpdate {
	merged := &SparseTrieUpdate{}
	merged.Extend(first)
	for {
		select {
		case next, ok := <-updates:
			if !ok {
				return merged
			}
			merged.Extend(next)
			batchesCoalesced.Inc()
		default:
			return merged
		}
	}
}

func finalizeRoot(state *sparsetrie.SparseStateTrie) (*sparsetrie.StateTrieUpdates, error) {
	start := time.Now()
	result, err := state.RootWithUpdates()
	finalRootDuration.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, err
	}
	driverLog.Info("final root computed", "state_root", result.StateRoot.Hex())
	return result, nil
}

// storageJobResult is what each per-account parallel worker in
// updateSparseTrie step 2 sends back.
type storageJobResult struct {
	address types.Hash
	trie    *sparsetrie.SparseTrie
}

// updateSparseTrie applies one coalesced batch, per spec.md §4.7:
//  1. reveal_decoded_multiproof
//  2. parallel per-account storage mutation + root finalize
//  3. fold storage results back, pairing matching account updates
//  4. apply remaining account-only updates in insertion order
//  5. calculate_subtries
func updateSparseTrie(state *sparsetrie.SparseStateTrie, batch *SparseTrieUpdate, providers ProviderFactory) error {
	step := time.Now()
	if batch.MultiProof != nil {
		if err := state.RevealDecodedMultiProof(batch.MultiProof); err != nil {
			return err
		}
	}
	revealStepDuration.Observe(stepMillis(step))

	step = time.Now()
	storageFactory := providers.StorageNodeProviderFactory()
	addresses := make([]types.Hash, 0, len(batch.State.Storages))
	for addr := range batch.State.Storages {
		addresses = append(addresses, addr)
	}

	var g errgroup.Group
	results := make(chan storageJobResult, len(addresses))
	for _, addr := range addresses {
		addr := addr
		mutation := batch.State.Storages[addr]
		trie := state.TakeOrCreateStorageTrie(addr)
		if storageFactory != nil {
			trie.SetProvider(storageFactory.StorageNodeProvider(addr))
		}
		g.Go(func() error {
			if mutation.Wiped {
				trie.Wipe()
			}
			for slot, value := range mutation.Storage {
				path := sparsetrie.NewPathFromKey(slot.Bytes())
				if value == nil || value.IsZero() {
					if err := trie.RemoveLeaf(path); err != nil {
						return fmt.Errorf("sparsetrie/driver: remove slot %s of %s: %w", slot.Hex(), addr.Hex(), err)
					}
					continue
				}
				enc, err := sparsetrie.EncodeStorageValue(value)
				if err != nil {
					return err
				}
				if err := trie.UpdateLeaf(path, enc); err != nil {
					return fmt.Errorf("sparsetrie/driver: update slot %s of %s: %w", slot.Hex(), addr.Hex(), err)
				}
			}
			if _, err := trie.Root(); err != nil {
				return fmt.Errorf("sparsetrie/driver: finalize storage root for %s: %w", addr.Hex(), err)
			}
			results <- storageJobResult{address: addr, trie: trie}
			return nil
		})
	}
	workErr := g.Wait()
	close(results)
	storageStepDuration.Observe(stepMillis(step))

	step = time.Now()
	handled := make(map[types.Hash]struct{}, len(addresses))
	for res := range results {
		state.InsertStorageTrie(res.address, res.trie)
		handled[res.address] = struct{}{}
		if info, ok := batch.State.Accounts[res.address]; ok {
			if err := state.UpdateAccount(res.address, info, nil); err != nil {
				return err
			}
		} else if state.AccountIsRevealed(res.address) {
			if err := state.UpdateAccountStorageRoot(res.address, nil); err != nil {
				return err
			}
		}
	}
	if workErr != nil {
		return workErr
	}

	for addr, info := range batch.State.Accounts {
		if _, done := handled[addr]; done {
			continue
		}
		if err := state.UpdateAccount(addr, info, nil); err != nil {
			return err
		}
	}
	accountStepDuration.Observe(stepMillis(step))

	step = time.Now()
	if err := state.CalculateSubtries(); err != nil {
		return err
	}
	subtriesStepDuration.Observe(stepMillis(step))
	return nil
}

func stepMillis(since time.Time) float64 {
	return float64(time.Since(since).Milliseconds())
}
