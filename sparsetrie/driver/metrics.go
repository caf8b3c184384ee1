package driver

import "github.com/eth2030/sparsetrie/metrics"

// Step timing histograms, registered the way metrics/standard.go registers
// chain.block_process_ms and friends: package-level vars backed by
// metrics.DefaultRegistry, created on first access.
var (
	batchDuration        = metrics.DefaultRegistry.Histogram("sparsetrie.driver.batch_ms")
	finalRootDuration    = metrics.DefaultRegistry.Histogram("sparsetrie.driver.final_root_ms")
	revealStepDuration   = metrics.DefaultRegistry.Histogram("sparsetrie.driver.step.reveal_ms")
	storageStepDuration  = metrics.DefaultRegistry.Histogram("sparsetrie.driver.step.storage_ms")
	accountStepDuration  = metrics.DefaultRegistry.Histogram("sparsetrie.driver.step.account_ms")
	subtriesStepDuration = metrics.DefaultRegistry.Histogram("sparsetrie.driver.step.subtries_ms")

	batchesCoalesced = metrics.DefaultRegistry.Counter("sparsetrie.driver.batches_coalesced")
)
