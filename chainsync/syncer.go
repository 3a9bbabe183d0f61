// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcsuite/btcspv/chaindb"
)

// DefaultMaxPendingHashes bounds how many pending block hashes are handed to
// the download loop at once.  Bounding the batch prevents unbounded
// peer-driven memory growth and gives the loop natural batching.
const DefaultMaxPendingHashes = 500

// Syncer orchestrates block download for one sync session.  It tracks the
// hashes peers announce, ingests the merkle blocks they return, and recovers
// from interrupted rounds and from membership-filter exhaustion.
//
// Every state-changing method must be invoked from a single driving sync
// loop; only the read-only negotiation helpers (BuildLocatorHashes,
// ShouldRequest) tolerate concurrent callers.
type Syncer struct {
	store            chaindb.Store
	chain            HeaderChain
	txProcessor      TxProcessor
	addressManager   AddressGapFiller
	filterManager    FilterRegenerator
	listener         SyncListener
	checkpoint       *chaindb.Block
	maxPendingHashes int

	state syncState
}

// New constructs a Syncer from the given config.  When the store holds no
// blocks the checkpoint is persisted as the chain root, so the store always
// contains at least one block afterwards.  The initial best height is
// reported to the listener.
func New(cfg *Config) (*Syncer, error) {
	s := &Syncer{
		store:            cfg.Store,
		chain:            cfg.Chain,
		txProcessor:      cfg.TxProcessor,
		addressManager:   cfg.AddressManager,
		filterManager:    cfg.FilterManager,
		listener:         cfg.Listener,
		checkpoint:       cfg.Checkpoint,
		maxPendingHashes: cfg.MaxPendingHashes,
	}
	if s.maxPendingHashes == 0 {
		s.maxPendingHashes = DefaultMaxPendingHashes
	}

	count, err := s.store.BlocksCount()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		if err := s.store.SaveBlock(s.checkpoint); err != nil {
			return nil, err
		}
		log.Infof("Seeded chain with checkpoint %v at height %d",
			s.checkpoint.Hash(), s.checkpoint.Height)
	}

	if s.listener != nil {
		height, err := s.LocalDownloadedBestBlockHeight()
		if err != nil {
			return nil, err
		}
		s.listener.InitialBestHeightReported(height)
	}
	return s, nil
}

// LocalDownloadedBestBlockHeight returns the height of the best block that
// has actually been downloaded and linked.
func (s *Syncer) LocalDownloadedBestBlockHeight() (int32, error) {
	best, err := s.store.BestBlock()
	if err != nil || best == nil {
		return 0, err
	}
	return best.Height, nil
}

// LocalKnownBestBlockHeight returns the downloaded best height plus the
// number of tracked hashes whose blocks have not been downloaded yet.  It
// estimates how far the chain is known to extend beyond what has been
// ingested.
func (s *Syncer) LocalKnownBestBlockHeight() (int32, error) {
	tracked, err := s.store.TrackedHashesExcept(
		[]chainhash.Hash{s.checkpoint.Hash()},
	)
	if err != nil {
		return 0, err
	}
	existing := 0
	if len(tracked) > 0 {
		existing, err = s.store.BlocksCountIn(tracked)
		if err != nil {
			return 0, err
		}
	}
	downloaded, err := s.LocalDownloadedBestBlockHeight()
	if err != nil {
		return 0, err
	}
	return downloaded + int32(len(tracked)-existing), nil
}

// Ingest links the merkle block into the chain, matches its transactions
// against the wallet, and retires the block's pending-hash entry, all within
// one storage transaction.  On success the new block's height is returned and
// reported to the listener along with the peer-declared maximum height.
//
// A merkle block carrying a trusted height is force-linked at that height;
// otherwise it must extend the current tip, and a headerchain RuleError with
// ErrNotExtendingTip is returned when it does not (the transaction is rolled
// back and storage is unchanged).
//
// Filter exhaustion reported by the matcher is not an error: the block is
// kept, the iteration is marked partial, and the pending-hash entry is left
// in place so the block is fetched again after the filter is regenerated.
func (s *Syncer) Ingest(mb *chaindb.MerkleBlock, maxPeerHeight int32) (int32, error) {
	var block *chaindb.Block
	err := s.store.InTransaction(func() error {
		var err error
		if mb.Height > 0 {
			block, err = s.chain.ForceAdd(mb, mb.Height)
		} else {
			block, err = s.chain.Connect(mb)
		}
		if err != nil {
			return err
		}

		result, err := s.txProcessor.Process(
			mb.Transactions, block,
			s.state.iterationHasPartialBlocks,
		)
		if err != nil {
			return err
		}
		if result.FilterExhausted {
			log.Debugf("Bloom filter exhausted at block %v "+
				"(height %d)", block.Hash(), block.Height)
			s.state.iteration(true)
		}

		if !s.state.iterationHasPartialBlocks {
			hash := block.Hash()
			if err := s.store.DeleteBlockHash(&hash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.listener != nil {
		s.listener.BestHeightUpdated(block.Height, maxPeerHeight)
	}
	return block.Height, nil
}

// PrepareForDownload resets the chain state for a fresh download round: any
// partial-block fallout from the previous round is recovered first (address
// gap refill and filter regeneration depend on the currently matched
// transactions), then every block except the checkpoint is deleted, the
// pending hashes of the normal sync path are cleared, and fork resolution
// runs against the now-connected peers.
//
// Errors are logged, never propagated: every step is idempotent, so a failed
// run is simply retried by the next invocation.
func (s *Syncer) PrepareForDownload() {
	if err := s.prepareForDownload(); err != nil {
		log.Errorf("Failed to prepare for block download: %v", err)
	}
}

func (s *Syncer) prepareForDownload() error {
	if err := s.recoverPartialBlocks(); err != nil {
		return err
	}
	if err := s.clearBlocksAfterCheckpoint(); err != nil {
		return err
	}
	if err := s.store.DeleteBlockchainBlockHashes(); err != nil {
		return err
	}
	return s.chain.HandleFork()
}

// recoverPartialBlocks runs the partial-iteration recovery step when needed:
// refill the address gap, regenerate the membership filter, and clear the
// partial flag.
func (s *Syncer) recoverPartialBlocks() error {
	if !s.state.iterationHasPartialBlocks {
		return nil
	}
	if err := s.addressManager.FillGap(); err != nil {
		return err
	}
	if err := s.filterManager.Regenerate(); err != nil {
		return err
	}
	s.state.iteration(false)
	return nil
}

// clearBlocksAfterCheckpoint deletes every stored block except the checkpoint
// within one transaction, so no half-synced chain segment survives a reset.
func (s *Syncer) clearBlocksAfterCheckpoint() error {
	return s.store.InTransaction(func() error {
		blocks, err := s.store.BlocksHeightGreaterThan(
			s.checkpoint.Height-1, 0,
		)
		if err != nil {
			return err
		}

		checkpointHash := s.checkpoint.Hash()
		toDelete := blocks[:0]
		for _, block := range blocks {
			if block.Hash() != checkpointHash {
				toDelete = append(toDelete, block)
			}
		}
		if len(toDelete) == 0 {
			return nil
		}
		log.Debugf("Clearing %d block(s) above checkpoint height %d",
			len(toDelete), s.checkpoint.Height)
		return s.chain.DeleteBlocks(toDelete)
	})
}

// DownloadStarted is invoked when a download round begins.  It is a hook for
// symmetry with the other lifecycle points and currently does nothing.
func (s *Syncer) DownloadStarted() {}

// DownloadIterationCompleted runs the partial-iteration recovery step if the
// just-finished iteration accepted blocks past an exhausted filter.  This is
// the lightweight path between iterations of one round; no chain state is
// wiped.
func (s *Syncer) DownloadIterationCompleted() {
	if err := s.recoverPartialBlocks(); err != nil {
		log.Errorf("Failed to recover partial blocks: %v", err)
	}
}

// DownloadCompleted runs a final fork-resolution pass after a round finishes
// cleanly.
func (s *Syncer) DownloadCompleted() {
	if err := s.chain.HandleFork(); err != nil {
		log.Errorf("Failed to handle fork: %v", err)
	}
}

// DownloadFailed resets the chain state exactly like PrepareForDownload; a
// failed round is recovered by re-running the full preparation sequence.
func (s *Syncer) DownloadFailed() {
	s.PrepareForDownload()
}
