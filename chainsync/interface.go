// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/btcsuite/btcspv/chaindb"
	"github.com/btcsuite/btcspv/txmatch"
)

// HeaderChain links and unlinks block headers in the stored chain.  The
// headerchain package provides the production implementation.
type HeaderChain interface {
	// Connect links the merkle block strictly after the current chain tip.
	Connect(mb *chaindb.MerkleBlock) (*chaindb.Block, error)

	// ForceAdd links the merkle block at the given trusted height without
	// requiring tip adjacency.
	ForceAdd(mb *chaindb.MerkleBlock, height int32) (*chaindb.Block, error)

	// DeleteBlocks removes the passed blocks and their dependent records.
	DeleteBlocks(blocks []*chaindb.Block) error

	// HandleFork detects and resolves a fork between the canonical branch
	// and newly downloaded blocks.
	HandleFork() error
}

// TxProcessor matches a block's filtered transactions against the wallet.
// The txmatch package provides the production implementation.
type TxProcessor interface {
	Process(txns []*btcutil.Tx, block *chaindb.Block, skipFilterCheck bool) (txmatch.Result, error)
}

// AddressGapFiller derives additional wallet addresses to restore the
// configured lookahead gap.
type AddressGapFiller interface {
	FillGap() error
}

// FilterRegenerator rebuilds the membership filter over the current watched
// set.
type FilterRegenerator interface {
	Regenerate() error
}

// SyncListener receives sync progress signals.  Implementations must not call
// back into the Syncer.
type SyncListener interface {
	// InitialBestHeightReported delivers the locally downloaded best height
	// once, at construction.
	InitialBestHeightReported(height int32)

	// BestHeightUpdated delivers the height of each ingested block together
	// with the greatest height any connected peer has declared.
	BestHeightUpdated(height, peerMaxHeight int32)
}

// Config houses the collaborators and parameters needed to construct a
// Syncer.
type Config struct {
	// Store is the persistence layer all chain state flows through.
	Store chaindb.Store

	// Chain links downloaded headers into the stored chain.
	Chain HeaderChain

	// TxProcessor matches and persists each block's transactions.
	TxProcessor TxProcessor

	// AddressManager restores the address lookahead gap during recovery.
	AddressManager AddressGapFiller

	// FilterManager regenerates the membership filter during recovery.
	FilterManager FilterRegenerator

	// Listener receives progress signals.  It may be nil.
	Listener SyncListener

	// Checkpoint is the permanently retained chain root.  It is seeded into
	// an empty store at construction and never rolled back or deleted.
	Checkpoint *chaindb.Block

	// MaxPendingHashes bounds the batch returned by PendingHashes.  Zero
	// selects DefaultMaxPendingHashes.
	MaxPendingHashes int
}
