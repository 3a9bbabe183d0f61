// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaindb

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Store provides the persistence contract the sync orchestrator and its
// collaborators operate through.  Lookup methods return a nil record, not an
// error, when the requested record does not exist.
//
// Implementations are not required to be safe for concurrent mutation: all
// state-changing calls funnel through a single sync loop by contract.
type Store interface {
	// BlocksCount returns the number of stored blocks.
	BlocksCount() (int, error)

	// BlocksCountIn returns how many of the passed header hashes have a
	// stored block.
	BlocksCountIn(hashes []chainhash.Hash) (int, error)

	// BestBlock returns the stored block with the greatest height,
	// regardless of its stale flag.
	BestBlock() (*Block, error)

	// BlockByHash returns the block with the given header hash.
	BlockByHash(hash *chainhash.Hash) (*Block, error)

	// BlockByHeight returns a block stored at the given height.  When both
	// a canonical and a stale block occupy the height, the canonical one is
	// preferred.
	BlockByHeight(height int32) (*Block, error)

	// BlocksHeightGreaterThan returns blocks with height strictly greater
	// than the passed height, ordered by ascending height.  A limit of zero
	// means no limit.
	BlocksHeightGreaterThan(height int32, limit int) ([]*Block, error)

	// BlockByStale returns the lowest (highest when descending is true)
	// block carrying the given stale flag.
	BlockByStale(stale bool, descending bool) (*Block, error)

	// BlocksByStale returns all blocks carrying the given stale flag,
	// ordered by ascending height.
	BlocksByStale(stale bool) ([]*Block, error)

	// UnstaleAllBlocks clears the stale flag on every stored block.
	UnstaleAllBlocks() error

	// SaveBlock stores the block, replacing any block with the same header
	// hash.
	SaveBlock(block *Block) error

	// DeleteBlocks removes the passed blocks.
	DeleteBlocks(blocks []*Block) error

	// LastBlockHash returns the pending block hash with the greatest order
	// value.
	LastBlockHash() (*BlockHash, error)

	// LastBlockchainBlockHash returns the pending block hash with the
	// greatest order value among those discovered through normal chain
	// negotiation (height zero).
	LastBlockchainBlockHash() (*BlockHash, error)

	// BlockHashes returns pending block hashes ordered by order, then by
	// height, capped at limit.  A limit of zero means no limit.
	BlockHashes(limit int) ([]*BlockHash, error)

	// TrackedHashes returns the set of header hashes currently pending
	// download.
	TrackedHashes() ([]chainhash.Hash, error)

	// TrackedHashesExcept returns the tracked hashes minus the passed set.
	TrackedHashesExcept(except []chainhash.Hash) ([]chainhash.Hash, error)

	// AddBlockHashes stores the passed pending hashes.  Entries whose hash
	// is already tracked are ignored.
	AddBlockHashes(hashes []*BlockHash) error

	// DeleteBlockHash removes the pending entry for the given header hash,
	// if any.
	DeleteBlockHash(hash *chainhash.Hash) error

	// DeleteBlockchainBlockHashes removes every pending hash discovered
	// through normal chain negotiation (height zero).  Hashes carrying a
	// trusted height remain tracked.
	DeleteBlockchainBlockHashes() error

	// SaveMatchedTransactions stores transactions that matched the wallet
	// within the given block.  Transactions already stored for the block
	// are not duplicated.
	SaveMatchedTransactions(blockHash *chainhash.Hash, txns []*btcutil.Tx) error

	// MatchedTransactions returns the stored matched transactions for the
	// given block.
	MatchedTransactions(blockHash *chainhash.Hash) ([]*btcutil.Tx, error)

	// DeleteMatchedTransactions removes the stored matched transactions for
	// the given block.
	DeleteMatchedTransactions(blockHash *chainhash.Hash) error

	// InTransaction executes fn within a scoped transaction that commits
	// when fn returns nil and rolls back every mutation made through the
	// store when fn returns an error.  Nested calls join the outer
	// transaction.
	InTransaction(fn func() error) error
}
