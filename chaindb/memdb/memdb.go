// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package memdb implements an ephemeral, memory-backed chaindb.Store.  It is
// primarily intended for testing and for throwaway sync sessions where
// persistence across restarts is not needed.
package memdb

import (
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcsuite/btcspv/chaindb"
)

// Store is a memory-backed implementation of chaindb.Store.  Transactions are
// implemented by snapshotting the maps on entry and restoring the snapshot on
// rollback, which is cheap at the scale an SPV client stores data.
type Store struct {
	mtx sync.Mutex

	blocks  map[chainhash.Hash]chaindb.Block
	hashes  map[chainhash.Hash]chaindb.BlockHash
	matched map[chainhash.Hash][]*btcutil.Tx

	inTx bool
	snap *snapshot
}

type snapshot struct {
	blocks  map[chainhash.Hash]chaindb.Block
	hashes  map[chainhash.Hash]chaindb.BlockHash
	matched map[chainhash.Hash][]*btcutil.Tx
}

// Ensure Store implements the chaindb.Store interface.
var _ chaindb.Store = (*Store)(nil)

// New returns an empty memory-backed store.
func New() *Store {
	return &Store{
		blocks:  make(map[chainhash.Hash]chaindb.Block),
		hashes:  make(map[chainhash.Hash]chaindb.BlockHash),
		matched: make(map[chainhash.Hash][]*btcutil.Tx),
	}
}

// BlocksCount returns the number of stored blocks.
func (s *Store) BlocksCount() (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.blocks), nil
}

// BlocksCountIn returns how many of the passed hashes have a stored block.
func (s *Store) BlocksCountIn(hashes []chainhash.Hash) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	count := 0
	for _, hash := range hashes {
		if _, ok := s.blocks[hash]; ok {
			count++
		}
	}
	return count, nil
}

// BestBlock returns the stored block with the greatest height.
func (s *Store) BestBlock() (*chaindb.Block, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var best *chaindb.Block
	for _, block := range s.blocks {
		block := block
		if best == nil || block.Height > best.Height {
			best = &block
		}
	}
	return best, nil
}

// BlockByHash returns the block with the given header hash, or nil.
func (s *Store) BlockByHash(hash *chainhash.Hash) (*chaindb.Block, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if block, ok := s.blocks[*hash]; ok {
		return &block, nil
	}
	return nil, nil
}

// BlockByHeight returns a block stored at the given height, preferring a
// canonical block over a stale one.
func (s *Store) BlockByHeight(height int32) (*chaindb.Block, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var found *chaindb.Block
	for _, block := range s.blocks {
		block := block
		if block.Height != height {
			continue
		}
		if !block.Stale {
			return &block, nil
		}
		if found == nil {
			found = &block
		}
	}
	return found, nil
}

// BlocksHeightGreaterThan returns blocks above the given height in ascending
// height order, capped at limit (zero for no limit).
func (s *Store) BlocksHeightGreaterThan(height int32, limit int) ([]*chaindb.Block, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var blocks []*chaindb.Block
	for _, block := range s.blocks {
		block := block
		if block.Height > height {
			blocks = append(blocks, &block)
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Height < blocks[j].Height
	})
	if limit > 0 && len(blocks) > limit {
		blocks = blocks[:limit]
	}
	return blocks, nil
}

// BlockByStale returns the lowest (or highest) block with the given stale
// flag, or nil if no such block exists.
func (s *Store) BlockByStale(stale bool, descending bool) (*chaindb.Block, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var found *chaindb.Block
	for _, block := range s.blocks {
		block := block
		if block.Stale != stale {
			continue
		}
		switch {
		case found == nil:
			found = &block
		case descending && block.Height > found.Height:
			found = &block
		case !descending && block.Height < found.Height:
			found = &block
		}
	}
	return found, nil
}

// BlocksByStale returns all blocks with the given stale flag in ascending
// height order.
func (s *Store) BlocksByStale(stale bool) ([]*chaindb.Block, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var blocks []*chaindb.Block
	for _, block := range s.blocks {
		block := block
		if block.Stale == stale {
			blocks = append(blocks, &block)
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Height < blocks[j].Height
	})
	return blocks, nil
}

// UnstaleAllBlocks clears the stale flag on every stored block.
func (s *Store) UnstaleAllBlocks() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for hash, block := range s.blocks {
		if block.Stale {
			block.Stale = false
			s.blocks[hash] = block
		}
	}
	return nil
}

// SaveBlock stores the block, replacing any block with the same hash.
func (s *Store) SaveBlock(block *chaindb.Block) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.blocks[block.Hash()] = *block
	return nil
}

// DeleteBlocks removes the passed blocks.
func (s *Store) DeleteBlocks(blocks []*chaindb.Block) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, block := range blocks {
		delete(s.blocks, block.Hash())
	}
	return nil
}

// LastBlockHash returns the pending hash with the greatest order value.
func (s *Store) LastBlockHash() (*chaindb.BlockHash, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var last *chaindb.BlockHash
	for _, entry := range s.hashes {
		entry := entry
		if last == nil || entry.Order > last.Order {
			last = &entry
		}
	}
	return last, nil
}

// LastBlockchainBlockHash returns the pending hash with the greatest order
// value among height-zero entries.
func (s *Store) LastBlockchainBlockHash() (*chaindb.BlockHash, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var last *chaindb.BlockHash
	for _, entry := range s.hashes {
		entry := entry
		if entry.Height != 0 {
			continue
		}
		if last == nil || entry.Order > last.Order {
			last = &entry
		}
	}
	return last, nil
}

// BlockHashes returns pending hashes ordered by order, then height, capped at
// limit (zero for no limit).
func (s *Store) BlockHashes(limit int) ([]*chaindb.BlockHash, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	entries := make([]*chaindb.BlockHash, 0, len(s.hashes))
	for _, entry := range s.hashes {
		entry := entry
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Order != entries[j].Order {
			return entries[i].Order < entries[j].Order
		}
		return entries[i].Height < entries[j].Height
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// TrackedHashes returns the set of pending header hashes.
func (s *Store) TrackedHashes() ([]chainhash.Hash, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	hashes := make([]chainhash.Hash, 0, len(s.hashes))
	for hash := range s.hashes {
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// TrackedHashesExcept returns the tracked hashes minus the passed set.
func (s *Store) TrackedHashesExcept(except []chainhash.Hash) ([]chainhash.Hash, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	excluded := make(map[chainhash.Hash]struct{}, len(except))
	for _, hash := range except {
		excluded[hash] = struct{}{}
	}
	var hashes []chainhash.Hash
	for hash := range s.hashes {
		if _, ok := excluded[hash]; !ok {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

// AddBlockHashes stores the passed pending hashes, ignoring already-tracked
// entries.
func (s *Store) AddBlockHashes(hashes []*chaindb.BlockHash) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, entry := range hashes {
		if _, ok := s.hashes[entry.Hash]; ok {
			continue
		}
		s.hashes[entry.Hash] = *entry
	}
	return nil
}

// DeleteBlockHash removes the pending entry for the given hash.
func (s *Store) DeleteBlockHash(hash *chainhash.Hash) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.hashes, *hash)
	return nil
}

// DeleteBlockchainBlockHashes removes all height-zero pending hashes.
func (s *Store) DeleteBlockchainBlockHashes() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for hash, entry := range s.hashes {
		if entry.Height == 0 {
			delete(s.hashes, hash)
		}
	}
	return nil
}

// SaveMatchedTransactions stores matched transactions for the given block.
// Transactions already stored for the block are not duplicated.
func (s *Store) SaveMatchedTransactions(blockHash *chainhash.Hash, txns []*btcutil.Tx) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	stored := s.matched[*blockHash]
	known := make(map[chainhash.Hash]struct{}, len(stored))
	for _, tx := range stored {
		known[*tx.Hash()] = struct{}{}
	}
	for _, tx := range txns {
		if _, ok := known[*tx.Hash()]; ok {
			continue
		}
		known[*tx.Hash()] = struct{}{}
		stored = append(stored, tx)
	}
	s.matched[*blockHash] = stored
	return nil
}

// MatchedTransactions returns the stored matched transactions for the block.
func (s *Store) MatchedTransactions(blockHash *chainhash.Hash) ([]*btcutil.Tx, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return append([]*btcutil.Tx(nil), s.matched[*blockHash]...), nil
}

// DeleteMatchedTransactions removes the stored matched transactions for the
// block.
func (s *Store) DeleteMatchedTransactions(blockHash *chainhash.Hash) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.matched, *blockHash)
	return nil
}

// InTransaction executes fn, restoring the pre-call state when fn returns an
// error.  Nested calls join the outer transaction.
func (s *Store) InTransaction(fn func() error) error {
	s.mtx.Lock()
	if s.inTx {
		s.mtx.Unlock()
		return fn()
	}
	s.inTx = true
	s.snap = s.takeSnapshot()
	s.mtx.Unlock()

	err := fn()

	s.mtx.Lock()
	if err != nil {
		s.blocks = s.snap.blocks
		s.hashes = s.snap.hashes
		s.matched = s.snap.matched
	}
	s.inTx = false
	s.snap = nil
	s.mtx.Unlock()

	return err
}

// takeSnapshot copies the store maps.  Must be called with the mutex held.
func (s *Store) takeSnapshot() *snapshot {
	snap := &snapshot{
		blocks:  make(map[chainhash.Hash]chaindb.Block, len(s.blocks)),
		hashes:  make(map[chainhash.Hash]chaindb.BlockHash, len(s.hashes)),
		matched: make(map[chainhash.Hash][]*btcutil.Tx, len(s.matched)),
	}
	for hash, block := range s.blocks {
		snap.blocks[hash] = block
	}
	for hash, entry := range s.hashes {
		snap.hashes[hash] = entry
	}
	for hash, txns := range s.matched {
		snap.matched[hash] = append([]*btcutil.Tx(nil), txns...)
	}
	return snap
}
