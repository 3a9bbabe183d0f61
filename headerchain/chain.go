// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package headerchain links downloaded block headers into the locally stored
// chain and resolves forks between the previously canonical branch and newly
// downloaded blocks.
//
// Blocks connected during a download round are marked stale until HandleFork
// decides which branch wins, at which point the losing branch is deleted and
// the winner is made canonical.  The package performs no consensus
// validation; the surrounding client trusts headers as far as an SPV client
// can.
package headerchain

import (
	"fmt"

	"github.com/btcsuite/btcspv/chaindb"
)

// Chain links merkle block headers into the stored chain through a
// chaindb.Store.
type Chain struct {
	store chaindb.Store
}

// New returns a chain operating on the given store.
func New(store chaindb.Store) *Chain {
	return &Chain{store: store}
}

// Connect links the merkle block's header strictly after the current chain
// tip and returns the resulting block.  The new block is marked stale until
// fork handling promotes its branch.  If a block with the same hash is
// already stored it is returned as is.
//
// A RuleError with ErrNotExtendingTip is returned when the header's previous
// block is not the current tip.
func (c *Chain) Connect(mb *chaindb.MerkleBlock) (*chaindb.Block, error) {
	hash := mb.Hash()
	existing, err := c.store.BlockByHash(&hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	tip, err := c.store.BestBlock()
	if err != nil {
		return nil, err
	}
	if tip == nil {
		return nil, ruleError(ErrNoTip, "no chain tip to connect to")
	}
	tipHash := tip.Hash()
	if mb.Header.PrevBlock != tipHash {
		str := fmt.Sprintf("block %v does not extend the chain tip %v",
			hash, tipHash)
		return nil, ruleError(ErrNotExtendingTip, str)
	}

	block := &chaindb.Block{
		Header: mb.Header,
		Height: tip.Height + 1,
		Stale:  true,
	}
	if err := c.store.SaveBlock(block); err != nil {
		return nil, err
	}

	log.Tracef("Connected block %v at height %d", hash, block.Height)
	return block, nil
}

// ForceAdd links the merkle block's header at the given trusted height
// without requiring tip adjacency.  It is used by anchored sync paths where
// the height is already known, so the resulting block is stored canonical.
func (c *Chain) ForceAdd(mb *chaindb.MerkleBlock, height int32) (*chaindb.Block, error) {
	block := &chaindb.Block{
		Header: mb.Header,
		Height: height,
	}
	if err := c.store.SaveBlock(block); err != nil {
		return nil, err
	}

	log.Tracef("Force added block %v at height %d", mb.Hash(), height)
	return block, nil
}

// DeleteBlocks removes the passed blocks along with the matched transactions
// stored for them.
func (c *Chain) DeleteBlocks(blocks []*chaindb.Block) error {
	for _, block := range blocks {
		hash := block.Hash()
		if err := c.store.DeleteMatchedTransactions(&hash); err != nil {
			return err
		}
	}
	return c.store.DeleteBlocks(blocks)
}

// HandleFork resolves the fork, if any, between the canonical branch and the
// stale blocks accumulated by the last download round.  When the stale branch
// has outgrown the canonical branch, the canonical blocks above the fork
// point are deleted and the stale branch is promoted; otherwise the stale
// branch is discarded.  When there is no competing canonical branch the stale
// blocks are simply promoted.
//
// The whole resolution executes within one storage transaction.
func (c *Chain) HandleFork() error {
	firstStale, err := c.store.BlockByStale(true, false)
	if err != nil {
		return err
	}
	if firstStale == nil {
		return nil
	}

	lastCanonical, err := c.store.BlockByStale(false, true)
	if err != nil {
		return err
	}
	lastCanonicalHeight := int32(0)
	if lastCanonical != nil {
		lastCanonicalHeight = lastCanonical.Height
	}

	return c.store.InTransaction(func() error {
		if firstStale.Height > lastCanonicalHeight {
			// No competing canonical blocks above the fork point.
			return c.store.UnstaleAllBlocks()
		}

		lastStale, err := c.store.BlockByStale(true, true)
		if err != nil {
			return err
		}
		if lastStale.Height <= lastCanonicalHeight {
			// The new branch lost.  Drop it and keep the canonical
			// chain untouched.
			staleBlocks, err := c.store.BlocksByStale(true)
			if err != nil {
				return err
			}
			log.Infof("Dropping losing fork of %d block(s) from "+
				"height %d", len(staleBlocks), firstStale.Height)
			return c.DeleteBlocks(staleBlocks)
		}

		// The new branch won.  Delete the superseded canonical blocks
		// from the fork point up and promote the new branch.
		canonical, err := c.store.BlocksHeightGreaterThan(
			firstStale.Height-1, 0,
		)
		if err != nil {
			return err
		}
		losing := canonical[:0]
		for _, block := range canonical {
			if !block.Stale {
				losing = append(losing, block)
			}
		}
		log.Infof("Reorganizing: replacing %d block(s) from height %d",
			len(losing), firstStale.Height)
		if err := c.DeleteBlocks(losing); err != nil {
			return err
		}
		return c.store.UnstaleAllBlocks()
	})
}
