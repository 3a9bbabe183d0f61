// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain_test

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/btcspv/chaindb"
	"github.com/btcsuite/btcspv/chaindb/memdb"
	"github.com/btcsuite/btcspv/headerchain"
)

const rootHeight = int32(100)

func testHeader(prev chainhash.Hash, nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: time.Unix(1712345678, 0),
		Bits:      0x1d00ffff,
		Nonce:     nonce,
	}
}

// newTestChain returns a chain over a store seeded with a canonical root
// block at rootHeight.
func newTestChain(t *testing.T) (*headerchain.Chain, *memdb.Store, *chaindb.Block) {
	t.Helper()

	store := memdb.New()
	root := &chaindb.Block{
		Header: testHeader(chainhash.Hash{}, 0),
		Height: rootHeight,
	}
	require.NoError(t, store.SaveBlock(root))
	return headerchain.New(store), store, root
}

// connectChain connects n headers on top of prev and returns the resulting
// blocks.
func connectChain(t *testing.T, chain *headerchain.Chain, prev chainhash.Hash,
	n int, nonceOffset uint32) []*chaindb.Block {

	t.Helper()

	blocks := make([]*chaindb.Block, 0, n)
	for i := 0; i < n; i++ {
		header := testHeader(prev, nonceOffset+uint32(i)+1)
		block, err := chain.Connect(&chaindb.MerkleBlock{Header: header})
		require.NoError(t, err)
		blocks = append(blocks, block)
		prev = block.Hash()
	}
	return blocks
}

func TestConnectSequential(t *testing.T) {
	chain, store, root := newTestChain(t)

	blocks := connectChain(t, chain, root.Hash(), 2, 0)
	require.Equal(t, rootHeight+1, blocks[0].Height)
	require.Equal(t, rootHeight+2, blocks[1].Height)
	require.True(t, blocks[0].Stale, "connected block must start stale")

	best, err := store.BestBlock()
	require.NoError(t, err)
	require.Equal(t, blocks[1].Hash(), best.Hash())
}

func TestConnectNotExtendingTip(t *testing.T) {
	chain, store, _ := newTestChain(t)

	header := testHeader(chainhash.Hash{1, 2, 3}, 9)
	_, err := chain.Connect(&chaindb.MerkleBlock{Header: header})
	require.True(t,
		headerchain.IsRuleErrorCode(err, headerchain.ErrNotExtendingTip),
		"unexpected error: %v", err)

	count, err := store.BlocksCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestConnectExistingBlock(t *testing.T) {
	chain, store, root := newTestChain(t)

	blocks := connectChain(t, chain, root.Hash(), 1, 0)

	// Reconnecting the same header returns the stored block unchanged.
	again, err := chain.Connect(&chaindb.MerkleBlock{
		Header: blocks[0].Header,
	})
	require.NoError(t, err)
	require.Equal(t, blocks[0].Height, again.Height)

	count, err := store.BlocksCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestForceAdd(t *testing.T) {
	chain, store, _ := newTestChain(t)

	header := testHeader(chainhash.Hash{7}, 70)
	block, err := chain.ForceAdd(
		&chaindb.MerkleBlock{Header: header}, rootHeight+40,
	)
	require.NoError(t, err)
	require.Equal(t, rootHeight+40, block.Height)
	require.False(t, block.Stale, "force-added block must be canonical")

	hash := header.BlockHash()
	stored, err := store.BlockByHash(&hash)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestHandleForkNoStale(t *testing.T) {
	chain, store, _ := newTestChain(t)

	require.NoError(t, chain.HandleFork())

	count, err := store.BlocksCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

// TestHandleForkPromotes ensures stale blocks above the canonical tip are
// simply promoted.
func TestHandleForkPromotes(t *testing.T) {
	chain, store, root := newTestChain(t)

	connectChain(t, chain, root.Hash(), 3, 0)
	require.NoError(t, chain.HandleFork())

	stale, err := store.BlocksByStale(true)
	require.NoError(t, err)
	require.Empty(t, stale)

	best, err := store.BestBlock()
	require.NoError(t, err)
	require.Equal(t, rootHeight+3, best.Height)
}

// TestHandleForkNewBranchWins ensures a longer downloaded branch replaces the
// canonical blocks above the fork point.
func TestHandleForkNewBranchWins(t *testing.T) {
	chain, store, root := newTestChain(t)

	// Canonical branch of 2 blocks.
	oldBranch := connectChain(t, chain, root.Hash(), 2, 0)
	require.NoError(t, chain.HandleFork())

	// Competing branch of 3 blocks from the root.
	newBranch := make([]*chaindb.Block, 0, 3)
	prev := root.Hash()
	for i := 0; i < 3; i++ {
		header := testHeader(prev, 100+uint32(i))
		block := &chaindb.Block{
			Header: header,
			Height: rootHeight + int32(i) + 1,
			Stale:  true,
		}
		require.NoError(t, store.SaveBlock(block))
		newBranch = append(newBranch, block)
		prev = block.Hash()
	}

	require.NoError(t, chain.HandleFork())

	for _, block := range oldBranch {
		hash := block.Hash()
		stored, err := store.BlockByHash(&hash)
		require.NoError(t, err)
		require.Nil(t, stored, "losing block %v survived", hash)
	}
	for _, block := range newBranch {
		hash := block.Hash()
		stored, err := store.BlockByHash(&hash)
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.False(t, stored.Stale)
	}
}

// TestHandleForkNewBranchLoses ensures a downloaded branch no longer than the
// canonical one is discarded.
func TestHandleForkNewBranchLoses(t *testing.T) {
	chain, store, root := newTestChain(t)

	oldBranch := connectChain(t, chain, root.Hash(), 3, 0)
	require.NoError(t, chain.HandleFork())

	var staleHashes []chainhash.Hash
	prev := root.Hash()
	for i := 0; i < 2; i++ {
		header := testHeader(prev, 200+uint32(i))
		block := &chaindb.Block{
			Header: header,
			Height: rootHeight + int32(i) + 1,
			Stale:  true,
		}
		require.NoError(t, store.SaveBlock(block))
		staleHashes = append(staleHashes, block.Hash())
		prev = block.Hash()
	}

	require.NoError(t, chain.HandleFork())

	for _, hash := range staleHashes {
		hash := hash
		stored, err := store.BlockByHash(&hash)
		require.NoError(t, err)
		require.Nil(t, stored, "losing stale block %v survived", hash)
	}
	for _, block := range oldBranch {
		hash := block.Hash()
		stored, err := store.BlockByHash(&hash)
		require.NoError(t, err)
		require.NotNil(t, stored)
	}
}

// TestDeleteBlocksCascades ensures deleting blocks drops their matched
// transactions as well.
func TestDeleteBlocksCascades(t *testing.T) {
	chain, store, root := newTestChain(t)

	blocks := connectChain(t, chain, root.Hash(), 1, 0)
	blockHash := blocks[0].Hash()

	tx := btcutil.NewTx(&wire.MsgTx{Version: 1})
	require.NoError(t, store.SaveMatchedTransactions(
		&blockHash, []*btcutil.Tx{tx},
	))

	require.NoError(t, chain.DeleteBlocks(blocks))

	stored, err := store.BlockByHash(&blockHash)
	require.NoError(t, err)
	require.Nil(t, stored)

	txns, err := store.MatchedTransactions(&blockHash)
	require.NoError(t, err)
	require.Empty(t, txns)
}
