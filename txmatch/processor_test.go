// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txmatch_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/btcspv/chaindb"
	"github.com/btcsuite/btcspv/chaindb/memdb"
	"github.com/btcsuite/btcspv/keychain"
	"github.com/btcsuite/btcspv/txmatch"
)

const testGap = 5

func newTestProcessor(t *testing.T) (*txmatch.Processor, *memdb.Store, *keychain.Manager) {
	t.Helper()

	seed := bytes.Repeat([]byte{0x11}, 32)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	keys, err := keychain.NewManager(master, testGap, &chaincfg.MainNetParams)
	require.NoError(t, err)

	store := memdb.New()
	return txmatch.NewProcessor(store, keys, &chaincfg.MainNetParams), store, keys
}

func testBlock() *chaindb.Block {
	return &chaindb.Block{
		Header: wire.BlockHeader{
			Version:   1,
			Timestamp: time.Unix(1712345678, 0),
			Bits:      0x1d00ffff,
		},
		Height: 123,
	}
}

// payToAddrTx returns a transaction with a single output paying the address.
func payToAddrTx(t *testing.T, addr btcutil.Address, value int64) *btcutil.Tx {
	t.Helper()

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: uint32(value)},
	})
	msgTx.AddTxOut(wire.NewTxOut(value, pkScript))
	return btcutil.NewTx(msgTx)
}

// TestProcessMatches ensures transactions paying a watched address are
// persisted for the block and foreign transactions are not, and that a match
// inside the refilled lookahead window does not report exhaustion.
func TestProcessMatches(t *testing.T) {
	p, store, keys := newTestProcessor(t)
	block := testBlock()

	// Use the address once and refill the gap so the repeat match below
	// stays inside the lookahead window.
	require.True(t, keys.MarkUsed(keys.Addresses()[0]))
	require.NoError(t, keys.FillGap())

	ours := payToAddrTx(t, keys.Addresses()[0], 1000)
	foreign := payToAddrTx(t, foreignAddress(t), 2000)

	result, err := p.Process([]*btcutil.Tx{ours, foreign}, block, false)
	require.NoError(t, err)
	require.False(t, result.FilterExhausted)

	blockHash := block.Hash()
	matched, err := store.MatchedTransactions(&blockHash)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, ours.Hash(), matched[0].Hash())
}

// TestProcessFilterExhausted ensures a match at the edge of the lookahead
// window reports exhaustion, and that skipFilterCheck suppresses it.
func TestProcessFilterExhausted(t *testing.T) {
	p, _, keys := newTestProcessor(t)
	block := testBlock()

	edge := payToAddrTx(t, keys.Addresses()[testGap-1], 1000)
	result, err := p.Process([]*btcutil.Tx{edge}, block, false)
	require.NoError(t, err)
	require.True(t, result.FilterExhausted)
}

func TestProcessSkipFilterCheck(t *testing.T) {
	p, _, keys := newTestProcessor(t)
	block := testBlock()

	edge := payToAddrTx(t, keys.Addresses()[testGap-1], 1000)
	result, err := p.Process([]*btcutil.Tx{edge}, block, true)
	require.NoError(t, err)
	require.False(t, result.FilterExhausted)
}

// TestProcessNoMatches ensures nothing is stored for a block without
// relevant transactions.
func TestProcessNoMatches(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	block := testBlock()

	foreign := payToAddrTx(t, foreignAddress(t), 3000)
	result, err := p.Process([]*btcutil.Tx{foreign}, block, false)
	require.NoError(t, err)
	require.False(t, result.FilterExhausted)

	blockHash := block.Hash()
	matched, err := store.MatchedTransactions(&blockHash)
	require.NoError(t, err)
	require.Empty(t, matched)
}

func foreignAddress(t *testing.T) btcutil.Address {
	t.Helper()

	var hash [20]byte
	copy(hash[:], bytes.Repeat([]byte{0x5f}, 20))
	addr, err := btcutil.NewAddressPubKeyHash(hash[:], &chaincfg.MainNetParams)
	require.NoError(t, err)
	return addr
}

// TestProcessIdempotent ensures reprocessing the same block does not
// duplicate stored matches.
func TestProcessIdempotent(t *testing.T) {
	p, store, keys := newTestProcessor(t)
	block := testBlock()

	ours := payToAddrTx(t, keys.Addresses()[0], 1000)
	_, err := p.Process([]*btcutil.Tx{ours}, block, false)
	require.NoError(t, err)
	_, err = p.Process([]*btcutil.Tx{ours}, block, true)
	require.NoError(t, err)

	blockHash := block.Hash()
	matched, err := store.MatchedTransactions(&blockHash)
	require.NoError(t, err)
	require.Len(t, matched, 1)
}
