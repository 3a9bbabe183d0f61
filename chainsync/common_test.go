// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync_test

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/btcspv/chaindb"
	"github.com/btcsuite/btcspv/chaindb/memdb"
	"github.com/btcsuite/btcspv/chainsync"
	"github.com/btcsuite/btcspv/headerchain"
	"github.com/btcsuite/btcspv/txmatch"
)

// This file contains mock collaborators and helpers shared by the tests in
// the chainsync_test package.  The header chain and store are real
// implementations (headerchain over memdb); the wallet-side collaborators
// are call-recording mocks.

// checkpointHeight is deliberately non-zero so tests catch code conflating
// "height zero" with "checkpoint height".
const checkpointHeight = int32(1000)

// testHeader returns a header chained to prev.  Distinct nonces yield
// distinct hashes.
func testHeader(prev chainhash.Hash, nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: time.Unix(1712345678, 0),
		Bits:      0x1d00ffff,
		Nonce:     nonce,
	}
}

// testCheckpoint returns the chain root used throughout the tests.
func testCheckpoint() *chaindb.Block {
	return &chaindb.Block{
		Header: testHeader(chainhash.Hash{}, 0),
		Height: checkpointHeight,
	}
}

// headerChain returns n headers forming a chain on top of the checkpoint.
// The nonce offset keeps separately generated chains disjoint.
func headerChain(n int, nonceOffset uint32) []wire.BlockHeader {
	headers := make([]wire.BlockHeader, 0, n)
	prev := testCheckpoint().Hash()
	for i := 0; i < n; i++ {
		header := testHeader(prev, nonceOffset+uint32(i)+1)
		headers = append(headers, header)
		prev = header.BlockHash()
	}
	return headers
}

// mockGapFiller counts FillGap calls.
type mockGapFiller struct {
	calls int
	err   error
}

func (m *mockGapFiller) FillGap() error {
	m.calls++
	return m.err
}

// mockFilterManager counts Regenerate calls.
type mockFilterManager struct {
	calls int
	err   error
}

func (m *mockFilterManager) Regenerate() error {
	m.calls++
	return m.err
}

// processCall records the arguments of one Process invocation.
type processCall struct {
	blockHash       chainhash.Hash
	txCount         int
	skipFilterCheck bool
}

// mockTxProcessor records Process calls and reports filter exhaustion for the
// block hashes listed in exhaustedAt.
type mockTxProcessor struct {
	calls       []processCall
	exhaustedAt map[chainhash.Hash]bool
	err         error
}

func (m *mockTxProcessor) Process(txns []*btcutil.Tx, block *chaindb.Block,
	skipFilterCheck bool) (txmatch.Result, error) {

	m.calls = append(m.calls, processCall{
		blockHash:       block.Hash(),
		txCount:         len(txns),
		skipFilterCheck: skipFilterCheck,
	})
	if m.err != nil {
		return txmatch.Result{}, m.err
	}
	return txmatch.Result{
		FilterExhausted: m.exhaustedAt[block.Hash()],
	}, nil
}

// mockListener records progress signals.
type mockListener struct {
	initial []int32
	updates [][2]int32
}

func (m *mockListener) InitialBestHeightReported(height int32) {
	m.initial = append(m.initial, height)
}

func (m *mockListener) BestHeightUpdated(height, peerMaxHeight int32) {
	m.updates = append(m.updates, [2]int32{height, peerMaxHeight})
}

// testHarness bundles a syncer with its store and mock collaborators.
type testHarness struct {
	syncer    *chainsync.Syncer
	store     *memdb.Store
	gapFiller *mockGapFiller
	filterMgr *mockFilterManager
	processor *mockTxProcessor
	listener  *mockListener
}

// newTestHarness constructs a syncer over a fresh in-memory store.
func newTestHarness(t *testing.T, maxPendingHashes int) *testHarness {
	t.Helper()

	h := &testHarness{
		store:     memdb.New(),
		gapFiller: &mockGapFiller{},
		filterMgr: &mockFilterManager{},
		processor: &mockTxProcessor{
			exhaustedAt: make(map[chainhash.Hash]bool),
		},
		listener: &mockListener{},
	}

	syncer, err := chainsync.New(&chainsync.Config{
		Store:            h.store,
		Chain:            headerchain.New(h.store),
		TxProcessor:      h.processor,
		AddressManager:   h.gapFiller,
		FilterManager:    h.filterMgr,
		Listener:         h.listener,
		Checkpoint:       testCheckpoint(),
		MaxPendingHashes: maxPendingHashes,
	})
	require.NoError(t, err)
	h.syncer = syncer
	return h
}

// ingestChain ingests n sequential blocks above the checkpoint and returns
// them.
func (h *testHarness) ingestChain(t *testing.T, n int, nonceOffset uint32) []wire.BlockHeader {
	t.Helper()

	headers := headerChain(n, nonceOffset)
	for _, header := range headers {
		mb := &chaindb.MerkleBlock{Header: header}
		_, err := h.syncer.Ingest(mb, checkpointHeight+int32(n))
		require.NoError(t, err)
	}
	return headers
}
