// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync_test

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// TestBuildLocatorEmptyChain ensures the locator is never empty: with only
// the checkpoint stored and an unresolvable peer height, the checkpoint hash
// is the sole anchor.
func TestBuildLocatorEmptyChain(t *testing.T) {
	h := newTestHarness(t, 0)

	locator, err := h.syncer.BuildLocatorHashes(checkpointHeight + 12345)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{testCheckpoint().Hash()}, locator)
}

// TestBuildLocatorStartingBlocks ensures a chain without negotiated hashes
// seeds the locator with up to 10 ascending-height blocks above the
// checkpoint, followed by the checkpoint fallback when the peer height is
// unresolvable.
func TestBuildLocatorStartingBlocks(t *testing.T) {
	h := newTestHarness(t, 0)
	headers := h.ingestChain(t, 12, 0)

	locator, err := h.syncer.BuildLocatorHashes(checkpointHeight + 999)
	require.NoError(t, err)
	require.Len(t, locator, 11)

	// The first 10 entries are the 10 lowest blocks above the checkpoint in
	// ascending height order.
	for i := 0; i < 10; i++ {
		require.Equal(t, headers[i].BlockHash(), locator[i],
			"locator entry %d", i)
	}
	require.Equal(t, testCheckpoint().Hash(), locator[10])
}

// TestBuildLocatorNegotiatedHash ensures the most recently negotiated pending
// hash takes precedence as the sole initial entry.
func TestBuildLocatorNegotiatedHash(t *testing.T) {
	h := newTestHarness(t, 0)
	h.ingestChain(t, 5, 0)

	hashA := chainhash.Hash{0xaa}
	hashB := chainhash.Hash{0xbb}
	require.NoError(t, h.syncer.TrackHashes([]chainhash.Hash{hashA, hashB}))

	locator, err := h.syncer.BuildLocatorHashes(checkpointHeight + 999)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{
		hashB,
		testCheckpoint().Hash(),
	}, locator)
}

// TestBuildLocatorPeerHeightResolvable ensures a locally stored block at the
// peer's height is appended once, and not duplicated when it is already the
// initial entry.
func TestBuildLocatorPeerHeightResolvable(t *testing.T) {
	h := newTestHarness(t, 0)
	headers := h.ingestChain(t, 5, 0)

	// With a negotiated hash as the sole initial entry, the resolvable peer
	// block is appended after it.
	negotiated := chainhash.Hash{0xcc}
	require.NoError(t, h.syncer.TrackHashes([]chainhash.Hash{negotiated}))

	locator, err := h.syncer.BuildLocatorHashes(checkpointHeight + 3)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{
		negotiated,
		headers[2].BlockHash(),
	}, locator)
}

// TestBuildLocatorPeerBlockAlreadyPresent ensures a resolvable peer block
// that already seeds the list is not appended again.
func TestBuildLocatorPeerBlockAlreadyPresent(t *testing.T) {
	h := newTestHarness(t, 0)
	headers := h.ingestChain(t, 5, 0)

	locator, err := h.syncer.BuildLocatorHashes(checkpointHeight + 2)
	require.NoError(t, err)
	require.Len(t, locator, 5)
	for i, header := range headers {
		require.Equal(t, header.BlockHash(), locator[i])
	}
}

// TestBuildLocatorDuplicateCheckpoint pins the deliberate behavior that the
// checkpoint fallback is appended unconditionally, even when the checkpoint
// hash is already present.
func TestBuildLocatorDuplicateCheckpoint(t *testing.T) {
	h := newTestHarness(t, 0)

	checkpointHash := testCheckpoint().Hash()
	require.NoError(t, h.syncer.TrackHashes([]chainhash.Hash{checkpointHash}))

	locator, err := h.syncer.BuildLocatorHashes(checkpointHeight + 999)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{checkpointHash, checkpointHash}, locator)
}
