// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxLocatorStartingHashes bounds how many blocks above the checkpoint seed
// the locator when no chain negotiation has happened yet.
const maxLocatorStartingHashes = 10

// BuildLocatorHashes returns the ordered anchor hashes sent to a peer so it
// can find the best common continuation point and respond with the blocks
// beyond it.  The list is never empty:
//
//  1. The hash most recently tracked through chain negotiation, when one
//     exists, is the sole initial entry.
//  2. Otherwise up to 10 blocks above the checkpoint, by ascending height,
//     seed the list (the brand-new or freshly reset chain case).
//  3. A locally stored block at exactly peerLastBlockHeight is appended
//     unless already present; when no such block exists the checkpoint hash
//     is appended unconditionally, so the peer always receives at least one
//     anchor it can resolve.  The unconditional append can duplicate an
//     earlier entry; peers only need the list non-empty, not de-duplicated.
func (s *Syncer) BuildLocatorHashes(peerLastBlockHeight int32) ([]chainhash.Hash, error) {
	var locator []chainhash.Hash

	lastNegotiated, err := s.store.LastBlockchainBlockHash()
	if err != nil {
		return nil, err
	}
	if lastNegotiated != nil {
		locator = append(locator, lastNegotiated.Hash)
	}

	if len(locator) == 0 {
		blocks, err := s.store.BlocksHeightGreaterThan(
			s.checkpoint.Height, maxLocatorStartingHashes,
		)
		if err != nil {
			return nil, err
		}
		for _, block := range blocks {
			locator = append(locator, block.Hash())
		}
	}

	peerBlock, err := s.store.BlockByHeight(peerLastBlockHeight)
	if err != nil {
		return nil, err
	}
	if peerBlock != nil {
		hash := peerBlock.Hash()
		if !containsHash(locator, hash) {
			locator = append(locator, hash)
		}
	} else {
		locator = append(locator, s.checkpoint.Hash())
	}

	return locator, nil
}

func containsHash(hashes []chainhash.Hash, hash chainhash.Hash) bool {
	for _, h := range hashes {
		if h == hash {
			return true
		}
	}
	return false
}
