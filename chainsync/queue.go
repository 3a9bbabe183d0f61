// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcsuite/btcspv/chaindb"
)

// TrackHashes records newly announced block hashes as pending download.
// Hashes already tracked, within this call or by an earlier one, are ignored,
// so no two pending entries ever exist for the same hash.  Each surviving
// hash is assigned the next monotonically increasing order value in input
// order.
//
// All tracking must funnel through this method to preserve the uniqueness and
// ordering invariants.
func (s *Syncer) TrackHashes(hashes []chainhash.Hash) error {
	if len(hashes) == 0 {
		return nil
	}

	lastOrder := int64(0)
	last, err := s.store.LastBlockHash()
	if err != nil {
		return err
	}
	if last != nil {
		lastOrder = last.Order
	}

	tracked, err := s.store.TrackedHashes()
	if err != nil {
		return err
	}
	seen := make(map[chainhash.Hash]struct{}, len(tracked)+len(hashes))
	for _, hash := range tracked {
		seen[hash] = struct{}{}
	}

	var entries []*chaindb.BlockHash
	for _, hash := range hashes {
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}
		lastOrder++
		entries = append(entries, &chaindb.BlockHash{
			Hash:  hash,
			Order: lastOrder,
		})
	}
	if len(entries) == 0 {
		return nil
	}

	log.Tracef("Tracking %d new block hash(es)", len(entries))
	return s.store.AddBlockHashes(entries)
}

// PendingHashes returns the block hashes awaiting download, ordered by order
// and then height, capped at the configured batch size.
func (s *Syncer) PendingHashes() ([]*chaindb.BlockHash, error) {
	return s.store.BlockHashes(s.maxPendingHashes)
}

// ShouldRequest returns true when no block is stored for the given hash,
// i.e. the block still needs to be fetched.  It prevents redundant refetches
// across peers and iterations.
func (s *Syncer) ShouldRequest(hash *chainhash.Hash) (bool, error) {
	block, err := s.store.BlockByHash(hash)
	if err != nil {
		return false, err
	}
	return block == nil, nil
}
