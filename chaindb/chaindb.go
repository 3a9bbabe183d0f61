// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaindb

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Block is a block header that has been linked into the locally stored chain
// at a definite height.  A block whose branch has not yet won fork resolution
// carries the stale flag until the chain decides which branch is canonical.
type Block struct {
	Header wire.BlockHeader
	Height int32
	Stale  bool
}

// Hash returns the header hash of the block.
func (b *Block) Hash() chainhash.Hash {
	return b.Header.BlockHash()
}

// BlockHash is a block hash announced by a peer that is pending download.  It
// is created when the hash is first tracked and removed once the block it
// names has been fully ingested.  Order is assigned monotonically in the
// order hashes were first seen and determines download order.  Height is zero
// for hashes discovered through normal chain negotiation and carries the
// trusted height for hashes obtained through an anchored (out-of-order) sync
// path.
type BlockHash struct {
	Hash   chainhash.Hash
	Height int32
	Order  int64
}

// MerkleBlock is a block header together with the subset of its transactions
// that matched the membership filter a peer was serving.  Height is zero when
// the block's height is not known up front, in which case the block must
// connect directly to the current chain tip.  Blocks only ever connect above
// the checkpoint, so zero is never a valid trusted height.
type MerkleBlock struct {
	Header       wire.BlockHeader
	Height       int32
	Transactions []*btcutil.Tx
}

// Hash returns the header hash of the merkle block.
func (m *MerkleBlock) Hash() chainhash.Hash {
	return m.Header.BlockHash()
}
