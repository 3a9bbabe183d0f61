// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package chainsync orchestrates the download of the block chain for an SPV
client.

The Syncer decides which block hashes to request from peers, ingests the
merkle blocks they return, recovers from chain reorganizations and from
membership-filter exhaustion, and keeps the stored chain state consistent
across interrupted download rounds.  It performs no network I/O itself; the
driving loop feeds it peer-supplied data and invokes its lifecycle hooks at
well-defined points of a download round.
*/
package chainsync
