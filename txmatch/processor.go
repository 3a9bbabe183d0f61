// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txmatch decides which of a block's filtered transactions belong to
// the wallet, persists the matches, and reports when the matches landed on
// addresses beyond the window the peers' loaded membership filter was built
// over.
package txmatch

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/btcsuite/btcspv/chaindb"
)

// Result reports the outcome of processing one block's transactions.
//
// FilterExhausted means a match advanced the keychain's used watermark far
// enough that the loaded membership filter no longer covers the full
// lookahead window, so relevant transactions in subsequent blocks may have
// been missed until the filter is regenerated.
type Result struct {
	FilterExhausted bool
}

// KeyRing is the keychain surface the processor matches against.
type KeyRing interface {
	// MarkUsed records the address as seen on chain and reports whether it
	// belongs to the wallet.
	MarkUsed(address btcutil.Address) bool

	// GapShift reports whether the derived lookahead window has been
	// outgrown by used addresses.
	GapShift() bool
}

// Processor matches transactions against the wallet's keychain.
type Processor struct {
	store  chaindb.Store
	keys   KeyRing
	params *chaincfg.Params
}

// NewProcessor returns a processor storing matches through the given store.
func NewProcessor(store chaindb.Store, keys KeyRing, params *chaincfg.Params) *Processor {
	return &Processor{
		store:  store,
		keys:   keys,
		params: params,
	}
}

// Process matches the passed transactions against the keychain and persists
// those that pay to it, attributed to the given block.  When skipFilterCheck
// is true the filter-exhaustion check is suppressed; this is used while
// reprocessing blocks whose filter is already known to be insufficient, so an
// already-detected exhaustion is not reported over and over.
//
// Processing is idempotent: storing the same matched transaction for the same
// block twice has no effect.
func (p *Processor) Process(txns []*btcutil.Tx, block *chaindb.Block, skipFilterCheck bool) (Result, error) {
	var matched []*btcutil.Tx
	for _, tx := range txns {
		if p.matchTx(tx) {
			matched = append(matched, tx)
		}
	}

	if len(matched) > 0 {
		blockHash := block.Hash()
		err := p.store.SaveMatchedTransactions(&blockHash, matched)
		if err != nil {
			return Result{}, err
		}
		log.Debugf("Matched %d transaction(s) in block %v", len(matched),
			blockHash)
	}

	var result Result
	if !skipFilterCheck && p.keys.GapShift() {
		result.FilterExhausted = true
	}
	return result, nil
}

// matchTx reports whether any of the transaction's outputs pays an address
// the keychain owns, advancing the used watermark for each owned address.
// Every owned address is marked even after the first match so the watermark
// reflects all of them.
func (p *Processor) matchTx(tx *btcutil.Tx) bool {
	matched := false
	for _, txOut := range tx.MsgTx().TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			txOut.PkScript, p.params,
		)
		if err != nil {
			// Nonstandard script; nothing to match.
			continue
		}
		for _, addr := range addrs {
			if p.keys.MarkUsed(addr) {
				matched = true
			}
		}
	}
	return matched
}
