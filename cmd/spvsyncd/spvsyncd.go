// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// spvsyncd assembles the SPV sync subsystems around a persistent chain store
// and exposes the sync orchestrator to a peer layer.  It owns configuration,
// logging, and lifecycle; it does not itself speak the peer wire protocol.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcsuite/btcspv/chaindb"
	"github.com/btcsuite/btcspv/chaindb/ldb"
	"github.com/btcsuite/btcspv/chainsync"
	"github.com/btcsuite/btcspv/filtermgr"
	"github.com/btcsuite/btcspv/headerchain"
	"github.com/btcsuite/btcspv/keychain"
	"github.com/btcsuite/btcspv/txmatch"
)

// progressLogger logs sync progress signals from the orchestrator.
type progressLogger struct{}

func (progressLogger) InitialBestHeightReported(height int32) {
	spvdLog.Infof("Local downloaded best height %d", height)
}

func (progressLogger) BestHeightUpdated(height, peerMaxHeight int32) {
	spvdLog.Debugf("Best height updated to %d (peer max %d)", height,
		peerMaxHeight)
}

// filterLogger logs filter reloads until a peer layer registers for them.
type filterLogger struct{}

func (filterLogger) FilterUpdated(filterLoad *wire.MsgFilterLoad) {
	spvdLog.Debugf("Bloom filter regenerated (%d bytes)",
		len(filterLoad.Filter))
}

// spvMain is the real main function for spvsyncd.  The error returned, if
// any, has already been logged.
func spvMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	initLogRotator(cfg.LogFile)
	defer logRotator.Close()
	setLogLevels(cfg.DebugLevel)

	params := cfg.activeNetParams()
	spvdLog.Infof("Starting on network %s", params.Name)

	dbPath := filepath.Join(cfg.DataDir, "chain")
	spvdLog.Infof("Opening chain store at %s", dbPath)
	store, err := ldb.OpenStore(dbPath)
	if err != nil {
		spvdLog.Errorf("Failed to open chain store: %v", err)
		return err
	}
	defer store.Close()

	accountKey, err := hdkeychain.NewKeyFromString(cfg.AccountKey)
	if err != nil {
		spvdLog.Errorf("Invalid account key: %v", err)
		return err
	}
	keys, err := keychain.NewManager(accountKey, cfg.GapLimit, params)
	if err != nil {
		spvdLog.Errorf("Failed to derive keychain: %v", err)
		return err
	}

	filters, err := filtermgr.New(keys, filterLogger{})
	if err != nil {
		spvdLog.Errorf("Failed to build bloom filter: %v", err)
		return err
	}

	chain := headerchain.New(store)
	processor := txmatch.NewProcessor(store, keys, params)

	// The genesis block is the permanently retained chain root.
	checkpoint := &chaindb.Block{
		Header: params.GenesisBlock.Header,
		Height: 0,
	}

	syncer, err := chainsync.New(&chainsync.Config{
		Store:            store,
		Chain:            chain,
		TxProcessor:      processor,
		AddressManager:   keys,
		FilterManager:    filters,
		Listener:         progressLogger{},
		Checkpoint:       checkpoint,
		MaxPendingHashes: cfg.MaxPendingHashes,
	})
	if err != nil {
		spvdLog.Errorf("Failed to construct syncer: %v", err)
		return err
	}

	// Reset any half-synced state a previous run left behind so the peer
	// layer starts from a consistent chain.
	syncer.PrepareForDownload()

	known, err := syncer.LocalKnownBestBlockHeight()
	if err != nil {
		spvdLog.Errorf("Failed to read known best height: %v", err)
		return err
	}
	spvdLog.Infof("Local known best height %d, watching %d address(es)",
		known, len(keys.Addresses()))

	// The peer layer drives the syncer from here.  Until one is attached,
	// wait for shutdown.
	interrupt := interruptListener()
	<-interrupt
	spvdLog.Info("Shutdown complete")
	return nil
}

func main() {
	if err := spvMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
