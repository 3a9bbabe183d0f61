// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "spvsyncd.conf"
	defaultLogFilename    = "spvsyncd.log"
	defaultDataDirname    = "data"
	defaultDebugLevel     = "info"
	defaultGapLimit       = 20
)

var (
	defaultHomeDir    = btcutil.AppDataDir("spvsyncd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogFile    = filepath.Join(defaultHomeDir, defaultLogFilename)
)

// config defines the configuration options for spvsyncd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ConfigFile       string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir          string `short:"b" long:"datadir" description:"Directory to store chain data"`
	LogFile          string `long:"logfile" description:"Path to the log file"`
	DebugLevel       string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	AccountKey       string `long:"accountkey" description:"Account-level extended public key (xpub) to watch"`
	GapLimit         uint32 `long:"gaplimit" description:"Number of unused addresses to keep derived ahead of the last used one"`
	MaxPendingHashes int    `long:"maxpendinghashes" description:"Maximum pending block hashes handed to the download loop at once"`
	TestNet3         bool   `long:"testnet" description:"Use the test network"`
	SimNet           bool   `long:"simnet" description:"Use the simulation test network"`
}

// activeNetParams returns the chain parameters selected by the config.
func (cfg *config) activeNetParams() *chaincfg.Params {
	switch {
	case cfg.TestNet3:
		return &chaincfg.TestNet3Params
	case cfg.SimNet:
		return &chaincfg.SimNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	cfg := config{
		ConfigFile:       defaultConfigFile,
		DataDir:          defaultDataDir,
		LogFile:          defaultLogFile,
		DebugLevel:       defaultDebugLevel,
		GapLimit:         defaultGapLimit,
		MaxPendingHashes: 0,
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	// Load additional config from file, ignoring a missing file at the
	// default location.
	parser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n",
				err)
			return nil, err
		}
		if preCfg.ConfigFile != defaultConfigFile {
			return nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	// Multiple networks can't be selected simultaneously.
	if cfg.TestNet3 && cfg.SimNet {
		return nil, fmt.Errorf("the testnet and simnet params can't be " +
			"used together -- choose one of the two")
	}

	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("an account extended public key must be " +
			"specified with --accountkey")
	}

	// Validate the debug level while logging is still going to stderr.
	if !validLogLevel(cfg.DebugLevel) {
		return nil, fmt.Errorf("the specified debug level [%v] is "+
			"invalid", cfg.DebugLevel)
	}

	// Append the network name to the data directory so data for different
	// networks doesn't get mixed.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.activeNetParams().Name)

	return &cfg, nil
}

// validLogLevel returns whether logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}
