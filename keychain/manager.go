// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keychain derives and tracks the wallet's watched addresses.  Keys
// are derived BIP32-style from an account key into an external (receive) and
// an internal (change) branch, always keeping a configured gap of unused
// addresses derived ahead of the last used one so the membership filter
// covers payments to addresses the remote side has not seen used yet.
package keychain

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// DefaultGapLimit is the number of unused addresses to keep derived ahead of
// the last used one on each branch, matching the common BIP44 lookahead.
const DefaultGapLimit = 20

// Branch numbers of the two derivation chains below the account key.
const (
	ExternalBranch uint32 = 0
	InternalBranch uint32 = 1
)

// derivedKey is one derived address together with the filter elements it
// contributes.
type derivedKey struct {
	index      uint32
	address    btcutil.Address
	pubKey     []byte
	pubKeyHash []byte
}

// branch is one derivation chain with its used-index watermark.  lastUsed is
// -1 until an address on the branch has been seen in a matched transaction.
type branch struct {
	key      *hdkeychain.ExtendedKey
	keys     []derivedKey
	nextIdx  uint32
	lastUsed int32
}

// Manager derives addresses ahead of use and tracks which of them have been
// seen on chain.
//
// All methods are safe for concurrent access, though the sync loop is the
// only expected mutator.
type Manager struct {
	mtx sync.Mutex

	params   *chaincfg.Params
	gapLimit uint32

	external branch
	internal branch

	// byAddress indexes both branches by encoded address for matching.
	byAddress map[string]*branch
	addrIdx   map[string]int
}

// NewManager derives the external and internal branches from the passed
// account-level key and fills the initial gap on both.  The account key may
// be neutered; only public derivation is performed.
func NewManager(accountKey *hdkeychain.ExtendedKey, gapLimit uint32, params *chaincfg.Params) (*Manager, error) {
	if gapLimit == 0 {
		gapLimit = DefaultGapLimit
	}

	externalKey, err := accountKey.Derive(ExternalBranch)
	if err != nil {
		return nil, err
	}
	internalKey, err := accountKey.Derive(InternalBranch)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		params:    params,
		gapLimit:  gapLimit,
		external:  branch{key: externalKey, lastUsed: -1},
		internal:  branch{key: internalKey, lastUsed: -1},
		byAddress: make(map[string]*branch),
		addrIdx:   make(map[string]int),
	}
	if err := m.FillGap(); err != nil {
		return nil, err
	}
	return m, nil
}

// FillGap derives additional addresses on both branches until each has the
// configured gap of unused addresses beyond its last used index.
func (m *Manager) FillGap() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := m.fillBranch(&m.external); err != nil {
		return err
	}
	return m.fillBranch(&m.internal)
}

// fillBranch tops the branch up to lastUsed+1+gapLimit derived keys.  Must be
// called with the mutex held.
func (m *Manager) fillBranch(b *branch) error {
	target := uint32(b.lastUsed+1) + m.gapLimit
	for uint32(len(b.keys)) < target {
		childKey, err := b.key.Derive(b.nextIdx)
		if err == hdkeychain.ErrInvalidChild {
			// Roughly 1 in 2^127 indexes is invalid.  Skip it, as
			// BIP32 prescribes.
			b.nextIdx++
			continue
		}
		if err != nil {
			return err
		}
		index := b.nextIdx
		b.nextIdx++

		address, err := childKey.Address(m.params)
		if err != nil {
			return err
		}
		pubKey, err := childKey.ECPubKey()
		if err != nil {
			return err
		}

		b.keys = append(b.keys, derivedKey{
			index:      index,
			address:    address,
			pubKey:     pubKey.SerializeCompressed(),
			pubKeyHash: address.ScriptAddress(),
		})
		encoded := address.EncodeAddress()
		m.byAddress[encoded] = b
		m.addrIdx[encoded] = len(b.keys) - 1
	}
	return nil
}

// MarkUsed records that the passed address was seen in a matched transaction
// and returns whether the address belongs to this manager.  The branch's used
// watermark only ever advances.
func (m *Manager) MarkUsed(address btcutil.Address) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	encoded := address.EncodeAddress()
	b, ok := m.byAddress[encoded]
	if !ok {
		return false
	}
	if idx := int32(m.addrIdx[encoded]); idx > b.lastUsed {
		b.lastUsed = idx
	}
	return true
}

// GapShift returns true when either branch has fewer derived addresses than
// its used watermark plus the gap limit requires, meaning the current
// membership filter no longer covers the full lookahead window.
func (m *Manager) GapShift() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return uint32(len(m.external.keys)) < uint32(m.external.lastUsed+1)+m.gapLimit ||
		uint32(len(m.internal.keys)) < uint32(m.internal.lastUsed+1)+m.gapLimit
}

// Addresses returns every derived address on both branches.
func (m *Manager) Addresses() []btcutil.Address {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	addrs := make([]btcutil.Address, 0,
		len(m.external.keys)+len(m.internal.keys))
	for _, k := range m.external.keys {
		addrs = append(addrs, k.address)
	}
	for _, k := range m.internal.keys {
		addrs = append(addrs, k.address)
	}
	return addrs
}

// FilterElements returns the data elements the membership filter must cover:
// the serialized public key and the public key hash of every derived key.
func (m *Manager) FilterElements() [][]byte {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	elements := make([][]byte, 0,
		2*(len(m.external.keys)+len(m.internal.keys)))
	for _, b := range []*branch{&m.external, &m.internal} {
		for _, k := range b.keys {
			elements = append(elements, k.pubKey, k.pubKeyHash)
		}
	}
	return elements
}
