// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package filtermgr builds the bloom membership filter peers are asked to
// load.  The filter covers every element the keychain is watching and is
// rebuilt whenever the watched set grows past what the loaded filter covers.
package filtermgr

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/wire"
)

// DefaultFalsePositiveRate trades a little bandwidth for not advertising the
// exact watched set to peers.
const DefaultFalsePositiveRate = 0.00005

// ElementSource supplies the data elements the filter must match.
type ElementSource interface {
	FilterElements() [][]byte
}

// Listener is notified when a freshly generated filter should be pushed to
// connected peers.
type Listener interface {
	FilterUpdated(filterLoad *wire.MsgFilterLoad)
}

// Manager owns the current bloom filter and regenerates it on demand.
type Manager struct {
	mtx sync.Mutex

	elements ElementSource
	listener Listener
	fpRate   float64
	filter   *bloom.Filter
}

// New returns a manager building filters over the given element source.  The
// listener may be nil.  The initial filter is generated immediately.
func New(elements ElementSource, listener Listener) (*Manager, error) {
	m := &Manager{
		elements: elements,
		listener: listener,
		fpRate:   DefaultFalsePositiveRate,
	}
	if err := m.Regenerate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Regenerate rebuilds the filter over the current element set, installs it as
// the live filter, and notifies the listener.  A fresh random tweak is drawn
// for every generation.
func (m *Manager) Regenerate() error {
	elements := m.elements.FilterElements()

	var tweakBytes [4]byte
	if _, err := rand.Read(tweakBytes[:]); err != nil {
		return err
	}
	tweak := binary.LittleEndian.Uint32(tweakBytes[:])

	size := uint32(len(elements))
	if size == 0 {
		size = 1
	}
	filter := bloom.NewFilter(size, tweak, m.fpRate, wire.BloomUpdateAll)
	for _, element := range elements {
		filter.Add(element)
	}

	m.mtx.Lock()
	m.filter = filter
	m.mtx.Unlock()

	log.Debugf("Regenerated bloom filter over %d element(s)", len(elements))

	if m.listener != nil {
		m.listener.FilterUpdated(filter.MsgFilterLoad())
	}
	return nil
}

// Filter returns the current filter.
func (m *Manager) Filter() *bloom.Filter {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.filter
}

// FilterLoad returns the wire message loading the current filter.
func (m *Manager) FilterLoad() *wire.MsgFilterLoad {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.filter.MsgFilterLoad()
}
