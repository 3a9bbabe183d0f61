// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ldb implements a chaindb.Store backed by leveldb.  All records are
// stored under single-byte key prefixes:
//
//	b<header hash>          block record (header, height, stale flag)
//	h<height><header hash>  height index entry
//	q<order>                pending block hash record keyed by order
//	x<header hash>          pending block hash order lookup
//	t<block hash><txid>     matched transaction within a block
//
// Heights and orders are encoded big endian so iteration order matches
// numeric order.
package ldb

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/btcsuite/btcspv/chaindb"
)

const (
	blockKeyPrefix     = 'b'
	heightIdxKeyPrefix = 'h'
	orderKeyPrefix     = 'q'
	hashIdxKeyPrefix   = 'x'
	matchedTxKeyPrefix = 't'

	// blockRecordSize is an 80 byte serialized header followed by a big
	// endian height and a stale flag byte.
	blockRecordSize = 80 + 4 + 1
)

// kvStore is the subset of leveldb operations shared by *leveldb.DB and
// *leveldb.Transaction, allowing store methods to transparently operate
// within a scoped transaction when one is active.
type kvStore interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// Store is a leveldb-backed implementation of chaindb.Store.
//
// The store relies on the orchestrator's single-writer contract: mutating
// methods and InTransaction must not be invoked concurrently.
type Store struct {
	db *leveldb.DB

	// tx is the active scoped transaction, nil outside InTransaction.
	tx *leveldb.Transaction
}

// Ensure Store implements the chaindb.Store interface.
var _ chaindb.Store = (*Store)(nil)

// OpenStore opens (creating if necessary) the leveldb database at the given
// path and returns a store backed by it.
func OpenStore(dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.  Any active transaction is
// discarded.
func (s *Store) Close() error {
	if s.tx != nil {
		s.tx.Discard()
		s.tx = nil
	}
	return s.db.Close()
}

// kv returns the handle store methods should read and write through: the
// active transaction when one is open, the database otherwise.
func (s *Store) kv() kvStore {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// InTransaction executes fn within a leveldb transaction, committing on nil
// return and discarding all writes on error.  Nested calls join the outer
// transaction.
func (s *Store) InTransaction(fn func() error) error {
	if s.tx != nil {
		return fn()
	}

	tx, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	s.tx = tx
	err = fn()
	s.tx = nil
	if err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

func blockKey(hash *chainhash.Hash) []byte {
	key := make([]byte, 1+chainhash.HashSize)
	key[0] = blockKeyPrefix
	copy(key[1:], hash[:])
	return key
}

func heightIdxKey(height int32, hash *chainhash.Hash) []byte {
	key := make([]byte, 1+4+chainhash.HashSize)
	key[0] = heightIdxKeyPrefix
	binary.BigEndian.PutUint32(key[1:5], uint32(height))
	copy(key[5:], hash[:])
	return key
}

func orderKey(order int64) []byte {
	key := make([]byte, 1+8)
	key[0] = orderKeyPrefix
	binary.BigEndian.PutUint64(key[1:], uint64(order))
	return key
}

func hashIdxKey(hash *chainhash.Hash) []byte {
	key := make([]byte, 1+chainhash.HashSize)
	key[0] = hashIdxKeyPrefix
	copy(key[1:], hash[:])
	return key
}

func matchedTxKey(blockHash, txHash *chainhash.Hash) []byte {
	key := make([]byte, 1+2*chainhash.HashSize)
	key[0] = matchedTxKeyPrefix
	copy(key[1:], blockHash[:])
	copy(key[1+chainhash.HashSize:], txHash[:])
	return key
}

func serializeBlock(block *chaindb.Block) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, blockRecordSize))
	if err := block.Header.Serialize(buf); err != nil {
		return nil, err
	}
	var height [4]byte
	binary.BigEndian.PutUint32(height[:], uint32(block.Height))
	buf.Write(height[:])
	if block.Stale {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

func deserializeBlock(record []byte) (*chaindb.Block, error) {
	var block chaindb.Block
	reader := bytes.NewReader(record)
	if err := block.Header.Deserialize(reader); err != nil {
		return nil, err
	}
	block.Height = int32(binary.BigEndian.Uint32(record[80:84]))
	block.Stale = record[84] == 1
	return &block, nil
}

func serializeBlockHash(entry *chaindb.BlockHash) []byte {
	record := make([]byte, chainhash.HashSize+4)
	copy(record, entry.Hash[:])
	binary.BigEndian.PutUint32(record[chainhash.HashSize:], uint32(entry.Height))
	return record
}

// BlocksCount returns the number of stored blocks.
func (s *Store) BlocksCount() (int, error) {
	iter := s.kv().NewIterator(util.BytesPrefix([]byte{blockKeyPrefix}), nil)
	defer iter.Release()

	count := 0
	for iter.Next() {
		count++
	}
	return count, iter.Error()
}

// BlocksCountIn returns how many of the passed hashes have a stored block.
func (s *Store) BlocksCountIn(hashes []chainhash.Hash) (int, error) {
	count := 0
	for i := range hashes {
		ok, err := s.kv().Has(blockKey(&hashes[i]), nil)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// BestBlock returns the stored block with the greatest height.
func (s *Store) BestBlock() (*chaindb.Block, error) {
	iter := s.kv().NewIterator(util.BytesPrefix([]byte{heightIdxKeyPrefix}), nil)
	defer iter.Release()

	if !iter.Last() {
		return nil, iter.Error()
	}
	var hash chainhash.Hash
	copy(hash[:], iter.Key()[5:])
	return s.BlockByHash(&hash)
}

// BlockByHash returns the block with the given header hash, or nil.
func (s *Store) BlockByHash(hash *chainhash.Hash) (*chaindb.Block, error) {
	record, err := s.kv().Get(blockKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deserializeBlock(record)
}

// BlockByHeight returns a block stored at the given height, preferring a
// canonical block over a stale one.
func (s *Store) BlockByHeight(height int32) (*chaindb.Block, error) {
	prefix := make([]byte, 5)
	prefix[0] = heightIdxKeyPrefix
	binary.BigEndian.PutUint32(prefix[1:], uint32(height))

	iter := s.kv().NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var found *chaindb.Block
	for iter.Next() {
		var hash chainhash.Hash
		copy(hash[:], iter.Key()[5:])
		block, err := s.BlockByHash(&hash)
		if err != nil {
			return nil, err
		}
		if block == nil {
			continue
		}
		if !block.Stale {
			return block, nil
		}
		if found == nil {
			found = block
		}
	}
	return found, iter.Error()
}

// BlocksHeightGreaterThan returns blocks above the given height in ascending
// height order, capped at limit (zero for no limit).
func (s *Store) BlocksHeightGreaterThan(height int32, limit int) ([]*chaindb.Block, error) {
	start := make([]byte, 5)
	start[0] = heightIdxKeyPrefix
	binary.BigEndian.PutUint32(start[1:], uint32(height+1))
	bounds := &util.Range{
		Start: start,
		Limit: []byte{heightIdxKeyPrefix + 1},
	}

	iter := s.kv().NewIterator(bounds, nil)
	defer iter.Release()

	var blocks []*chaindb.Block
	for iter.Next() {
		var hash chainhash.Hash
		copy(hash[:], iter.Key()[5:])
		block, err := s.BlockByHash(&hash)
		if err != nil {
			return nil, err
		}
		if block == nil {
			continue
		}
		blocks = append(blocks, block)
		if limit > 0 && len(blocks) == limit {
			break
		}
	}
	return blocks, iter.Error()
}

// BlockByStale returns the lowest (or highest, when descending) block with
// the given stale flag.
func (s *Store) BlockByStale(stale bool, descending bool) (*chaindb.Block, error) {
	iter := s.kv().NewIterator(util.BytesPrefix([]byte{heightIdxKeyPrefix}), nil)
	defer iter.Release()

	advance := iter.Next
	if descending {
		advance = func() bool {
			if !iter.Valid() {
				return iter.Last()
			}
			return iter.Prev()
		}
	}
	for advance() {
		var hash chainhash.Hash
		copy(hash[:], iter.Key()[5:])
		block, err := s.BlockByHash(&hash)
		if err != nil {
			return nil, err
		}
		if block != nil && block.Stale == stale {
			return block, nil
		}
	}
	return nil, iter.Error()
}

// BlocksByStale returns all blocks with the given stale flag in ascending
// height order.
func (s *Store) BlocksByStale(stale bool) ([]*chaindb.Block, error) {
	iter := s.kv().NewIterator(util.BytesPrefix([]byte{heightIdxKeyPrefix}), nil)
	defer iter.Release()

	var blocks []*chaindb.Block
	for iter.Next() {
		var hash chainhash.Hash
		copy(hash[:], iter.Key()[5:])
		block, err := s.BlockByHash(&hash)
		if err != nil {
			return nil, err
		}
		if block != nil && block.Stale == stale {
			blocks = append(blocks, block)
		}
	}
	return blocks, iter.Error()
}

// UnstaleAllBlocks clears the stale flag on every stored block.
func (s *Store) UnstaleAllBlocks() error {
	blocks, err := s.BlocksByStale(true)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		block.Stale = false
		if err := s.SaveBlock(block); err != nil {
			return err
		}
	}
	return nil
}

// SaveBlock stores the block, replacing any block with the same hash and
// fixing up the height index when the height changed.
func (s *Store) SaveBlock(block *chaindb.Block) error {
	hash := block.Hash()

	existing, err := s.BlockByHash(&hash)
	if err != nil {
		return err
	}
	if existing != nil && existing.Height != block.Height {
		err := s.kv().Delete(heightIdxKey(existing.Height, &hash), nil)
		if err != nil {
			return err
		}
	}

	record, err := serializeBlock(block)
	if err != nil {
		return err
	}
	if err := s.kv().Put(blockKey(&hash), record, nil); err != nil {
		return err
	}
	return s.kv().Put(heightIdxKey(block.Height, &hash), nil, nil)
}

// DeleteBlocks removes the passed blocks and their height index entries.
func (s *Store) DeleteBlocks(blocks []*chaindb.Block) error {
	for _, block := range blocks {
		hash := block.Hash()
		if err := s.kv().Delete(blockKey(&hash), nil); err != nil {
			return err
		}
		err := s.kv().Delete(heightIdxKey(block.Height, &hash), nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// LastBlockHash returns the pending hash with the greatest order value.
func (s *Store) LastBlockHash() (*chaindb.BlockHash, error) {
	iter := s.kv().NewIterator(util.BytesPrefix([]byte{orderKeyPrefix}), nil)
	defer iter.Release()

	if !iter.Last() {
		return nil, iter.Error()
	}
	return decodeOrderEntry(iter.Key(), iter.Value()), nil
}

// LastBlockchainBlockHash returns the highest-order pending hash among
// height-zero entries.
func (s *Store) LastBlockchainBlockHash() (*chaindb.BlockHash, error) {
	iter := s.kv().NewIterator(util.BytesPrefix([]byte{orderKeyPrefix}), nil)
	defer iter.Release()

	for ok := iter.Last(); ok; ok = iter.Prev() {
		entry := decodeOrderEntry(iter.Key(), iter.Value())
		if entry.Height == 0 {
			return entry, nil
		}
	}
	return nil, iter.Error()
}

// BlockHashes returns pending hashes in order, capped at limit (zero for no
// limit).  Order values are unique, so the secondary height ordering never
// has to break a tie here.
func (s *Store) BlockHashes(limit int) ([]*chaindb.BlockHash, error) {
	iter := s.kv().NewIterator(util.BytesPrefix([]byte{orderKeyPrefix}), nil)
	defer iter.Release()

	var entries []*chaindb.BlockHash
	for iter.Next() {
		entries = append(entries, decodeOrderEntry(iter.Key(), iter.Value()))
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, iter.Error()
}

// TrackedHashes returns the set of pending header hashes.
func (s *Store) TrackedHashes() ([]chainhash.Hash, error) {
	return s.TrackedHashesExcept(nil)
}

// TrackedHashesExcept returns the tracked hashes minus the passed set.
func (s *Store) TrackedHashesExcept(except []chainhash.Hash) ([]chainhash.Hash, error) {
	excluded := make(map[chainhash.Hash]struct{}, len(except))
	for _, hash := range except {
		excluded[hash] = struct{}{}
	}

	iter := s.kv().NewIterator(util.BytesPrefix([]byte{hashIdxKeyPrefix}), nil)
	defer iter.Release()

	var hashes []chainhash.Hash
	for iter.Next() {
		var hash chainhash.Hash
		copy(hash[:], iter.Key()[1:])
		if _, ok := excluded[hash]; !ok {
			hashes = append(hashes, hash)
		}
	}
	return hashes, iter.Error()
}

// AddBlockHashes stores the passed pending hashes, ignoring already-tracked
// entries.
func (s *Store) AddBlockHashes(hashes []*chaindb.BlockHash) error {
	for _, entry := range hashes {
		tracked, err := s.kv().Has(hashIdxKey(&entry.Hash), nil)
		if err != nil {
			return err
		}
		if tracked {
			continue
		}

		record := serializeBlockHash(entry)
		if err := s.kv().Put(orderKey(entry.Order), record, nil); err != nil {
			return err
		}
		var orderRecord [8]byte
		binary.BigEndian.PutUint64(orderRecord[:], uint64(entry.Order))
		err = s.kv().Put(hashIdxKey(&entry.Hash), orderRecord[:], nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteBlockHash removes the pending entry for the given hash, if any.
func (s *Store) DeleteBlockHash(hash *chainhash.Hash) error {
	orderRecord, err := s.kv().Get(hashIdxKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	order := int64(binary.BigEndian.Uint64(orderRecord))
	if err := s.kv().Delete(orderKey(order), nil); err != nil {
		return err
	}
	return s.kv().Delete(hashIdxKey(hash), nil)
}

// DeleteBlockchainBlockHashes removes all height-zero pending hashes.
func (s *Store) DeleteBlockchainBlockHashes() error {
	entries, err := s.BlockHashes(0)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Height != 0 {
			continue
		}
		if err := s.kv().Delete(orderKey(entry.Order), nil); err != nil {
			return err
		}
		if err := s.kv().Delete(hashIdxKey(&entry.Hash), nil); err != nil {
			return err
		}
	}
	return nil
}

// SaveMatchedTransactions stores matched transactions for the given block.
func (s *Store) SaveMatchedTransactions(blockHash *chainhash.Hash, txns []*btcutil.Tx) error {
	for _, tx := range txns {
		var buf bytes.Buffer
		if err := tx.MsgTx().Serialize(&buf); err != nil {
			return err
		}
		key := matchedTxKey(blockHash, tx.Hash())
		if err := s.kv().Put(key, buf.Bytes(), nil); err != nil {
			return err
		}
	}
	return nil
}

// MatchedTransactions returns the stored matched transactions for the block.
func (s *Store) MatchedTransactions(blockHash *chainhash.Hash) ([]*btcutil.Tx, error) {
	prefix := make([]byte, 1+chainhash.HashSize)
	prefix[0] = matchedTxKeyPrefix
	copy(prefix[1:], blockHash[:])

	iter := s.kv().NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var txns []*btcutil.Tx
	for iter.Next() {
		var msgTx wire.MsgTx
		if err := msgTx.Deserialize(bytes.NewReader(iter.Value())); err != nil {
			return nil, err
		}
		txns = append(txns, btcutil.NewTx(&msgTx))
	}
	return txns, iter.Error()
}

// DeleteMatchedTransactions removes the stored matched transactions for the
// block.
func (s *Store) DeleteMatchedTransactions(blockHash *chainhash.Hash) error {
	prefix := make([]byte, 1+chainhash.HashSize)
	prefix[0] = matchedTxKeyPrefix
	copy(prefix[1:], blockHash[:])

	iter := s.kv().NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.kv().Delete(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func decodeOrderEntry(key, value []byte) *chaindb.BlockHash {
	entry := &chaindb.BlockHash{
		Order: int64(binary.BigEndian.Uint64(key[1:])),
	}
	copy(entry.Hash[:], value[:chainhash.HashSize])
	entry.Height = int32(binary.BigEndian.Uint32(value[chainhash.HashSize:]))
	return entry
}
