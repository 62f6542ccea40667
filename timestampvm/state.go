// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package timestampvm

import (
	"encoding/binary"
	"fmt"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

const blockCacheSize = 8192

var (
	// These are prefixes for db keys.
	// It's important to set different prefixes for each separate database objects.
	heightPrefix    = []byte("height")
	blockPrefix     = []byte("block")
	acceptedPrefix  = []byte("accepted")
	timestampPrefix = []byte("timestamp")

	// Database markers
	acceptedKey    = []byte("acceptedBlock")
	initializedKey = []byte("initialized")
)

// state persists accepted blocks. Writes are staged in a versiondb and only
// reach the host's database on commit.
type state struct {
	baseDB *versiondb.Database

	heightIndex    database.Database
	blockIndex     database.Database
	acceptedIndex  database.Database
	timestampIndex database.Database

	blkCache cache.Cacher[ids.ID, []byte]
}

func newState(db database.Database) *state {
	baseDB := versiondb.New(db)
	return &state{
		baseDB:         baseDB,
		heightIndex:    prefixdb.New(heightPrefix, baseDB),
		blockIndex:     prefixdb.New(blockPrefix, baseDB),
		acceptedIndex:  prefixdb.New(acceptedPrefix, baseDB),
		timestampIndex: prefixdb.New(timestampPrefix, baseDB),
		blkCache:       &cache.LRU[ids.ID, []byte]{Size: blockCacheSize},
	}
}

func (s *state) isInitialized() (bool, error) {
	return s.acceptedIndex.Has(initializedKey)
}

func (s *state) setInitialized() error {
	return s.acceptedIndex.Put(initializedKey, nil)
}

// putAccepted indexes [blk] by ID and height and marks it as last accepted.
func (s *state) putAccepted(blk *Block) error {
	heightBytes := make([]byte, wrappers.LongLen)
	binary.BigEndian.PutUint64(heightBytes, blk.Hght)
	if err := s.heightIndex.Put(heightBytes, blk.id[:]); err != nil {
		return fmt.Errorf("failed to put block %s into height index: %w", blk.id, err)
	}
	if err := s.blockIndex.Put(blk.id[:], blk.bytes); err != nil {
		return fmt.Errorf("failed to put block %s into block index: %w", blk.id, err)
	}

	timestampBytes := make([]byte, wrappers.LongLen)
	binary.BigEndian.PutUint64(timestampBytes, uint64(blk.Tmstmp))
	if err := s.timestampIndex.Put(timestampBytes, blk.DataHash[:]); err != nil {
		return fmt.Errorf("failed to put timestamped hash for block %s: %w", blk.id, err)
	}

	if err := s.acceptedIndex.Put(acceptedKey, blk.id[:]); err != nil {
		return fmt.Errorf("failed to update last accepted block to %s: %w", blk.id, err)
	}
	s.blkCache.Put(blk.id, blk.bytes)
	return nil
}

func (s *state) getBlockBytes(blkID ids.ID) ([]byte, error) {
	if blkBytes, ok := s.blkCache.Get(blkID); ok {
		return blkBytes, nil
	}
	blkBytes, err := s.blockIndex.Get(blkID[:])
	if err != nil {
		return nil, err
	}
	s.blkCache.Put(blkID, blkBytes)
	return blkBytes, nil
}

func (s *state) getBlockIDAtHeight(height uint64) (ids.ID, error) {
	heightBytes := make([]byte, wrappers.LongLen)
	binary.BigEndian.PutUint64(heightBytes, height)

	blkIDBytes, err := s.heightIndex.Get(heightBytes)
	if err != nil {
		return ids.Empty, err
	}
	return ids.ToID(blkIDBytes)
}

func (s *state) getLastAccepted() (ids.ID, error) {
	blkIDBytes, err := s.acceptedIndex.Get(acceptedKey)
	if err != nil {
		return ids.Empty, err
	}
	return ids.ToID(blkIDBytes)
}

// Commit writes the pending operations to the underlying database as a
// single batch.
func (s *state) Commit() error {
	return s.baseDB.Commit()
}

// Abort drops the pending operations.
func (s *state) Abort() {
	s.baseDB.Abort()
}

func (s *state) ClearCache() {
	s.blkCache.Flush()
}
