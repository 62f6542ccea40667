// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"
	"github.com/prometheus/client_golang/prometheus"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/pluginvm/block"
)

// State tracks the status of every block the host has seen and the preferred
// and last accepted pointers. It is the only place block status changes.
//
// Accept, Reject and SetPreference are linearized by decideLock. The state
// lock is only held for local transitions, never across a call into the VM,
// since those calls may reach the host over the bridges.
type State struct {
	vm      block.ChainVM
	config  Config
	log     log.Logger
	metrics *metrics

	decideLock sync.Mutex

	lock sync.RWMutex
	// verifiedBlocks is a map of blocks that have been verified and are
	// waiting for a decision
	verifiedBlocks    map[ids.ID]*Block
	lastAcceptedBlock *Block
	preferredBlock    *Block

	// decidedBlocks is a cache of blocks that have been accepted or rejected
	decidedBlocks *lru.Cache
	// unverifiedBlocks is an LRU cache of blocks with status processing
	// that have not yet passed verification.
	unverifiedBlocks *lru.Cache
	// missingBlocks is an LRU cache of ids the VM reported as unknown
	missingBlocks *lru.Cache
	// string([byte repr. of block]) --> the block's ID
	bytesToIDCache *lru.Cache
}

// New returns the state of an initialized [vm], starting from the VM's last
// accepted block.
func New(
	ctx context.Context,
	vm block.ChainVM,
	config Config,
	registerer prometheus.Registerer,
	logger log.Logger,
) (*State, error) {
	decidedCache, err := lru.New(config.Cache.Decided)
	if err != nil {
		return nil, err
	}
	unverifiedCache, err := lru.New(config.Cache.Unverified)
	if err != nil {
		return nil, err
	}
	missingCache, err := lru.New(config.Cache.Missing)
	if err != nil {
		return nil, err
	}
	bytesToIDCache, err := lru.New(config.Cache.BytesToID)
	if err != nil {
		return nil, err
	}

	s := &State{
		vm:               vm,
		config:           config,
		log:              logger,
		metrics:          newMetrics(registerer),
		verifiedBlocks:   make(map[ids.ID]*Block),
		decidedBlocks:    decidedCache,
		unverifiedBlocks: unverifiedCache,
		missingBlocks:    missingCache,
		bytesToIDCache:   bytesToIDCache,
	}

	lastAcceptedID, err := vm.LastAccepted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get last accepted block ID: %w", err)
	}
	lastAccepted, err := vm.GetBlock(ctx, lastAcceptedID)
	if err != nil {
		return nil, fmt.Errorf("failed to get last accepted block %s: %w", lastAcceptedID, err)
	}

	// The last accepted block is never verified again, so its parent is never
	// looked up.
	s.lastAcceptedBlock = &Block{
		inner:  lastAccepted,
		state:  s,
		status: block.Accepted,
	}
	s.preferredBlock = s.lastAcceptedBlock
	s.decidedBlocks.Add(lastAcceptedID, s.lastAcceptedBlock)
	return s, nil
}

// Flush each block cache
func (s *State) Flush() {
	s.decidedBlocks.Purge()
	s.missingBlocks.Purge()
	s.unverifiedBlocks.Purge()
	s.bytesToIDCache.Purge()

	// The last accepted block must stay resolvable.
	s.lock.RLock()
	defer s.lock.RUnlock()
	s.decidedBlocks.Add(s.lastAcceptedBlock.ID(), s.lastAcceptedBlock)
}

// getCachedBlock checks the caches for [blkID] by priority. Returning
// true if [blkID] is found in one of the caches.
func (s *State) getCachedBlock(blkID ids.ID) (*Block, bool) {
	s.lock.RLock()
	blk, ok := s.verifiedBlocks[blkID]
	if !ok {
		switch blkID {
		case s.lastAcceptedBlock.ID():
			blk, ok = s.lastAcceptedBlock, true
		case s.preferredBlock.ID():
			blk, ok = s.preferredBlock, true
		}
	}
	s.lock.RUnlock()
	if ok {
		return blk, true
	}

	if blk, ok := s.decidedBlocks.Get(blkID); ok {
		return blk.(*Block), true
	}

	if blk, ok := s.unverifiedBlocks.Get(blkID); ok {
		return blk.(*Block), true
	}

	return nil, false
}

// GetBlock returns the tracked block with [blkID], asking the VM for blocks
// that are not tracked yet.
func (s *State) GetBlock(ctx context.Context, blkID ids.ID) (*Block, error) {
	if blk, ok := s.getCachedBlock(blkID); ok {
		return blk, nil
	}

	if s.missingBlocks.Contains(blkID) {
		return nil, fmt.Errorf("%w: block %s", block.ErrNotFound, blkID)
	}

	blk, err := s.vm.GetBlock(ctx, blkID)
	// A block the VM does not know about is a cacheable miss.
	if errors.Is(err, database.ErrNotFound) || errors.Is(err, block.ErrNotFound) {
		s.missingBlocks.Add(blkID, struct{}{})
		return nil, fmt.Errorf("%w: block %s", block.ErrNotFound, blkID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", blkID, err)
	}

	return s.addBlockOutsideConsensus(ctx, blk)
}

// ParseBlock decodes [b] into a tracked block. Parsing the bytes of a block
// that is already tracked returns that block with its current status.
func (s *State) ParseBlock(ctx context.Context, b []byte) (*Block, error) {
	// See if we've cached this block's ID by its byte repr.
	blkIDIntf, blkIDCached := s.bytesToIDCache.Get(string(b))
	if blkIDCached {
		blkID := blkIDIntf.(ids.ID)
		if cachedBlk, ok := s.getCachedBlock(blkID); ok {
			return cachedBlk, nil
		}
	}

	blk, err := s.vm.ParseBlock(ctx, b)
	if err != nil {
		if errors.Is(err, block.ErrMalformedBlock) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", block.ErrMalformedBlock, err)
	}
	blkID := blk.ID()
	if expectedID := ids.ID(hashing.ComputeHash256Array(b)); blkID != expectedID {
		return nil, fmt.Errorf("%w: block ID %s is not the hash %s of its bytes", block.ErrMalformedBlock, blkID, expectedID)
	}
	s.bytesToIDCache.Add(string(b), blkID)

	// Only check the caches if we didn't do so above
	if !blkIDCached {
		if cachedBlk, ok := s.getCachedBlock(blkID); ok {
			return cachedBlk, nil
		}
	}

	s.missingBlocks.Remove(blkID)
	return s.addBlockOutsideConsensus(ctx, blk)
}

// BuildBlock asks the VM for a new block on top of the preferred block.
func (s *State) BuildBlock(ctx context.Context) (*Block, error) {
	blk, err := s.vm.BuildBlock(ctx)
	if err != nil {
		return nil, err
	}

	preferred := s.PreferredBlock()
	blkID := blk.ID()
	if blk.Parent() != preferred.ID() {
		return nil, fmt.Errorf("%w: built block %s on %s instead of the preferred block %s",
			block.ErrInvalidBlock, blkID, blk.Parent(), preferred.ID())
	}
	if blk.Height() != preferred.Height()+1 {
		return nil, fmt.Errorf("%w: built block %s at height %d on top of height %d",
			block.ErrInvalidBlock, blkID, blk.Height(), preferred.Height())
	}

	// Building a block that is already tracked returns the existing
	// reference to it.
	if existingBlk, ok := s.getCachedBlock(blkID); ok {
		return existingBlk, nil
	}
	s.missingBlocks.Remove(blkID)
	s.bytesToIDCache.Add(string(blk.Bytes()), blkID)

	return s.addBlockOutsideConsensus(ctx, blk)
}

// addBlockOutsideConsensus wraps [blk], a block that is not currently
// verified, and adds it to the correct cache.
func (s *State) addBlockOutsideConsensus(ctx context.Context, blk block.Block) (*Block, error) {
	blkID := blk.ID()
	status, err := s.getStatus(ctx, blk)
	if err != nil {
		return nil, fmt.Errorf("could not get block status for %s due to %w", blkID, err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	// Another call may have tracked the block while the status was looked up.
	if existing, ok := s.verifiedBlocks[blkID]; ok {
		return existing, nil
	}
	if existing, ok := s.decidedBlocks.Get(blkID); ok {
		return existing.(*Block), nil
	}
	if existing, ok := s.unverifiedBlocks.Get(blkID); ok {
		return existing.(*Block), nil
	}

	wrappedBlk := &Block{
		inner:  blk,
		state:  s,
		status: status,
	}
	switch status {
	case block.Accepted, block.Rejected:
		s.decidedBlocks.Add(blkID, wrappedBlk)
	case block.Processing:
		s.unverifiedBlocks.Add(blkID, wrappedBlk)
	default:
		return nil, fmt.Errorf("found unexpected status for blk %s: %s", blkID, status)
	}
	return wrappedBlk, nil
}

// getStatus returns the status of [blk], a block that is not tracked.
func (s *State) getStatus(ctx context.Context, blk block.Block) (block.Status, error) {
	lastAccepted := s.LastAcceptedBlock()
	blkHeight := blk.Height()
	if blkHeight > lastAccepted.Height() {
		return block.Processing, nil
	}
	if blk.ID() == lastAccepted.ID() {
		return block.Accepted, nil
	}

	indexed, ok := s.vm.(block.HeightIndexedChainVM)
	if !ok {
		// Without an index the block can not be told apart from a competing
		// fork. It stays Processing, and its parent check keeps it from ever
		// being accepted.
		return block.Processing, nil
	}

	acceptedID, err := indexed.GetBlockIDAtHeight(ctx, blkHeight)
	switch {
	case err == nil:
		if acceptedID == blk.ID() {
			return block.Accepted, nil
		}
		return block.Rejected, nil
	case errors.Is(err, database.ErrNotFound):
		return block.Processing, nil
	default:
		return block.Unknown, fmt.Errorf("failed to get accepted blkID at height: %d: %w", blkHeight, err)
	}
}

// SetPreference moves the preferred pointer to [blkID]. The pointer is left
// unchanged on error.
//
// The block is resolved before decideLock is taken, so a lookup that reaches
// the host does not hold up decisions.
func (s *State) SetPreference(ctx context.Context, blkID ids.ID) error {
	if s.Preferred() == blkID {
		return nil
	}

	blk, err := s.GetBlock(ctx, blkID)
	if err != nil {
		return fmt.Errorf("failed to get preferred block %s: %w", blkID, err)
	}

	s.decideLock.Lock()
	defer s.decideLock.Unlock()

	if blk.Status() == block.Rejected {
		return s.violation(fmt.Errorf("%w: preferring rejected block %s", block.ErrProtocolViolation, blkID))
	}
	return s.setPreference(ctx, blk)
}

// setPreference hands [blk] to the VM and then moves the pointer. decideLock
// must be held.
func (s *State) setPreference(ctx context.Context, blk *Block) error {
	if err := s.vm.SetPreference(ctx, blk.ID()); err != nil {
		return err
	}

	s.lock.Lock()
	s.preferredBlock = blk
	s.lock.Unlock()
	return nil
}

// Preferred returns the ID of the preferred block
func (s *State) Preferred() ids.ID {
	return s.PreferredBlock().ID()
}

// PreferredBlock returns the preferred wrapped block
func (s *State) PreferredBlock() *Block {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.preferredBlock
}

// LastAccepted returns the ID of the accepted block of maximum height
func (s *State) LastAccepted() ids.ID {
	return s.LastAcceptedBlock().ID()
}

// LastAcceptedBlock returns the last accepted wrapped block
func (s *State) LastAcceptedBlock() *Block {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.lastAcceptedBlock
}

// Processing returns the number of verified blocks waiting for a decision.
func (s *State) Processing() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.verifiedBlocks)
}

func (s *State) violation(err error) error {
	s.metrics.violations.Inc()
	s.log.Warn("refusing block transition", "err", err, "strictness", s.config.Strictness)
	if s.config.Strictness == Fatal && s.config.OnFatal != nil {
		s.config.OnFatal(err)
	}
	return err
}

// markVerified records that [b] passed verification. It returns false, and
// leaves the registry untouched, if [b] was decided in the meantime.
func (s *State) markVerified(b *Block) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if b.status.Decided() {
		return false
	}

	blkID := b.ID()
	b.verified = true
	s.unverifiedBlocks.Remove(blkID)
	s.verifiedBlocks[blkID] = b
	s.metrics.verified.Inc()
	s.metrics.processing.Set(float64(len(s.verifiedBlocks)))
	return true
}

func (s *State) markAccepted(b *Block) {
	s.lock.Lock()
	defer s.lock.Unlock()

	blkID := b.ID()
	b.status = block.Accepted
	s.lastAcceptedBlock = b
	delete(s.verifiedBlocks, blkID)
	s.decidedBlocks.Add(blkID, b)
	s.metrics.decided.WithLabelValues(block.Accepted.String()).Inc()
	s.metrics.processing.Set(float64(len(s.verifiedBlocks)))
}

func (s *State) markRejected(b *Block) {
	s.lock.Lock()
	defer s.lock.Unlock()

	blkID := b.ID()
	b.status = block.Rejected
	delete(s.verifiedBlocks, blkID)
	s.unverifiedBlocks.Remove(blkID)
	s.decidedBlocks.Add(blkID, b)
	s.metrics.decided.WithLabelValues(block.Rejected.String()).Inc()
	s.metrics.processing.Set(float64(len(s.verifiedBlocks)))
}
