// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/pluginvm/block"
)

// Block wraps a block produced by the VM with the status the state machine
// tracks for it.
type Block struct {
	inner block.Block
	state *State

	// verifyLock serializes verification of this block.
	verifyLock sync.Mutex

	// status and verified are guarded by state.lock
	status   block.Status
	verified bool
}

func (b *Block) ID() ids.ID {
	return b.inner.ID()
}

func (b *Block) Parent() ids.ID {
	return b.inner.Parent()
}

func (b *Block) Bytes() []byte {
	return b.inner.Bytes()
}

func (b *Block) Height() uint64 {
	return b.inner.Height()
}

func (b *Block) Timestamp() time.Time {
	return b.inner.Timestamp()
}

func (b *Block) Status() block.Status {
	b.state.lock.RLock()
	defer b.state.lock.RUnlock()

	return b.status
}

// Verified returns true once the block passed verification.
func (b *Block) Verified() bool {
	b.state.lock.RLock()
	defer b.state.lock.RUnlock()

	return b.verified
}

func (b *Block) snapshot() (block.Status, bool) {
	b.state.lock.RLock()
	defer b.state.lock.RUnlock()

	return b.status, b.verified
}

// Verify checks the block against its parent and then runs the VM's
// validation. A failure leaves the status unchanged. A block is verified at
// most once.
func (b *Block) Verify(ctx context.Context) error {
	b.verifyLock.Lock()
	defer b.verifyLock.Unlock()

	blkID := b.ID()
	status, verified := b.snapshot()
	switch {
	case status == block.Accepted:
		return nil
	case status == block.Rejected:
		return b.state.violation(fmt.Errorf("%w: verifying rejected block %s", block.ErrProtocolViolation, blkID))
	case verified:
		return nil
	}

	parent, err := b.state.GetBlock(ctx, b.Parent())
	if errors.Is(err, block.ErrNotFound) {
		return fmt.Errorf("%w: unknown parent %s of %s", block.ErrInvalidBlock, b.Parent(), blkID)
	}
	if err != nil {
		return fmt.Errorf("failed to get parent of %s for verification: %w", blkID, err)
	}
	if parent.Status() == block.Rejected {
		return fmt.Errorf("%w: parent %s of %s was rejected", block.ErrInvalidBlock, parent.ID(), blkID)
	}
	if expected := parent.Height() + 1; b.Height() != expected {
		return fmt.Errorf("%w: block %s has height %d, expected %d", block.ErrInvalidBlock, blkID, b.Height(), expected)
	}

	if err := b.inner.Verify(ctx); err != nil {
		return fmt.Errorf("%w: %w", block.ErrInvalidBlock, err)
	}

	if !b.state.markVerified(b) {
		return b.state.violation(fmt.Errorf("%w: block %s was decided during verification", block.ErrProtocolViolation, blkID))
	}
	return nil
}

// Accept marks the block as canonical. The block must have been verified and
// its parent must be the last accepted block.
func (b *Block) Accept(ctx context.Context) error {
	b.state.decideLock.Lock()
	defer b.state.decideLock.Unlock()

	blkID := b.ID()
	status, verified := b.snapshot()
	switch {
	case status == block.Accepted:
		return nil
	case status == block.Rejected:
		return b.state.violation(fmt.Errorf("%w: accepting rejected block %s", block.ErrProtocolViolation, blkID))
	case !verified:
		return b.state.violation(fmt.Errorf("%w: accepting unverified block %s", block.ErrProtocolViolation, blkID))
	}

	lastAccepted := b.state.LastAcceptedBlock()
	if b.Parent() != lastAccepted.ID() {
		return b.state.violation(fmt.Errorf("%w: accepting block %s whose parent %s is not the last accepted block %s",
			block.ErrProtocolViolation, blkID, b.Parent(), lastAccepted.ID()))
	}

	if err := b.inner.Accept(ctx); err != nil {
		return fmt.Errorf("failed to accept block %s: %w", blkID, err)
	}

	b.state.markAccepted(b)
	return nil
}

// Reject marks the block as not canonical. Rejecting an accepted block is a
// protocol violation. If the block was preferred, the preference falls back
// to the last accepted block, in the VM as well.
func (b *Block) Reject(ctx context.Context) error {
	b.state.decideLock.Lock()
	defer b.state.decideLock.Unlock()

	blkID := b.ID()
	switch b.Status() {
	case block.Rejected:
		return nil
	case block.Accepted:
		return b.state.violation(fmt.Errorf("%w: rejecting accepted block %s", block.ErrProtocolViolation, blkID))
	}

	if err := b.inner.Reject(ctx); err != nil {
		return fmt.Errorf("failed to reject block %s: %w", blkID, err)
	}

	b.state.markRejected(b)
	if b.state.PreferredBlock() != b {
		return nil
	}
	if err := b.state.setPreference(ctx, b.state.LastAcceptedBlock()); err != nil {
		return fmt.Errorf("failed to move preference off rejected block %s: %w", blkID, err)
	}
	return nil
}
