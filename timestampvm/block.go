// (c) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package timestampvm

import (
	"context"
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/pluginvm/block"
)

var _ block.Block = (*Block)(nil)

// Block is a block on the chain. Each block timestamps the hash of some
// arbitrary data.
type Block struct {
	PrntID   ids.ID `serialize:"true" json:"parentID"`  // parent's ID
	Hght     uint64 `serialize:"true" json:"height"`    // This block's height. The genesis block is at height 0.
	Tmstmp   int64  `serialize:"true" json:"timestamp"` // Time this block was proposed at
	DataHash ids.ID `serialize:"true" json:"dataHash"`  // hash of some arbitrary data to timestamp

	id    ids.ID // hold this block's ID
	bytes []byte // this block's encoded bytes
	vm    *VM
}

// ID returns the ID of this block
func (b *Block) ID() ids.ID { return b.id }

// Parent returns [b]'s parent's ID
func (b *Block) Parent() ids.ID { return b.PrntID }

// Height returns this block's height. The genesis block has height 0.
func (b *Block) Height() uint64 { return b.Hght }

// Timestamp returns this block's time. The genesis block has time 0.
func (b *Block) Timestamp() time.Time { return time.Unix(b.Tmstmp, 0) }

// Bytes returns the byte repr. of this block
func (b *Block) Bytes() []byte { return b.bytes }

// Verify checks that b.parent.Timestamp <= b.Timestamp < [local time] + futureBlockLimit.
// Height and parent status are checked before Verify is called.
func (b *Block) Verify(ctx context.Context) error {
	parent, err := b.vm.getBlock(b.PrntID)
	if err != nil {
		return fmt.Errorf("failed to get parent %s: %w", b.PrntID, err)
	}

	if b.Tmstmp < parent.Tmstmp {
		return fmt.Errorf("block cannot have timestamp (%s) < parent timestamp (%s)", b.Timestamp(), parent.Timestamp())
	}

	now := b.vm.clock.Time()
	if b.Tmstmp >= now.Add(futureBlockLimit).Unix() {
		return fmt.Errorf("block cannot have timestamp (%s) further than (%s) past current time (%s)", b.Timestamp(), futureBlockLimit, now)
	}

	b.vm.addVerified(b)
	return nil
}

// Accept persists the block and marks it as the last accepted block.
func (b *Block) Accept(ctx context.Context) error {
	return b.vm.acceptBlock(b)
}

// Reject drops the block. There is nothing to clean up on disk since blocks
// are only written once accepted.
func (b *Block) Reject(ctx context.Context) error {
	b.vm.removeVerified(b.id)
	return nil
}
