// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stack

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"

	"github.com/ava-labs/pluginvm/block"
)

var (
	errUnknownBytes = errors.New("unknown bytes")

	_ block.ChainVM              = (*testVM)(nil)
	_ block.HeightIndexedChainVM = (*testVM)(nil)
)

type testBlock struct {
	id        ids.ID
	parent    ids.ID
	height    uint64
	timestamp time.Time
	bytes     []byte

	vm *testVM

	verifyErr error
	acceptErr error
	// onVerify runs inside Verify before it returns
	onVerify func()
	// onAccept runs inside Accept before the block is recorded as accepted
	onAccept func()

	lock     sync.Mutex
	verifies int
	accepts  int
	rejects  int
}

func newTestBlock(vm *testVM, parent *testBlock, nonce byte) *testBlock {
	bytes := make([]byte, 0, len(ids.Empty)+9)
	bytes = append(bytes, parent.id[:]...)
	bytes = binary.BigEndian.AppendUint64(bytes, parent.height+1)
	bytes = append(bytes, nonce)

	blk := &testBlock{
		id:        hashing.ComputeHash256Array(bytes),
		parent:    parent.id,
		height:    parent.height + 1,
		timestamp: parent.timestamp.Add(time.Second),
		bytes:     bytes,
		vm:        vm,
	}
	vm.register(blk)
	return blk
}

func (b *testBlock) ID() ids.ID           { return b.id }
func (b *testBlock) Parent() ids.ID       { return b.parent }
func (b *testBlock) Height() uint64       { return b.height }
func (b *testBlock) Timestamp() time.Time { return b.timestamp }
func (b *testBlock) Bytes() []byte        { return b.bytes }

func (b *testBlock) Verify(context.Context) error {
	b.lock.Lock()
	b.verifies++
	err := b.verifyErr
	onVerify := b.onVerify
	b.lock.Unlock()

	if onVerify != nil {
		onVerify()
	}
	return err
}

func (b *testBlock) Accept(context.Context) error {
	b.lock.Lock()
	b.accepts++
	err := b.acceptErr
	onAccept := b.onAccept
	b.lock.Unlock()

	if err != nil {
		return err
	}
	if onAccept != nil {
		onAccept()
	}
	b.vm.accept(b)
	return nil
}

func (b *testBlock) Reject(context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.rejects++
	return nil
}

func (b *testBlock) counts() (int, int, int) {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.verifies, b.accepts, b.rejects
}

// testVM knows every block created through newTestBlock but only serves the
// accepted ones from GetBlock.
type testVM struct {
	lock         sync.Mutex
	known        map[ids.ID]*testBlock
	stored       map[ids.ID]*testBlock
	heights      map[uint64]ids.ID
	lastAccepted ids.ID
	preferred    ids.ID

	toBuild  *testBlock
	parseErr error
	// idOverride makes ParseBlock return a block whose ID is not the hash of
	// its bytes
	idOverride *ids.ID
}

func newTestVM() (*testVM, *testBlock) {
	vm := &testVM{
		known:   make(map[ids.ID]*testBlock),
		stored:  make(map[ids.ID]*testBlock),
		heights: make(map[uint64]ids.ID),
	}
	genesisBytes := []byte("genesis")
	genesis := &testBlock{
		id:        hashing.ComputeHash256Array(genesisBytes),
		timestamp: time.Unix(0, 0),
		bytes:     genesisBytes,
		vm:        vm,
	}
	vm.register(genesis)
	vm.accept(genesis)
	return vm, genesis
}

func (vm *testVM) register(blk *testBlock) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	vm.known[blk.id] = blk
}

func (vm *testVM) accept(blk *testBlock) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	vm.stored[blk.id] = blk
	vm.heights[blk.height] = blk.id
	vm.lastAccepted = blk.id
}

func (*testVM) Initialize(context.Context, *block.ChainContext, database.Database, []byte, []byte, []byte, chan<- block.Message, block.AppSender) error {
	return nil
}

func (vm *testVM) BuildBlock(context.Context) (block.Block, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if vm.toBuild == nil {
		return nil, block.ErrNothingToBuild
	}
	blk := vm.toBuild
	vm.toBuild = nil
	return blk, nil
}

type overriddenBlock struct {
	*testBlock
	id ids.ID
}

func (b *overriddenBlock) ID() ids.ID { return b.id }

func (vm *testVM) ParseBlock(_ context.Context, bytes []byte) (block.Block, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if vm.parseErr != nil {
		return nil, vm.parseErr
	}
	blk, ok := vm.known[hashing.ComputeHash256Array(bytes)]
	if !ok {
		return nil, errUnknownBytes
	}
	if vm.idOverride != nil {
		return &overriddenBlock{testBlock: blk, id: *vm.idOverride}, nil
	}
	return blk, nil
}

func (vm *testVM) GetBlock(_ context.Context, blkID ids.ID) (block.Block, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	blk, ok := vm.stored[blkID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return blk, nil
}

func (vm *testVM) GetBlockIDAtHeight(_ context.Context, height uint64) (ids.ID, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	blkID, ok := vm.heights[height]
	if !ok {
		return ids.Empty, database.ErrNotFound
	}
	return blkID, nil
}

func (vm *testVM) SetPreference(_ context.Context, blkID ids.ID) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	vm.preferred = blkID
	return nil
}

func (vm *testVM) LastAccepted(context.Context) (ids.ID, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	return vm.lastAccepted, nil
}

func (*testVM) HealthCheck(context.Context) (interface{}, error) { return nil, nil }

func (*testVM) Version(context.Context) (string, error) { return "v0.0.0", nil }

func (*testVM) Shutdown(context.Context) error { return nil }

func (*testVM) CreateHandlers(context.Context) (map[string]http.Handler, error) { return nil, nil }

func (*testVM) Connected(context.Context, ids.NodeID, string) error { return nil }

func (*testVM) Disconnected(context.Context, ids.NodeID) error { return nil }

func (*testVM) AppRequest(context.Context, ids.NodeID, uint32, time.Time, []byte) error {
	return nil
}

func (*testVM) AppRequestFailed(context.Context, ids.NodeID, uint32) error { return nil }

func (*testVM) AppResponse(context.Context, ids.NodeID, uint32, []byte) error { return nil }

func (*testVM) AppGossip(context.Context, ids.NodeID, []byte) error { return nil }
