// (c) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package timestampvm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"
	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"github.com/ava-labs/avalanchego/version"
	"github.com/gorilla/rpc/v2"

	log "github.com/inconshreveable/log15"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	"github.com/ava-labs/pluginvm/block"
	"github.com/ava-labs/pluginvm/sdk/network"
)

const (
	Name = "timestampvm"

	// futureBlockLimit is the maximum amount of time that a block can be in
	// the future
	futureBlockLimit = time.Minute
)

var (
	Version = &version.Semantic{
		Major: 1,
		Minor: 3,
		Patch: 0,
	}

	errBadGenesisBytes = errors.New("genesis data should be bytes (max length 32)")
	errNotInitialized  = errors.New("vm not initialized")

	_ block.ChainVM              = (*VM)(nil)
	_ block.HeightIndexedChainVM = (*VM)(nil)
)

// VM is a chain in which each block timestamps the hash of a piece of data.
type VM struct {
	// Clock used for block building and verification
	clock mockable.Clock

	log      log.Logger
	chainCtx *block.ChainContext

	state   *state
	mempool *mempool
	network *network.Network

	lock sync.RWMutex
	// verifiedBlocks holds the blocks that passed verification and are
	// waiting for a decision. They are not persisted until accepted.
	verifiedBlocks map[ids.ID]*Block
	preferred      ids.ID
	lastAccepted   *Block
}

// Initialize this vm. If the host's database is empty, the genesis block is
// created from [genesisBytes], which is at most 32 bytes of data.
func (vm *VM) Initialize(
	ctx context.Context,
	chainCtx *block.ChainContext,
	db database.Database,
	genesisBytes []byte,
	_ []byte,
	_ []byte,
	toEngine chan<- block.Message,
	appSender block.AppSender,
) error {
	vm.log = log.New("vm", Name, "chainID", chainCtx.ChainID)
	vm.log.Info("initializing timestamp vm", "version", Version)

	vm.chainCtx = chainCtx
	vm.state = newState(db)
	vm.mempool = newMempool(toEngine)
	vm.network = network.NewNetwork(appSender, &gossipHandler{vm: vm}, vm.log)
	vm.verifiedBlocks = make(map[ids.ID]*Block)

	initialized, err := vm.state.isInitialized()
	if err != nil {
		return fmt.Errorf("failed to read initialization status: %w", err)
	}
	if !initialized {
		if err := vm.initGenesis(genesisBytes); err != nil {
			return err
		}
	}

	lastAcceptedID, err := vm.state.getLastAccepted()
	if err != nil {
		return fmt.Errorf("failed to get last accepted block: %w", err)
	}
	lastAccepted, err := vm.getBlock(lastAcceptedID)
	if err != nil {
		return fmt.Errorf("failed to load last accepted block %s: %w", lastAcceptedID, err)
	}
	vm.lastAccepted = lastAccepted
	vm.preferred = lastAcceptedID
	return nil
}

func (vm *VM) initGenesis(genesisBytes []byte) error {
	if len(genesisBytes) > len(ids.Empty) {
		return errBadGenesisBytes
	}

	// Timestamp of genesis block is 0. It has no parent.
	genesisBlock := &Block{
		PrntID: ids.Empty,
		Hght:   0,
		Tmstmp: 0,
	}
	copy(genesisBlock.DataHash[:], genesisBytes)
	if err := vm.initBlock(genesisBlock); err != nil {
		return fmt.Errorf("failed to create genesis block: %w", err)
	}

	defer vm.state.Abort()
	if err := vm.state.putAccepted(genesisBlock); err != nil {
		return fmt.Errorf("failed to put genesis block: %w", err)
	}
	if err := vm.state.setInitialized(); err != nil {
		return fmt.Errorf("failed to set db to initialized: %w", err)
	}
	return vm.state.Commit()
}

// initBlock fills in the bytes and ID of a block built by this VM.
func (vm *VM) initBlock(blk *Block) error {
	bytes, err := Codec.Marshal(CodecVersion, blk)
	if err != nil {
		return err
	}
	blk.bytes = bytes
	blk.id = hashing.ComputeHash256Array(bytes)
	blk.vm = vm
	return nil
}

// CreateHandlers returns the JSON-RPC API of this VM under the empty path
// extension and the genesis helpers under "/static".
func (vm *VM) CreateHandlers(context.Context) (map[string]http.Handler, error) {
	server, err := newJSONRPCServer(&Service{vm: vm})
	if err != nil {
		return nil, err
	}
	staticServer, err := newJSONRPCServer(&StaticService{})
	if err != nil {
		return nil, err
	}
	return map[string]http.Handler{
		"":        server,
		"/static": staticServer,
	}, nil
}

func newJSONRPCServer(service interface{}) (*rpc.Server, error) {
	server := rpc.NewServer()
	codec := cjson.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	return server, server.RegisterService(service, "timestamp")
}

// HealthCheck reports the number of blocks waiting to be built.
func (vm *VM) HealthCheck(context.Context) (interface{}, error) {
	if vm.state == nil {
		return nil, errNotInitialized
	}
	return map[string]interface{}{
		"mempool":         vm.mempool.Len(),
		"pendingRequests": vm.network.Pending(),
	}, nil
}

// BuildBlock returns a block on top of the preferred block timestamping the
// next data hash in the mempool.
func (vm *VM) BuildBlock(ctx context.Context) (block.Block, error) {
	dataHash, err := vm.mempool.Next()
	if err != nil {
		return nil, block.ErrNothingToBuild
	}
	// Notify the host that there are more pending data for blocks
	if vm.mempool.Len() > 0 {
		defer vm.mempool.notify()
	}

	vm.lock.RLock()
	preferredID := vm.preferred
	vm.lock.RUnlock()

	parent, err := vm.getBlock(preferredID)
	if err != nil {
		vm.requeue(dataHash)
		return nil, fmt.Errorf("couldn't get preferred block: %w", err)
	}

	timestamp := vm.clock.Time().Unix()
	if timestamp < parent.Tmstmp {
		timestamp = parent.Tmstmp
	}
	blk := &Block{
		PrntID:   preferredID,
		Hght:     parent.Hght + 1,
		Tmstmp:   timestamp,
		DataHash: dataHash,
	}
	if err := vm.initBlock(blk); err != nil {
		vm.requeue(dataHash)
		return nil, fmt.Errorf("couldn't build block: %w", err)
	}
	vm.log.Debug("built block", "blkID", blk.id, "height", blk.Hght)
	return blk, nil
}

// requeue puts back a data hash a block could not be built from.
func (vm *VM) requeue(dataHash ids.ID) {
	if err := vm.mempool.Add(dataHash); err != nil {
		vm.log.Warn("dropping data hash", "dataHash", dataHash, "err", err)
	}
}

// ParseBlock parses [bytes] into a block. It is used both for blocks stored
// in state and for blocks received from other nodes.
func (vm *VM) ParseBlock(_ context.Context, bytes []byte) (block.Block, error) {
	return vm.parseBlock(bytes)
}

func (vm *VM) parseBlock(bytes []byte) (*Block, error) {
	blk := &Block{}
	parsedVersion, err := Codec.Unmarshal(bytes, blk)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", block.ErrMalformedBlock, err)
	}
	if parsedVersion != CodecVersion {
		return nil, fmt.Errorf("%w: unexpected codec version %d", block.ErrMalformedBlock, parsedVersion)
	}

	blk.bytes = bytes
	blk.id = hashing.ComputeHash256Array(bytes)
	blk.vm = vm
	return blk, nil
}

func (vm *VM) GetBlock(_ context.Context, blkID ids.ID) (block.Block, error) {
	return vm.getBlock(blkID)
}

// getBlock returns a verified or accepted block.
func (vm *VM) getBlock(blkID ids.ID) (*Block, error) {
	vm.lock.RLock()
	blk, ok := vm.verifiedBlocks[blkID]
	vm.lock.RUnlock()
	if ok {
		return blk, nil
	}

	blkBytes, err := vm.state.getBlockBytes(blkID)
	if err != nil {
		return nil, err
	}
	return vm.parseBlock(blkBytes)
}

// GetBlockIDAtHeight returns the ID of the accepted block at [height].
func (vm *VM) GetBlockIDAtHeight(_ context.Context, height uint64) (ids.ID, error) {
	return vm.state.getBlockIDAtHeight(height)
}

func (vm *VM) SetPreference(_ context.Context, blkID ids.ID) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	vm.preferred = blkID
	return nil
}

func (vm *VM) LastAccepted(context.Context) (ids.ID, error) {
	vm.lock.RLock()
	defer vm.lock.RUnlock()

	if vm.lastAccepted == nil {
		return ids.Empty, errNotInitialized
	}
	return vm.lastAccepted.id, nil
}

func (vm *VM) addVerified(blk *Block) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	vm.verifiedBlocks[blk.id] = blk
}

func (vm *VM) removeVerified(blkID ids.ID) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	delete(vm.verifiedBlocks, blkID)
}

// acceptBlock persists [blk] and commits it to the host's database as a
// single batch.
func (vm *VM) acceptBlock(blk *Block) error {
	defer vm.state.Abort()

	if err := vm.state.putAccepted(blk); err != nil {
		return err
	}
	if err := vm.state.Commit(); err != nil {
		return fmt.Errorf("failed to commit database accepting block %s: %w", blk.id, err)
	}

	vm.lock.Lock()
	defer vm.lock.Unlock()

	delete(vm.verifiedBlocks, blk.id)
	vm.lastAccepted = blk
	return nil
}

// RequestBlock fetches the block [blkID] from the peer [nodeID].
func (vm *VM) RequestBlock(ctx context.Context, nodeID ids.NodeID, blkID ids.ID) (*Block, error) {
	blkBytes, err := vm.network.Request(ctx, nodeID, blkID[:])
	if err != nil {
		return nil, err
	}
	blk, err := vm.parseBlock(blkBytes)
	if err != nil {
		return nil, err
	}
	if blk.id != blkID {
		return nil, fmt.Errorf("%w: peer %s answered %s with block %s", block.ErrMalformedBlock, nodeID, blkID, blk.id)
	}
	return blk, nil
}

// Version returns this VM's version
func (vm *VM) Version(context.Context) (string, error) {
	return Version.String(), nil
}

func (vm *VM) Shutdown(context.Context) error {
	if vm.state == nil {
		return nil
	}
	vm.state.ClearCache()
	return nil
}

func (vm *VM) Connected(ctx context.Context, nodeID ids.NodeID, nodeVersion string) error {
	return vm.network.Connected(ctx, nodeID, nodeVersion)
}

func (vm *VM) Disconnected(ctx context.Context, nodeID ids.NodeID) error {
	return vm.network.Disconnected(ctx, nodeID)
}

func (vm *VM) AppRequest(ctx context.Context, nodeID ids.NodeID, requestID uint32, deadline time.Time, request []byte) error {
	return vm.network.AppRequest(ctx, nodeID, requestID, deadline, request)
}

func (vm *VM) AppRequestFailed(ctx context.Context, nodeID ids.NodeID, requestID uint32) error {
	return vm.network.AppRequestFailed(ctx, nodeID, requestID)
}

func (vm *VM) AppResponse(ctx context.Context, nodeID ids.NodeID, requestID uint32, response []byte) error {
	return vm.network.AppResponse(ctx, nodeID, requestID, response)
}

func (vm *VM) AppGossip(ctx context.Context, nodeID ids.NodeID, msg []byte) error {
	return vm.network.AppGossip(ctx, nodeID, msg)
}
