// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package timestampvm

import (
	"context"
	"time"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/pluginvm/sdk/network"
)

var _ network.RequestHandler = (*gossipHandler)(nil)

// gossipHandler serves peers. Gossip carries proposed data hashes, requests
// carry a block ID and are answered with the block's bytes.
type gossipHandler struct {
	vm *VM
}

func (h *gossipHandler) AppRequest(_ context.Context, nodeID ids.NodeID, _ time.Time, request []byte) ([]byte, error) {
	blkID, err := ids.ToID(request)
	if err != nil {
		return nil, err
	}
	blk, err := h.vm.getBlock(blkID)
	if err != nil {
		return nil, err
	}
	h.vm.log.Debug("serving block", "nodeID", nodeID, "blkID", blkID)
	return blk.Bytes(), nil
}

func (h *gossipHandler) AppGossip(_ context.Context, nodeID ids.NodeID, msg []byte) error {
	dataHash, err := ids.ToID(msg)
	if err != nil {
		return err
	}
	h.vm.log.Debug("received gossiped data", "nodeID", nodeID, "dataHash", dataHash)
	return h.vm.mempool.Add(dataHash)
}
