// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package timestampvm

import (
	"context"
	"errors"
	"net/http"

	"github.com/ava-labs/avalanchego/api"
	"github.com/ava-labs/avalanchego/ids"
)

var errCannotGetLastAccepted = errors.New("cannot get last accepted block")

// Service is the API service for this VM
type Service struct{ vm *VM }

// BlockIDArgs is an API request where the only argument is a single block ID
type BlockIDArgs struct {
	// DataHash to include in the block
	ID ids.ID `json:"data"`
}

// ProposeBlock is an API method to propose a new block whose data is [args].ID.
// The data is also gossiped to the connected peers.
func (s *Service) ProposeBlock(r *http.Request, args *BlockIDArgs, _ *api.EmptyReply) error {
	if err := s.vm.mempool.Add(args.ID); err != nil {
		return err
	}
	return s.vm.network.Gossip(requestContext(r), args.ID[:])
}

// GetBlock gets the block whose ID is [args.ID]
// If [args.ID] is empty, get the latest block
func (s *Service) GetBlock(r *http.Request, args *BlockIDArgs, reply *Block) error {
	ctx := requestContext(r)
	requestedBlockID := args.ID
	if requestedBlockID == ids.Empty {
		var err error
		requestedBlockID, err = s.vm.LastAccepted(ctx)
		if err != nil {
			return errCannotGetLastAccepted
		}
	}
	blk, err := s.vm.getBlock(requestedBlockID)
	if err != nil {
		return err
	}

	*reply = *blk
	return nil
}

func requestContext(r *http.Request) context.Context {
	if r == nil {
		return context.Background()
	}
	return r.Context()
}
