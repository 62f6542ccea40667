// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package messenger

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ava-labs/pluginvm/block"

	messengerpb "github.com/ava-labs/avalanchego/proto/pb/messenger"
)

// Client is an implementation of a messenger channel that talks over RPC.
type Client struct {
	client messengerpb.MessengerClient
}

// NewClient returns a client that is connected to a remote channel
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{client: messengerpb.NewMessengerClient(conn)}
}

func (c *Client) Notify(ctx context.Context, msg block.Message) error {
	_, err := c.client.Notify(ctx, &messengerpb.NotifyRequest{
		Message: messageToPB(msg),
	})
	return err
}

func messageToPB(msg block.Message) messengerpb.Message {
	switch msg {
	case block.PendingTxs:
		return messengerpb.Message_MESSAGE_BUILD_BLOCK
	default:
		return messengerpb.Message_MESSAGE_UNSPECIFIED
	}
}
