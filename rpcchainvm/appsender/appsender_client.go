// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package appsender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"google.golang.org/grpc"

	"github.com/ava-labs/pluginvm/block"

	appsenderpb "github.com/ava-labs/avalanchego/proto/pb/appsender"
)

// DefaultTimeout bounds every call to the host's networking layer.
const DefaultTimeout = 10 * time.Second

var (
	// ErrSendFailed is returned when a message could not be handed to the
	// host, including when the call timed out.
	ErrSendFailed = errors.New("send failed")

	_ block.AppSender = (*Client)(nil)
)

// Client hands the VM's peer messages to the host. Every call returns once
// the host accepted the message; delivery to the peer is not awaited.
type Client struct {
	client  appsenderpb.AppSenderClient
	timeout time.Duration
}

// NewClient returns a client for the AppSender service reached over [conn].
// The client does not take ownership of [conn].
func NewClient(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		client:  appsenderpb.NewAppSenderClient(conn),
		timeout: timeout,
	}
}

func (c *Client) SendAppRequest(ctx context.Context, nodeIDs []ids.NodeID, requestID uint32, request []byte) error {
	nodeIDsBytes := make([][]byte, len(nodeIDs))
	for i, nodeID := range nodeIDs {
		nodeID := nodeID // Prevent overwrite in next iteration
		nodeIDsBytes[i] = nodeID[:]
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.client.SendAppRequest(ctx, &appsenderpb.SendAppRequestMsg{
		NodeIds:   nodeIDsBytes,
		RequestId: requestID,
		Request:   request,
	})
	return sendFailed(err)
}

func (c *Client) SendAppResponse(ctx context.Context, nodeID ids.NodeID, requestID uint32, response []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.client.SendAppResponse(ctx, &appsenderpb.SendAppResponseMsg{
		NodeId:    nodeID[:],
		RequestId: requestID,
		Response:  response,
	})
	return sendFailed(err)
}

func (c *Client) SendAppGossip(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.client.SendAppGossip(ctx, &appsenderpb.SendAppGossipMsg{
		Msg: msg,
	})
	return sendFailed(err)
}

func sendFailed(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSendFailed, err)
}
