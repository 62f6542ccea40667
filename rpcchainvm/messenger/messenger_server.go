// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package messenger

import (
	"context"
	"errors"

	"github.com/ava-labs/pluginvm/block"

	messengerpb "github.com/ava-labs/avalanchego/proto/pb/messenger"
)

var (
	errFullQueue      = errors.New("full message queue")
	errUnknownMessage = errors.New("unknown message")

	_ messengerpb.MessengerServer = (*Server)(nil)
)

// Server is a messenger that is managed over RPC. It runs in the host.
type Server struct {
	messengerpb.UnsafeMessengerServer

	messenger chan<- block.Message
}

// NewServer returns a messenger connected to a remote channel
func NewServer(messenger chan<- block.Message) *Server {
	return &Server{messenger: messenger}
}

func (s *Server) Notify(_ context.Context, req *messengerpb.NotifyRequest) (*messengerpb.NotifyResponse, error) {
	var msg block.Message
	switch req.Message {
	case messengerpb.Message_MESSAGE_BUILD_BLOCK:
		msg = block.PendingTxs
	default:
		return nil, errUnknownMessage
	}

	select {
	case s.messenger <- msg:
		return &messengerpb.NotifyResponse{}, nil
	default:
		return nil, errFullQueue
	}
}
