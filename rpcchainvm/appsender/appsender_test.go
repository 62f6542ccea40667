// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package appsender

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ava-labs/pluginvm/rpcchainvm/grpcutils"

	appsenderpb "github.com/ava-labs/avalanchego/proto/pb/appsender"
)

const bufSize = 1024 * 1024

var errTest = errors.New("non-nil error")

type recordingSender struct {
	err error

	nodeIDs   []ids.NodeID
	requestID uint32
	msg       []byte
}

func (s *recordingSender) SendAppRequest(_ context.Context, nodeIDs []ids.NodeID, requestID uint32, request []byte) error {
	s.nodeIDs, s.requestID, s.msg = nodeIDs, requestID, request
	return s.err
}

func (s *recordingSender) SendAppResponse(_ context.Context, nodeID ids.NodeID, requestID uint32, response []byte) error {
	s.nodeIDs, s.requestID, s.msg = []ids.NodeID{nodeID}, requestID, response
	return s.err
}

func (s *recordingSender) SendAppGossip(_ context.Context, msg []byte) error {
	s.msg = msg
	return s.err
}

func setupClient(t *testing.T, sender *recordingSender) *Client {
	client, _ := setupClientWithTimeout(t, sender, DefaultTimeout)
	return client
}

func setupClientWithTimeout(t *testing.T, sender *recordingSender, timeout time.Duration) (*Client, *grpc.Server) {
	listener := bufconn.Listen(bufSize)
	server := grpcutils.NewServer()
	appsenderpb.RegisterAppSenderServer(server, NewServer(sender))
	go func() {
		_ = server.Serve(listener)
	}()

	conn, err := grpcutils.Dial(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listener.Dial()
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		server.Stop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return NewClient(conn, timeout), server
}

func TestSendAppRequest(t *testing.T) {
	require := require.New(t)

	sender := &recordingSender{}
	client := setupClient(t, sender)
	nodeIDs := []ids.NodeID{ids.GenerateTestNodeID(), ids.GenerateTestNodeID()}

	require.NoError(client.SendAppRequest(context.Background(), nodeIDs, 7, []byte("req")))
	require.Equal(nodeIDs, sender.nodeIDs)
	require.Equal(uint32(7), sender.requestID)
	require.Equal([]byte("req"), sender.msg)
}

func TestSendAppResponse(t *testing.T) {
	require := require.New(t)

	sender := &recordingSender{}
	client := setupClient(t, sender)
	nodeID := ids.GenerateTestNodeID()

	require.NoError(client.SendAppResponse(context.Background(), nodeID, 3, []byte("resp")))
	require.Equal([]ids.NodeID{nodeID}, sender.nodeIDs)
	require.Equal(uint32(3), sender.requestID)
	require.Equal([]byte("resp"), sender.msg)
}

func TestSendAppGossip(t *testing.T) {
	require := require.New(t)

	sender := &recordingSender{}
	client := setupClient(t, sender)

	require.NoError(client.SendAppGossip(context.Background(), []byte("gossip")))
	require.Equal([]byte("gossip"), sender.msg)
}

func TestSendFailed(t *testing.T) {
	require := require.New(t)

	sender := &recordingSender{err: errTest}
	client := setupClient(t, sender)

	err := client.SendAppGossip(context.Background(), []byte("gossip"))
	require.ErrorIs(err, ErrSendFailed)
	require.ErrorContains(err, errTest.Error())
}

func TestSendTimeout(t *testing.T) {
	require := require.New(t)

	sender := &recordingSender{}
	client, server := setupClientWithTimeout(t, sender, 100*time.Millisecond)
	server.Stop()

	start := time.Now()
	err := client.SendAppResponse(context.Background(), ids.GenerateTestNodeID(), 1, []byte("resp"))
	require.ErrorIs(err, ErrSendFailed)
	require.Less(time.Since(start), 5*time.Second)
	require.Nil(sender.msg)
}
