// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	log "github.com/inconshreveable/log15"
)

var errTest = errors.New("non-nil error")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentRequest struct {
	nodeIDs   []ids.NodeID
	requestID uint32
	request   []byte
}

type sentResponse struct {
	nodeID    ids.NodeID
	requestID uint32
	response  []byte
}

type testSender struct {
	lock       sync.Mutex
	requestErr error
	requests   chan sentRequest
	responses  []sentResponse
	gossip     [][]byte
}

func newTestSender() *testSender {
	return &testSender{
		requests: make(chan sentRequest, 16),
	}
}

func (s *testSender) SendAppRequest(_ context.Context, nodeIDs []ids.NodeID, requestID uint32, request []byte) error {
	s.lock.Lock()
	err := s.requestErr
	s.lock.Unlock()
	if err != nil {
		return err
	}
	s.requests <- sentRequest{nodeIDs, requestID, request}
	return nil
}

func (s *testSender) SendAppResponse(_ context.Context, nodeID ids.NodeID, requestID uint32, response []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.responses = append(s.responses, sentResponse{nodeID, requestID, response})
	return nil
}

func (s *testSender) SendAppGossip(_ context.Context, msg []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.gossip = append(s.gossip, msg)
	return nil
}

type testHandler struct {
	response []byte
	err      error
	gossip   [][]byte
	deadline time.Time
}

func (h *testHandler) AppRequest(ctx context.Context, _ ids.NodeID, deadline time.Time, request []byte) ([]byte, error) {
	h.deadline, _ = ctx.Deadline()
	if h.err != nil {
		return nil, h.err
	}
	return append(h.response, request...), nil
}

func (h *testHandler) AppGossip(_ context.Context, _ ids.NodeID, msg []byte) error {
	h.gossip = append(h.gossip, msg)
	return nil
}

func newTestNetwork(handler RequestHandler) (*Network, *testSender) {
	sender := newTestSender()
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	return NewNetwork(sender, handler, logger), sender
}

type requestResult struct {
	response []byte
	err      error
}

func request(n *Network, ctx context.Context, nodeID ids.NodeID, req []byte) <-chan requestResult {
	done := make(chan requestResult, 1)
	go func() {
		resp, err := n.Request(ctx, nodeID, req)
		done <- requestResult{resp, err}
	}()
	return done
}

func TestRequestResponse(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n, sender := newTestNetwork(nil)
	nodeID := ids.GenerateTestNodeID()

	done := request(n, ctx, nodeID, []byte("ping"))
	sent := <-sender.requests
	require.Equal([]ids.NodeID{nodeID}, sent.nodeIDs)
	require.Equal([]byte("ping"), sent.request)
	require.Equal(1, n.Pending())

	require.NoError(n.AppResponse(ctx, nodeID, sent.requestID, []byte("pong")))
	res := <-done
	require.NoError(res.err)
	require.Equal([]byte("pong"), res.response)
	require.Zero(n.Pending())
}

func TestRequestIDsAreUnique(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n, sender := newTestNetwork(nil)
	nodeID := ids.GenerateTestNodeID()

	done1 := request(n, ctx, nodeID, []byte{1})
	sent1 := <-sender.requests
	done2 := request(n, ctx, nodeID, []byte{2})
	sent2 := <-sender.requests
	require.NotEqual(sent1.requestID, sent2.requestID)

	// Responses are matched by request ID, not by arrival order.
	require.NoError(n.AppResponse(ctx, nodeID, sent2.requestID, []byte{2}))
	require.NoError(n.AppResponse(ctx, nodeID, sent1.requestID, []byte{1}))
	require.Equal([]byte{1}, (<-done1).response)
	require.Equal([]byte{2}, (<-done2).response)
}

func TestRequestFailed(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n, sender := newTestNetwork(nil)
	nodeID := ids.GenerateTestNodeID()

	done := request(n, ctx, nodeID, nil)
	sent := <-sender.requests
	require.NoError(n.AppRequestFailed(ctx, nodeID, sent.requestID))

	res := <-done
	require.ErrorIs(res.err, ErrRequestFailed)
	require.Zero(n.Pending())

	// A response arriving after the failure is dropped.
	require.NoError(n.AppResponse(ctx, nodeID, sent.requestID, []byte("late")))
}

func TestRequestCancelled(t *testing.T) {
	require := require.New(t)

	n, sender := newTestNetwork(nil)
	nodeID := ids.GenerateTestNodeID()

	ctx, cancel := context.WithCancel(context.Background())
	done := request(n, ctx, nodeID, nil)
	sent := <-sender.requests
	cancel()

	res := <-done
	require.ErrorIs(res.err, context.Canceled)
	require.Zero(n.Pending())
	require.NoError(n.AppResponse(context.Background(), nodeID, sent.requestID, []byte("late")))
}

func TestRequestSendFailure(t *testing.T) {
	require := require.New(t)

	n, sender := newTestNetwork(nil)
	sender.requestErr = errTest

	_, err := n.Request(context.Background(), ids.GenerateTestNodeID(), nil)
	require.ErrorIs(err, errTest)
	require.Zero(n.Pending())
}

func TestAppRequestResponds(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	handler := &testHandler{response: []byte("re:")}
	n, sender := newTestNetwork(handler)
	nodeID := ids.GenerateTestNodeID()
	deadline := time.Now().Add(time.Minute)

	require.NoError(n.AppRequest(ctx, nodeID, 3, deadline, []byte("q")))
	require.Equal([]sentResponse{{nodeID, 3, []byte("re:q")}}, sender.responses)
	require.True(deadline.Equal(handler.deadline))
}

func TestAppRequestExpired(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	handler := &testHandler{}
	n, sender := newTestNetwork(handler)
	now := time.Unix(1_000, 0)
	n.Clock.Set(now)

	require.NoError(n.AppRequest(ctx, ids.GenerateTestNodeID(), 1, now, []byte("q")))
	require.NoError(n.AppRequest(ctx, ids.GenerateTestNodeID(), 2, now.Add(-time.Second), []byte("q")))
	require.Empty(sender.responses)
	require.True(handler.deadline.IsZero())
}

func TestAppRequestHandlerError(t *testing.T) {
	require := require.New(t)

	handler := &testHandler{err: errTest}
	n, sender := newTestNetwork(handler)

	err := n.AppRequest(context.Background(), ids.GenerateTestNodeID(), 1, time.Now().Add(time.Minute), nil)
	require.NoError(err)
	require.Empty(sender.responses)
}

func TestGossip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	handler := &testHandler{}
	n, sender := newTestNetwork(handler)

	require.NoError(n.Gossip(ctx, []byte("out")))
	require.Equal([][]byte{[]byte("out")}, sender.gossip)

	require.NoError(n.AppGossip(ctx, ids.GenerateTestNodeID(), []byte("in")))
	require.Equal([][]byte{[]byte("in")}, handler.gossip)
}

func TestPeers(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n, _ := newTestNetwork(nil)
	nodeID := ids.GenerateTestNodeID()

	require.NoError(n.Connected(ctx, nodeID, "avalanche/1.10.3"))
	require.Equal([]ids.NodeID{nodeID}, n.Peers())
	version, ok := n.PeerVersion(nodeID)
	require.True(ok)
	require.Equal("avalanche/1.10.3", version)

	require.NoError(n.Disconnected(ctx, nodeID))
	require.Empty(n.Peers())
	_, ok = n.PeerVersion(nodeID)
	require.False(ok)
}
