// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/timer/mockable"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/pluginvm/block"
)

var (
	// ErrRequestFailed is returned to a requester when the host reports its
	// request as stale.
	ErrRequestFailed = errors.New("request failed")

	_ block.AppHandler = (*Network)(nil)
	_ block.Connector  = (*Network)(nil)
)

// RequestHandler answers the requests and consumes the gossip peers send to
// this VM.
type RequestHandler interface {
	AppRequest(ctx context.Context, nodeID ids.NodeID, deadline time.Time, request []byte) ([]byte, error)
	AppGossip(ctx context.Context, nodeID ids.NodeID, msg []byte) error
}

// Network correlates the VM's outbound requests with the responses the host
// delivers, and dispatches inbound requests and gossip to a RequestHandler.
type Network struct {
	sender  block.AppSender
	handler RequestHandler
	log     log.Logger

	// Clock is used to decide whether an inbound request is past its
	// deadline.
	Clock mockable.Clock

	requests    *pendingRequests
	peerTracker *peerTracker

	connectorsLock sync.RWMutex
	connectors     []block.Connector
}

func NewNetwork(sender block.AppSender, handler RequestHandler, logger log.Logger, connectors ...block.Connector) *Network {
	peerTracker := newPeerTracker()
	connectors = append(connectors, peerTracker)
	return &Network{
		sender:      sender,
		handler:     handler,
		log:         logger,
		requests:    newPendingRequests(),
		peerTracker: peerTracker,
		connectors:  connectors,
	}
}

// Request sends [request] to [nodeID] and waits for the response. The request
// is cancelled if [ctx] is done first or if the host reports it as failed.
func (n *Network) Request(ctx context.Context, nodeID ids.NodeID, request []byte) ([]byte, error) {
	requestID, slot := n.requests.add()
	if err := n.sender.SendAppRequest(ctx, []ids.NodeID{nodeID}, requestID, request); err != nil {
		n.requests.cancel(requestID)
		return nil, err
	}

	select {
	case resp := <-slot:
		return resp.bytes, resp.err
	case <-ctx.Done():
		n.requests.cancel(requestID)
		return nil, ctx.Err()
	}
}

// Gossip sends [msg] to the peers the host picks.
func (n *Network) Gossip(ctx context.Context, msg []byte) error {
	return n.sender.SendAppGossip(ctx, msg)
}

// Pending returns the number of requests waiting for a response.
func (n *Network) Pending() int {
	return n.requests.len()
}

func (n *Network) AppRequest(ctx context.Context, nodeID ids.NodeID, requestID uint32, deadline time.Time, request []byte) error {
	if n.expired(deadline) {
		n.log.Debug("dropping expired request", "nodeID", nodeID, "requestID", requestID)
		return nil
	}
	if n.handler == nil {
		return nil
	}

	handlerCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	response, err := n.handler.AppRequest(handlerCtx, nodeID, deadline, request)
	if err != nil {
		// The host observes the missing response once the deadline passes.
		n.log.Debug("failed to handle request", "nodeID", nodeID, "requestID", requestID, "err", err)
		return nil
	}
	if n.expired(deadline) {
		n.log.Debug("dropping response to expired request", "nodeID", nodeID, "requestID", requestID)
		return nil
	}
	return n.sender.SendAppResponse(ctx, nodeID, requestID, response)
}

func (n *Network) AppRequestFailed(_ context.Context, nodeID ids.NodeID, requestID uint32) error {
	if !n.requests.resolve(requestID, response{nodeID: nodeID, err: ErrRequestFailed}) {
		n.log.Debug("dropping failure of unknown request", "nodeID", nodeID, "requestID", requestID)
	}
	return nil
}

func (n *Network) AppResponse(_ context.Context, nodeID ids.NodeID, requestID uint32, resp []byte) error {
	if !n.requests.resolve(requestID, response{nodeID: nodeID, bytes: resp}) {
		n.log.Debug("dropping response to unknown request", "nodeID", nodeID, "requestID", requestID)
	}
	return nil
}

func (n *Network) AppGossip(ctx context.Context, nodeID ids.NodeID, msg []byte) error {
	if n.handler == nil {
		return nil
	}
	return n.handler.AppGossip(ctx, nodeID, msg)
}

func (n *Network) Connected(ctx context.Context, nodeID ids.NodeID, nodeVersion string) error {
	n.connectorsLock.RLock()
	defer n.connectorsLock.RUnlock()

	for _, connector := range n.connectors {
		if err := connector.Connected(ctx, nodeID, nodeVersion); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) Disconnected(ctx context.Context, nodeID ids.NodeID) error {
	n.connectorsLock.RLock()
	defer n.connectorsLock.RUnlock()

	for _, connector := range n.connectors {
		if err := connector.Disconnected(ctx, nodeID); err != nil {
			return err
		}
	}
	return nil
}

// Peers returns the currently connected peers.
func (n *Network) Peers() []ids.NodeID {
	return n.peerTracker.list()
}

// PeerVersion returns the version a connected peer reported.
func (n *Network) PeerVersion(nodeID ids.NodeID) (string, bool) {
	return n.peerTracker.version(nodeID)
}

func (n *Network) expired(deadline time.Time) bool {
	return !deadline.IsZero() && !n.Clock.Time().Before(deadline)
}
