// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"context"
	"sync"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/pluginvm/block"
)

var _ block.Connector = (*peerTracker)(nil)

type peer struct {
	version string
}

type peerTracker struct {
	lock  sync.RWMutex
	peers map[ids.NodeID]*peer
}

func newPeerTracker() *peerTracker {
	return &peerTracker{
		peers: make(map[ids.NodeID]*peer),
	}
}

func (p *peerTracker) Connected(_ context.Context, nodeID ids.NodeID, nodeVersion string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.peers[nodeID] = &peer{
		version: nodeVersion,
	}
	return nil
}

func (p *peerTracker) Disconnected(_ context.Context, nodeID ids.NodeID) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	delete(p.peers, nodeID)
	return nil
}

func (p *peerTracker) version(nodeID ids.NodeID) (string, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	peer, ok := p.peers[nodeID]
	if !ok {
		return "", false
	}
	return peer.version, true
}

func (p *peerTracker) list() []ids.NodeID {
	p.lock.RLock()
	defer p.lock.RUnlock()

	nodeIDs := make([]ids.NodeID, 0, len(p.peers))
	for nodeID := range p.peers {
		nodeIDs = append(nodeIDs, nodeID)
	}
	return nodeIDs
}
