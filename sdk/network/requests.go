// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"sync"

	"github.com/ava-labs/avalanchego/ids"
)

type response struct {
	nodeID ids.NodeID
	bytes  []byte
	err    error
}

// pendingRequests maps the ID of every outstanding request to the slot its
// response is delivered to. A slot receives at most one value.
type pendingRequests struct {
	lock          sync.Mutex
	nextRequestID uint32
	slots         map[uint32]chan response
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		slots: make(map[uint32]chan response),
	}
}

// add allocates a request ID and its slot.
func (p *pendingRequests) add() (uint32, <-chan response) {
	p.lock.Lock()
	defer p.lock.Unlock()

	requestID := p.nextRequestID
	for {
		if _, ok := p.slots[requestID]; !ok {
			break
		}
		requestID++
	}
	p.nextRequestID = requestID + 1

	slot := make(chan response, 1)
	p.slots[requestID] = slot
	return requestID, slot
}

// resolve delivers [resp] to the slot of [requestID] and removes it. It
// returns false if the request is not pending, for example because it was
// cancelled.
func (p *pendingRequests) resolve(requestID uint32, resp response) bool {
	p.lock.Lock()
	slot, ok := p.slots[requestID]
	delete(p.slots, requestID)
	p.lock.Unlock()

	if !ok {
		return false
	}
	slot <- resp
	return true
}

// cancel removes the slot of [requestID] without delivering anything.
func (p *pendingRequests) cancel(requestID uint32) {
	p.lock.Lock()
	defer p.lock.Unlock()

	delete(p.slots, requestID)
}

func (p *pendingRequests) len() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return len(p.slots)
}
