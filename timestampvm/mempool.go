// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package timestampvm

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/pluginvm/block"
)

const mempoolSize = 100

var errEmptyMempool = errors.New("empty mempool")

type mempool struct {
	toEngine   chan<- block.Message
	dataHashes chan ids.ID
}

func newMempool(toEngine chan<- block.Message) *mempool {
	return &mempool{
		dataHashes: make(chan ids.ID, mempoolSize),
		toEngine:   toEngine,
	}
}

// Add queues [dataHash] and notifies the host that a block can be built.
func (m *mempool) Add(dataHash ids.ID) error {
	select {
	case m.dataHashes <- dataHash:
	default:
		return fmt.Errorf("failed to add DataHash(%s) to mempool due to full at size (%d)", dataHash, mempoolSize)
	}
	m.notify()
	return nil
}

func (m *mempool) notify() {
	select {
	case m.toEngine <- block.PendingTxs:
	default:
	}
}

func (m *mempool) Next() (ids.ID, error) {
	select {
	case nextDataHash := <-m.dataHashes:
		return nextDataHash, nil
	default:
		return ids.Empty, errEmptyMempool
	}
}

func (m *mempool) Len() int {
	return len(m.dataHashes)
}
