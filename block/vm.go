// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package block defines the operations a concrete VM implements to be served
// as a plugin. The protocol layer only ever calls into a VM through these
// interfaces.
package block

import (
	"context"
	"net/http"
	"time"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
)

// Message is a notification from the VM to the host's engine.
type Message uint32

const (
	// PendingTxs signals that the VM has content to build a block from.
	PendingTxs Message = iota + 1
)

func (m Message) String() string {
	switch m {
	case PendingTxs:
		return "Pending Transactions"
	default:
		return "Unknown Message"
	}
}

// ChainContext describes the chain the VM runs. It is fixed at Initialize.
type ChainContext struct {
	NetworkID uint32
	SubnetID  ids.ID
	ChainID   ids.ID
	NodeID    ids.NodeID

	// ChainDataDir is a directory the VM may use for files of its own.
	ChainDataDir string
}

// Block is a block as produced by a concrete VM. The protocol layer owns its
// status; implementations only validate and persist.
type Block interface {
	// ID is the hash of Bytes.
	ID() ids.ID
	Parent() ids.ID
	Height() uint64
	Timestamp() time.Time
	Bytes() []byte

	// Verify runs the chain specific validation of the block against its
	// parent. It is called at most once per block.
	Verify(context.Context) error
	// Accept is called once the host decided the block is canonical.
	Accept(context.Context) error
	// Reject is called once the host decided the block is not canonical.
	Reject(context.Context) error
}

// AppSender sends application level messages to peers through the host.
type AppSender interface {
	SendAppRequest(ctx context.Context, nodeIDs []ids.NodeID, requestID uint32, request []byte) error
	SendAppResponse(ctx context.Context, nodeID ids.NodeID, requestID uint32, response []byte) error
	SendAppGossip(ctx context.Context, msg []byte) error
}

// AppHandler handles application level messages delivered by the host.
type AppHandler interface {
	// AppRequest must be answered with AppSender.SendAppResponse before
	// [deadline] or not at all.
	AppRequest(ctx context.Context, nodeID ids.NodeID, requestID uint32, deadline time.Time, request []byte) error
	// AppRequestFailed signals that the request with [requestID] is stale;
	// its response will never arrive.
	AppRequestFailed(ctx context.Context, nodeID ids.NodeID, requestID uint32) error
	AppResponse(ctx context.Context, nodeID ids.NodeID, requestID uint32, response []byte) error
	AppGossip(ctx context.Context, nodeID ids.NodeID, msg []byte) error
}

// Connector is notified of peers connecting and disconnecting.
type Connector interface {
	Connected(ctx context.Context, nodeID ids.NodeID, nodeVersion string) error
	Disconnected(ctx context.Context, nodeID ids.NodeID) error
}

// ChainVM is the capability set any concrete VM implements.
type ChainVM interface {
	AppHandler
	Connector

	// Initialize is called once, before any other call. A failure here is
	// fatal to the process.
	//
	// [db] is owned by the host. [toEngine] is used to notify the host that
	// BuildBlock should be called.
	Initialize(
		ctx context.Context,
		chainCtx *ChainContext,
		db database.Database,
		genesisBytes []byte,
		upgradeBytes []byte,
		configBytes []byte,
		toEngine chan<- Message,
		appSender AppSender,
	) error

	// BuildBlock returns a new block on top of the preferred block or
	// ErrNothingToBuild.
	BuildBlock(context.Context) (Block, error)
	ParseBlock(context.Context, []byte) (Block, error)
	// GetBlock returns a block this VM persisted or database.ErrNotFound.
	GetBlock(context.Context, ids.ID) (Block, error)
	SetPreference(context.Context, ids.ID) error
	LastAccepted(context.Context) (ids.ID, error)

	// HealthCheck returns nil details and a nil error when the VM is healthy.
	HealthCheck(context.Context) (interface{}, error)
	Version(context.Context) (string, error)
	Shutdown(context.Context) error

	// CreateHandlers returns the HTTP handlers the VM exposes, keyed by path
	// extension.
	CreateHandlers(context.Context) (map[string]http.Handler, error)
}

// HeightIndexedChainVM is implemented by VMs that index accepted blocks by
// height. It lets the protocol layer decide the status of blocks it was not
// tracking without relying on the VM's own bookkeeping.
type HeightIndexedChainVM interface {
	GetBlockIDAtHeight(ctx context.Context, height uint64) (ids.ID, error)
}
