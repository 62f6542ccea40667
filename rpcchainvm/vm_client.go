// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	dto "github.com/prometheus/client_model/go"

	"github.com/ava-labs/pluginvm/block"
	"github.com/ava-labs/pluginvm/database/rpcdb"
	"github.com/ava-labs/pluginvm/rpcchainvm/appsender"
	"github.com/ava-labs/pluginvm/rpcchainvm/grpcutils"
	"github.com/ava-labs/pluginvm/rpcchainvm/messenger"

	appsenderpb "github.com/ava-labs/avalanchego/proto/pb/appsender"
	messengerpb "github.com/ava-labs/avalanchego/proto/pb/messenger"
	rpcdbpb "github.com/ava-labs/avalanchego/proto/pb/rpcdb"
	vmpb "github.com/ava-labs/avalanchego/proto/pb/vm"
)

const hostServerStopTimeout = 5 * time.Second

// Client is the host side of the VM service. It drives a plugin over [conn]
// and serves the database, app sender and messenger the plugin calls back
// into.
type Client struct {
	client     vmpb.VMClient
	chainState *chainStateClient

	hostServer *grpc.Server
}

// NewClient returns a VM connected to a remote VM
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{
		client:     vmpb.NewVMClient(conn),
		chainState: &chainStateClient{cc: conn},
	}
}

// Initialize serves the host services and initializes the plugin. It returns
// the plugin's last accepted block.
func (vm *Client) Initialize(
	ctx context.Context,
	chainCtx *block.ChainContext,
	db database.Database,
	genesisBytes []byte,
	upgradeBytes []byte,
	configBytes []byte,
	toEngine chan<- block.Message,
	appSender block.AppSender,
) (*BlockClient, error) {
	listener, err := grpcutils.NewListener()
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	server := grpcutils.NewServer()
	rpcdbpb.RegisterDatabaseServer(server, rpcdb.NewServer(db))
	appsenderpb.RegisterAppSenderServer(server, appsender.NewServer(appSender))
	messengerpb.RegisterMessengerServer(server, messenger.NewServer(toEngine))
	go grpcutils.Serve(listener, server)

	resp, err := vm.client.Initialize(ctx, &vmpb.InitializeRequest{
		NetworkId:    chainCtx.NetworkID,
		SubnetId:     chainCtx.SubnetID[:],
		ChainId:      chainCtx.ChainID[:],
		NodeId:       chainCtx.NodeID[:],
		ChainDataDir: chainCtx.ChainDataDir,
		GenesisBytes: genesisBytes,
		UpgradeBytes: upgradeBytes,
		ConfigBytes:  configBytes,
		ServerAddr:   listener.Addr().String(),
	})
	if err != nil {
		server.Stop()
		return nil, statusToError(err)
	}
	vm.hostServer = server

	id, err := ids.ToID(resp.LastAcceptedId)
	if err != nil {
		return nil, err
	}
	parentID, err := ids.ToID(resp.LastAcceptedParentId)
	if err != nil {
		return nil, err
	}
	return &BlockClient{
		vm:       vm,
		id:       id,
		parentID: parentID,
		status:   block.Accepted,
		bytes:    resp.Bytes,
		height:   resp.Height,
		time:     resp.Timestamp.AsTime(),
	}, nil
}

// Shutdown shuts the plugin down and stops the host services.
func (vm *Client) Shutdown(ctx context.Context) error {
	_, err := vm.client.Shutdown(ctx, &emptypb.Empty{})
	if vm.hostServer != nil {
		grpcutils.Stop(vm.hostServer, hostServerStopTimeout)
	}
	return statusToError(err)
}

// CreateHandlers returns the address of the HTTP server serving each of the
// plugin's handlers, keyed by path extension.
func (vm *Client) CreateHandlers(ctx context.Context) (map[string]string, error) {
	resp, err := vm.client.CreateHandlers(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, statusToError(err)
	}

	handlers := make(map[string]string, len(resp.Handlers))
	for _, handler := range resp.Handlers {
		handlers[handler.Prefix] = handler.ServerAddr
	}
	return handlers, nil
}

func (vm *Client) Connected(ctx context.Context, nodeID ids.NodeID, nodeVersion string) error {
	_, err := vm.client.Connected(ctx, &vmpb.ConnectedRequest{
		NodeId:  nodeID[:],
		Version: nodeVersion,
	})
	return statusToError(err)
}

func (vm *Client) Disconnected(ctx context.Context, nodeID ids.NodeID) error {
	_, err := vm.client.Disconnected(ctx, &vmpb.DisconnectedRequest{
		NodeId: nodeID[:],
	})
	return statusToError(err)
}

func (vm *Client) BuildBlock(ctx context.Context) (*BlockClient, error) {
	resp, err := vm.client.BuildBlock(ctx, &vmpb.BuildBlockRequest{})
	if err != nil {
		return nil, statusToError(err)
	}

	id, err := ids.ToID(resp.Id)
	if err != nil {
		return nil, err
	}
	parentID, err := ids.ToID(resp.ParentId)
	if err != nil {
		return nil, err
	}
	return &BlockClient{
		vm:       vm,
		id:       id,
		parentID: parentID,
		status:   block.Processing,
		bytes:    resp.Bytes,
		height:   resp.Height,
		time:     resp.Timestamp.AsTime(),
	}, nil
}

func (vm *Client) ParseBlock(ctx context.Context, bytes []byte) (*BlockClient, error) {
	resp, err := vm.client.ParseBlock(ctx, &vmpb.ParseBlockRequest{
		Bytes: bytes,
	})
	if err != nil {
		return nil, statusToError(err)
	}

	id, err := ids.ToID(resp.Id)
	if err != nil {
		return nil, err
	}
	parentID, err := ids.ToID(resp.ParentId)
	if err != nil {
		return nil, err
	}
	status, err := statusFromPB(resp.Status)
	if err != nil {
		return nil, err
	}
	return &BlockClient{
		vm:       vm,
		id:       id,
		parentID: parentID,
		status:   status,
		bytes:    bytes,
		height:   resp.Height,
		time:     resp.Timestamp.AsTime(),
	}, nil
}

func (vm *Client) GetBlock(ctx context.Context, blkID ids.ID) (*BlockClient, error) {
	resp, err := vm.client.GetBlock(ctx, &vmpb.GetBlockRequest{
		Id: blkID[:],
	})
	if err != nil {
		return nil, statusToError(err)
	}

	parentID, err := ids.ToID(resp.ParentId)
	if err != nil {
		return nil, err
	}
	status, err := statusFromPB(resp.Status)
	if err != nil {
		return nil, err
	}
	return &BlockClient{
		vm:       vm,
		id:       blkID,
		parentID: parentID,
		status:   status,
		bytes:    resp.Bytes,
		height:   resp.Height,
		time:     resp.Timestamp.AsTime(),
	}, nil
}

func (vm *Client) SetPreference(ctx context.Context, blkID ids.ID) error {
	_, err := vm.client.SetPreference(ctx, &vmpb.SetPreferenceRequest{
		Id: blkID[:],
	})
	return statusToError(err)
}

func (vm *Client) LastAccepted(ctx context.Context) (ids.ID, error) {
	resp, err := vm.chainState.LastAccepted(ctx, &emptypb.Empty{})
	if err != nil {
		return ids.Empty, statusToError(err)
	}
	return ids.ToID(resp.Value)
}

func (vm *Client) HealthCheck(ctx context.Context) (interface{}, error) {
	resp, err := vm.client.Health(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, statusToError(err)
	}
	return json.RawMessage(resp.Details), nil
}

func (vm *Client) Version(ctx context.Context) (string, error) {
	resp, err := vm.client.Version(ctx, &emptypb.Empty{})
	if err != nil {
		return "", statusToError(err)
	}
	return resp.Version, nil
}

func (vm *Client) AppRequest(ctx context.Context, nodeID ids.NodeID, requestID uint32, deadline time.Time, request []byte) error {
	_, err := vm.client.AppRequest(ctx, &vmpb.AppRequestMsg{
		NodeId:    nodeID[:],
		RequestId: requestID,
		Deadline:  timestamppb.New(deadline),
		Request:   request,
	})
	return statusToError(err)
}

func (vm *Client) AppRequestFailed(ctx context.Context, nodeID ids.NodeID, requestID uint32) error {
	_, err := vm.client.AppRequestFailed(ctx, &vmpb.AppRequestFailedMsg{
		NodeId:    nodeID[:],
		RequestId: requestID,
	})
	return statusToError(err)
}

func (vm *Client) AppResponse(ctx context.Context, nodeID ids.NodeID, requestID uint32, response []byte) error {
	_, err := vm.client.AppResponse(ctx, &vmpb.AppResponseMsg{
		NodeId:    nodeID[:],
		RequestId: requestID,
		Response:  response,
	})
	return statusToError(err)
}

func (vm *Client) AppGossip(ctx context.Context, nodeID ids.NodeID, msg []byte) error {
	_, err := vm.client.AppGossip(ctx, &vmpb.AppGossipMsg{
		NodeId: nodeID[:],
		Msg:    msg,
	})
	return statusToError(err)
}

// Gather returns the plugin's metrics.
func (vm *Client) Gather(ctx context.Context) ([]*dto.MetricFamily, error) {
	resp, err := vm.client.Gather(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, statusToError(err)
	}
	return resp.MetricFamilies, nil
}

func statusFromPB(s vmpb.Status) (block.Status, error) {
	status := block.Status(s)
	return status, status.Valid()
}

// BlockClient is a block that lives in the plugin. Its status is the status
// the plugin reported last.
type BlockClient struct {
	vm *Client

	id       ids.ID
	parentID ids.ID
	status   block.Status
	bytes    []byte
	height   uint64
	time     time.Time
}

func (b *BlockClient) ID() ids.ID {
	return b.id
}

func (b *BlockClient) Parent() ids.ID {
	return b.parentID
}

func (b *BlockClient) Status() block.Status {
	return b.status
}

func (b *BlockClient) Bytes() []byte {
	return b.bytes
}

func (b *BlockClient) Height() uint64 {
	return b.height
}

func (b *BlockClient) Timestamp() time.Time {
	return b.time
}

func (b *BlockClient) Verify(ctx context.Context) error {
	resp, err := b.vm.client.BlockVerify(ctx, &vmpb.BlockVerifyRequest{
		Bytes: b.bytes,
	})
	if err != nil {
		return statusToError(err)
	}
	b.time = resp.Timestamp.AsTime()
	return nil
}

func (b *BlockClient) Accept(ctx context.Context) error {
	_, err := b.vm.client.BlockAccept(ctx, &vmpb.BlockAcceptRequest{
		Id: b.id[:],
	})
	if err != nil {
		return statusToError(err)
	}
	b.status = block.Accepted
	return nil
}

func (b *BlockClient) Reject(ctx context.Context) error {
	_, err := b.vm.client.BlockReject(ctx, &vmpb.BlockRejectRequest{
		Id: b.id[:],
	})
	if err != nil {
		return statusToError(err)
	}
	b.status = block.Rejected
	return nil
}
