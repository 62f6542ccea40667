// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/rs/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	log "github.com/inconshreveable/log15"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ava-labs/pluginvm/block"
	"github.com/ava-labs/pluginvm/database/rpcdb"
	"github.com/ava-labs/pluginvm/rpcchainvm/appsender"
	"github.com/ava-labs/pluginvm/rpcchainvm/grpcutils"
	"github.com/ava-labs/pluginvm/rpcchainvm/messenger"
	"github.com/ava-labs/pluginvm/sdk/stack"

	vmpb "github.com/ava-labs/avalanchego/proto/pb/vm"
)

const (
	handlerReadHeaderTimeout = 10 * time.Second
	// toEngine only needs to hold a single pending notification
	toEngineBufferSize = 1
)

var (
	_ vmpb.VMServer    = (*VMServer)(nil)
	_ chainStateServer = (*VMServer)(nil)
)

// VMServer is a VM that is managed over RPC. It runs in the plugin process
// and serves the calls of a single host. Calls the VM has no capability for,
// such as state sync and cross chain messaging, are answered with
// Unimplemented.
type VMServer struct {
	vmpb.UnimplementedVMServer

	vm      block.ChainVM
	config  Config
	log     log.Logger
	metrics *metrics

	lifecycle *lifecycle
	health    *health.Server

	// Set during Initialize
	state *stack.State
	conn  grpcutils.Conn
	db    *rpcdb.DatabaseClient

	handlersLock sync.Mutex
	handlers     []*http.Server

	toEngine chan block.Message
	// quit is closed once the VM is shut down
	quit    chan struct{}
	workers sync.WaitGroup

	fatal     chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// NewServer returns a vm instance connected to a remote vm instance
func NewServer(vm block.ChainVM, config Config) (*VMServer, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if config.Log == nil {
		config.Log = log.Root()
	}

	s := &VMServer{
		vm:        vm,
		config:    config,
		log:       config.Log,
		metrics:   m,
		lifecycle: newLifecycle(),
		health:    health.NewServer(),
		quit:      make(chan struct{}),
		fatal:     make(chan error, 1),
		closed:    make(chan struct{}),
	}
	s.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Fatal reports the error that must bring the process down.
func (s *VMServer) Fatal() <-chan error {
	return s.fatal
}

// Closed is closed once Shutdown completed.
func (s *VMServer) Closed() <-chan struct{} {
	return s.closed
}

func (s *VMServer) fail(err error) {
	s.log.Error("fatal error", "err", err)
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *VMServer) setServing(servingStatus healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", servingStatus)
	s.health.SetServingStatus(vmpb.VM_ServiceDesc.ServiceName, servingStatus)
}

func (s *VMServer) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// recoverPanic turns a panic in a handler into an internal error. The
// process keeps serving.
func (s *VMServer) recoverPanic(_ context.Context, p interface{}) error {
	s.log.Error("recovered from panic", "panic", p)
	return status.Errorf(codes.Internal, "panic: %v", p)
}

func (s *VMServer) Initialize(ctx context.Context, req *vmpb.InitializeRequest) (resp *vmpb.InitializeResponse, err error) {
	if err := s.lifecycle.beginInitialize(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during initialize: %v", r)
		}
		if err != nil {
			if s.conn != nil {
				s.stopWorkers()
				_ = s.conn.Close()
			}
			s.lifecycle.setClosed()
			s.fail(err)
		}
	}()

	subnetID, err := ids.ToID(req.SubnetId)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet ID: %w", err)
	}
	chainID, err := ids.ToID(req.ChainId)
	if err != nil {
		return nil, fmt.Errorf("invalid chain ID: %w", err)
	}
	nodeID, err := ids.ToNodeID(req.NodeId)
	if err != nil {
		return nil, fmt.Errorf("invalid node ID: %w", err)
	}

	conn, err := grpcutils.Dial(
		req.ServerAddr,
		grpc.WithChainUnaryInterceptor(s.metrics.bridge.UnaryClientInterceptor()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial host at %s: %w", req.ServerAddr, err)
	}
	s.conn = conn
	s.db = rpcdb.NewClient(conn, s.config.BridgeTimeout)

	s.toEngine = make(chan block.Message, toEngineBufferSize)
	s.workers.Add(1)
	go s.forwardMessages(messenger.NewClient(conn))

	chainCtx := &block.ChainContext{
		NetworkID:    req.NetworkId,
		SubnetID:     subnetID,
		ChainID:      chainID,
		NodeID:       nodeID,
		ChainDataDir: req.ChainDataDir,
	}
	if err := s.vm.Initialize(
		ctx,
		chainCtx,
		s.db,
		req.GenesisBytes,
		req.UpgradeBytes,
		req.ConfigBytes,
		s.toEngine,
		appsender.NewClient(conn, s.config.BridgeTimeout),
	); err != nil {
		return nil, fmt.Errorf("failed to initialize vm: %w", err)
	}

	state, err := stack.New(ctx, s.vm, stack.Config{
		Cache:      s.config.Cache,
		Strictness: s.config.Strictness,
		OnFatal:    s.fail,
	}, s.metrics.registry, s.log)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain state: %w", err)
	}
	s.state = state

	s.lifecycle.setReady()
	s.setServing(healthpb.HealthCheckResponse_SERVING)

	lastAccepted := state.LastAcceptedBlock()
	blkID := lastAccepted.ID()
	parentID := lastAccepted.Parent()
	s.log.Info("initialized vm",
		"chainID", chainID,
		"lastAccepted", blkID,
		"height", lastAccepted.Height(),
	)
	return &vmpb.InitializeResponse{
		LastAcceptedId:       blkID[:],
		LastAcceptedParentId: parentID[:],
		Height:               lastAccepted.Height(),
		Bytes:                lastAccepted.Bytes(),
		Timestamp:            timestamppb.New(lastAccepted.Timestamp()),
	}, nil
}

// forwardMessages relays the VM's notifications to the host's messenger.
func (s *VMServer) forwardMessages(client *messenger.Client) {
	defer s.workers.Done()

	for {
		select {
		case msg := <-s.toEngine:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.BridgeTimeout)
			if err := client.Notify(ctx, msg); err != nil {
				s.log.Debug("failed to notify host", "msg", msg, "err", err)
			}
			cancel()
		case <-s.quit:
			return
		}
	}
}

func (s *VMServer) stopWorkers() {
	close(s.quit)
	s.workers.Wait()
}

func (s *VMServer) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	switch s.lifecycle.beginShutdown() {
	case unloaded:
		s.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
		s.markClosed()
		return &emptypb.Empty{}, nil
	case initializing:
		return nil, ErrNotInitialized
	case shuttingDown, closed:
		return &emptypb.Empty{}, nil
	}

	s.log.Info("shutting down vm")
	s.health.Shutdown()
	s.lifecycle.drain(s.config.DrainTimeout)

	errs := wrappers.Errs{}
	errs.Add(s.vm.Shutdown(ctx))
	s.stopWorkers()
	errs.Add(
		s.stopHandlers(ctx),
		s.conn.Close(),
	)

	s.lifecycle.setClosed()
	s.markClosed()
	return &emptypb.Empty{}, errs.Err
}

func (s *VMServer) stopHandlers(ctx context.Context) error {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()

	errs := wrappers.Errs{}
	for _, server := range s.handlers {
		errs.Add(server.Shutdown(ctx))
	}
	s.handlers = nil
	return errs.Err
}

func (s *VMServer) CreateHandlers(ctx context.Context, _ *emptypb.Empty) (*vmpb.CreateHandlersResponse, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	handlers, err := s.vm.CreateHandlers(ctx)
	if err != nil {
		return nil, err
	}

	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()

	resp := &vmpb.CreateHandlersResponse{}
	for prefix, handler := range handlers {
		listener, err := grpcutils.NewListener()
		if err != nil {
			return nil, err
		}
		server := &http.Server{
			Handler:           cors.Default().Handler(handler),
			ReadHeaderTimeout: handlerReadHeaderTimeout,
		}
		s.handlers = append(s.handlers, server)

		go func(prefix string) {
			if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.log.Error("handler stopped", "prefix", prefix, "err", err)
			}
		}(prefix)

		resp.Handlers = append(resp.Handlers, &vmpb.Handler{
			Prefix:     prefix,
			ServerAddr: listener.Addr().String(),
		})
	}
	return resp, nil
}

func (s *VMServer) Connected(ctx context.Context, req *vmpb.ConnectedRequest) (*emptypb.Empty, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	nodeID, err := ids.ToNodeID(req.NodeId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid node ID: %v", err)
	}
	return &emptypb.Empty{}, s.vm.Connected(ctx, nodeID, req.Version)
}

func (s *VMServer) Disconnected(ctx context.Context, req *vmpb.DisconnectedRequest) (*emptypb.Empty, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	nodeID, err := ids.ToNodeID(req.NodeId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid node ID: %v", err)
	}
	return &emptypb.Empty{}, s.vm.Disconnected(ctx, nodeID)
}

func (s *VMServer) BuildBlock(ctx context.Context, _ *vmpb.BuildBlockRequest) (*vmpb.BuildBlockResponse, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	blk, err := s.state.BuildBlock(ctx)
	if err != nil {
		return nil, err
	}

	blkID := blk.ID()
	parentID := blk.Parent()
	s.log.Debug("built block", "blkID", blkID, "height", blk.Height())
	return &vmpb.BuildBlockResponse{
		Id:        blkID[:],
		ParentId:  parentID[:],
		Bytes:     blk.Bytes(),
		Height:    blk.Height(),
		Timestamp: timestamppb.New(blk.Timestamp()),
	}, nil
}

func (s *VMServer) ParseBlock(ctx context.Context, req *vmpb.ParseBlockRequest) (*vmpb.ParseBlockResponse, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	blk, err := s.state.ParseBlock(ctx, req.Bytes)
	if err != nil {
		return nil, err
	}

	blkID := blk.ID()
	parentID := blk.Parent()
	return &vmpb.ParseBlockResponse{
		Id:        blkID[:],
		ParentId:  parentID[:],
		Status:    vmpb.Status(blk.Status()),
		Height:    blk.Height(),
		Timestamp: timestamppb.New(blk.Timestamp()),
	}, nil
}

func (s *VMServer) GetBlock(ctx context.Context, req *vmpb.GetBlockRequest) (*vmpb.GetBlockResponse, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	blk, err := s.getBlock(ctx, req.Id)
	if err != nil {
		return nil, err
	}

	parentID := blk.Parent()
	return &vmpb.GetBlockResponse{
		ParentId:  parentID[:],
		Bytes:     blk.Bytes(),
		Status:    vmpb.Status(blk.Status()),
		Height:    blk.Height(),
		Timestamp: timestamppb.New(blk.Timestamp()),
	}, nil
}

func (s *VMServer) getBlock(ctx context.Context, id []byte) (*stack.Block, error) {
	blkID, err := ids.ToID(id)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid block ID: %v", err)
	}
	return s.state.GetBlock(ctx, blkID)
}

func (s *VMServer) SetPreference(ctx context.Context, req *vmpb.SetPreferenceRequest) (*emptypb.Empty, error) {
	ctx, done, err := s.lifecycle.enter(ctx, true)
	if err != nil {
		return nil, err
	}
	defer done()

	blkID, err := ids.ToID(req.Id)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid block ID: %v", err)
	}
	return &emptypb.Empty{}, s.state.SetPreference(ctx, blkID)
}

func (s *VMServer) LastAccepted(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	_, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	blkID := s.state.LastAccepted()
	return wrapperspb.Bytes(blkID[:]), nil
}

func (s *VMServer) Health(ctx context.Context, _ *emptypb.Empty) (*vmpb.HealthResponse, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	vmHealth, err := s.vm.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	dbHealth, err := s.db.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	details, err := json.Marshal(map[string]interface{}{
		"database":   dbHealth,
		"health":     vmHealth,
		"processing": s.state.Processing(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal health details: %w", err)
	}
	return &vmpb.HealthResponse{Details: details}, nil
}

func (s *VMServer) Version(ctx context.Context, _ *emptypb.Empty) (*vmpb.VersionResponse, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	version, err := s.vm.Version(ctx)
	if err != nil {
		return nil, err
	}
	return &vmpb.VersionResponse{Version: version}, nil
}

func (s *VMServer) AppRequest(ctx context.Context, req *vmpb.AppRequestMsg) (*emptypb.Empty, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	nodeID, err := ids.ToNodeID(req.NodeId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid node ID: %v", err)
	}
	return &emptypb.Empty{}, s.vm.AppRequest(ctx, nodeID, req.RequestId, req.Deadline.AsTime(), req.Request)
}

func (s *VMServer) AppRequestFailed(ctx context.Context, req *vmpb.AppRequestFailedMsg) (*emptypb.Empty, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	nodeID, err := ids.ToNodeID(req.NodeId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid node ID: %v", err)
	}
	return &emptypb.Empty{}, s.vm.AppRequestFailed(ctx, nodeID, req.RequestId)
}

func (s *VMServer) AppResponse(ctx context.Context, req *vmpb.AppResponseMsg) (*emptypb.Empty, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	nodeID, err := ids.ToNodeID(req.NodeId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid node ID: %v", err)
	}
	return &emptypb.Empty{}, s.vm.AppResponse(ctx, nodeID, req.RequestId, req.Response)
}

func (s *VMServer) AppGossip(ctx context.Context, req *vmpb.AppGossipMsg) (*emptypb.Empty, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	nodeID, err := ids.ToNodeID(req.NodeId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid node ID: %v", err)
	}
	return &emptypb.Empty{}, s.vm.AppGossip(ctx, nodeID, req.Msg)
}

func (s *VMServer) Gather(ctx context.Context, _ *emptypb.Empty) (*vmpb.GatherResponse, error) {
	_, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	families, err := s.metrics.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	return &vmpb.GatherResponse{MetricFamilies: families}, nil
}

func (s *VMServer) BlockVerify(ctx context.Context, req *vmpb.BlockVerifyRequest) (*vmpb.BlockVerifyResponse, error) {
	ctx, done, err := s.lifecycle.enter(ctx, false)
	if err != nil {
		return nil, err
	}
	defer done()

	blk, err := s.state.ParseBlock(ctx, req.Bytes)
	if err != nil {
		return nil, err
	}
	if err := blk.Verify(ctx); err != nil {
		return nil, err
	}
	return &vmpb.BlockVerifyResponse{Timestamp: timestamppb.New(blk.Timestamp())}, nil
}

func (s *VMServer) BlockAccept(ctx context.Context, req *vmpb.BlockAcceptRequest) (*emptypb.Empty, error) {
	ctx, done, err := s.lifecycle.enter(ctx, true)
	if err != nil {
		return nil, err
	}
	defer done()

	blk, err := s.getBlock(ctx, req.Id)
	if err != nil {
		return nil, err
	}
	if err := blk.Accept(ctx); err != nil {
		return nil, err
	}
	s.log.Debug("accepted block", "blkID", blk.ID(), "height", blk.Height())
	return &emptypb.Empty{}, nil
}

func (s *VMServer) BlockReject(ctx context.Context, req *vmpb.BlockRejectRequest) (*emptypb.Empty, error) {
	ctx, done, err := s.lifecycle.enter(ctx, true)
	if err != nil {
		return nil, err
	}
	defer done()

	blk, err := s.getBlock(ctx, req.Id)
	if err != nil {
		return nil, err
	}
	if err := blk.Reject(ctx); err != nil {
		return nil, err
	}
	s.log.Debug("rejected block", "blkID", blk.ID(), "height", blk.Height())
	return &emptypb.Empty{}, nil
}
