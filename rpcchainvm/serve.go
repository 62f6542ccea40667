// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/emptypb"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ava-labs/pluginvm/block"
	"github.com/ava-labs/pluginvm/rpcchainvm/grpcutils"

	vmpb "github.com/ava-labs/avalanchego/proto/pb/vm"
)

const metricsReadHeaderTimeout = 5 * time.Second

// NewGRPCServer returns a gRPC server exposing [vmServer] together with the
// chain state, health and reflection services.
func NewGRPCServer(vmServer *VMServer) *grpc.Server {
	server := grpcutils.NewServer(
		grpcutils.WithUnaryInterceptor(vmServer.metrics.server.UnaryServerInterceptor()),
		grpcutils.WithUnaryInterceptor(grpc_recovery.UnaryServerInterceptor(
			grpc_recovery.WithRecoveryHandlerContext(vmServer.recoverPanic),
		)),
		grpcutils.WithUnaryInterceptor(errorInterceptor),
	)
	vmpb.RegisterVMServer(server, vmServer)
	registerChainStateServer(server, vmServer)
	healthpb.RegisterHealthServer(server, vmServer.health)
	reflection.Register(server)
	vmServer.metrics.server.InitializeMetrics(server)
	return server
}

// Serve runs [vm] as a plugin. It completes the handshake with the host and
// serves until the host shuts the VM down, a fatal error occurs or [ctx] is
// cancelled.
//
// Serve returns a *HandshakeError, without writing anything to stdout, if the
// host and the plugin can not agree on a handshake.
func Serve(ctx context.Context, vm block.ChainVM, config Config) error {
	appVersion, err := Negotiate(config.LookupEnv, config.Handshake)
	if err != nil {
		return err
	}

	vmServer, err := NewServer(vm, config)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.ListenAddr, err)
	}
	server := NewGRPCServer(vmServer)

	var metricsServer *http.Server
	if config.MetricsAddr != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(vmServer.metrics.registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           cors.Default().Handler(router),
			ReadHeaderTimeout: metricsReadHeaderTimeout,
		}
	}

	if err := WriteHandshakeLine(config.Stdout, appVersion, listener.Addr()); err != nil {
		_ = listener.Close()
		return err
	}
	vmServer.log.Info("serving vm",
		"addr", listener.Addr(),
		"protocolVersion", appVersion,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		grpcutils.Serve(listener, server)
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			err := metricsServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("metrics server failed: %w", err)
		})
	}
	g.Go(func() error {
		var fatalErr error
		select {
		case <-vmServer.Closed():
		case fatalErr = <-vmServer.Fatal():
		case <-gctx.Done():
			// The host went away without shutting the VM down.
			if _, err := vmServer.Shutdown(context.Background(), &emptypb.Empty{}); err != nil {
				vmServer.log.Warn("failed to shut down vm", "err", err)
			}
		}

		grpcutils.Stop(server, config.DrainTimeout)
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DrainTimeout)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return fatalErr
	})
	return g.Wait()
}
