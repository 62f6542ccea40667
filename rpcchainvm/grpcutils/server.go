// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpcutils

import (
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
)

const (
	// MinTime is the minimum amount of time a client should wait before sending
	// a keepalive ping. grpc-go default 5 mins
	defaultServerKeepAliveMinTime = 5 * time.Second
	// After a duration of this time if the server doesn't see any activity it
	// pings the client to see if the transport is still alive.
	// grpc-go default 2h
	defaultServerKeepAliveInterval = 2 * time.Hour
	// After having pinged for keepalive check, the server waits for a duration
	// of Timeout and if no activity is seen even after that the connection is
	// closed. grpc-go default 20s
	defaultServerKeepAliveTimeout = 20 * time.Second
	// Allow keepalive pings from the host even when there are no active
	// streams, the host keeps the connection to its plugin open for life.
	defaultPermitWithoutStream = true
)

var DefaultServerOptions = []grpc.ServerOption{
	grpc.MaxRecvMsgSize(math.MaxInt),
	grpc.MaxSendMsgSize(math.MaxInt),
	grpc.MaxConcurrentStreams(math.MaxUint32),
	grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             defaultServerKeepAliveMinTime,
		PermitWithoutStream: defaultPermitWithoutStream,
	}),
	grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    defaultServerKeepAliveInterval,
		Timeout: defaultServerKeepAliveTimeout,
	}),
}

// NewServer will return a gRPC server with server options as defined by
// DefaultServerOptions. ServerOption can also optionally be passed.
func NewServer(opts ...ServerOption) *grpc.Server {
	return grpc.NewServer(newServerOpts(opts)...)
}

type ServerOptions struct {
	opts []grpc.ServerOption

	unaryInterceptors []grpc.UnaryServerInterceptor
}

// append(DefaultServerOptions, ...) will always allocate a new slice and will
// not overwrite any potential data that may have previously been appended to
// DefaultServerOptions https://go.dev/ref/spec#Composite_literals
func newServerOpts(opts []ServerOption) []grpc.ServerOption {
	s := &ServerOptions{opts: DefaultServerOptions}
	s.applyOpts(opts)
	if len(s.unaryInterceptors) > 0 {
		s.opts = append(s.opts, grpc.UnaryInterceptor(
			grpc_middleware.ChainUnaryServer(s.unaryInterceptors...),
		))
	}
	return s.opts
}

func (s *ServerOptions) applyOpts(opts []ServerOption) {
	for _, opt := range opts {
		opt(s)
	}
}

// ServerOption are options which can be applied to a gRPC server in addition to
// the defaults set by DefaultServerOptions.
type ServerOption func(*ServerOptions)

// WithUnaryInterceptor adds a unary interceptor to the gRPC server. Multiple
// interceptors are chained in the order they are given.
func WithUnaryInterceptor(unaryInterceptor grpc.UnaryServerInterceptor) ServerOption {
	return func(s *ServerOptions) {
		s.unaryInterceptors = append(s.unaryInterceptors, unaryInterceptor)
	}
}

// NewListener returns a TCP listener listening against the next available port
// on the system bound to localhost.
func NewListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:")
}

// Serve will start a gRPC server and block until it errors or is shutdown.
func Serve(listener net.Listener, grpcServer *grpc.Server) {
	// There is nothing to do with the error returned by serve here. Later
	// requests will propagate their error if they occur.
	_ = grpcServer.Serve(listener)

	// Similarly, there is nothing to do with an error when the listener is
	// closed.
	_ = listener.Close()
}

// Stop gracefully stops [server], forcing it down if in-flight calls have not
// finished after [timeout].
func Stop(server *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		server.Stop()
		<-done
	}
}
