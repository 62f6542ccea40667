// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpcutils

import (
	"io"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	// After a duration of this time if the client doesn't see any activity it
	// pings the server to see if the transport is still alive.
	defaultClientKeepAliveTime = 30 * time.Second
	// After having pinged for keepalive check, the client waits for a duration
	// of Timeout and if no activity is seen even after that the connection is
	// closed.
	defaultClientKeepAliveTimeOut = 10 * time.Second
)

var DefaultDialOptions = []grpc.DialOption{
	grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(math.MaxInt),
		grpc.MaxCallSendMsgSize(math.MaxInt),
		grpc.WaitForReady(true),
	),
	grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                defaultClientKeepAliveTime,
		Timeout:             defaultClientKeepAliveTimeOut,
		PermitWithoutStream: true,
	}),
	grpc.WithTransportCredentials(insecure.NewCredentials()),
}

// Conn is the single connection a plugin keeps to its host. Bridges hold it
// as a grpc.ClientConnInterface and never close it; only the owner does.
type Conn interface {
	io.Closer
	grpc.ClientConnInterface
}

// Dial returns a client connection to [addr] with the DefaultDialOptions
// followed by [opts].
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append(DefaultDialOptions, opts...)
	return grpc.Dial(addr, opts...)
}
