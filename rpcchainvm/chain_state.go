// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The VM service only reports the last accepted block from Initialize and
// SetState. ChainState lets the host read it at any time.
const (
	chainStateServiceName      = "rpcchainvm.ChainState"
	chainStateLastAcceptedName = "/rpcchainvm.ChainState/LastAccepted"
)

type chainStateServer interface {
	LastAccepted(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
}

var chainStateServiceDesc = grpc.ServiceDesc{
	ServiceName: chainStateServiceName,
	HandlerType: (*chainStateServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "LastAccepted",
			Handler:    chainStateLastAcceptedHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpcchainvm/chain_state.go",
}

func registerChainStateServer(s grpc.ServiceRegistrar, srv chainStateServer) {
	s.RegisterService(&chainStateServiceDesc, srv)
}

func chainStateLastAcceptedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(chainStateServer).LastAccepted(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: chainStateLastAcceptedName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(chainStateServer).LastAccepted(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type chainStateClient struct {
	cc grpc.ClientConnInterface
}

func (c *chainStateClient) LastAccepted(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, chainStateLastAcceptedName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
