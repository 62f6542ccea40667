// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ava-labs/pluginvm/block"
	"github.com/ava-labs/pluginvm/database/rpcdb"
	"github.com/ava-labs/pluginvm/rpcchainvm/appsender"
)

var (
	// ErrNotInitialized is returned by calls that arrive before Initialize
	// completed.
	ErrNotInitialized = errors.New("not initialized")
	// ErrClosed is returned by calls that arrive once Shutdown started.
	ErrClosed = errors.New("closed")

	errAlreadyInitialized = errors.New("already initialized")
)

// errorCodes is the status code each error of the taxonomy is sent with. The
// status message starts with the error's text so the host can restore it.
var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{ErrNotInitialized, codes.FailedPrecondition},
	{errAlreadyInitialized, codes.FailedPrecondition},
	{ErrClosed, codes.Unavailable},
	{block.ErrProtocolViolation, codes.FailedPrecondition},
	{block.ErrMalformedBlock, codes.InvalidArgument},
	{block.ErrInvalidBlock, codes.Aborted},
	{block.ErrNotFound, codes.NotFound},
	{block.ErrNothingToBuild, codes.ResourceExhausted},
	{rpcdb.ErrStorageUnavailable, codes.Unavailable},
	{appsender.ErrSendFailed, codes.Unavailable},
}

// errorToStatus converts an error returned by the VM service into the status
// sent to the host.
func errorToStatus(err error) error {
	if err == nil {
		return nil
	}
	for _, e := range errorCodes {
		if !errors.Is(err, e.err) {
			continue
		}
		msg := err.Error()
		if !strings.HasPrefix(msg, e.err.Error()) {
			msg = e.err.Error() + ": " + msg
		}
		return status.Error(e.code, msg)
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Unknown, err.Error())
}

// statusToError restores the error of the taxonomy a status was built from.
func statusToError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	for _, e := range errorCodes {
		if st.Code() != e.code || !strings.HasPrefix(msg, e.err.Error()) {
			continue
		}
		return fmt.Errorf("%w%s", e.err, strings.TrimPrefix(msg, e.err.Error()))
	}
	return err
}

// errorInterceptor converts the errors returned by the services into
// statuses.
func errorInterceptor(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	return resp, errorToStatus(err)
}
