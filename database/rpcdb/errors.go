// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcdb

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/database"

	rpcdbpb "github.com/ava-labs/avalanchego/proto/pb/rpcdb"
)

// ErrStorageUnavailable is returned when the host's database could not be
// reached, including when a call timed out. The call is not retried.
var ErrStorageUnavailable = errors.New("storage unavailable")

var (
	errEnumToError = map[rpcdbpb.Error]error{
		rpcdbpb.Error_ERROR_CLOSED:    database.ErrClosed,
		rpcdbpb.Error_ERROR_NOT_FOUND: database.ErrNotFound,
	}
	errorToErrEnum = map[error]rpcdbpb.Error{
		database.ErrClosed:   rpcdbpb.Error_ERROR_CLOSED,
		database.ErrNotFound: rpcdbpb.Error_ERROR_NOT_FOUND,
	}
)

// errorToRPCError splits [err] into the code carried in the response and the
// error returned as the RPC status.
func errorToRPCError(err error) (rpcdbpb.Error, error) {
	if code, ok := errorToErrEnum[err]; ok {
		return code, nil
	}
	return rpcdbpb.Error_ERROR_UNSPECIFIED, err
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
