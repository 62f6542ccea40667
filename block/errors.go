// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package block

import "errors"

var (
	// ErrNothingToBuild is returned by BuildBlock when the VM has no pending
	// content. The host retries later.
	ErrNothingToBuild = errors.New("nothing to build")
	// ErrMalformedBlock is returned when bytes can not be decoded into a block.
	ErrMalformedBlock = errors.New("malformed block")
	// ErrInvalidBlock is returned when a block fails verification. It is only
	// ever fatal to that block.
	ErrInvalidBlock = errors.New("invalid block")
	// ErrNotFound is returned when a block is not known.
	ErrNotFound = errors.New("not found")
	// ErrProtocolViolation is returned when the host drives a block through a
	// transition its ordering contract forbids.
	ErrProtocolViolation = errors.New("protocol violation")
)
