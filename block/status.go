// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package block

import (
	"errors"
	"fmt"
)

var errUnknownStatus = errors.New("unknown status")

// Status is the lifecycle status of a block. The numeric values match the
// status enum of the VM service.
type Status uint32

// List of possible status values
// [Unknown] Zero value, means the block is not tracked
// [Processing] Known but not decided
// [Rejected] Decided to not be canonical
// [Accepted] Decided to be canonical
const (
	Unknown Status = iota
	Processing
	Rejected
	Accepted
)

func (s Status) Valid() error {
	switch s {
	case Unknown, Processing, Rejected, Accepted:
		return nil
	default:
		return fmt.Errorf("%w: %d", errUnknownStatus, uint32(s))
	}
}

// Decided returns true if the status is Rejected or Accepted.
func (s Status) Decided() bool {
	return s == Rejected || s == Accepted
}

func (s Status) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Processing:
		return "Processing"
	case Rejected:
		return "Rejected"
	case Accepted:
		return "Accepted"
	default:
		return "Invalid status"
	}
}
