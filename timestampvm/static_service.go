// (c) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package timestampvm

import (
	"fmt"
	"net/http"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"
)

// StaticService builds and reads genesis data. It does not depend on a
// running chain.
type StaticService struct{}

// EncoderArgs are arguments for Encode
type EncoderArgs struct {
	Data     string              `json:"data"`
	Encoding formatting.Encoding `json:"encoding"`
}

// EncoderReply is the reply from Encode
type EncoderReply struct {
	Bytes    string              `json:"bytes"`
	Encoding formatting.Encoding `json:"encoding"`
}

// Encode returns [args.Data] as genesis bytes in the requested encoding.
func (*StaticService) Encode(_ *http.Request, args *EncoderArgs, reply *EncoderReply) error {
	if len(args.Data) > len(ids.Empty) {
		return errBadGenesisBytes
	}
	bytes, err := formatting.Encode(args.Encoding, []byte(args.Data))
	if err != nil {
		return fmt.Errorf("couldn't encode data as string: %w", err)
	}
	reply.Bytes = bytes
	reply.Encoding = args.Encoding
	return nil
}

// DecoderArgs are arguments for Decode
type DecoderArgs struct {
	Bytes    string              `json:"bytes"`
	Encoding formatting.Encoding `json:"encoding"`
}

// DecoderReply is the reply from Decode
type DecoderReply struct {
	Data     string              `json:"data"`
	Encoding formatting.Encoding `json:"encoding"`
}

// Decode returns the data held by encoded genesis bytes.
func (*StaticService) Decode(_ *http.Request, args *DecoderArgs, reply *DecoderReply) error {
	bytes, err := formatting.Decode(args.Encoding, args.Bytes)
	if err != nil {
		return fmt.Errorf("couldn't decode data as string: %w", err)
	}
	if len(bytes) > len(ids.Empty) {
		return errBadGenesisBytes
	}
	reply.Data = string(bytes)
	reply.Encoding = args.Encoding
	return nil
}
