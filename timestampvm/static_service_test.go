// (c) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package timestampvm

import (
	"context"
	"strings"
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/stretchr/testify/require"
)

func TestStaticServiceRoundTrip(t *testing.T) {
	require := require.New(t)

	ss := &StaticService{}
	encoded := EncoderReply{}
	require.NoError(ss.Encode(nil, &EncoderArgs{
		Data:     "hello world",
		Encoding: formatting.Hex,
	}, &encoded))
	require.Equal(formatting.Hex, encoded.Encoding)

	decoded := DecoderReply{}
	require.NoError(ss.Decode(nil, &DecoderArgs{
		Bytes:    encoded.Bytes,
		Encoding: encoded.Encoding,
	}, &decoded))
	require.Equal("hello world", decoded.Data)
}

func TestStaticServiceDataTooLong(t *testing.T) {
	require := require.New(t)

	ss := &StaticService{}
	err := ss.Encode(nil, &EncoderArgs{
		Data:     strings.Repeat("a", len(ids.Empty)+1),
		Encoding: formatting.Hex,
	}, &EncoderReply{})
	require.ErrorIs(err, errBadGenesisBytes)
}

func TestStaticServiceEncodesGenesis(t *testing.T) {
	require := require.New(t)

	reply := EncoderReply{}
	require.NoError((&StaticService{}).Encode(nil, &EncoderArgs{
		Data:     "genesis",
		Encoding: formatting.Hex,
	}, &reply))
	genesisBytes, err := formatting.Decode(reply.Encoding, reply.Bytes)
	require.NoError(err)

	vm, _, _, _ := newTestVMWithGenesis(t, memdb.New(), genesisBytes)
	lastAccepted, err := vm.LastAccepted(context.Background())
	require.NoError(err)
	genesis, err := vm.getBlock(lastAccepted)
	require.NoError(err)
	require.Equal("genesis", string(genesis.DataHash[:len(genesisBytes)]))
}

func TestCreateHandlers(t *testing.T) {
	require := require.New(t)

	vm, _, _, _ := newTestVM(t, memdb.New(), ids.ID{1})
	handlers, err := vm.CreateHandlers(context.Background())
	require.NoError(err)
	require.Contains(handlers, "")
	require.Contains(handlers, "/static")
}
