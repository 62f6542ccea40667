// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcdb

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	rpcdbpb "github.com/ava-labs/avalanchego/proto/pb/rpcdb"

	"github.com/ava-labs/pluginvm/rpcchainvm/grpcutils"
)

const bufSize = 1024 * 1024

type testDatabase struct {
	client *DatabaseClient
	server *grpc.Server
	memDB  *memdb.Database
}

func setupDB(t *testing.T, timeout time.Duration) *testDatabase {
	require := require.New(t)

	listener := bufconn.Listen(bufSize)
	memDB := memdb.New()
	server := grpcutils.NewServer()
	rpcdbpb.RegisterDatabaseServer(server, NewServer(memDB))
	go func() {
		_ = server.Serve(listener)
	}()

	dialer := grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	})
	conn, err := grpcutils.Dial("passthrough:///bufnet", dialer)
	require.NoError(err)

	t.Cleanup(func() {
		server.Stop()
		_ = conn.Close()
		_ = listener.Close()
	})

	return &testDatabase{
		client: NewClient(conn, timeout),
		server: server,
		memDB:  memDB,
	}
}

func TestPutGetHasDelete(t *testing.T) {
	require := require.New(t)
	db := setupDB(t, DefaultTimeout).client

	key := []byte("hello")
	value := []byte("world")

	has, err := db.Has(key)
	require.NoError(err)
	require.False(has)

	_, err = db.Get(key)
	require.ErrorIs(err, database.ErrNotFound)

	require.NoError(db.Put(key, value))

	has, err = db.Has(key)
	require.NoError(err)
	require.True(has)

	got, err := db.Get(key)
	require.NoError(err)
	require.Equal(value, got)

	require.NoError(db.Delete(key))
	_, err = db.Get(key)
	require.ErrorIs(err, database.ErrNotFound)
}

func TestEmptyValue(t *testing.T) {
	require := require.New(t)
	db := setupDB(t, DefaultTimeout).client

	require.NoError(db.Put([]byte("k"), nil))

	got, err := db.Get([]byte("k"))
	require.NoError(err)
	require.NotNil(got)
	require.Empty(got)
}

func TestWritesVisibleToHost(t *testing.T) {
	require := require.New(t)
	testDB := setupDB(t, DefaultTimeout)

	require.NoError(testDB.client.Put([]byte("k"), []byte("v")))

	got, err := testDB.memDB.Get([]byte("k"))
	require.NoError(err)
	require.Equal([]byte("v"), got)
}

func TestBatchAppliesInOrder(t *testing.T) {
	require := require.New(t)
	testDB := setupDB(t, DefaultTimeout)
	db := testDB.client

	require.NoError(db.Put([]byte("stale"), []byte("v")))

	batch := db.NewBatch()
	require.NoError(batch.Put([]byte("a"), []byte("1")))
	require.NoError(batch.Put([]byte("b"), []byte("2")))
	require.NoError(batch.Delete([]byte("b")))
	require.NoError(batch.Delete([]byte("stale")))
	require.NoError(batch.Delete([]byte("c")))
	require.NoError(batch.Put([]byte("c"), []byte("3")))
	require.Equal(len("a")+len("1")+len("b")+len("2")+len("b")+len("stale")+len("c")+len("c")+len("3"), batch.Size())

	// Nothing is visible before the batch is written.
	has, err := db.Has([]byte("a"))
	require.NoError(err)
	require.False(has)

	require.NoError(batch.Write())

	got, err := db.Get([]byte("a"))
	require.NoError(err)
	require.Equal([]byte("1"), got)

	// The last operation on a key wins.
	got, err = db.Get([]byte("c"))
	require.NoError(err)
	require.Equal([]byte("3"), got)

	for _, key := range [][]byte{[]byte("b"), []byte("stale")} {
		has, err := testDB.memDB.Has(key)
		require.NoError(err)
		require.False(has)
	}

	batch.Reset()
	require.Zero(batch.Size())
}

func TestBatchReplay(t *testing.T) {
	require := require.New(t)
	db := setupDB(t, DefaultTimeout).client

	batch := db.NewBatch()
	require.NoError(batch.Put([]byte("a"), []byte("1")))
	require.NoError(batch.Delete([]byte("a")))
	require.NoError(batch.Put([]byte("b"), []byte("2")))

	replayed := memdb.New()
	require.NoError(replayed.Put([]byte("a"), []byte("0")))
	require.NoError(batch.Replay(replayed))

	has, err := replayed.Has([]byte("a"))
	require.NoError(err)
	require.False(has)

	got, err := replayed.Get([]byte("b"))
	require.NoError(err)
	require.Equal([]byte("2"), got)
}

func TestIteratorPaging(t *testing.T) {
	require := require.New(t)
	db := setupDB(t, DefaultTimeout).client

	const numKeys = 2*iteratorPageSize + 7
	for i := 0; i < numKeys; i++ {
		require.NoError(db.Put([]byte(fmt.Sprintf("key-%05d", i)), []byte{byte(i)}))
	}
	require.NoError(db.Put([]byte("other"), nil))

	it := db.NewIteratorWithPrefix([]byte("key-"))
	defer it.Release()

	count := 0
	for it.Next() {
		require.Equal([]byte(fmt.Sprintf("key-%05d", count)), it.Key())
		require.Equal([]byte{byte(count)}, it.Value())
		count++
	}
	require.NoError(it.Error())
	require.Equal(numKeys, count)
	require.False(it.Next())
}

func TestIteratorWithStart(t *testing.T) {
	require := require.New(t)
	db := setupDB(t, DefaultTimeout).client

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(db.Put([]byte(key), []byte(key)))
	}

	it := db.NewIteratorWithStart([]byte("b"))
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(it.Error())
	require.Equal([]string{"b", "c"}, keys)
}

func TestClosed(t *testing.T) {
	require := require.New(t)
	db := setupDB(t, DefaultTimeout).client

	it := db.NewIterator()
	require.NoError(db.Close())

	_, err := db.Get([]byte("k"))
	require.ErrorIs(err, database.ErrClosed)

	batch := db.NewBatch()
	require.NoError(batch.Put([]byte("k"), nil))
	require.ErrorIs(batch.Write(), database.ErrClosed)

	require.False(it.Next())
	require.ErrorIs(it.Error(), database.ErrClosed)
}

func TestStorageUnavailable(t *testing.T) {
	require := require.New(t)
	testDB := setupDB(t, 100*time.Millisecond)
	testDB.server.Stop()

	start := time.Now()
	_, err := testDB.client.Get([]byte("k"))
	require.ErrorIs(err, ErrStorageUnavailable)
	require.Less(time.Since(start), 10*time.Second)

	require.ErrorIs(testDB.client.Put([]byte("k"), nil), ErrStorageUnavailable)

	it := testDB.client.NewIterator()
	require.False(it.Next())
	require.ErrorIs(it.Error(), ErrStorageUnavailable)
	it.Release()
}

func TestHealthCheck(t *testing.T) {
	require := require.New(t)
	db := setupDB(t, DefaultTimeout).client

	_, err := db.HealthCheck(context.Background())
	require.NoError(err)
}
