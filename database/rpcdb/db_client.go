// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcdb

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/utils/set"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	rpcdbpb "github.com/ava-labs/avalanchego/proto/pb/rpcdb"
)

// DefaultTimeout bounds every call to the host's database.
const DefaultTimeout = 10 * time.Second

var (
	_ database.Database = (*DatabaseClient)(nil)
	_ database.Batch    = (*batch)(nil)
	_ database.Iterator = (*iterator)(nil)
)

// DatabaseClient is a database that lives in the host and is accessed over
// RPC. Nothing is cached: every read is a round trip.
type DatabaseClient struct {
	client  rpcdbpb.DatabaseClient
	timeout time.Duration

	closed atomic.Bool
}

// NewClient returns a database instance connected to a remote database
// instance over [conn]. The client does not take ownership of [conn].
func NewClient(conn grpc.ClientConnInterface, timeout time.Duration) *DatabaseClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DatabaseClient{
		client:  rpcdbpb.NewDatabaseClient(conn),
		timeout: timeout,
	}
}

func (db *DatabaseClient) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), db.timeout)
}

// Has attempts to return if the database has a key with the provided value.
func (db *DatabaseClient) Has(key []byte) (bool, error) {
	ctx, cancel := db.context()
	defer cancel()

	resp, err := db.client.Has(ctx, &rpcdbpb.HasRequest{
		Key: key,
	})
	if err != nil {
		return false, unavailable(err)
	}
	return resp.Has, errEnumToError[resp.Err]
}

// Get attempts to return the value that was mapped to the key that was
// provided
func (db *DatabaseClient) Get(key []byte) ([]byte, error) {
	ctx, cancel := db.context()
	defer cancel()

	resp, err := db.client.Get(ctx, &rpcdbpb.GetRequest{
		Key: key,
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if err := errEnumToError[resp.Err]; err != nil {
		return nil, err
	}
	if resp.Value == nil {
		// An empty value is encoded as an absent field.
		return []byte{}, nil
	}
	return resp.Value, nil
}

// Put attempts to set the value this key maps to
func (db *DatabaseClient) Put(key, value []byte) error {
	ctx, cancel := db.context()
	defer cancel()

	resp, err := db.client.Put(ctx, &rpcdbpb.PutRequest{
		Key:   key,
		Value: value,
	})
	if err != nil {
		return unavailable(err)
	}
	return errEnumToError[resp.Err]
}

// Delete attempts to remove any mapping from the key
func (db *DatabaseClient) Delete(key []byte) error {
	ctx, cancel := db.context()
	defer cancel()

	resp, err := db.client.Delete(ctx, &rpcdbpb.DeleteRequest{
		Key: key,
	})
	if err != nil {
		return unavailable(err)
	}
	return errEnumToError[resp.Err]
}

// NewBatch returns a new batch. Writing it applies all of its operations on
// the host as a single unit.
func (db *DatabaseClient) NewBatch() database.Batch {
	return &batch{db: db}
}

// NewIterator implements the Database interface
func (db *DatabaseClient) NewIterator() database.Iterator {
	return db.NewIteratorWithStartAndPrefix(nil, nil)
}

// NewIteratorWithStart implements the Database interface
func (db *DatabaseClient) NewIteratorWithStart(start []byte) database.Iterator {
	return db.NewIteratorWithStartAndPrefix(start, nil)
}

// NewIteratorWithPrefix implements the Database interface
func (db *DatabaseClient) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return db.NewIteratorWithStartAndPrefix(nil, prefix)
}

// NewIteratorWithStartAndPrefix returns a new iterator over the host's
// database. Pairs are fetched a page at a time.
func (db *DatabaseClient) NewIteratorWithStartAndPrefix(start, prefix []byte) database.Iterator {
	ctx, cancel := db.context()
	defer cancel()

	resp, err := db.client.NewIteratorWithStartAndPrefix(ctx, &rpcdbpb.NewIteratorWithStartAndPrefixRequest{
		Start:  start,
		Prefix: prefix,
	})
	if err != nil {
		return &database.IteratorError{
			Err: unavailable(err),
		}
	}
	return &iterator{
		db: db,
		id: resp.Id,
	}
}

// Compact attempts to optimize the space utilization in the provided range
func (db *DatabaseClient) Compact(start, limit []byte) error {
	ctx, cancel := db.context()
	defer cancel()

	resp, err := db.client.Compact(ctx, &rpcdbpb.CompactRequest{
		Start: start,
		Limit: limit,
	})
	if err != nil {
		return unavailable(err)
	}
	return errEnumToError[resp.Err]
}

// Close attempts to close the database
func (db *DatabaseClient) Close() error {
	db.closed.Store(true)

	ctx, cancel := db.context()
	defer cancel()

	resp, err := db.client.Close(ctx, &rpcdbpb.CloseRequest{})
	if err != nil {
		return unavailable(err)
	}
	return errEnumToError[resp.Err]
}

// HealthCheck reports the health of the host's database.
func (db *DatabaseClient) HealthCheck(ctx context.Context) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	resp, err := db.client.HealthCheck(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, unavailable(err)
	}
	return json.RawMessage(resp.Details), nil
}

func (db *DatabaseClient) writeBatch(ops []batchOp) error {
	if db.closed.Load() {
		return database.ErrClosed
	}

	// Only the last operation on a key survives, so puts and deletes can be
	// sent as two unordered lists.
	req := &rpcdbpb.WriteBatchRequest{}
	keys := set.NewSet[string](len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		key := string(op.key)
		if keys.Contains(key) {
			continue
		}
		keys.Add(key)

		if op.delete {
			req.Deletes = append(req.Deletes, &rpcdbpb.DeleteRequest{
				Key: op.key,
			})
		} else {
			req.Puts = append(req.Puts, &rpcdbpb.PutRequest{
				Key:   op.key,
				Value: op.value,
			})
		}
	}

	ctx, cancel := db.context()
	defer cancel()

	resp, err := db.client.WriteBatch(ctx, req)
	if err != nil {
		return unavailable(err)
	}
	return errEnumToError[resp.Err]
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

type batch struct {
	db   *DatabaseClient
	ops  []batchOp
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.ops = append(b.ops, batchOp{
		key:   copyBytes(key),
		value: copyBytes(value),
	})
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{
		key:    copyBytes(key),
		delete: true,
	})
	b.size += len(key)
	return nil
}

func (b *batch) Size() int {
	return b.size
}

func (b *batch) Write() error {
	return b.db.writeBatch(b.ops)
}

func (b *batch) Reset() {
	if cap(b.ops) > len(b.ops)*database.MaxExcessCapacityFactor {
		b.ops = make([]batchOp, 0, cap(b.ops)/database.CapacityReductionFactor)
	} else {
		b.ops = b.ops[:0]
	}
	b.size = 0
}

func (b *batch) Replay(w database.KeyValueWriterDeleter) error {
	for _, op := range b.ops {
		if op.delete {
			if err := w.Delete(op.key); err != nil {
				return err
			}
		} else if err := w.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) Inner() database.Batch {
	return b
}

// iterator iterates over the host's database a page at a time.
type iterator struct {
	db *DatabaseClient
	id uint64

	data      []*rpcdbpb.PutRequest
	key       []byte
	value     []byte
	exhausted bool
	released  bool
	err       error
}

// Next attempts to move the iterator to the next element and returns if this
// succeeded
func (it *iterator) Next() bool {
	if it.db.closed.Load() {
		it.data = nil
		it.key = nil
		it.value = nil
		it.err = database.ErrClosed
		return false
	}
	if it.err != nil || it.released {
		return false
	}
	if len(it.data) == 0 && !it.exhausted {
		it.fetch()
	}
	if len(it.data) == 0 {
		it.key = nil
		it.value = nil
		return false
	}

	it.key = it.data[0].Key
	it.value = it.data[0].Value
	it.data[0] = nil
	it.data = it.data[1:]
	return true
}

func (it *iterator) fetch() {
	ctx, cancel := it.db.context()
	defer cancel()

	resp, err := it.db.client.IteratorNext(ctx, &rpcdbpb.IteratorNextRequest{
		Id: it.id,
	})
	if err != nil {
		it.err = unavailable(err)
		return
	}
	it.data = resp.Data
	if len(resp.Data) == 0 {
		it.exhausted = true
		it.err = it.remoteError()
	}
}

func (it *iterator) remoteError() error {
	ctx, cancel := it.db.context()
	defer cancel()

	resp, err := it.db.client.IteratorError(ctx, &rpcdbpb.IteratorErrorRequest{
		Id: it.id,
	})
	if err != nil {
		return unavailable(err)
	}
	return errEnumToError[resp.Err]
}

// Error returns any that occurred while iterating
func (it *iterator) Error() error {
	return it.err
}

// Key returns the key of the current element
func (it *iterator) Key() []byte {
	return it.key
}

// Value returns the value of the current element
func (it *iterator) Value() []byte {
	return it.value
}

// Release frees any resources held by the iterator
func (it *iterator) Release() {
	if it.released {
		return
	}
	it.released = true
	it.data = nil

	ctx, cancel := it.db.context()
	defer cancel()

	resp, err := it.db.client.IteratorRelease(ctx, &rpcdbpb.IteratorReleaseRequest{
		Id: it.id,
	})
	if err != nil {
		it.err = unavailable(err)
		return
	}
	if err := errEnumToError[resp.Err]; err != nil && it.err == nil {
		it.err = err
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cb := make([]byte, len(b))
	copy(cb, b)
	return cb
}
