// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcdb

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ava-labs/avalanchego/database"

	"google.golang.org/protobuf/types/known/emptypb"

	rpcdbpb "github.com/ava-labs/avalanchego/proto/pb/rpcdb"
)

const iteratorPageSize = 512

var (
	errUnknownIterator = errors.New("unknown iterator")

	_ rpcdbpb.DatabaseServer = (*DatabaseServer)(nil)
)

// DatabaseServer serves a database to a plugin over RPC. It runs in the host.
type DatabaseServer struct {
	rpcdbpb.UnsafeDatabaseServer

	db database.Database

	// iteratorLock protects the iterator fields
	iteratorLock   sync.Mutex
	nextIteratorID uint64
	iterators      map[uint64]database.Iterator
}

// NewServer returns a database instance that is managed remotely
func NewServer(db database.Database) *DatabaseServer {
	return &DatabaseServer{
		db:        db,
		iterators: make(map[uint64]database.Iterator),
	}
}

// Has delegates the Has call to the managed database and returns the result
func (db *DatabaseServer) Has(_ context.Context, req *rpcdbpb.HasRequest) (*rpcdbpb.HasResponse, error) {
	has, err := db.db.Has(req.Key)
	code, err := errorToRPCError(err)
	return &rpcdbpb.HasResponse{
		Has: has,
		Err: code,
	}, err
}

// Get delegates the Get call to the managed database and returns the result
func (db *DatabaseServer) Get(_ context.Context, req *rpcdbpb.GetRequest) (*rpcdbpb.GetResponse, error) {
	value, err := db.db.Get(req.Key)
	code, err := errorToRPCError(err)
	return &rpcdbpb.GetResponse{
		Value: value,
		Err:   code,
	}, err
}

// Put delegates the Put call to the managed database and returns the result
func (db *DatabaseServer) Put(_ context.Context, req *rpcdbpb.PutRequest) (*rpcdbpb.PutResponse, error) {
	code, err := errorToRPCError(db.db.Put(req.Key, req.Value))
	return &rpcdbpb.PutResponse{Err: code}, err
}

// Delete delegates the Delete call to the managed database and returns the
// result
func (db *DatabaseServer) Delete(_ context.Context, req *rpcdbpb.DeleteRequest) (*rpcdbpb.DeleteResponse, error) {
	code, err := errorToRPCError(db.db.Delete(req.Key))
	return &rpcdbpb.DeleteResponse{Err: code}, err
}

// Compact delegates the Compact call to the managed database and returns the
// result
func (db *DatabaseServer) Compact(_ context.Context, req *rpcdbpb.CompactRequest) (*rpcdbpb.CompactResponse, error) {
	code, err := errorToRPCError(db.db.Compact(req.Start, req.Limit))
	return &rpcdbpb.CompactResponse{Err: code}, err
}

// Close delegates the Close call to the managed database and returns the
// result
func (db *DatabaseServer) Close(context.Context, *rpcdbpb.CloseRequest) (*rpcdbpb.CloseResponse, error) {
	code, err := errorToRPCError(db.db.Close())
	return &rpcdbpb.CloseResponse{Err: code}, err
}

// HealthCheck performs a heath check against the underlying database.
func (db *DatabaseServer) HealthCheck(ctx context.Context, _ *emptypb.Empty) (*rpcdbpb.HealthCheckResponse, error) {
	health, err := db.db.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}

	details, err := json.Marshal(health)
	return &rpcdbpb.HealthCheckResponse{Details: details}, err
}

// WriteBatch applies every put and delete of [req] as a single unit. The
// client collapses repeated keys, so the order between puts and deletes does
// not matter.
func (db *DatabaseServer) WriteBatch(_ context.Context, req *rpcdbpb.WriteBatchRequest) (*rpcdbpb.WriteBatchResponse, error) {
	batch := db.db.NewBatch()
	for _, put := range req.Puts {
		if err := batch.Put(put.Key, put.Value); err != nil {
			code, err := errorToRPCError(err)
			return &rpcdbpb.WriteBatchResponse{Err: code}, err
		}
	}
	for _, del := range req.Deletes {
		if err := batch.Delete(del.Key); err != nil {
			code, err := errorToRPCError(err)
			return &rpcdbpb.WriteBatchResponse{Err: code}, err
		}
	}

	code, err := errorToRPCError(batch.Write())
	return &rpcdbpb.WriteBatchResponse{Err: code}, err
}

// NewIteratorWithStartAndPrefix allocates an iterator and returns the iterator
// ID
func (db *DatabaseServer) NewIteratorWithStartAndPrefix(_ context.Context, req *rpcdbpb.NewIteratorWithStartAndPrefixRequest) (*rpcdbpb.NewIteratorWithStartAndPrefixResponse, error) {
	it := db.db.NewIteratorWithStartAndPrefix(req.Start, req.Prefix)

	db.iteratorLock.Lock()
	defer db.iteratorLock.Unlock()

	id := db.nextIteratorID
	db.iterators[id] = it
	db.nextIteratorID++
	return &rpcdbpb.NewIteratorWithStartAndPrefixResponse{Id: id}, nil
}

// IteratorNext returns the next page of key/value pairs of the iterator.
func (db *DatabaseServer) IteratorNext(_ context.Context, req *rpcdbpb.IteratorNextRequest) (*rpcdbpb.IteratorNextResponse, error) {
	db.iteratorLock.Lock()
	it, exists := db.iterators[req.Id]
	db.iteratorLock.Unlock()
	if !exists {
		return nil, errUnknownIterator
	}

	data := make([]*rpcdbpb.PutRequest, 0, iteratorPageSize)
	for len(data) < iteratorPageSize && it.Next() {
		data = append(data, &rpcdbpb.PutRequest{
			Key:   it.Key(),
			Value: it.Value(),
		})
	}
	return &rpcdbpb.IteratorNextResponse{Data: data}, nil
}

// IteratorError attempts to report any errors that occurred during iteration
func (db *DatabaseServer) IteratorError(_ context.Context, req *rpcdbpb.IteratorErrorRequest) (*rpcdbpb.IteratorErrorResponse, error) {
	db.iteratorLock.Lock()
	it, exists := db.iterators[req.Id]
	db.iteratorLock.Unlock()
	if !exists {
		return nil, errUnknownIterator
	}

	code, err := errorToRPCError(it.Error())
	return &rpcdbpb.IteratorErrorResponse{Err: code}, err
}

// IteratorRelease attempts to release the resources allocated to an iterator
func (db *DatabaseServer) IteratorRelease(_ context.Context, req *rpcdbpb.IteratorReleaseRequest) (*rpcdbpb.IteratorReleaseResponse, error) {
	db.iteratorLock.Lock()
	it, exists := db.iterators[req.Id]
	delete(db.iterators, req.Id)
	db.iteratorLock.Unlock()
	if !exists {
		return &rpcdbpb.IteratorReleaseResponse{}, nil
	}

	code, err := errorToRPCError(it.Error())
	it.Release()
	return &rpcdbpb.IteratorReleaseResponse{Err: code}, err
}
