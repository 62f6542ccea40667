// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-plugin"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/pluginvm/sdk/stack"
)

const (
	defaultDrainTimeout  = 5 * time.Second
	defaultBridgeTimeout = 10 * time.Second
)

// Config is the configuration of a plugin process.
type Config struct {
	Handshake plugin.HandshakeConfig

	// ListenAddr is the address the VM service listens on. The host learns
	// the resolved address from the handshake line.
	ListenAddr string
	// MetricsAddr optionally exposes the metrics over HTTP.
	MetricsAddr string

	Strictness stack.Strictness
	Cache      stack.BlockCacheConfig

	// DrainTimeout bounds how long Shutdown waits for non-mutating calls.
	DrainTimeout time.Duration
	// BridgeTimeout bounds every call the plugin makes back into the host.
	BridgeTimeout time.Duration

	// Stdout receives the handshake line. Nothing else may be written to it.
	Stdout    io.Writer
	LookupEnv func(string) (string, bool)
	Log       log.Logger
}

// DefaultConfig returns the configuration of a plugin talking to its host
// over stdout and the process environment.
func DefaultConfig() Config {
	return Config{
		Handshake:     Handshake,
		ListenAddr:    "127.0.0.1:0",
		Strictness:    stack.Report,
		Cache:         stack.DefaultBlockCacheConfig,
		DrainTimeout:  defaultDrainTimeout,
		BridgeTimeout: defaultBridgeTimeout,
		Stdout:        os.Stdout,
		LookupEnv:     os.LookupEnv,
		Log:           log.Root(),
	}
}
