// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/pluginvm/rpcchainvm"
	"github.com/ava-labs/pluginvm/timestampvm"
)

func main() {
	p, err := parseParams(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't get config: %s\n", err)
		os.Exit(1)
	}
	// Print the version and exit
	if p.version {
		fmt.Printf("%s@%s\n", timestampvm.Name, timestampvm.Version)
		os.Exit(0)
	}

	// stdout carries the handshake, everything else goes to stderr.
	log.Root().SetHandler(log.LvlFilterHandler(p.logLevel, log.StreamHandler(os.Stderr, log.TerminalFormat())))
	p.config.Log = log.New("module", "rpcchainvm")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = rpcchainvm.Serve(ctx, &timestampvm.VM{}, p.config)
	if err == nil {
		return
	}

	var handshakeErr *rpcchainvm.HandshakeError
	if errors.As(err, &handshakeErr) {
		fmt.Fprintf(os.Stderr, "%s\n", handshakeErr)
	} else {
		log.Error("serve returned an error", "err", err)
	}
	stop()
	os.Exit(1)
}
