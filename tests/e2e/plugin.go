// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package e2e launches a plugin binary the way a host does and connects to
// it.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-cmd/cmd"
	"google.golang.org/grpc"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/pluginvm/rpcchainvm"
	"github.com/ava-labs/pluginvm/rpcchainvm/grpcutils"
)

var errExitedBeforeHandshake = errors.New("plugin exited before completing the handshake")

// Plugin is a running plugin process.
type Plugin struct {
	cmd    *cmd.Cmd
	status <-chan cmd.Status

	Handshake *rpcchainvm.HandshakeLine
}

// CookieEnv returns the environment entry carrying the handshake cookie.
func CookieEnv() string {
	return rpcchainvm.Handshake.MagicCookieKey + "=" + rpcchainvm.Handshake.MagicCookieValue
}

// Start runs the binary at [path] with [env] appended to the current
// environment and waits up to [timeout] for its handshake line.
func Start(path string, timeout time.Duration, env []string, args ...string) (*Plugin, error) {
	c := cmd.NewCmdOptions(cmd.Options{Streaming: true}, path, args...)
	c.Env = append(os.Environ(), env...)
	p := &Plugin{
		cmd:    c,
		status: c.Start(),
	}

	go func() {
		for line := range c.Stderr {
			log.Debug("plugin", "stderr", line)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-c.Stdout:
		if !ok {
			return p, errExitedBeforeHandshake
		}
		handshake, err := rpcchainvm.ParseHandshakeLine(line)
		if err != nil {
			_ = c.Stop()
			return p, err
		}
		p.Handshake = handshake
		go func() {
			// Anything after the handshake line is a protocol error.
			for line := range c.Stdout {
				log.Warn("unexpected plugin output", "stdout", line)
			}
		}()
		return p, nil
	case <-c.Done():
		return p, errExitedBeforeHandshake
	case <-timer.C:
		_ = c.Stop()
		return p, fmt.Errorf("plugin did not complete the handshake within %s", timeout)
	}
}

// Dial connects to the VM service the plugin announced.
func (p *Plugin) Dial() (*grpc.ClientConn, error) {
	return grpcutils.Dial(p.Handshake.Address)
}

// Wait returns the status of the process once it exited.
func (p *Plugin) Wait(ctx context.Context) (cmd.Status, error) {
	select {
	case status := <-p.status:
		return status, nil
	case <-ctx.Done():
		return p.cmd.Status(), ctx.Err()
	}
}

// Stop kills the process.
func (p *Plugin) Stop() error {
	return p.cmd.Stop()
}
