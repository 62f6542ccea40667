// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/hashicorp/go-plugin"
)

// protocolVersion is the app protocol version of the VM service. It must be
// bumped whenever the service changes incompatibly.
const protocolVersion = 12

// protocolVersionsEnv optionally lists the app protocol versions the host
// supports, comma separated.
const protocolVersionsEnv = "PLUGIN_PROTOCOL_VERSIONS"

// Handshake is a common handshake that is shared by plugin and host.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  protocolVersion,
	MagicCookieKey:   "VM_PLUGIN",
	MagicCookieValue: "dynamic",
}

// HandshakeError is returned when the host and the plugin can not agree on a
// handshake. The plugin must exit without serving anything.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return "handshake failed: " + e.Reason
}

// Negotiate checks the shared secret the host put in the environment and
// returns the app protocol version to announce.
func Negotiate(lookupEnv func(string) (string, bool), config plugin.HandshakeConfig) (uint, error) {
	if config.MagicCookieKey == "" || config.MagicCookieValue == "" {
		return 0, &HandshakeError{Reason: "magic cookie is not configured"}
	}

	value, ok := lookupEnv(config.MagicCookieKey)
	if !ok {
		return 0, &HandshakeError{
			Reason: fmt.Sprintf("%s is not set, this binary is a plugin and is not meant to be executed directly", config.MagicCookieKey),
		}
	}
	if value != config.MagicCookieValue {
		return 0, &HandshakeError{
			Reason: fmt.Sprintf("%s does not match the expected value", config.MagicCookieKey),
		}
	}

	versions, ok := lookupEnv(protocolVersionsEnv)
	if !ok || versions == "" {
		return config.ProtocolVersion, nil
	}
	for _, s := range strings.Split(versions, ",") {
		version, err := strconv.ParseUint(strings.TrimSpace(s), 10, 0)
		if err != nil {
			return 0, &HandshakeError{
				Reason: fmt.Sprintf("invalid protocol version %q in %s", s, protocolVersionsEnv),
			}
		}
		if uint(version) == config.ProtocolVersion {
			return config.ProtocolVersion, nil
		}
	}
	return 0, &HandshakeError{
		Reason: fmt.Sprintf("host supports protocol versions %s, plugin supports %d", versions, config.ProtocolVersion),
	}
}

// WriteHandshakeLine writes the single line the host's process supervisor
// reads to learn where to connect:
//
//	<core-version>|<app-version>|<network>|<address>|grpc
func WriteHandshakeLine(w io.Writer, appVersion uint, addr net.Addr) error {
	bw := bufio.NewWriter(w)
	_, err := fmt.Fprintf(bw, "%d|%d|%s|%s|%s\n",
		plugin.CoreProtocolVersion,
		appVersion,
		addr.Network(),
		addr.String(),
		plugin.ProtocolGRPC,
	)
	if err != nil {
		return fmt.Errorf("failed to write handshake: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush handshake: %w", err)
	}
	return nil
}

// HandshakeLine is the announcement a plugin writes to stdout once it is
// serving.
type HandshakeLine struct {
	CoreVersion uint
	AppVersion  uint
	Network     string
	Address     string
	Protocol    plugin.Protocol
}

// ParseHandshakeLine parses the line written by WriteHandshakeLine. It is
// used by hosts, which must reject a plugin whose core protocol or transport
// they do not speak.
func ParseHandshakeLine(line string) (*HandshakeLine, error) {
	parts := strings.Split(strings.TrimSpace(line), "|")
	if len(parts) != 5 {
		return nil, &HandshakeError{
			Reason: fmt.Sprintf("expected 5 fields in handshake line %q, got %d", line, len(parts)),
		}
	}

	coreVersion, err := strconv.ParseUint(parts[0], 10, 0)
	if err != nil {
		return nil, &HandshakeError{Reason: fmt.Sprintf("invalid core protocol version %q", parts[0])}
	}
	if coreVersion != plugin.CoreProtocolVersion {
		return nil, &HandshakeError{
			Reason: fmt.Sprintf("core protocol version %d is not supported, expected %d", coreVersion, plugin.CoreProtocolVersion),
		}
	}
	appVersion, err := strconv.ParseUint(parts[1], 10, 0)
	if err != nil {
		return nil, &HandshakeError{Reason: fmt.Sprintf("invalid app protocol version %q", parts[1])}
	}
	protocol := plugin.Protocol(parts[4])
	if protocol != plugin.ProtocolGRPC {
		return nil, &HandshakeError{Reason: fmt.Sprintf("unsupported transport %q", parts[4])}
	}
	return &HandshakeLine{
		CoreVersion: uint(coreVersion),
		AppVersion:  uint(appVersion),
		Network:     parts[2],
		Address:     parts[3],
		Protocol:    protocol,
	}, nil
}
