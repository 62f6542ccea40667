// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/require"
)

func envOf(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name            string
		env             map[string]string
		expectedVersion uint
		expectedErr     bool
	}{
		{
			name: "cookie matches",
			env: map[string]string{
				Handshake.MagicCookieKey: Handshake.MagicCookieValue,
			},
			expectedVersion: protocolVersion,
		},
		{
			name:        "cookie missing",
			env:         map[string]string{},
			expectedErr: true,
		},
		{
			name: "cookie mismatch",
			env: map[string]string{
				Handshake.MagicCookieKey: "static",
			},
			expectedErr: true,
		},
		{
			name: "supported version listed",
			env: map[string]string{
				Handshake.MagicCookieKey: Handshake.MagicCookieValue,
				protocolVersionsEnv:      "10, 11,12",
			},
			expectedVersion: protocolVersion,
		},
		{
			name: "supported version not listed",
			env: map[string]string{
				Handshake.MagicCookieKey: Handshake.MagicCookieValue,
				protocolVersionsEnv:      "10,11",
			},
			expectedErr: true,
		},
		{
			name: "invalid version listed",
			env: map[string]string{
				Handshake.MagicCookieKey: Handshake.MagicCookieValue,
				protocolVersionsEnv:      "twelve",
			},
			expectedErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			version, err := Negotiate(envOf(test.env), Handshake)
			if test.expectedErr {
				var handshakeErr *HandshakeError
				require.True(errors.As(err, &handshakeErr))
				require.Zero(version)
				return
			}
			require.NoError(err)
			require.Equal(test.expectedVersion, version)
		})
	}
}

func TestNegotiateUnconfigured(t *testing.T) {
	require := require.New(t)

	_, err := Negotiate(envOf(nil), plugin.HandshakeConfig{ProtocolVersion: protocolVersion})
	require.ErrorContains(err, "magic cookie is not configured")
}

func TestWriteHandshakeLine(t *testing.T) {
	require := require.New(t)

	addr := &net.TCPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: 9650,
	}
	var buf bytes.Buffer
	require.NoError(WriteHandshakeLine(&buf, protocolVersion, addr))
	require.Equal("1|12|tcp|127.0.0.1:9650|grpc\n", buf.String())
}

func TestParseHandshakeLine(t *testing.T) {
	require := require.New(t)

	addr := &net.TCPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: 41234,
	}
	var buf bytes.Buffer
	require.NoError(WriteHandshakeLine(&buf, protocolVersion, addr))

	line, err := ParseHandshakeLine(buf.String())
	require.NoError(err)
	require.Equal(&HandshakeLine{
		CoreVersion: plugin.CoreProtocolVersion,
		AppVersion:  protocolVersion,
		Network:     "tcp",
		Address:     "127.0.0.1:41234",
		Protocol:    plugin.ProtocolGRPC,
	}, line)
}

func TestParseHandshakeLineInvalid(t *testing.T) {
	tests := []string{
		"",
		"1|12|tcp|127.0.0.1:1",
		"2|12|tcp|127.0.0.1:1|grpc",
		"one|12|tcp|127.0.0.1:1|grpc",
		"1|twelve|tcp|127.0.0.1:1|grpc",
		"1|12|tcp|127.0.0.1:1|netrpc",
	}
	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			require := require.New(t)

			_, err := ParseHandshakeLine(line)
			var handshakeErr *HandshakeError
			require.True(errors.As(err, &handshakeErr))
		})
	}
}
