// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
)

type metrics struct {
	registry *prometheus.Registry

	// server counts the calls the host makes into the plugin
	server *grpc_prometheus.ServerMetrics
	// bridge counts the calls the plugin makes back into the host
	bridge *grpc_prometheus.ClientMetrics
}

func newMetrics() (*metrics, error) {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		server:   grpc_prometheus.NewServerMetrics(),
		bridge:   grpc_prometheus.NewClientMetrics(),
	}
	m.server.EnableHandlingTimeHistogram()
	m.bridge.EnableClientHandlingTimeHistogram()

	for _, c := range []prometheus.Collector{
		m.server,
		m.bridge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
