// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chain"

type metrics struct {
	processing prometheus.Gauge
	verified   prometheus.Counter
	decided    *prometheus.CounterVec
	violations prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		processing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blks_processing",
			Help:      "Number of verified blocks waiting for a decision",
		}),
		verified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blks_verified",
			Help:      "Number of blocks that passed verification",
		}),
		decided: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blks_decided",
			Help:      "Number of blocks decided, by status",
		}, []string{"status"}),
		violations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations",
			Help:      "Number of block transitions refused because they broke the host's ordering contract",
		}),
	}
}
