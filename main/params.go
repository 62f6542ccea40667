// (c) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/pluginvm/rpcchainvm"
	"github.com/ava-labs/pluginvm/sdk/stack"
)

const (
	envPrefix = "pluginvm"

	versionKey        = "version"
	listenAddrKey     = "listen-addr"
	metricsAddrKey    = "metrics-addr"
	logLevelKey       = "log-level"
	strictOrderingKey = "strict-ordering"
	drainTimeoutKey   = "drain-timeout"
	bridgeTimeoutKey  = "bridge-timeout"
)

type params struct {
	version  bool
	logLevel log.Lvl
	config   rpcchainvm.Config
}

func buildFlagSet() *pflag.FlagSet {
	defaults := rpcchainvm.DefaultConfig()

	fs := pflag.NewFlagSet("timestampvm", pflag.ContinueOnError)
	fs.Bool(versionKey, false, "If true, prints the version and quits")
	fs.String(listenAddrKey, defaults.ListenAddr, "Address the VM service listens on")
	fs.String(metricsAddrKey, "", "Address to expose metrics on over HTTP. Disabled if empty")
	fs.String(logLevelKey, log.LvlInfo.String(), "Log level, one of crit, eror, warn, info, dbug")
	fs.String(strictOrderingKey, stack.Report.String(), "How protocol violations by the host are handled, one of report, fatal")
	fs.Duration(drainTimeoutKey, defaults.DrainTimeout, "How long shutdown waits for in-flight calls")
	fs.Duration(bridgeTimeoutKey, defaults.BridgeTimeout, "Timeout of every call back into the host")
	return fs
}

// getViper returns the viper environment for the plugin binary
func getViper(args []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := buildFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

func parseParams(args []string) (*params, error) {
	v, err := getViper(args)
	if err != nil {
		return nil, err
	}

	logLevel, err := log.LvlFromString(v.GetString(logLevelKey))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", logLevelKey, err)
	}
	strictness, err := stack.ParseStrictness(v.GetString(strictOrderingKey))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", strictOrderingKey, err)
	}

	config := rpcchainvm.DefaultConfig()
	config.ListenAddr = v.GetString(listenAddrKey)
	config.MetricsAddr = v.GetString(metricsAddrKey)
	config.Strictness = strictness
	config.DrainTimeout = positiveOr(v.GetDuration(drainTimeoutKey), config.DrainTimeout)
	config.BridgeTimeout = positiveOr(v.GetDuration(bridgeTimeoutKey), config.BridgeTimeout)

	return &params{
		version:  v.GetBool(versionKey),
		logLevel: logLevel,
		config:   config,
	}, nil
}

func positiveOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
