// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package e2e_test

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"google.golang.org/grpc"

	ginkgo "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ava-labs/pluginvm/block"
	"github.com/ava-labs/pluginvm/client"
	"github.com/ava-labs/pluginvm/rpcchainvm"
	"github.com/ava-labs/pluginvm/tests/e2e"
)

var (
	pluginPath     string
	requestTimeout time.Duration
)

func init() {
	flag.StringVar(
		&pluginPath,
		"plugin-path",
		"",
		"path to the plugin binary, the suite is skipped if empty",
	)
	flag.DurationVar(
		&requestTimeout,
		"request-timeout",
		30*time.Second,
		"timeout of every call made to the plugin",
	)
}

func TestE2e(t *testing.T) {
	if pluginPath == "" {
		t.Skip("--plugin-path is not set")
	}
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "pluginvm e2e test suites")
}

type noopSender struct{}

func (noopSender) SendAppRequest(context.Context, []ids.NodeID, uint32, []byte) error {
	return nil
}

func (noopSender) SendAppResponse(context.Context, ids.NodeID, uint32, []byte) error {
	return nil
}

func (noopSender) SendAppGossip(context.Context, []byte) error {
	return nil
}

var (
	plugin   *e2e.Plugin
	conn     *grpc.ClientConn
	vm       *rpcchainvm.Client
	genesis  *rpcchainvm.BlockClient
	toEngine chan block.Message
)

var _ = ginkgo.BeforeSuite(func() {
	var err error
	plugin, err = e2e.Start(pluginPath, requestTimeout, []string{e2e.CookieEnv()}, "--log-level=dbug")
	gomega.Expect(err).Should(gomega.BeNil())

	conn, err = plugin.Dial()
	gomega.Expect(err).Should(gomega.BeNil())
	vm = rpcchainvm.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	toEngine = make(chan block.Message, 1)
	genesis, err = vm.Initialize(
		ctx,
		&block.ChainContext{
			NetworkID: 12345,
			SubnetID:  ids.GenerateTestID(),
			ChainID:   ids.GenerateTestID(),
			NodeID:    ids.GenerateTestNodeID(),
		},
		memdb.New(),
		[]byte("e2e genesis"),
		nil,
		nil,
		toEngine,
		noopSender{},
	)
	gomega.Expect(err).Should(gomega.BeNil())
})

var _ = ginkgo.AfterSuite(func() {
	if plugin == nil {
		return
	}
	_ = plugin.Stop()
	if conn != nil {
		_ = conn.Close()
	}
})

var _ = ginkgo.Describe("[Plugin]", ginkgo.Ordered, func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	ginkgo.BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), requestTimeout)
	})
	ginkgo.AfterEach(func() {
		cancel()
	})

	dataHash := ids.GenerateTestID()
	var built *rpcchainvm.BlockClient

	ginkgo.It("announces the app protocol version over grpc", func() {
		gomega.Expect(plugin.Handshake.AppVersion).Should(gomega.Equal(rpcchainvm.Handshake.ProtocolVersion))
		gomega.Expect(plugin.Handshake.Network).Should(gomega.Equal("tcp"))
	})

	ginkgo.It("refuses to start without the cookie", func() {
		_, err := e2e.Start(pluginPath, requestTimeout, []string{rpcchainvm.Handshake.MagicCookieKey + "=static"})
		gomega.Expect(err).ShouldNot(gomega.BeNil())
	})

	ginkgo.It("reports serving over the health service", func() {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		gomega.Expect(err).Should(gomega.BeNil())
		gomega.Expect(resp.Status).Should(gomega.Equal(healthpb.HealthCheckResponse_SERVING))
	})

	ginkgo.It("accepts data proposed over the API", func() {
		handlers, err := vm.CreateHandlers(ctx)
		gomega.Expect(err).Should(gomega.BeNil())
		gomega.Expect(handlers).Should(gomega.HaveKey(""))

		api := client.New("http://" + handlers[""])
		gomega.Expect(api.ProposeBlock(ctx, dataHash)).Should(gomega.BeNil())
		gomega.Eventually(toEngine, requestTimeout).Should(gomega.Receive(gomega.Equal(block.PendingTxs)))
	})

	ginkgo.It("builds, verifies and accepts a block", func() {
		var err error
		built, err = vm.BuildBlock(ctx)
		gomega.Expect(err).Should(gomega.BeNil())
		gomega.Expect(built.Parent()).Should(gomega.Equal(genesis.ID()))
		gomega.Expect(built.Height()).Should(gomega.Equal(genesis.Height() + 1))

		gomega.Expect(built.Verify(ctx)).Should(gomega.BeNil())
		gomega.Expect(vm.SetPreference(ctx, built.ID())).Should(gomega.BeNil())
		gomega.Expect(built.Accept(ctx)).Should(gomega.BeNil())

		lastAccepted, err := vm.LastAccepted(ctx)
		gomega.Expect(err).Should(gomega.BeNil())
		gomega.Expect(lastAccepted).Should(gomega.Equal(built.ID()))
	})

	ginkgo.It("serves the accepted block over the API", func() {
		handlers, err := vm.CreateHandlers(ctx)
		gomega.Expect(err).Should(gomega.BeNil())

		blk, err := client.New("http://"+handlers[""]).GetBlock(ctx, built.ID())
		gomega.Expect(err).Should(gomega.BeNil())
		gomega.Expect(blk.DataHash).Should(gomega.Equal(dataHash))
	})

	ginkgo.It("rejects malformed blocks", func() {
		_, err := vm.ParseBlock(ctx, []byte{0xff})
		gomega.Expect(err).Should(gomega.MatchError(block.ErrMalformedBlock))
	})

	ginkgo.It("exits cleanly once shut down", func() {
		gomega.Expect(vm.Shutdown(ctx)).Should(gomega.BeNil())

		status, err := plugin.Wait(ctx)
		gomega.Expect(err).Should(gomega.BeNil())
		gomega.Expect(status.Exit).Should(gomega.Equal(0))
	})
})
