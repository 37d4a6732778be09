// Command dispersynode runs a single node: a pebble-backed store, a
// UDP endpoint, and a prometheus /metrics endpoint, with no
// communities attached by default (a real deployment attaches its own
// communities by calling node.Node.AttachCommunity after construction).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/endpoint"
	"github.com/triblerteam/dispersy/logging"
	"github.com/triblerteam/dispersy/member"
	"github.com/triblerteam/dispersy/metrics"
	"github.com/triblerteam/dispersy/node"
	"github.com/triblerteam/dispersy/statistics"
	"github.com/triblerteam/dispersy/store"
	"github.com/triblerteam/dispersy/wire"
)

var logger = slog.Default().With("module", "dispersynode")

// maxPacketSize bounds one inbound UDP read; dispersy.py caps datagrams
// at 2^16 but in practice never approaches it, so 2048 covers every
// message this node defines with headroom.
const maxPacketSize = 2048

func main() {
	bindAddr := flag.String("bind", "0.0.0.0:6421", "UDP address to bind the endpoint to")
	dataDir := flag.String("data-dir", "", "directory for the pebble store (empty: in-memory)")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9420", "address to serve /metrics on")
	lanHost := flag.String("lan-host", "127.0.0.1", "this node's LAN address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mx := metrics.New()
	n, ep, cleanup, err := build(*bindAddr, *dataDir, *lanHost, mx)
	if err != nil {
		logger.Error("failed to build node", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	go serveMetrics(*metricsAddr, mx)
	go func() {
		if err := ep.Listen(ctx, maxPacketSize, n.HandlePacket); err != nil && ctx.Err() == nil {
			logger.Error("endpoint listen stopped unexpectedly", "error", err)
		}
	}()

	logger.Info("dispersy node running", "bind", *bindAddr, "metrics", *metricsAddr)
	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("scheduler stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}

func serveMetrics(addr string, mx *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mx.Gatherer(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// build assembles a node.Node from scratch: a pebble backend (on-disk
// if dataDir is set, else in-memory), a UDP endpoint bound to
// bindAddr, a fresh member identity, and a shared prometheus registry.
func build(bindAddr, dataDir, lanHost string, mx *metrics.Metrics) (*node.Node, *endpoint.UDPEndpoint, func(), error) {
	log := logging.NoOp()

	var backend store.Backend
	var err error
	if dataDir != "" {
		backend, err = store.OpenPebble(dataDir)
	} else {
		backend, err = store.OpenPebbleMem()
	}
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.Open(backend, log, mx.Registry)
	if err != nil {
		_ = backend.Close()
		return nil, nil, nil, err
	}

	ep, err := endpoint.Open(bindAddr, log)
	if err != nil {
		_ = backend.Close()
		return nil, nil, nil, err
	}

	stats, err := statistics.New(mx.Registry)
	if err != nil {
		_ = ep.Close()
		_ = backend.Close()
		return nil, nil, nil, err
	}

	self, err := member.Generate()
	if err != nil {
		_ = ep.Close()
		_ = backend.Close()
		return nil, nil, nil, err
	}

	_, port := ep.GetAddress()
	ownLAN := candidate.Address{Host: lanHost, Port: port}

	n := node.New(node.Config{
		Store:    st,
		Members:  member.NewTable(),
		Registry: wire.NewRegistry(),
		Endpoint: ep,
		Stats:    stats,
		Self:     self,
		OwnLAN:   ownLAN,
		OwnWAN:   candidate.Zero,
		Log:      log,
	})

	cleanup := func() {
		_ = ep.Close()
		_ = st.Close()
		_ = backend.Close()
	}
	return n, ep, cleanup, nil
}
