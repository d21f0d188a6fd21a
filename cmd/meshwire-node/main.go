package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshwire/internal/config"
	"meshwire/internal/debugsrv"
	"meshwire/internal/identity"
	"meshwire/internal/logging"
	"meshwire/internal/metrics"
	"meshwire/internal/router"
	"meshwire/internal/routing"
	"meshwire/internal/storefwd"
	"meshwire/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshwire-node <run|id|peers|status> [args]")
	fmt.Fprintln(w, "  run    [--addr <ip:port>] [--debug]")
	fmt.Fprintln(w, "  id")
	fmt.Fprintln(w, "  peers")
	fmt.Fprintln(w, "  status")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port), overrides MESHWIRE_LISTEN_ADDR")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if cfg.ListenAddr == "" {
		fmt.Fprintln(stderr, "missing listen addr: pass --addr or set MESHWIRE_LISTEN_ADDR")
		return 1
	}
	if *debug {
		cfg.Debug = true
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintf(stderr, "init logging failed: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	keys, err := identity.LoadOrCreateKeypair(cfg.Home)
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}

	m := metrics.New()
	if err := debugsrv.StartFromEnv(m.Registry(), log); err != nil {
		fmt.Fprintf(stderr, "debug server failed: %v\n", err)
		return 1
	}

	tr := transport.NewQUIC(transport.QUICOptions{
		Logger:      log,
		SendTimeout: cfg.SendTimeout,
	})
	node, err := router.New(router.Options{
		Keys:      keys,
		Config:    cfg,
		Transport: tr,
		Metrics:   m,
		Logger:    log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "init node failed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n", cfg.ListenAddr, node.ID())
	log.Info("node starting",
		zap.String("addr", cfg.ListenAddr),
		zap.String("node_id", node.ID().String()),
		zap.String("network", cfg.NetworkID),
		zap.Int("seeds", len(cfg.Seeds)))

	err = node.Run(ctx)
	if cerr := node.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	keys, err := identity.LoadOrCreateKeypair(cfg.Home)
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, keys.NodeID())
	return 0
}

// runPeers reads the persisted peer book; it does not contact a running node.
func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	_, table, err := loadPeerBook()
	if err != nil {
		fmt.Fprintf(stderr, "peers: %v\n", err)
		return 1
	}
	peers := table.All()
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID.String() < peers[j].ID.String()
	})
	for _, p := range peers {
		addr := p.Addr()
		if addr == "" {
			addr = "unknown"
		}
		fmt.Fprintf(stdout, "%s addr=%s state=%s fails=%d\n", p.ID, addr, p.State, p.FailCount)
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, table, err := loadPeerBook()
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	known := table.All()
	connected := 0
	for _, p := range known {
		if p.State == routing.StateConnected {
			connected++
		}
	}
	buf := storefwd.New(storefwd.Options{
		GlobalBytes:  cfg.StoreGlobalBytes,
		PerPeerBytes: cfg.StorePerPeerBytes,
		Expiry:       cfg.StoreExpiry,
		PersistPath:  filepath.Join(cfg.Home, "stored.jsonl"),
	})
	fmt.Fprintln(stdout, "Local node summary:")
	fmt.Fprintf(stdout, "  known peers: %d (connected at last shutdown: %d)\n", len(known), connected)
	fmt.Fprintf(stdout, "  stored messages: %d (%d bytes)\n", buf.Len(), buf.UsedBytes())
	return 0
}

func loadPeerBook() (*config.Config, *routing.Table, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	keys, err := identity.LoadOrCreateKeypair(cfg.Home)
	if err != nil {
		return nil, nil, err
	}
	table := routing.NewTable(keys.NodeID(), routing.Options{
		BucketSize:    cfg.BucketSize,
		FailThreshold: cfg.FailThreshold,
		BanDuration:   cfg.BanDuration,
		PersistPath:   filepath.Join(cfg.Home, "peers.jsonl"),
		Clock:         clock.New(),
	})
	return cfg, table, nil
}
