// Command cubenode wires nodeconf, store, peerdb, p2pnet, and network
// into a running cube gossip node. It is a thin composition root: flag
// parsing, wiring, and lifecycle only.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cubenet.dev/node/network"
	"cubenet.dev/node/nodeconf"
	"cubenet.dev/node/p2pnet"
	"cubenet.dev/node/peerdb"
	"cubenet.dev/node/store"
)

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := nodeconf.Default()
	cfg := defaults
	var initialPeers multiStringFlag

	fs := flag.NewFlagSet("cubenode", flag.ContinueOnError)
	fs.SetOutput(stderr)

	listenPort := fs.Int("listen-port", 9735, "TCP port to listen on (ignored with -light)")
	fs.StringVar(&cfg.DataDir, "datadir", defaults.DataDir, "node data directory")
	fs.BoolVar(&cfg.Light, "light", defaults.Light, "run as a light client: dial out only, never listen or poll")
	peerCSV := fs.String("initial-peer", "", "bootstrap peers, comma-separated host:port")
	fs.Var(&initialPeers, "peer", "single bootstrap peer host:port (repeatable)")
	fs.IntVar(&cfg.Difficulty, "difficulty", defaults.Difficulty, "minimum trailing zero-bit count required to admit a block")
	fs.IntVar(&cfg.MaxConnections, "max-connections", defaults.MaxConnections, "maximum simultaneous peer sessions")
	dryRun := fs.Bool("dry-run", false, "validate configuration and exit without running")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg.ListenAddr = fmt.Sprintf("0.0.0.0:%d", *listenPort)
	cfg.InitialPeers = nodeconf.NormalizePeers(append([]string{*peerCSV}, initialPeers...)...)

	if err := nodeconf.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if *dryRun {
		fmt.Fprintf(stdout, "config ok: datadir=%s listen=%s light=%v difficulty=%d peers=%v\n",
			cfg.DataDir, cfg.ListenAddr, cfg.Light, cfg.Difficulty, cfg.InitialPeers)
		return 0
	}

	log := slog.New(slog.NewTextHandler(stderr, nil))

	db, err := store.Open(store.DataDir(cfg.DataDir), store.Settings{
		Difficulty: cfg.Difficulty,
		Lifetime:   cfg.Lifetime,
	}, log)
	if err != nil {
		fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 2
	}
	defer db.Close()

	peers := peerdb.New(func(p peerdb.Peer) {
		log.Debug("cubenode: discovered peer", slog.String("peer", p.Key()))
	})
	for _, addr := range cfg.InitialPeers {
		p, err := peerdb.ParsePeer(addr)
		if err != nil {
			fmt.Fprintf(stderr, "invalid initial peer %q: %v\n", addr, err)
			return 2
		}
		peers.Observe(p)
	}

	netSettings := network.Settings{
		ListenAddr:       cfg.ListenAddr,
		Light:            cfg.Light,
		MaxConnections:   cfg.MaxConnections,
		HandshakeTimeout: cfg.HandshakeTimeout,
		DialInterval:     5 * time.Second,
		DialJitter:       500 * time.Millisecond,
	}
	sessSettings := p2pnet.Settings{
		HashRequestInterval: cfg.HashRequestInterval,
		Light:               cfg.Light,
	}

	mgr, err := network.NewManager(netSettings, db, peers, db, sessSettings, log)
	if err != nil {
		fmt.Fprintf(stderr, "manager init failed: %v\n", err)
		return 2
	}
	mgr.OnOnline = func() { log.Info("cubenode: online") }
	mgr.OnShutdown = func() { log.Info("cubenode: shutdown complete") }

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go db.RunEvictionLoop(ctx, 10*time.Minute)
	go peers.RunAnnounceLoop(ctx, cfg.AnnouncementInterval, mgr.BroadcastAddresses)

	fmt.Fprintf(stdout, "cubenode starting: datadir=%s listen=%s light=%v difficulty=%d\n",
		cfg.DataDir, cfg.ListenAddr, cfg.Light, cfg.Difficulty)

	if err := mgr.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "manager exited with error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "cubenode stopped")
	return 0
}
