package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"paxcom/internal/config"
	"paxcom/internal/engine"
	xhttp "paxcom/internal/http"
	"paxcom/pkg/discovery"
	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

// logApp is the default application: it logs deliveries and keeps the
// delivered payloads for snapshots.
type logApp struct {
	mu      sync.Mutex
	entries [][]byte
	lastLSN synode.Synode
}

func (a *logApp) Deliver(s *site.Site, ad *paxos.AppData, ok bool) {
	if !ok {
		slog.Warn("delivery failed", "lsn", ad.LSN)
		return
	}
	a.mu.Lock()
	a.entries = append(a.entries, ad.Body)
	a.lastLSN = ad.AppKey
	a.mu.Unlock()
	slog.Info("delivered", "synode", ad.AppKey, "bytes", len(ad.Body))
}

func (a *logApp) DeliverGlobalView(s *site.Site, sn synode.Synode) {
	slog.Info("new view installed", "synode", sn, "alive", s.GlobalNodeSet)
}

func (a *logApp) GetAppSnapshot() ([]byte, synode.Synode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	blob, err := json.Marshal(a.entries)
	if err != nil {
		return nil, synode.Null
	}
	return blob, a.lastLSN
}

func (a *logApp) HandleAppSnapshot(blob []byte, logStart, logEnd synode.Synode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var entries [][]byte
	if err := json.Unmarshal(blob, &entries); err != nil {
		slog.Error("bad application snapshot", "error", err)
		return
	}
	a.entries = entries
	slog.Info("application snapshot installed",
		"entries", len(entries), "log_start", logStart, "log_end", logEnd)
}

func main() {
	configPath := flag.String("config", "paxcom.yaml", "path to YAML config")
	boot := flag.Bool("boot", false, "bootstrap a new group")
	peersFlag := flag.String("peers", "", "comma-separated peer addresses for bootstrap")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	advertise := cfg.Node.Advertise
	if advertise == "" {
		advertise = cfg.Node.ListenAddress
	}
	identity := site.NodeAddress{
		Address:  advertise,
		UID:      uuid.New(),
		MinProto: site.Proto10,
		MaxProto: site.MyMaxProto,
	}

	var peerAddrs []string
	if *peersFlag != "" {
		peerAddrs = strings.Split(*peersFlag, ",")
	}

	// --- ZooKeeper seed discovery ---
	if cfg.Discovery.Enabled {
		membership, err := discovery.NewZKMembership(cfg.Discovery.Servers, cfg.Discovery.Root, advertise)
		if err != nil {
			fmt.Printf("Failed to connect to ZooKeeper: %v\n", err)
			os.Exit(1)
		}
		defer membership.Close()
		if err := membership.RegisterSelf(); err != nil {
			fmt.Printf("Failed to register node in ZooKeeper: %v\n", err)
			os.Exit(1)
		}
		discovered, err := membership.Peers()
		if err != nil {
			fmt.Printf("Failed to list peers from ZooKeeper: %v\n", err)
			os.Exit(1)
		}
		peerAddrs = discovered
		slog.Info("discovered peers", "peers", peerAddrs)
	}

	app := &logApp{}
	e := engine.New(cfg.Group, identity, app)
	if err := e.Start(ctx); err != nil {
		fmt.Printf("Failed to start engine: %v\n", err)
		os.Exit(1)
	}

	if *boot {
		nodes := []site.NodeAddress{identity}
		for _, addr := range peerAddrs {
			if addr != advertise {
				nodes = append(nodes, site.NodeAddress{
					Address:  addr,
					UID:      uuid.New(),
					MinProto: site.Proto10,
					MaxProto: site.MyMaxProto,
				})
			}
		}
		if err := e.Boot(nodes); err != nil {
			fmt.Printf("Failed to bootstrap group: %v\n", err)
			os.Exit(1)
		}
		slog.Info("group bootstrapped", "nodes", len(nodes))
	} else {
		// Wait for a snapshot from an existing group.
		e.StartRecovery()
	}

	server := xhttp.NewServer(e, fmt.Sprintf("%d", cfg.HTTP.Port))
	if err := server.Start(); err != nil {
		fmt.Printf("Failed to start HTTP server: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		fmt.Printf("Error stopping HTTP server: %v\n", err)
	}
	e.Stop()
	fmt.Println("paxcomd stopped")
}
