package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/swarmlink/peer"
	"tarun-kavipurapu/swarmlink/pkg/api"
	"tarun-kavipurapu/swarmlink/pkg/config"
	"tarun-kavipurapu/swarmlink/pkg/discovery"
	"tarun-kavipurapu/swarmlink/pkg/logger"
	"tarun-kavipurapu/swarmlink/pkg/monitor"
	"tarun-kavipurapu/swarmlink/pkg/swarm"
)

var (
	configFile      string
	nodeInteractive bool
	noDiscovery     bool
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Start a SwarmLink node",
	Long: `Start a node: serve shared files over TCP, announce on the LAN and
optionally expose the HTTP API or an interactive shell. Without --interactive
the node runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := config.New()
		if err := config.BindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		cfg, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		if noDiscovery {
			cfg.Discovery.Enabled = false
		}
		if err := logger.Setup(cfg.Log.Level, cfg.Log.File); err != nil {
			return err
		}
		defer logger.Sync()

		return runNode(cfg)
	},
}

func nodeOptions(cfg config.Config, metrics *monitor.Metrics) peer.Options {
	return peer.Options{
		Name:        cfg.Name,
		ListenAddr:  cfg.ListenAddr(),
		PieceSize:   cfg.PieceSize,
		DownloadDir: cfg.DownloadDir,
		PeerTTL:     cfg.PeerTTL,
		Discovery: discovery.Config{
			Port:           cfg.Discovery.Port,
			BroadcastAddr:  cfg.Discovery.BroadcastAddr,
			MulticastGroup: cfg.Discovery.MulticastGroup,
			Interface:      cfg.Discovery.Interface,
			Interval:       cfg.Discovery.Interval,
		},
		DisableDiscovery: !cfg.Discovery.Enabled,
		MDNS:             cfg.Discovery.MDNS,
		Swarm: swarm.Options{
			Workers:          cfg.Swarm.Workers,
			MaxAttempts:      cfg.Swarm.MaxAttempts,
			RequestTimeout:   cfg.Swarm.RequestTimeout,
			FailureThreshold: cfg.Swarm.FailureThreshold,
		},
		Seed:    cfg.Seed,
		Metrics: metrics,
	}
}

func runNode(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitor.Global
	node := peer.NewNode(nodeOptions(cfg, metrics))
	if err := node.Start(ctx); err != nil {
		return err
	}

	for _, path := range cfg.Share {
		if _, err := node.Share(path); err != nil {
			logger.Sugar.Errorf("Failed to share %s: %v", path, err)
		}
	}

	if cfg.MetricsInterval > 0 {
		go metrics.LogPeriodic(ctx, cfg.MetricsInterval)
	}
	if cfg.API != "" {
		srv := api.New(node, metrics.Registry)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.API); err != nil {
				logger.Sugar.Errorf("[API] %v", err)
			}
		}()
	}

	info := node.Info()
	logger.Sugar.Infof("Node %s (%s) ready on %s", info.Name, info.ID, info.Addr)

	if nodeInteractive {
		newShell(ctx, node, os.Stdout).Run()
		stop()
	} else {
		<-ctx.Done()
	}

	fmt.Fprintln(os.Stderr, "Stopping node...")
	return node.Stop()
}

func init() {
	rootCmd.AddCommand(nodeCmd)

	f := nodeCmd.Flags()
	f.StringVar(&configFile, "config", "", "Path to a config file (yaml, json or toml)")
	f.BoolVarP(&nodeInteractive, "interactive", "i", false, "Start the interactive shell")
	f.BoolVar(&noDiscovery, "no-discovery", false, "Do not announce or listen on the LAN")

	f.StringP("name", "n", "", "Display name announced to peers (default: hostname)")
	f.IntP("tcp-port", "p", 6001, "Transfer server port")
	f.String("listen", "", "Transfer server address, overrides --tcp-port")
	f.String("download-dir", "downloads", "Directory downloads are saved to")
	f.Int64("piece-size", 256*1024, "Piece size used when sharing files")
	f.Bool("seed", true, "Serve completed downloads to other peers")
	f.StringSliceP("share", "s", nil, "File to share at startup (repeatable)")
	f.String("api", "", "Serve the HTTP API on this address, e.g. 127.0.0.1:8080")
	f.Int("discovery-port", discovery.DefaultPort, "UDP discovery port")
	f.String("broadcast", discovery.DefaultBroadcastAddr, "Broadcast address for announces")
	f.String("multicast", "", "Announce to this multicast group instead of broadcasting")
	f.Bool("mdns", false, "Also advertise and browse over mDNS")
	f.Int("workers", swarm.DefaultWorkers, "Concurrent piece requests per download")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-file", "", "Append logs to this file instead of stderr")
}
