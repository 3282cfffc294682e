// Command formationd runs one Formation node: datastore, DNS, relay,
// agent gateway, and cluster scaling controller, all as cooperative
// goroutines in a single process (spec §5's process model).
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/formation/pkg/agent"
	"github.com/cuemby/formation/pkg/auth"
	"github.com/cuemby/formation/pkg/cluster"
	"github.com/cuemby/formation/pkg/config"
	"github.com/cuemby/formation/pkg/datastore"
	"github.com/cuemby/formation/pkg/dns"
	"github.com/cuemby/formation/pkg/gpu"
	"github.com/cuemby/formation/pkg/imagebuilder"
	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/membership"
	"github.com/cuemby/formation/pkg/metrics"
	"github.com/cuemby/formation/pkg/provision"
	"github.com/cuemby/formation/pkg/relay"
	"github.com/cuemby/formation/pkg/security"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
	"github.com/cuemby/formation/pkg/vmm"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "formationd",
	Short:   "Formation node daemon",
	Version: Version,
}

var configPath string
var metricsAddr string

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to node config file (defaults to built-in standalone settings)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address the Prometheus metrics and health endpoints listen on")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(buildCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node daemon (datastore, DNS, relay, agent gateway, cluster controller)",
	RunE:  runNode,
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	ca := security.NewCertAuthority(store)
	if ca.IsInitialized() {
		if err := ca.LoadFromStore(); err != nil {
			return fmt.Errorf("loading CA from store: %w", err)
		}
	} else {
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initializing CA: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return fmt.Errorf("saving CA to store: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 8)

	// Datastore (C3)
	gossip := datastore.NewGossiper(cfg.Bootstrap)
	dsServer := datastore.NewServer(store, gossip)
	go func() {
		if err := dsServer.Start(ctx, cfg.DatastoreAddr); err != nil {
			errCh <- fmt.Errorf("datastore server: %w", err)
		}
	}()

	// DNS (C4)
	dnsServer := dns.NewServer(store, &dns.Config{})
	go func() {
		if err := dnsServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("dns server: %w", err)
		}
	}()

	// Relay (C1)
	sessionTable := relay.NewSessionTable()
	relayServer := relay.NewServer(sessionTable, selfRelayRecord(cfg))
	go func() {
		if err := relayServer.Start(ctx, cfg.RelayAddr); err != nil {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	// Agent gateway (C9), authenticated via JWT when a JWKS URL is configured (C10).
	var validator *auth.Validator
	if cfg.JWKSURL != "" {
		validator = auth.NewValidator(auth.NewJWKSCache(cfg.JWKSURL), cfg.JWTAudience, cfg.JWTIssuer)
	}
	gateway := agent.NewGateway(store)
	agentServer := agent.NewServer(gateway, validator)
	go func() {
		if err := agentServer.Start(ctx, cfg.AgentAddr); err != nil {
			errCh <- fmt.Errorf("agent gateway: %w", err)
		}
	}()

	// Cluster scaling controller + scheduler (C8), backed by the VMM
	// provisioner (C7), GPU manager (C6), and a formnet IP allocator.
	gpuMgr := gpu.NewDefaultManager()
	if err := gpuMgr.RefreshCache(); err != nil {
		log.Logger.Warn().Err(err).Msg("gpu scan failed; continuing with no GPUs available")
	}
	ipAlloc := provision.NewSequentialIPAllocator(store)
	runner := newExecRunner()
	hv := vmm.NewQEMUMonitorHypervisor(runner)
	provisioner := provision.NewVMProvisioner(provision.Config{
		Store:       store,
		Hypervisor:  hv,
		IPAllocator: ipAlloc,
		ImagesDir:   filepath.Join(cfg.DataDir, "images"),
		FormnetCIDR: types.InfraCIDRID,
	})

	// VMM service (C7): the same hypervisor/IP-allocator/GPU-manager the
	// cluster controller drives through pkg/provision, exposed directly
	// over HTTP for out-of-band instance create/start/pause/stop/delete.
	vmmMgr := vmm.NewManager(vmm.ManagerConfig{
		Store:       store,
		Hypervisor:  hv,
		IPAllocator: ipAlloc,
		GPU:         gpuMgr,
		ImagesDir:   filepath.Join(cfg.DataDir, "images"),
		FormnetCIDR: types.InfraCIDRID,
	})
	vmmServer := vmm.NewServer(vmmMgr)
	go func() {
		if err := vmmServer.Start(ctx, cfg.VMMAddr); err != nil {
			errCh <- fmt.Errorf("vmm service: %w", err)
		}
	}()

	ctrl := cluster.NewController(cluster.Config{
		Store:        store,
		Provisioner:  provisioner,
		IPAllocator:  ipAlloc,
		GPUAllocator: gpuMgr,
		FormnetCIDR:  types.InfraCIDRID,
		MemberResources: types.ResourceFootprint{
			VCPU:     2,
			MemoryMB: 2048,
			DiskGB:   20,
		},
	})
	sched := cluster.NewScheduler(ctrl, store.ListClusters, clusterUtilization, 0)
	sched.Start(ctx)

	// WireGuard peer-list sync (formnet), best-effort: absent on hosts
	// with no WireGuard kernel module or userspace implementation.
	if wgDev, err := membership.NewDeviceConfigurator(); err != nil {
		log.Logger.Warn().Err(err).Msg("wireguard control socket unavailable; formnet peer sync disabled")
	} else {
		go syncFormnetPeers(ctx, wgDev, store, cfg.FormnetDevice, cfg.FormnetSyncInterval)
	}

	// Metrics + health (ambient stack)
	metrics.SetVersion(Version)
	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", metrics.HealthHandler())
	metricsMux.HandleFunc("/readyz", metrics.ReadyHandler())
	metricsMux.HandleFunc("/livez", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.Logger.Info().
		Str("node_id", cfg.NodeID).
		Str("datastore_addr", cfg.DatastoreAddr).
		Str("agent_addr", cfg.AgentAddr).
		Str("vmm_addr", cfg.VMMAddr).
		Str("relay_addr", cfg.RelayAddr).
		Str("metrics_addr", metricsAddr).
		Msg("formationd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("component failed; shutting down")
	}

	sched.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = dnsServer.Stop()

	log.Logger.Info().Msg("shutdown complete")
	return nil
}

// syncFormnetPeers periodically pushes the datastore's current peer
// table onto the local WireGuard device's peer list until ctx is
// cancelled, closing the control socket on exit.
func syncFormnetPeers(ctx context.Context, wgDev *membership.DeviceConfigurator, store storage.Store, device string, interval time.Duration) {
	defer wgDev.Close()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sync := func() {
		peers, err := store.ListPeers()
		if err != nil {
			log.Logger.Warn().Err(err).Msg("listing peers for formnet sync")
			return
		}
		if err := wgDev.SyncPeers(device, peers); err != nil {
			log.Logger.Warn().Err(err).Str("device", device).Msg("syncing formnet peer list")
		}
	}

	sync()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sync()
		}
	}
}

// selfRelayRecord builds the RelayNodeRecord this node advertises to
// discovery queries, keyed by a freshly generated identity (a real
// deployment would persist this alongside the node's formnet keypair).
func selfRelayRecord(cfg config.Config) types.RelayNodeRecord {
	var pub [32]byte
	_, _ = rand.Read(pub[:])
	return types.RelayNodeRecord{
		PubKey:          pub,
		Region:          cfg.Region,
		Capabilities:    types.RelayCapIPv4,
		MaxSessions:     1024,
		ProtocolVersion: 1,
		Reliability:     100,
	}
}

// clusterUtilization derives a cluster's scaling-trigger utilization
// from the fraction of members currently unhealthy: every unhealthy
// member is read as load the remaining healthy members must absorb.
// The spec leaves the utilization source unspecified (§9 Open
// Questions); this is the simplest signal available without a
// dedicated per-instance load exporter.
func clusterUtilization(ctx context.Context, cl *types.Cluster) (float64, error) {
	if len(cl.Members) == 0 {
		return 0, nil
	}
	unhealthy := 0
	for _, m := range cl.Members {
		if m.Status != types.MemberHealthy {
			unhealthy++
		}
	}
	return float64(unhealthy) / float64(len(cl.Members)), nil
}

var buildCmd = &cobra.Command{
	Use:   "build <formfile> <images-dir> <output-dir>",
	Short: "Build a VM disk image from a Formfile (C5)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading formfile: %w", err)
		}
		f, err := imagebuilder.Parse(data)
		if err != nil {
			return fmt.Errorf("parsing formfile: %w", err)
		}
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid formfile: %w", err)
		}

		builder := imagebuilder.NewBuilder(args[1], args[2], 4)
		result, err := builder.Build(f)
		if err != nil {
			return fmt.Errorf("building image: %w", err)
		}
		fmt.Printf("built image: %+v\n", result)
		return nil
	},
}
