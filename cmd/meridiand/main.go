package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/meridiandb/meridian/pkg/bgworker"
	"github.com/meridiandb/meridian/pkg/config"
	"github.com/meridiandb/meridian/pkg/coordinator"
	"github.com/meridiandb/meridian/pkg/idgen"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
	"github.com/meridiandb/meridian/pkg/replication"
	"github.com/meridiandb/meridian/pkg/store"
	"github.com/meridiandb/meridian/pkg/transfer"
	"github.com/meridiandb/meridian/pkg/transport"
	"github.com/meridiandb/meridian/pkg/wire"
	"github.com/spf13/cobra"
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
	Use:     "meridiand",
	Short:   "meridiand runs one node of a meridian storage cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("meridiand version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node, loading cluster placement from a YAML config file",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("config", "meridian.yaml", "Path to the cluster placement file")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
	startCmd.Flags().Duration("retransmit-interval", 2*time.Second, "Retransmitter sweep interval")
	startCmd.Flags().Duration("checkpoint-interval", 30*time.Second, "Checkpoint GC sweep interval")
	startCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics listener")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	retransmitInterval, _ := cmd.Flags().GetDuration("retransmit-interval")
	checkpointInterval, _ := cmd.Flags().GetDuration("checkpoint-interval")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

	file, err := config.Load(configPath)
	if err != nil {
		return err
	}
	self := ids.ServerID(file.ServerID)

	st, err := store.Open(file.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.SaveInstanceState(self, file.BindAddr, ""); err != nil {
		log.Logger.Warn().Err(err).Msg("meridiand: failed to persist instance state")
	}

	addrs := file.Addresses()
	bus, err := transport.NewGRPCBus(self, file.BindAddr, addrs.AddrOf, addrs.OwnerOf)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer bus.Close()

	gen := idgen.New()
	notify := &transferWorkers{workers: make(map[ids.TransferID]*bgworker.Worker)}
	xferMgr := transfer.NewManager(st, bus, nil) // notify wired to coord below once it exists

	indexer := store.NewIndexer(st)
	wiper := store.NewWiper(st)
	checkpointer := store.NewCheckpointer(st, checkpointInterval)

	indexerWorker := bgworker.New(indexer, nil)
	wiperWorker := bgworker.New(wiper, nil)
	checkpointerWorker := bgworker.New(checkpointer, nil)

	coord := coordinator.New(self, nil, xferMgr, indexerWorker, wiperWorker, checkpointerWorker)
	// xferMgr.notify and repl.topology/schemas both resolve to coord,
	// but coord itself needs repl/xfer at construction; replication.Manager
	// is built next and wired back onto coord's Replicator slot below.
	replMgr := replication.NewManager(st, gen, bus, coord, coord)
	coord.SetReplicator(replMgr)
	xferMgr.SetNotifier(coord)
	replMgr.SetStableReporter(coord)

	retransmitter := replication.NewRetransmitter(replMgr, retransmitInterval)
	retransmitterWorker := bgworker.New(retransmitter, nil)
	coord.AddWorker(retransmitterWorker)

	indexerWorker.Start()
	wiperWorker.Start()
	checkpointerWorker.Start()
	retransmitterWorker.Start()

	cfg, err := file.Configuration()
	if err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}
	empty := &coordinator.Configuration{Regions: map[ids.RegionID]coordinator.RegionConfig{}, Owner: map[ids.VirtualServerID]ids.ServerID{}}
	if err := coord.Reconfigure(empty, cfg, self); err != nil {
		return fmt.Errorf("apply initial configuration: %w", err)
	}

	for _, vsid := range coord.LocalVirtualServers() {
		bus.RegisterLocal(vsid)
		log.WithVirtualServer(uint64(vsid)).Info().Msg("meridiand: hosting virtual server")
	}

	go runMetricsServer(metricsAddr, pprofEnabled)
	go runRetransmitTicker(retransmitter, retransmitterWorker, retransmitInterval)
	go runCheckpointTicker(checkpointer, checkpointerWorker, checkpointInterval)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatchLoop(ctx, bus, coord, replMgr, xferMgr, notify)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("meridiand: shutting down")

	cancel()
	indexerWorker.Shutdown()
	wiperWorker.Shutdown()
	checkpointerWorker.Shutdown()
	retransmitterWorker.Shutdown()
	wg.Wait()

	return nil
}

func runMetricsServer(addr string, pprofEnabled bool) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if pprofEnabled {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}
	log.Logger.Info().Str("addr", addr).Msg("meridiand: metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Error().Err(err).Msg("meridiand: metrics server stopped")
	}
}

func runRetransmitTicker(r *replication.Retransmitter, w *bgworker.Worker, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		r.Kick()
		w.Wakeup()
	}
}

func runCheckpointTicker(c *store.Checkpointer, w *bgworker.Worker, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		c.Tick()
		w.Wakeup()
	}
}

// transferWorkers tracks the bgworker.Worker driving each in-flight
// outgoing transfer's windowed ship loop, since OutgoingTransfer
// objects are created dynamically by transfer.Manager.HandleHA rather
// than known upfront like the node's other background workers.
type transferWorkers struct {
	mu      sync.Mutex
	workers map[ids.TransferID]*bgworker.Worker
}

func (tw *transferWorkers) start(id ids.TransferID, w *bgworker.Worker) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.workers[id] = w
	w.Start()
}

func (tw *transferWorkers) wake(id ids.TransferID) {
	tw.mu.Lock()
	w := tw.workers[id]
	tw.mu.Unlock()
	if w != nil {
		w.Wakeup()
	}
}

// dispatchLoop is the node's single inbound message pump: it decodes
// every wire.Message this node's virtual servers receive and routes it
// to the matching replication or transfer handler, resolving the
// target region from the destination virtual server via the
// coordinator's placement cache (spec.md §6's wire messages don't
// repeat a region that out-of-band context already supplies).
func dispatchLoop(ctx context.Context, bus *transport.GRPCBus, coord *coordinator.Node, repl *replication.Manager, xfer *transfer.Manager, tw *transferWorkers) {
	for {
		from, dest, msg, err := bus.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Logger.Warn().Err(err).Msg("meridiand: bus recv error")
			continue
		}
		region, ok := coord.RegionForVirtualServer(dest)
		if !ok && msg.Type != wire.TypeXferOp && msg.Type != wire.TypeXferAck && msg.Type != wire.TypeXferHSA && msg.Type != wire.TypeXferHA && msg.Type != wire.TypeXferHW {
			log.Logger.Warn().Uint64("dest", uint64(dest)).Msg("meridiand: message addressed to unhosted virtual server")
			continue
		}
		if err := handleMessage(region, from, msg, repl, xfer, tw); err != nil {
			log.Logger.Warn().Err(err).Str("msg_type", fmt.Sprintf("%d", msg.Type)).Msg("meridiand: dropped inbound message")
		}
	}
}

func handleMessage(region ids.RegionID, from ids.VirtualServerID, msg wire.Message, repl *replication.Manager, xfer *transfer.Manager, tw *transferWorkers) error {
	switch msg.Type {
	case wire.TypeChainOp:
		co, err := wire.DecodeChainOp(msg.Raw)
		if err != nil {
			return err
		}
		return repl.HandleChainOp(region, from, co)
	case wire.TypeChainSubspace:
		cs, err := wire.DecodeChainSubspace(msg.Raw)
		if err != nil {
			return err
		}
		return repl.HandleChainSubspace(region, from, cs)
	case wire.TypeChainAck:
		ack, err := wire.DecodeChainAck(msg.Raw)
		if err != nil {
			return err
		}
		repl.HandleChainAck(region, ack)
		return nil
	case wire.TypeXferHS:
		hs, err := wire.DecodeXferHS(msg.Raw)
		if err != nil {
			return err
		}
		return xfer.HandleHS(from, region, hs)
	case wire.TypeXferHSA:
		hsa, err := wire.DecodeXferHSA(msg.Raw)
		if err != nil {
			return err
		}
		return xfer.HandleHSA(hsa)
	case wire.TypeXferHA:
		ha, err := wire.DecodeXferHA(msg.Raw)
		if err != nil {
			return err
		}
		out, err := xfer.HandleHA(ha)
		if err != nil {
			return err
		}
		w := bgworker.New(out, nil)
		tw.start(ha.TransferID, w)
		return nil
	case wire.TypeXferHW:
		hw, err := wire.DecodeXferHW(msg.Raw)
		if err != nil {
			return err
		}
		in, ok := xfer.Incoming(hw.TransferID)
		if !ok {
			return fmt.Errorf("xfer hw for unknown transfer %d", hw.TransferID)
		}
		in.HandleHW()
		return nil
	case wire.TypeXferOp:
		op, err := wire.DecodeXferOp(msg.Raw)
		if err != nil {
			return err
		}
		in, ok := xfer.Incoming(op.TransferID)
		if !ok {
			return fmt.Errorf("xfer op for unknown transfer %d", op.TransferID)
		}
		return in.HandleOp(op)
	case wire.TypeXferAck:
		ack, err := wire.DecodeXferAck(msg.Raw)
		if err != nil {
			return err
		}
		out, ok := xfer.Outgoing(ack.TransferID)
		if !ok {
			return fmt.Errorf("xfer ack for unknown transfer %d", ack.TransferID)
		}
		out.HandleAck(ack)
		tw.wake(ack.TransferID)
		return nil
	default:
		return fmt.Errorf("unknown message type %d", msg.Type)
	}
}
