package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gardenledger/garden/config"
	"github.com/gardenledger/garden/consensus"
	"github.com/gardenledger/garden/events"
	"github.com/gardenledger/garden/exception"
	"github.com/gardenledger/garden/ledger"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/monitoring"
	"github.com/gardenledger/garden/p2p"
	"github.com/gardenledger/garden/store"
	"github.com/gardenledger/garden/syncer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	nodeConfigPath string
	tuningPath     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a garden node",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runNode(); err != nil {
			logx.Error("NODE", "Node stopped with error:", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&nodeConfigPath, "config", "c", "config/node.yml", "Path to the node configuration")
	runCmd.Flags().StringVar(&tuningPath, "tuning", "", "Path to config.ini with sync, consensus and ledger tuning")
}

func runNode() error {
	cfg, err := config.LoadGardenConfig(nodeConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	tuning, err := config.LoadTuningConfig(tuningPath)
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}
	signer, err := cfg.LoadSigner()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.SelfNode.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	monitoring.InitMetrics()

	bus := events.NewEventBus()
	bs, err := store.Open(&cfg.Store, store.WithRecoveryHandler(func(ev store.RecoveryEvent) {
		bus.Publish(events.NewStoreRecovered(ev.Chain, ev.From, ev.To, ev.Unavailable))
	}))
	if err != nil {
		// a store that cannot be recovered must not be served to peers
		return fmt.Errorf("open store: %w", err)
	}
	defer bs.Close()

	engine := consensus.NewEngine(bs, tuning.Consensus.FinalityDepth)
	l, err := ledger.New(ledger.Options{
		Chain:              cfg.SelfNode.Chain,
		Signer:             signer,
		Store:              bs,
		Engine:             engine,
		Bus:                bus,
		AuthorInterval:     tuning.Ledger.AuthorInterval(),
		MaxActionsPerBlock: tuning.Ledger.MaxActionsPerBlock,
	})
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	sy := syncer.New(l, tuning.Sync)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	netw, err := p2p.NewNetwork(ctx, p2p.Config{
		PrivKey:        signer.PrivateKey(),
		ListenAddr:     cfg.SelfNode.ListenAddr,
		BootstrapPeers: cfg.SelfNode.BootstrapPeers,
		Chain:          cfg.SelfNode.Chain,
		Discovery:      cfg.Discovery,
		DHTDataDir:     filepath.Join(cfg.SelfNode.DataDir, "dht"),
	}, sy)
	if err != nil {
		return fmt.Errorf("init network: %w", err)
	}
	defer netw.Close()

	head, index := l.Head()
	logx.Info("NODE", "Garden", cfg.SelfNode.Chain, "peer", l.PeerID().Short(), "head", head.String(), "index", index)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var runErr error
		if exception.Run("LedgerRun", func() { runErr = l.Run(gctx) }) {
			return errors.New("ledger authoring loop panicked")
		}
		return runErr
	})
	g.Go(func() error { return sy.Run(gctx) })
	g.Go(func() error {
		logEvents(gctx, bus)
		return nil
	})
	if addr := cfg.SelfNode.MetricsAddr; addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ledger.ErrLedgerStopped) {
		err = nil
	}
	logx.Info("NODE", "Shut down")
	return err
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	monitoring.RegisterMetrics(mux)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logx.Info("MONITORING", "Serving metrics on", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func logEvents(ctx context.Context, bus *events.EventBus) {
	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			switch e := ev.(type) {
			case *events.HeadChanged:
				if e.Reorg {
					logx.Warn("LEDGER", "Reorg of", e.Chain(), "from", e.Previous.String(), "to", e.Head.String())
				}
			case *events.BlockRejected:
				logx.Warn("LEDGER", "Rejected block", e.Hash.String(), "from", e.Source, ":", e.Err)
			case *events.StoreRecovered:
				logx.Warn("STORE", "Recovered", e.Chain(), "from", e.From.String(), "to", e.To.String(), "unavailable:", e.Unavailable)
			case *events.UnrelatedChain:
				logx.Warn("LEDGER", "Peer", e.Peer, "follows an unrelated garden with head", e.RemoteHead.String())
			}
		}
	}
}
