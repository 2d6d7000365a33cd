package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tranvictor/txtracker"
	"github.com/tranvictor/txtracker/events/kafka"
	"github.com/tranvictor/txtracker/feeoracle"
	"github.com/tranvictor/txtracker/internal/config"
	redisstore "github.com/tranvictor/txtracker/persistence/redis"
)

var (
	cfgFile string
	cfg     *config.Config
	chainID uint64
	address string
)

var rootCmd = &cobra.Command{
	Use:   "txtracker",
	Short: "Track EVM transfers from submission to confirmation",
	Long: `txtracker follows a native or ERC-20 transfer through signing, pending and
confirmation. While pending it classifies the fee tier against live gas
suggestions, detects speed-up and cancel replacements, and waits for the
configured confirmation depth.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./txtracker.yaml or ~/.txtracker/txtracker.yaml)")
	rootCmd.PersistentFlags().Uint64Var(&chainID, "chain", 1, "chain ID ("+supportedChainsHelp()+", or any chain jarvis knows)")
	rootCmd.PersistentFlags().StringVar(&address, "address", "", "wallet address the transfer belongs to")

	rootCmd.AddCommand(watchCmd, submitCmd, checkGasCmd, serveCmd, historyCmd)
}

func supportedChainsHelp() string {
	names := make([]string, 0, 5)
	for _, c := range txtracker.SupportedChains() {
		names = append(names, fmt.Sprintf("%d %s", c.ID, c.Name))
	}
	return strings.Join(names, ", ")
}

// deps bundles the collaborators built from config.
type deps struct {
	clients *txtracker.ClientRegistry
	oracle  *feeoracle.Poller
	store   *redisstore.StateStore
	sink    *kafka.Publisher
	metrics *txtracker.Metrics
	reg     *prometheus.Registry

	closers []func() error
}

func buildDeps() (*deps, error) {
	urls, err := cfg.RPCURLs()
	if err != nil {
		return nil, err
	}
	d := &deps{
		clients: txtracker.NewClientRegistry(urls),
		reg:     prometheus.NewRegistry(),
	}
	d.metrics = txtracker.NewMetrics(d.reg)

	source := feeoracle.NewClient(cfg.Oracle.APIKey, feeoracle.WithBaseURL(cfg.Oracle.BaseURL))
	d.oracle = feeoracle.NewPoller(source, cfg.Oracle.PollInterval, cfg.ChainIDs()...)

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		d.closers = append(d.closers, client.Close)
		d.store = redisstore.NewStateStore(client, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		d.sink = kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		d.closers = append(d.closers, d.sink.Close)
	}
	return d, nil
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

func (d *deps) trackerOptions() []txtracker.TrackerOption {
	opts := []txtracker.TrackerOption{
		txtracker.WithFeeOracle(d.oracle),
		txtracker.WithMetrics(d.metrics),
		txtracker.WithBlockPollInterval(cfg.Tracker.BlockPollInterval),
		txtracker.WithReceiptPollInterval(cfg.Tracker.ReceiptPollInterval),
		txtracker.WithConfirmations(cfg.Tracker.Confirmations),
		txtracker.WithClearAfter(cfg.Tracker.ClearAfter),
	}
	if d.store != nil {
		opts = append(opts, txtracker.WithStateStore(d.store))
	}
	if d.sink != nil {
		opts = append(opts, txtracker.WithEventSink(d.sink))
	}
	return opts
}

func walletContext() (txtracker.WalletContext, error) {
	wc := txtracker.WalletContext{ChainID: chainID}
	if address != "" {
		if !common.IsHexAddress(address) {
			return wc, fmt.Errorf("invalid address %q", address)
		}
		wc.Address = common.HexToAddress(address)
	}
	return wc, nil
}

// follow prints state changes and notices until the transfer leaves pending.
func follow(ctx context.Context, tracker *txtracker.Tracker) error {
	states, unsubscribe := tracker.Subscribe(16)
	defer unsubscribe()
	notices := tracker.Notices()

	chain := fmt.Sprintf("chain %d", chainID)
	if info, err := txtracker.LookupChain(chainID, nil); err == nil {
		chain = info.Name
	}
	fmt.Printf("Tracking on %s, waiting for %d confirmations\n", chain, cfg.Tracker.Confirmations)

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notices:
			if !ok {
				return nil
			}
			fmt.Printf("[%s] %s: %s\n", n.Level, n.Title, n.Description)
			if n.Level == txtracker.NoticeError {
				return fmt.Errorf("%s", n.Title)
			}
		case s := <-states:
			printState(s, start)
			if s.Phase == txtracker.PhaseConfirmed {
				return nil
			}
		}
	}
}

func printState(s txtracker.State, start time.Time) {
	if s.Tx == nil {
		fmt.Printf("%-9s\n", s.Phase)
		return
	}
	tx := s.Tx
	line := fmt.Sprintf("%-9s %s", s.Phase, txtracker.TruncateHash(tx.Hash.Hex()))
	if tx.WasReplaced {
		line += " (replaced)"
	}
	if est := tx.Estimate; est != nil {
		line += fmt.Sprintf(" tier=%s wait<=%s", est.Tier, txtracker.FormatSeconds(float64(est.EstimatedWaitTimeMs)/1000))
	}
	if s.Phase == txtracker.PhaseConfirmed {
		line += fmt.Sprintf(" block=%s took=%s", tx.BlockNumber, txtracker.FormatSeconds(float64(tx.CompletionTimeSeconds)))
	} else {
		line += " elapsed=" + txtracker.FormatSeconds(time.Since(start).Seconds())
	}
	fmt.Println(line)
}
