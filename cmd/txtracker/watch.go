package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/tranvictor/txtracker"
)

var (
	watchAmount string
	watchSymbol string
	watchTo     string
)

var watchCmd = &cobra.Command{
	Use:   "watch <tx-hash>",
	Short: "Follow an already broadcast transfer until it is confirmed",
	Long: `Watch a transaction hash: classify its fee tier, follow speed-up or cancel
replacements of its nonce and wait for the configured confirmations.

Examples:
  txtracker watch 0xabc... --chain 8453
  txtracker watch 0xabc... --chain 1 --amount 0.5 --symbol ETH --to 0xdef...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args[0]) != 66 {
			return fmt.Errorf("invalid transaction hash %q", args[0])
		}
		hash := common.HexToHash(args[0])

		wc, err := walletContext()
		if err != nil {
			return err
		}
		d, err := buildDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tracker := txtracker.NewTracker(d.clients, wc, d.trackerOptions()...)
		defer tracker.Close()

		display := txtracker.TransferDisplay{
			Amount:        watchAmount,
			Recipient:     watchTo,
			TokenSymbol:   watchSymbol,
			IsNativeToken: watchSymbol == "" || watchSymbol == "ETH" || watchSymbol == "xDAI",
		}
		if err := tracker.Track(ctx, hash, display); err != nil {
			return err
		}
		return follow(ctx, tracker)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAmount, "amount", "", "transfer amount, for display")
	watchCmd.Flags().StringVar(&watchSymbol, "symbol", "", "token symbol, for display")
	watchCmd.Flags().StringVar(&watchTo, "to", "", "recipient, for display")
}
