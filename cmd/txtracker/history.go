package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tranvictor/txtracker"
)

var historyLimit int64

var historyCmd = &cobra.Command{
	Use:   "history --address <wallet>",
	Short: "List confirmed transfers recorded for a wallet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wc, err := walletContext()
		if err != nil {
			return err
		}
		d, err := buildDeps()
		if err != nil {
			return err
		}
		defer d.Close()
		if d.store == nil {
			return errors.New("history needs redis.url to be configured")
		}

		txs, err := d.store.History(cmd.Context(), wc, historyLimit)
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			fmt.Println("No confirmed transfers")
			return nil
		}
		for _, tx := range txs {
			line := fmt.Sprintf("%s  %s %s to %s in %s",
				tx.ConfirmedAt.Local().Format("2006-01-02 15:04:05"),
				tx.Amount, tx.TokenSymbol,
				txtracker.TruncateAddress(tx.Recipient, 4),
				txtracker.FormatSeconds(float64(tx.CompletionTimeSeconds)),
			)
			if tx.WasReplaced {
				line += " (replaced)"
			}
			fmt.Println(line + "  " + tx.Hash.Hex())
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int64Var(&historyLimit, "limit", 20, "number of transfers to show, 0 for all")
}
