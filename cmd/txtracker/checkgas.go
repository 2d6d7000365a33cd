package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/tranvictor/txtracker"
	"github.com/tranvictor/txtracker/tokenmeta"
)

var (
	checkToken  string
	checkAmount string
	checkTo     string
	checkStdin  bool
)

var checkGasCmd = &cobra.Command{
	Use:   "check-gas --address <signer> --amount <amount> [--token <erc20>] [--to <recipient>]",
	Short: "Check whether a wallet can pay the gas of a transfer",
	Long: `Simulate a transfer and compare the native balance with the gas reserve it
needs: the estimated gas cost plus a volatility buffer of a third of it,
at least 0.0001 native. For native transfers the amount itself is taken
out of the balance first.

With --stdin, amounts are read one per line and checked after the
tracker.debounce delay; only the last amount of a burst is simulated.
An empty line clears the amount.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wc, err := walletContext()
		if err != nil {
			return err
		}
		if wc.Address == (common.Address{}) {
			return fmt.Errorf("--address is required")
		}
		if checkAmount == "" && !checkStdin {
			return fmt.Errorf("--amount or --stdin is required")
		}
		info, err := txtracker.LookupChain(chainID, nil)
		if err != nil {
			return err
		}
		d, err := buildDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		ctx := cmd.Context()
		client, err := d.clients.Client(ctx, chainID)
		if err != nil {
			return err
		}
		reader := tokenmeta.NewReader(client)

		token := tokenmeta.NativeToken(chainID)
		if checkToken != "" {
			if !common.IsHexAddress(checkToken) {
				return fmt.Errorf("invalid token address %q", checkToken)
			}
			if token, err = reader.Lookup(ctx, common.HexToAddress(checkToken)); err != nil {
				return err
			}
		}
		native := tokenmeta.NativeToken(chainID)
		balance, err := reader.Balance(ctx, native, wc.Address)
		if err != nil {
			return err
		}

		in := txtracker.GuardInput{
			Token:         token,
			Signer:        wc.Address,
			NativeBalance: balance,
		}
		if checkTo != "" {
			in.Recipient = common.HexToAddress(checkTo)
		}
		if quote, err := d.oracle.Quote(ctx, chainID); err == nil {
			in.Quote = quote
		}

		network := info.Name
		if txtracker.IsTestnetChain(chainID) {
			network += " (testnet)"
		}
		fmt.Printf("Network:      %s\n", network)
		fmt.Printf("Balance:      %s %s\n", txtracker.FormatBalance(balance, native.Decimals, 6), native.Symbol)

		if checkStdin {
			return checkAmounts(ctx, os.Stdin, client, d.metrics, cfg.Tracker.Debounce, in, native, balance)
		}

		amount, err := txtracker.ParseUnits(checkAmount, token.Decimals)
		if err != nil {
			return err
		}
		in.AmountWei = amount
		guard := txtracker.NewGasSufficiencyGuard(client, txtracker.WithGuardMetrics(d.metrics))
		res := guard.Check(ctx, in)
		printGuardResult(res, in.Token.IsNative, native, balance)
		return gasVerdict(res, native)
	},
}

// checkAmounts schedules a debounced check per input line and returns the
// verdict for the last line.
func checkAmounts(ctx context.Context, input io.Reader, client txtracker.GasEstimator, metrics *txtracker.Metrics,
	debounce time.Duration, in txtracker.GuardInput, native txtracker.TokenRef, balance *big.Int) error {
	var (
		mu     sync.Mutex
		latest txtracker.GuardResult
	)
	delivered := make(chan struct{}, 1)
	guard := txtracker.NewGasSufficiencyGuard(client,
		txtracker.WithGuardMetrics(metrics),
		txtracker.WithDebounce(debounce),
		txtracker.WithGuardResultHandler(func(r txtracker.GuardResult) {
			printGuardResult(r, in.Token.IsNative, native, balance)
			mu.Lock()
			latest = r
			mu.Unlock()
			select {
			case delivered <- struct{}{}:
			default:
			}
		}),
	)
	defer guard.Cancel()

	var last uint64
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		amount := new(big.Int)
		if text != "" {
			parsed, err := txtracker.ParseUnits(text, in.Token.Decimals)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skipping %q: %v\n", text, err)
				continue
			}
			amount = parsed
		}
		in.AmountWei = amount
		last = guard.Schedule(ctx, in)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if last == 0 {
		return nil
	}

	for {
		mu.Lock()
		res := latest
		mu.Unlock()
		if res.RequestID == last {
			return gasVerdict(res, native)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-delivered:
		}
	}
}

func printGuardResult(res txtracker.GuardResult, isNative bool, native txtracker.TokenRef, balance *big.Int) {
	fmt.Printf("Gas reserve:  %s %s (%d units)\n", txtracker.FormatBalance(res.RequiredGasWei, native.Decimals, 6), native.Symbol, res.GasUnits)
	if isNative {
		sendable := txtracker.ComputeMaxNativeInput(balance, res.RequiredGasWei)
		fmt.Printf("Max sendable: %s %s\n", txtracker.FormatBalance(sendable, native.Decimals, 6), native.Symbol)
	}
	if res.Memoized {
		fmt.Println("Insufficient (a smaller amount already failed)")
	}
}

func gasVerdict(res txtracker.GuardResult, native txtracker.TokenRef) error {
	if !res.Sufficient {
		return fmt.Errorf("insufficient %s for gas", native.Symbol)
	}
	fmt.Println("Sufficient")
	return nil
}

func init() {
	checkGasCmd.Flags().StringVar(&checkToken, "token", "", "ERC-20 token address (default: native)")
	checkGasCmd.Flags().StringVar(&checkAmount, "amount", "", "amount in token units, e.g. 1.5")
	checkGasCmd.Flags().StringVar(&checkTo, "to", "", "recipient (default: the signer)")
	checkGasCmd.Flags().BoolVar(&checkStdin, "stdin", false, "read amounts from stdin, one per line")
}
