package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"

	"github.com/tranvictor/txtracker"
	"github.com/tranvictor/txtracker/tokenmeta"
)

var (
	submitRaw    string
	submitJarvis bool
)

var submitCmd = &cobra.Command{
	Use:   "submit --raw <signed-tx-hex>",
	Short: "Broadcast a signed transfer and track it",
	Long: `Broadcast an RLP encoded, already signed transaction and follow it to
confirmation. Native transfers and ERC-20 transfer(address,uint256) calls
are recognised for display; anything else is shown as a raw call.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := hexutil.Decode(strings.TrimSpace(submitRaw))
		if err != nil {
			return fmt.Errorf("invalid --raw: %w", err)
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("couldn't decode transaction: %w", err)
		}

		d, err := buildDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := d.clients.Client(ctx, chainID)
		if err != nil {
			return err
		}
		wc, err := walletContext()
		if err != nil {
			return err
		}
		if wc.Address == (common.Address{}) {
			if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
				wc.Address = from
			}
		}

		intent, err := intentFromTx(ctx, tokenmeta.NewReader(client), tx)
		if err != nil {
			return err
		}

		tracker := txtracker.NewTracker(d.clients, wc, d.trackerOptions()...)
		defer tracker.Close()
		if err := tracker.Restore(ctx); err != nil {
			return err
		}

		sender := txtracker.NewSignedTxSender(txtracker.ClientBroadcaster{Client: client, Ctx: ctx}, tx)
		if submitJarvis {
			if sender, err = txtracker.NewNetworkSender(tx, nil, nil); err != nil {
				return err
			}
		}

		hash, err := tracker.Submit(ctx, intent, sender)
		if err != nil {
			return err
		}
		fmt.Printf("Submitted %s\n", hash.Hex())
		return follow(ctx, tracker)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitRaw, "raw", "", "signed transaction, 0x-prefixed hex")
	submitCmd.Flags().BoolVar(&submitJarvis, "jarvis", false, "broadcast to every node jarvis knows for the chain instead of the configured RPC")
	_ = submitCmd.MarkFlagRequired("raw")
}

// intentFromTx recovers what a signed transaction transfers.
func intentFromTx(ctx context.Context, reader *tokenmeta.Reader, tx *types.Transaction) (txtracker.TransferIntent, error) {
	if tx.To() == nil {
		return txtracker.TransferIntent{}, errors.New("contract creation is not a transfer")
	}
	data := tx.Data()
	transfer := txtracker.ERC20ABI.Methods["transfer"]
	if len(data) < 4 || string(data[:4]) != string(transfer.ID) {
		return txtracker.TransferIntent{
			Token:     tokenmeta.NativeToken(chainID),
			AmountWei: tx.Value(),
			Recipient: *tx.To(),
		}, nil
	}

	args, err := transfer.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return txtracker.TransferIntent{}, fmt.Errorf("couldn't decode transfer calldata: %v", err)
	}
	recipient, _ := args[0].(common.Address)
	amount, _ := args[1].(*big.Int)

	token, err := reader.Lookup(ctx, *tx.To())
	if err != nil {
		return txtracker.TransferIntent{}, err
	}
	return txtracker.TransferIntent{Token: token, AmountWei: amount, Recipient: recipient}, nil
}
