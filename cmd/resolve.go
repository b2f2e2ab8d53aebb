package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-relay/core/chainio/aa"
	"github.com/AvaProtocol/ap-relay/core/config"
)

var (
	resolveOwner       string
	resolveBookkeeping string

	resolveCmd = &cobra.Command{
		Use:   "resolve",
		Short: "Find the smart account controlled by an owner",
		Long: `Derive the smart account of --owner from the configured factory schemes.

With --bookkeeping, search for the factory scheme and salt that produce that address.
Nothing is ever sent on chain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(resolveOwner) {
				return fmt.Errorf("invalid --owner %q", resolveOwner)
			}
			var bookkeeping *common.Address
			if resolveBookkeeping != "" {
				if !common.IsHexAddress(resolveBookkeeping) {
					return fmt.Errorf("invalid --bookkeeping %q", resolveBookkeeping)
				}
				addr := common.HexToAddress(resolveBookkeeping)
				bookkeeping = &addr
			}

			c, err := config.NewConfig(configPath)
			if err != nil {
				return err
			}

			client, err := ethclient.Dial(c.EthRpcUrl)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := context.Background()
			cache, err := bigcache.New(ctx, bigcache.DefaultConfig(10*time.Minute))
			if err != nil {
				return err
			}
			defer cache.Close()

			resolver := aa.NewResolver(client, c.Resolver, cache, c.Logger)
			candidate, err := resolver.Resolve(ctx, common.HexToAddress(resolveOwner), bookkeeping)
			if candidate != nil {
				pp.Fprintln(cmd.OutOrStdout(), candidate)
			}
			return err
		},
	}
)

func init() {
	resolveCmd.Flags().StringVar(&resolveOwner, "owner", "", "owner EOA address")
	resolveCmd.Flags().StringVar(&resolveBookkeeping, "bookkeeping", "", "smart account address recorded for the owner")
	_ = resolveCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(resolveCmd)
}
