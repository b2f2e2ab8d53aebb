package cmd

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-relay/core/chainio/aa"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/userop"
)

var (
	buildSender     string
	buildCalls      []string
	buildNonce      string
	buildChainID    int64
	buildEntryPoint string

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Compose calls into an unsigned user operation and print its hash",
		Long: `Compose one or more calls into execute/executeBatch callData, build the
unsigned user operation and print it along with its EntryPoint hash.

Each --call is to[:value[:data]], value in wei and data hex encoded. Works offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sender, err := userop.ParseAddress(buildSender)
			if err != nil {
				return err
			}
			calls, err := parseCalls(buildCalls)
			if err != nil {
				return err
			}
			callData, err := aa.Compose(calls)
			if err != nil {
				return err
			}

			nonce, ok := new(big.Int).SetString(buildNonce, 0)
			if !ok {
				return fmt.Errorf("invalid --nonce %q", buildNonce)
			}

			op, err := userop.Build(userop.BuildParams{
				Sender:   sender,
				Nonce:    nonce,
				CallData: callData,
			})
			if err != nil {
				return err
			}

			entryPoint := aa.EntrypointAddress
			if buildEntryPoint != "" {
				if entryPoint, err = userop.ParseAddress(buildEntryPoint); err != nil {
					return err
				}
			}
			hash, err := userop.Hash(op, entryPoint, big.NewInt(buildChainID))
			if err != nil {
				return err
			}

			body, err := json.MarshalIndent(op, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(body))
			fmt.Fprintf(out, "userOpHash: %s\n", hash.Hex())
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				pp.Fprintln(out, calls)
			}
			return nil
		},
	}
)

// parseCalls reads to[:value[:data]] entries
func parseCalls(raw []string) ([]aa.Call, error) {
	calls := make([]aa.Call, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if !common.IsHexAddress(parts[0]) {
			return nil, fmt.Errorf("invalid call target %q", parts[0])
		}
		call := aa.Call{Target: common.HexToAddress(parts[0]), Value: big.NewInt(0)}
		if len(parts) > 1 && parts[1] != "" {
			v, ok := new(big.Int).SetString(parts[1], 10)
			if !ok || v.Sign() < 0 {
				return nil, fmt.Errorf("invalid call value %q", parts[1])
			}
			call.Value = v
		}
		if len(parts) > 2 && parts[2] != "" {
			data, err := hexutil.Decode(parts[2])
			if err != nil {
				return nil, fmt.Errorf("invalid call data %q: %w", parts[2], err)
			}
			call.Data = data
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func init() {
	buildCmd.Flags().StringVar(&buildSender, "sender", "", "smart account address")
	buildCmd.Flags().StringArrayVar(&buildCalls, "call", nil, "call as to[:value[:data]], repeat for a batch")
	buildCmd.Flags().StringVar(&buildNonce, "nonce", "0", "full EntryPoint nonce, decimal or 0x hex")
	buildCmd.Flags().Int64Var(&buildChainID, "chain-id", 11155111, "chain id used in the operation hash")
	buildCmd.Flags().StringVar(&buildEntryPoint, "entrypoint", "", "EntryPoint address, v0.6 canonical when empty")
	buildCmd.Flags().BoolP("verbose", "v", false, "also print the decoded calls")
	_ = buildCmd.MarkFlagRequired("sender")
	_ = buildCmd.MarkFlagRequired("call")
	rootCmd.AddCommand(buildCmd)
}
