package main

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/escrow-endpoint/client"
	"github.com/spf13/cobra"
)

var (
	endpointUrl string
	keyHex      string
	inWei       bool
	validity    time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "escrowctl",
	Short: "Talk to an escrow endpoint",
	Long: `escrowctl sends signed requests to an escrow endpoint.

State-changing commands are signed with the key given by --key or the
ESCROW_KEY env var. Amounts are in ether unless --wei is set.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&endpointUrl, "url", "u", getEnvAsStrOrDefault("ESCROW_URL", "http://127.0.0.1:9000"), "escrow endpoint URL")
	rootCmd.PersistentFlags().StringVarP(&keyHex, "key", "k", os.Getenv("ESCROW_KEY"), "hex private key used to sign requests")
	rootCmd.PersistentFlags().BoolVarP(&inWei, "wei", "w", false, "amounts are given and shown in wei")
	rootCmd.PersistentFlags().DurationVar(&validity, "validity", client.DefaultCallValidity, "how long a signed request stays valid")

	rootCmd.AddCommand(depositCmd, whitelistCmd, revokeCmd, blacklistCmd, withdrawCmd)
	rootCmd.AddCommand(allowanceCmd, recordCmd, balanceCmd, managerCmd, accountsCmd, eventsCmd)
}

func newClient(needKey bool) (*client.Client, error) {
	var key *ecdsa.PrivateKey
	if keyHex != "" {
		var err error
		key, err = crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid key: %w", err)
		}
	} else if needKey {
		return nil, fmt.Errorf("a signing key is required, use --key or ESCROW_KEY")
	}
	c := client.New(endpointUrl, key)
	c.SetCallValidity(validity)
	return c, nil
}

func getEnvAsStrOrDefault(key string, defaultValue string) string {
	ret := os.Getenv(key)
	if ret == "" {
		ret = defaultValue
	}
	return ret
}
