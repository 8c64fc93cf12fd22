package main

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var depositCmd = &cobra.Command{
	Use:   "deposit TXHASH",
	Short: "Credit a transfer you sent to custody",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		txHash, err := parseTxHash(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		if err := c.Deposit(txHash); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "credited %s\n", txHash.Hex())
		return nil
	},
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist ACCOUNT ALLOWANCE",
	Short: "Grant an account a fresh allowance (manager only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		allowance, err := parseAmount(args[1], inWei)
		if err != nil {
			return err
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		if err := c.Whitelist(account, allowance); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "whitelisted %s with allowance %s\n", account.Hex(), formatAmount(allowance, inWei))
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke ACCOUNT",
	Short: "Revoke an account's whitelisting (manager only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		if err := c.Revoke(account); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", account.Hex())
		return nil
	},
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist ACCOUNT",
	Short: "Permanently ban an account (manager only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		if err := c.Blacklist(account); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "blacklisted %s\n", account.Hex())
		return nil
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw AMOUNT",
	Short: "Withdraw from your allowance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[0], inWei)
		if err != nil {
			return err
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		if err := c.Withdraw(amount); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "withdrew %s\n", formatAmount(amount, inWei))
		return nil
	},
}

var allowanceCmd = &cobra.Command{
	Use:   "allowance [ACCOUNT]",
	Short: "Show an account's allowance, your own by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(len(args) == 0)
		if err != nil {
			return err
		}
		var account common.Address
		if len(args) == 1 {
			account, err = parseAddress(args[0])
		} else {
			account, err = c.Address()
		}
		if err != nil {
			return err
		}
		allowance, err := c.GetAllowance(account)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "account:     %s\nallowance:   %s\nwithdrawn:   %s\nwhitelisted: %t\n",
			account.Hex(), formatAmount(allowance.Allowance, inWei), formatAmount(allowance.Withdrawn, inWei), allowance.IsWhitelisted)
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:   "record ACCOUNT",
	Short: "Show an account's full record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		rec, err := c.GetRecord(account)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "account:     %s\nallowance:   %s\nwithdrawn:   %s\nremaining:   %s\nwhitelisted: %t\nblacklisted: %t\n",
			rec.Account.Hex(), formatAmount(rec.Allowance.ToInt(), inWei), formatAmount(rec.Withdrawn.ToInt(), inWei),
			formatAmount(rec.Remaining.ToInt(), inWei), rec.IsWhitelisted, rec.IsBlacklisted)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the custody balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		balance, err := c.GetBalance()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatAmount(balance, inWei))
		return nil
	},
}

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Show the manager address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		manager, err := c.Manager()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), manager.Hex())
		return nil
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List accounts with a record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		accounts, err := c.Accounts()
		if err != nil {
			return err
		}
		for _, account := range accounts {
			fmt.Fprintln(cmd.OutOrStdout(), account.Hex())
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [FROM] [LIMIT]",
	Short: "List ledger events",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, limit := uint64(0), 100
		var err error
		if len(args) > 0 {
			if from, err = strconv.ParseUint(args[0], 10, 64); err != nil {
				return fmt.Errorf("invalid from: %w", err)
			}
		}
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("invalid limit: %w", err)
			}
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		events, err := c.GetEvents(from, limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			amount := ""
			if ev.Amount != nil {
				amount = formatAmount(ev.Amount.ToInt(), inWei)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.Time.Format("2006-01-02T15:04:05Z"), ev.Kind, ev.Account.Hex(), amount)
		}
		return nil
	},
}
