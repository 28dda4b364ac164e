package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OrlandoBitencourt/flagkeeper/internal/secrets"
)

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credentials in the OS keychain",
	}
	cmd.AddCommand(newSecretSetCommand())
	return cmd
}

func newSecretSetCommand() *cobra.Command {
	var value string

	cmd := &cobra.Command{
		Use:   "set <account>",
		Short: "Store a credential for use as keyring:<account>",
		Long: `Set stores a credential, typically the SDK key, in the OS keychain.
Reference it from configuration as "keyring:<account>". Without --value the
credential is read from the first line of standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := args[0]

			if !cmd.Flags().Changed("value") {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read credential from stdin: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("credential is empty")
			}

			if err := secrets.Store(account, value); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "stored credential, reference it as keyring:%s\n", account)
			return err
		},
	}

	cmd.Flags().StringVar(&value, "value", "", "Credential value, read from stdin when omitted")

	return cmd
}
