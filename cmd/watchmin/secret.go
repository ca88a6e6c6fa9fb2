package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/benaskins/watchmin/internal/audit"
	"github.com/benaskins/watchmin/internal/keychain"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets (API keys, watcher env secrets)",
}

// secretStore opens the system store with CLI access audited.
func secretStore() (keychain.Store, func(), error) {
	if err := os.MkdirAll(watchminHome(), 0700); err != nil {
		return nil, nil, err
	}
	auditLog, err := audit.NewLogger(defaultAuditPath())
	if err != nil {
		return nil, nil, err
	}
	store := keychain.NewAuditedStore(keychain.NewSystemStore(), auditLog, "cli")
	return store, func() { auditLog.Close() }, nil
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a secret",
	Long:  "Store a secret. If value is omitted, it is prompted for or read from stdin.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := secretStore()
		if err != nil {
			return err
		}
		defer closeStore()

		value, err := secretValue(args)
		if err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("empty secret value")
		}

		if err := store.Set(args[0], value); err != nil {
			return err
		}
		fmt.Printf("Secret %q stored\n", args[0])
		return nil
	},
}

func secretValue(args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("Enter secret value: ")
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

var secretGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := secretStore()
		if err != nil {
			return err
		}
		defer closeStore()

		val, err := store.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(val)
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List secret keys",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := secretStore()
		if err != nil {
			return err
		}
		defer closeStore()

		keys, err := store.List()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No secrets stored")
			return nil
		}
		fmt.Println(styleHeader.Render("KEY"))
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Short:   "Remove a secret",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := secretStore()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Secret %q deleted\n", args[0])
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}
