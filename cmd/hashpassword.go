package cmd

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/hearthbot/hearth/hearth"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var errPasswordMismatch = errors.New("passwords do not match")

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash an admin API password, for api.admin_password_hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		fmt.Fprint(out, "Enter admin password: ")
		password, err := readPassword()
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}
		fmt.Fprintln(out)

		fmt.Fprint(out, "Confirm admin password: ")
		confirm, err := readPassword()
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}
		fmt.Fprintln(out)

		if len(password) == 0 {
			return errors.New("password must not be empty")
		}
		if string(password) != string(confirm) {
			return errPasswordMismatch
		}

		hashed, err := hearth.HashPassword(string(password))
		if err != nil {
			return fmt.Errorf("error hashing password: %w", err)
		}
		fmt.Fprintln(out, hashed)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
