package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/civicgate/internal/util"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password read from stdin",
	Long: `Reads one line from stdin and prints its argon2id encoding, suitable for
CIVICGATE_BOOTSTRAP_ADMIN_PASSWORD_HASH.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHashPassword(cmd.InOrStdin(), cmd.OutOrStdout(), util.DefaultArgon2idParams())
	},
}

func runHashPassword(in io.Reader, out io.Writer, params util.Argon2idParams) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	encoded, err := util.HashPassword(password, params)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, encoded)
	return err
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
