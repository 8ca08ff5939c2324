package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"

	"github.com/dyluth/herald/internal/printer"
	"github.com/dyluth/herald/pkg/signer"
)

var (
	keygenPath  string
	keygenForce bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key file",
	Long: `Generate a new secret key and write it as an nsec to the key file
with owner-only permissions. Prints the matching npub.

Examples:
  herald keygen
  herald keygen --path ./herald.key --force`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenPath, "path", signer.DefaultKeyFile, "Key file path")
	keygenCmd.Flags().BoolVarP(&keygenForce, "force", "f", false, "Overwrite an existing key file")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	path := keygenPath
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + path[1:]
		}
	}

	if _, err := os.Stat(path); err == nil && !keygenForce {
		return printer.ErrorWithContext(
			"key file already exists",
			"Refusing to overwrite an existing signing key.",
			map[string]string{"Path": path},
			[]string{"Use --force to replace it", "Choose another location with --path"},
		)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to check key file: %w", err)
	}

	key, err := signer.GenerateKeySigner()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := signer.WriteKeyFile(path, key); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	pk, err := key.PublicKey(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to derive public key: %w", err)
	}
	npub, err := nip19.EncodePublicKey(pk)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}

	printer.Success("Wrote key to %s\n", path)
	printer.Info("  %s\n", npub)
	return nil
}
