package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gardenledger/garden/identity"
	"github.com/spf13/cobra"
)

var (
	keygenOut   string
	keygenForce bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 node key",
	Long:  "Generate an ed25519 node key and print the peer ID it authors blocks as.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return generateKey(cmd)
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "node.key", "File to write the hex private key to")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing key file")
}

func generateKey(cmd *cobra.Command) error {
	if _, err := os.Stat(keygenOut); err == nil && !keygenForce {
		return fmt.Errorf("%s already exists, use --force to replace it", keygenOut)
	}
	if dir := filepath.Dir(keygenOut); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
	}

	signer, err := identity.GenerateSigner()
	if err != nil {
		return err
	}
	if err := identity.SaveEd25519PrivKey(keygenOut, signer.PrivateKey()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), signer.ID().String())
	return nil
}
