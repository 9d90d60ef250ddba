package main

import (
	"fmt"

	"github.com/flowcanvas/companion/internal/config"
	"github.com/flowcanvas/companion/pkg/utils/sshkeygen"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newKeygenCommand prepares the SSH key used to push models to a remote engine host.
func newKeygenCommand(v *viper.Viper, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the SSH key used for remote model installs and print its public half",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configPath)
			if err != nil {
				return err
			}
			keyPath := cfg.Install.Remote.PrivateKeyPath
			if keyPath == "" {
				return fmt.Errorf("install.remote.private_key_path is not set")
			}

			authorized, created, err := sshkeygen.EnsureEd25519KeyPair(keyPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintf(out, "generated %s\n", keyPath)
			} else {
				fmt.Fprintf(out, "using existing %s\n", keyPath)
			}
			fmt.Fprintf(out, "add this line to ~/.ssh/authorized_keys on the engine host:\n%s", authorized)
			return nil
		},
	}
}
