package main

import (
	"fmt"

	"github.com/iov-one/paychan/crypto"
	"github.com/spf13/cobra"
)

func newKeygenCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the party key, or load it if it exists, and print its address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				path = a.cfg.KeyFile
			}
			key, err := crypto.LoadOrCreateKey(path)
			if err != nil {
				return err
			}
			pub := key.PublicKey()
			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\npublic key: %X\n", pub.Address(), []byte(pub))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "key file, defaults to key_file of the configuration")
	return cmd
}
