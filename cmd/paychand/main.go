// paychand runs the parts of a payment channel deployment: the relay both
// parties connect to and the node of one party.
package main

import (
	"fmt"
	"os"

	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/config"
	"github.com/iov-one/paychan/errors"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

// app is shared by all sub-commands once the configuration is loaded.
type app struct {
	cfgPath  string
	logLevel string

	cfg    *config.Config
	logger log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "paychand",
		Short:         "Off-chain bidirectional payment channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "configuration file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newRelayCmd(a),
		newNodeCmd(a),
		newKeygenCmd(a),
		newHistoryCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), paychan.Version())
			},
		},
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	allow, err := log.AllowLevel(cfg.Log.Level)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "log level: %s", err)
	}
	a.cfg = cfg
	a.logger = log.NewFilter(log.NewTMLogger(log.NewSyncWriter(os.Stdout)), allow)
	return nil
}
