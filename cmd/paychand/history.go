package main

import (
	"encoding/json"

	"github.com/iov-one/paychan/chanstore"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/codec"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <channel-id>",
		Short: "Print a channel and its canonical history as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, release, err := openStore(a.cfg.Store, a.logger)
			if err != nil {
				return err
			}
			defer release()
			r := chanstore.ReadOnly(s)

			ctx := cmd.Context()
			ch, err := r.Get(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := r.History(ctx, ch.ID)
			if err != nil {
				return err
			}
			audit := "ok"
			if err := channel.Audit(ch, history, codec.VerifyState); err != nil {
				audit = err.Error()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Channel channelView `json:"channel"`
				History []stateView `json:"history"`
				Audit   string      `json:"audit"`
			}{
				Channel: viewChannel(ch, ch.Phase),
				History: viewHistory(history),
				Audit:   audit,
			})
		},
	}
}
