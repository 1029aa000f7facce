package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/roomchat/pkg/transport/redisroom"
)

func newRoomsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Manage rooms of the redis transport",
	}

	create := &cobra.Command{
		Use:   "create ROOM...",
		Short: "Register rooms so clients can join them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := redisroom.NewDialer(root.settings.Redis, redisroom.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()
			for _, id := range args {
				if err := d.CreateRoom(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := redisroom.NewDialer(root.settings.Redis, redisroom.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()
			rooms, err := d.Rooms(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range rooms {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}
