package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/roomchat/pkg/relay"
)

func newRelayCmd(root *rootOptions) *cobra.Command {
	var (
		addr       string
		rooms      []string
		autoCreate bool
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve rooms over websockets at /chat?id=<room>&name=<name>",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := root.settings.RelaySettings()
			if cmd.Flags().Changed("addr") {
				s.Addr = addr
			}
			if cmd.Flags().Changed("room") {
				s.Rooms = rooms
			}
			if cmd.Flags().Changed("auto-create-rooms") {
				s.AutoCreateRooms = autoCreate
			}
			srv, err := relay.NewServer(s, relay.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")
	cmd.Flags().StringSliceVar(&rooms, "room", nil, "Room id to serve (repeatable)")
	cmd.Flags().BoolVar(&autoCreate, "auto-create-rooms", false, "Create rooms on first join")
	return cmd
}
