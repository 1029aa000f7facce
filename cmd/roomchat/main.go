package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/roomchat/pkg/config"
)

type rootOptions struct {
	settings config.Settings
}

func newRootCmd() (*cobra.Command, error) {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "roomchat",
		Short:         "roomchat joins chat rooms and runs the room relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.InitLoggerFromViper(); err != nil {
				return err
			}
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			s, err := config.Load(path)
			if err != nil {
				return err
			}
			opts.settings = s
			return nil
		},
	}
	rootCmd.AddCommand(newJoinCmd(opts), newRelayCmd(opts), newRoomsCmd(opts))

	// the --log-* flags come from here and bind to ROOMCHAT_* env vars
	if err := clay.InitViper("roomchat", rootCmd); err != nil {
		return nil, err
	}
	if rootCmd.PersistentFlags().Lookup("config") == nil {
		rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	}
	return rootCmd, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd, err := newRootCmd()
	cobra.CheckErr(err)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("roomchat failed")
		stop()
		os.Exit(1)
	}
}
