// Command dfu-flash validates, packages and flashes bikesafe firmware over USB DFU.
package main

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bikesafe/go-dfu/config"
)

type rootOptions struct {
	verbose    bool
	configPath string
	profile    *config.Profile
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "dfu-flash",
		Short:         "Flash bikesafe firmware over USB DFU",
		Long:          "dfu-flash validates raw firmware images, packages them as DfuSe files and downloads them to a device in DFU mode.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd.ErrOrStderr(), opts.verbose)
			profile, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.profile = profile
			if path := config.DotEnvPath(); path != "" {
				log.Debug().Str("dotenv", path).Msg("environment loaded")
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logs")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML profile with device, layout and retry settings")
	cmd.AddCommand(
		newFlashCmd(opts),
		newInfoCmd(opts),
		newValidateCmd(opts),
		newPackageCmd(opts),
	)
	return cmd
}

func setupLogging(w io.Writer, verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(level).With().Timestamp().Logger()
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("dfu-flash failed")
		os.Exit(exitCode(err))
	}
}
