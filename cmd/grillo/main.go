package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/grillo/pkg/config"
)

// settingsViper is set in PersistentPreRunE once flags and config are known.
var settingsViper *viper.Viper

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "grillo",
		Short:         "grillo runs timed mock interviews",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger now that --log-level and co are parsed
			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")
			if err := initLogger(level, format); err != nil {
				return err
			}
			configFile, _ := cmd.Flags().GetString("config")
			v, err := config.NewViper(configFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			settingsViper = v
			if used := v.ConfigFileUsed(); used != "" {
				log.Debug().Str("config_path", used).Msg("using config file")
			}
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "auto", "log format (auto, text, json)")
	root.PersistentFlags().String("config", "", "config file (default $HOME/.grillo/config.yaml)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newInterviewCommand())
	root.AddCommand(newReportCommand())
	root.AddCommand(newConfigCommand())
	return root
}

// bindFlags binds every flag named in the command annotations to its
// settings key. Annotations map settings keys to flag names.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for key, flag := range cmd.Annotations {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return errors.Errorf("unknown flag %q bound to %s", flag, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	return nil
}

func loadSettings() (config.Settings, error) {
	if settingsViper == nil {
		return config.Settings{}, errors.New("settings not initialized")
	}
	return config.Load(settingsViper)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("grillo failed")
		os.Exit(1)
	}
}
