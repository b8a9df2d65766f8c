package main

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/therapist/cmd/therapist/cmds"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "therapist",
	Short: "therapist serves timed therapy sessions and relays chat to a language model",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		format, _ := f.GetString("log-format")
		switch strings.ToLower(format) {
		case "json":
			log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		case "text", "":
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		default:
			return errors.Errorf("unknown log format %q", format)
		}
		lvl, _ := f.GetString("log-level")
		if lvl != "" {
			l, err := zerolog.ParseLevel(lvl)
			if err != nil {
				return errors.Wrap(err, "parse log level")
			}
			zerolog.SetGlobalLevel(l)
		}
		withCaller, _ := f.GetBool("with-caller")
		if withCaller {
			log.Logger = log.Logger.With().Caller().Logger()
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "Global log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().Bool("with-caller", false, "Include caller (file:line) in logs")
	rootCmd.Version = version

	rootCmd.AddCommand(cmds.NewServeCommand(version))
	rootCmd.AddCommand(cmds.NewArchiveCommand())

	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
