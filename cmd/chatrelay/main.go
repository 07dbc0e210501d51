package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:           "chatrelay",
	Short:         "Relay streamed LLM completions to chat observers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger(cmd, os.Stderr)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a YAML config file")
	pf.String("log-level", "", "Global log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "Log format (auto, console, json)")
	pf.Bool("with-caller", false, "Include caller (file:line) in logs")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newConversationsCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config and the environment, then applies explicitly set logging flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		return cfg, err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Log.Level = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-format"); f != nil && f.Changed {
		cfg.Log.Format = f.Value.String()
	}
	return cfg, nil
}

func initLogger(cmd *cobra.Command, out *os.File) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level := zerolog.InfoLevel
	if cfg.Log.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", cfg.Log.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = out
	switch cfg.Log.Format {
	case "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	case "json":
	default:
		if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
			w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	}
	ctx := zerolog.New(w).With().Timestamp()
	if withCaller, _ := cmd.Flags().GetBool("with-caller"); withCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}
