package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/webchat"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API, SSE streams and websocket channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, &cfg); err != nil {
				return err
			}
			srv, err := webchat.NewServer(cmd.Context(), cfg, webchat.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "Listen address (default :8080)")
	f.Duration("request-timeout", 0, "Ceiling for one streamed reply (default 120s)")
	addStoreFlags(cmd)
	addLLMFlags(cmd)
	f.Bool("redis-enabled", false, "Use Redis Streams for channel fan-out")
	f.String("redis-addr", "", "Redis address host:port")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr, _ = f.GetString("addr")
	}
	if f.Changed("request-timeout") {
		cfg.Server.RequestTimeout, _ = f.GetDuration("request-timeout")
	}
	if f.Changed("redis-enabled") {
		cfg.Redis.Enabled, _ = f.GetBool("redis-enabled")
	}
	if f.Changed("redis-addr") {
		cfg.Redis.Addr, _ = f.GetString("redis-addr")
	}
	applyStoreFlags(cmd, cfg)
	applyLLMFlags(cmd, cfg)
	return cfg.Validate()
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("store", "", "Store driver (sqlite, memory)")
	f.String("db", "", "SQLite database file")
}

func applyStoreFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("store") {
		cfg.Store.Driver, _ = f.GetString("store")
	}
	if f.Changed("db") {
		cfg.Store.Path, _ = f.GetString("db")
	}
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-provider", "", "Completion provider (openai, echo)")
	f.String("llm-base-url", "", "OpenAI-compatible API base URL")
	f.String("model", "", "Default model")
}

func applyLLMFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("llm-provider") {
		cfg.LLM.Provider, _ = f.GetString("llm-provider")
	}
	if f.Changed("llm-base-url") {
		cfg.LLM.BaseURL, _ = f.GetString("llm-base-url")
	}
	if f.Changed("model") {
		cfg.LLM.Model, _ = f.GetString("model")
	}
}
