package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/botchat/pkg/completion"
	"github.com/go-go-golems/botchat/pkg/config"
	"github.com/go-go-golems/botchat/pkg/eventbus"
	"github.com/go-go-golems/botchat/pkg/hub"
	"github.com/go-go-golems/botchat/pkg/relay"
	"github.com/go-go-golems/botchat/pkg/store"
	"github.com/go-go-golems/botchat/pkg/webapi"
)

var (
	configPath string
	addrFlag   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "botchat",
		Short: "Streaming bot-chat server with live websocket fan-out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address override")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("botchat failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}
	setupLogging(cfg.LogLevel)

	st, err := store.NewSQLiteStore(cfg.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	bus, err := eventbus.Build(cfg.Bus)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	completer := completion.NewClient(os.Getenv("OPENAI_API_KEY"))

	engine, err := relay.NewEngine(relay.EngineConfig{
		BaseCtx:         ctx,
		Store:           st,
		Completer:       completer,
		Publisher:       bus.Publisher,
		ExchangeTimeout: time.Duration(cfg.ExchangeTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	h, err := hub.New(hub.Config{
		BaseCtx:     ctx,
		Subscriber:  bus.Subscriber,
		SendBuffer:  cfg.SendBuffer,
		IdleTimeout: time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	srv, err := webapi.NewServer(webapi.ServerConfig{
		Addr:   cfg.Addr,
		Store:  st,
		Engine: engine,
		Hub:    h,
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
