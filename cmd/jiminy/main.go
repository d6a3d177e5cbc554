package main

import (
	"context"
	"embed"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/jiminy/pkg/config"
	"github.com/go-go-golems/jiminy/pkg/engine"
	"github.com/go-go-golems/jiminy/pkg/persistence/chatstore"
	"github.com/go-go-golems/jiminy/pkg/providers"
	"github.com/go-go-golems/jiminy/pkg/providers/ollama"
	"github.com/go-go-golems/jiminy/pkg/providers/openai"
	"github.com/go-go-golems/jiminy/pkg/webchat"
)

//go:embed static
var staticFS embed.FS

var (
	configFile string
	settings   *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "jiminy",
	Short: "Streaming chat server with personas and local model support",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if f := cmd.Flags(); f != nil {
			if lvl, _ := f.GetString("log-level"); lvl != "" {
				s.LogLevel = lvl
			}
			if withCaller, _ := f.GetBool("with-caller"); withCaller {
				s.LogCaller = true
			}
		}
		config.InitLogging(s.LogLevel, s.LogCaller)
		settings = s
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			settings.Addr = addr
		}

		store, err := openStore(settings)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("store close error")
			}
		}()

		if settings.PersonasFile != "" {
			personas, err := config.LoadPersonaSeed(settings.PersonasFile)
			if err != nil {
				return err
			}
			if err := config.SeedPersonas(ctx, store, personas); err != nil {
				return err
			}
		}

		bus := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermill.NopLogger{})
		defer func() {
			if err := bus.Close(); err != nil {
				log.Error().Err(err).Msg("bus close error")
			}
		}()

		svc, err := engine.New(ctx, engine.Config{
			Store:           store,
			Registry:        buildRegistry(settings),
			Publisher:       bus,
			DefaultProvider: settings.DefaultProvider,
			DefaultModel:    settings.DefaultModel,
		})
		if err != nil {
			return errors.Wrap(err, "build engine")
		}

		srv, err := webchat.NewServer(ctx, webchat.Config{
			Addr:        settings.Addr,
			Service:     svc,
			Subscriber:  bus,
			StaticFS:    staticFS,
			IdleTimeout: time.Duration(settings.IdleTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return errors.Wrap(err, "build server")
		}
		return srv.Run(ctx)
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models across all available providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		models, err := buildRegistry(settings).ListAllModels(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tMODEL\tNAME")
		for _, m := range models {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.Provider, m.ID, m.Name)
		}
		return w.Flush()
	},
}

func openStore(s *config.Settings) (chatstore.ChatStore, error) {
	if s.DBPath == "" || s.DBPath == ":memory:" {
		return chatstore.NewInMemoryChatStore(), nil
	}
	dsn, err := chatstore.SQLiteDSNForFile(s.DBPath)
	if err != nil {
		return nil, err
	}
	return chatstore.NewSQLiteChatStore(dsn)
}

func buildRegistry(s *config.Settings) *providers.Registry {
	reg := providers.NewRegistry()
	reg.Register(ollama.New(s.OllamaBaseURL))
	if s.OpenAIAPIKey != "" {
		reg.Register(openai.New(s.OpenAIAPIKey, openai.Options{
			BaseURL: s.OpenAIBaseURL,
		}))
	}
	return reg
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./jiminy.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("with-caller", false, "add caller information to logs")

	serveCmd.Flags().String("addr", "", "listen address (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
