package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/harunnryd/avatarlink/pkg/avatarlink"
	"github.com/harunnryd/avatarlink/pkg/catalog"
	"github.com/harunnryd/avatarlink/pkg/configutil"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/resilience"
	"github.com/harunnryd/avatarlink/pkg/runner"
	"github.com/harunnryd/avatarlink/pkg/session"
	"github.com/harunnryd/avatarlink/pkg/tokens"
	"github.com/spf13/cobra"
)

var (
	cfgPath  string
	logLevel string

	cfg    avatarlink.Config
	logger *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "avatarlink",
		Short:             "Session server for streaming avatars",
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "avatarlink.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from config")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(avatarsCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		// Skips the root config load.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = avatarlink.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(logLevel) != "" {
		cfg.LogLevel = logLevel
	}
	logger = logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the token proxy and the session websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := avatarlink.NewEngine(avatarlink.EngineOptions{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return engine.Run(ctx)
		},
	}
}

func tokenCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "token <avatar-id>",
		Short: "Fetch an access token for an avatar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := tokenSource(url)
			if err != nil {
				return err
			}
			token, err := source.FetchToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "token endpoint (default token_service.url, or the upstream directly when unset)")
	return cmd
}

// tokenSource prefers an explicit endpoint, then the configured token
// service, then calls the upstream with the local API keys.
func tokenSource(url string) (session.TokenSource, error) {
	if strings.TrimSpace(url) == "" {
		url = cfg.TokenService.URL
	}
	if strings.TrimSpace(url) != "" {
		return tokens.NewFetcher(url, configutil.Millis(cfg.TokenService.TimeoutMS)), nil
	}
	cat, err := catalog.New(cfg.Avatars, cfg.Defaults)
	if err != nil {
		return nil, err
	}
	return tokens.NewHandler(tokens.HandlerConfig{
		Catalog:         cat,
		BaseURL:         cfg.Upstream.BaseURL,
		CreateTokenPath: cfg.Upstream.CreateTokenPath,
		Client:          &http.Client{Timeout: configutil.Millis(cfg.Upstream.TimeoutMS)},
		Breaker:         resilience.NewCircuitBreaker(cfg.Upstream.CircuitThreshold, configutil.Millis(cfg.Upstream.CircuitCooldownMS)),
		Logger:          logger,
	}), nil
}

func avatarsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "avatars",
		Short: "List the configured avatars",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.New(cfg.Avatars, cfg.Defaults)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AVATAR_ID\tNAME\tVOICE_ID\tAPI_KEY")
			for _, a := range cat.Avatars() {
				key := "missing"
				if v, ok := os.LookupEnv(a.APIKeyEnv); ok && v != "" {
					key = "set"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.VoiceID, key)
			}
			return w.Flush()
		},
	}
}
