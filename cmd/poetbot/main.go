package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"poetbot/internal/channel"
	"poetbot/internal/config"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "poetbot",
		Short:         "poetbot: a Slack bot that answers with poems",
		Long:          "poetbot receives Slack Events API webhooks, verifies and filters them, and replies to direct messages and mentions with a generated poem.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.poetbot/config.json if present)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(pruneCmd())
	root.AddCommand(signCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the --config flag, else the default path when a
// file exists there, else "" (defaults and environment only).
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
		return config.DefaultConfigPath()
	}
	return ""
}

// loadConfig loads the config and replaces the bootstrap logger with one
// built from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.General)
	return cfg, nil
}

func newLogger(g config.GeneralConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(g.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if g.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = config.DefaultConfigPath()
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Set SLACK_SIGNING_SECRET and SLACK_BOT_TOKEN, then run 'poetbot serve'.")
			return nil
		},
	}
}

func signCmd() *cobra.Command {
	var timestamp int64
	cmd := &cobra.Command{
		Use:   "sign [body]",
		Short: "Print Slack signature headers for a request body",
		Long:  "Signs a body with the configured signing secret so a webhook can be exercised with curl. Reads the body from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Slack.SigningSecret == "" {
				return fmt.Errorf("slack.signingSecret is not set")
			}

			var body []byte
			if len(args) == 1 {
				body = []byte(args[0])
			} else {
				if body, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20)); err != nil {
					return err
				}
			}
			if timestamp == 0 {
				timestamp = time.Now().Unix()
			}
			ts := fmt.Sprint(timestamp)
			fmt.Fprintf(cmd.OutOrStdout(), "X-Slack-Request-Timestamp: %s\n", ts)
			fmt.Fprintf(cmd.OutOrStdout(), "X-Slack-Signature: %s\n", channel.Sign(body, ts, []byte(cfg.Slack.SigningSecret)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "unix timestamp to sign with (default: now)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
		Long:  "Shows configuration after defaults, the config file and environment overrides are applied. Secrets are masked.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. queue.driver)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the full configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			if p := resolveConfigPath(); p != "" {
				fmt.Fprintln(cmd.OutOrStdout(), p)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), "(none; using defaults and environment)")
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "poetbot", version)
		},
	}
}
