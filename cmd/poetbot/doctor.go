package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"poetbot/internal/channel"
	"poetbot/internal/config"
	"poetbot/internal/dedup"
	"poetbot/internal/provider"
	"poetbot/internal/queue"
)

type checkResults struct {
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *checkResults) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *checkResults) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks against the configured services",
		Long: `Verifies the configuration, Slack credentials, processed-event store,
generation provider and queue. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("poetbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r checkResults
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				r.fail("Config", err.Error())
				return summarize(r)
			}
			r.pass("Config", orDefault(resolveConfigPath(), "defaults + environment"))

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			checkSlack(ctx, cfg, &r)
			checkStore(ctx, cfg, &r)
			checkProvider(ctx, cfg, &r)
			checkQueue(ctx, cfg, &r)

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			return summarize(r)
		},
	}
}

func checkSlack(ctx context.Context, cfg *config.Config, r *checkResults) {
	if cfg.Slack.SigningSecret == "" {
		r.fail("Signing secret", "SLACK_SIGNING_SECRET is not set; every event would get HTTP 500")
	} else {
		r.pass("Signing secret", "set")
	}

	poster, err := channel.NewSlackPoster(channel.SlackPosterConfig{
		BotToken: cfg.Slack.BotToken,
		APIURL:   cfg.Slack.APIURL,
		Logger:   logger,
	})
	if err != nil {
		r.fail("Bot token", err.Error())
		return
	}
	id, err := poster.BotUserID(ctx)
	if err != nil {
		r.fail("Bot token", fmt.Sprintf("auth.test failed: %v", err))
		return
	}
	r.pass("Bot token", "bot user "+id)
}

func checkStore(ctx context.Context, cfg *config.Config, r *checkResults) {
	store, err := dedup.Open(ctx, cfg.Dedup, logger)
	if err != nil {
		r.fail("Dedup store", err.Error())
		return
	}
	defer store.Close()
	if _, err := store.Seen(ctx, "doctor-probe"); err != nil {
		r.fail("Dedup store", fmt.Sprintf("query failed: %v", err))
		return
	}
	if cfg.Dedup.Driver == "memory" {
		r.warn("Dedup store", "memory driver: duplicates are only suppressed within one process")
		return
	}
	r.pass("Dedup store", cfg.Dedup.Driver)
}

func checkProvider(ctx context.Context, cfg *config.Config, r *checkResults) {
	p, err := provider.NewFactory(cfg, logger).Build()
	if err != nil {
		r.fail("Provider", err.Error())
		return
	}
	if err := p.Healthy(ctx); err != nil {
		r.warn("Provider", fmt.Sprintf("%s: %v", p.Name(), err))
		return
	}
	r.pass("Provider", p.Name())
}

func checkQueue(ctx context.Context, cfg *config.Config, r *checkResults) {
	if cfg.Dispatch.Mode == "inline" {
		r.warn("Dispatch", "inline mode: slow generations will exceed Slack's 3s budget")
		return
	}
	switch cfg.Queue.Driver {
	case "http":
		if cfg.Queue.HTTP.Token == "" {
			r.fail("Queue", "queue.http.token (QSTASH_TOKEN) is not set")
			return
		}
		r.pass("Queue", "http → "+cfg.Queue.HTTP.CallbackBaseURL+cfg.Server.ProcessPath)
	case "rabbitmq":
		conn, err := queue.DialWithRetry(ctx, cfg.Queue.RabbitMQ.URL, 1, logger)
		if err != nil {
			r.fail("Queue", err.Error())
			return
		}
		conn.Close()
		r.pass("Queue", "rabbitmq reachable")
	default:
		r.warn("Queue", "local driver: queued jobs are lost on restart")
	}
}

func summarize(r checkResults) error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
