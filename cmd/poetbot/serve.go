package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"poetbot/internal/agent"
	"poetbot/internal/channel"
	"poetbot/internal/config"
	"poetbot/internal/dedup"
	"poetbot/internal/domain"
	"poetbot/internal/metrics"
	"poetbot/internal/persona"
	"poetbot/internal/provider"
	"poetbot/internal/queue"
	"poetbot/internal/scheduler"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Slack webhook server",
		Long:  "Serves the Events API endpoint and, depending on dispatch.mode and queue.driver, the process callback and an in-process worker pool. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

// app holds everything both serve and worker need to process a request.
type app struct {
	cfg       *config.Config
	store     domain.ProcessedStore
	poster    *channel.SlackPoster
	responder *agent.Responder
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := dedup.Open(ctx, cfg.Dedup, logger)
	if err != nil {
		return nil, fmt.Errorf("processed-event store: %w", err)
	}

	poster, err := channel.NewSlackPoster(channel.SlackPosterConfig{
		BotToken: cfg.Slack.BotToken,
		APIURL:   cfg.Slack.APIURL,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	p := persona.Default()
	if cfg.Persona.File != "" {
		if p, err = persona.LoadFile(config.ExpandPath(cfg.Persona.File)); err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("persona loaded", "name", p.Name, "file", cfg.Persona.File)
	}

	factory := provider.NewFactory(cfg, logger)
	gen, err := factory.Build()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("provider: %w", err)
	}
	if err := gen.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", gen.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", gen.Name())
	}

	responder := agent.NewResponder(agent.ResponderConfig{
		Generator: gen,
		Poster:    poster,
		Store:     store,
		Persona:   p,
		MaxTokens: factory.MaxTokens(""),
		Logger:    logger,
	})
	return &app{cfg: cfg, store: store, poster: poster, responder: responder}, nil
}

func (a *app) jobTimeout() time.Duration {
	return time.Duration(a.cfg.Dispatch.JobTimeoutSeconds) * time.Second
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	botUserID := cfg.Slack.BotUserID
	if botUserID == "" {
		if id, err := a.poster.BotUserID(ctx); err != nil {
			logger.Warn("cannot resolve bot user id, relying on bot_id filtering", "err", err)
		} else {
			botUserID = id
			logger.Info("resolved bot user id", "user_id", id)
		}
	}

	dispatchTimeout := time.Duration(cfg.Dispatch.TimeoutMs) * time.Millisecond
	var (
		dispatcher domain.Dispatcher
		process    http.Handler
	)

	if cfg.Dispatch.Mode == "inline" {
		dispatcher = agent.NewInlineDispatcher(a.responder)
		dispatchTimeout = a.jobTimeout()
	} else {
		switch cfg.Queue.Driver {
		case "http":
			hq := cfg.Queue.HTTP
			dispatcher, err = queue.NewHTTPCallback(queue.HTTPCallbackConfig{
				PublishURL:    hq.PublishURL,
				Token:         hq.Token,
				CallbackURL:   strings.TrimRight(hq.CallbackBaseURL, "/") + cfg.Server.ProcessPath,
				CallbackToken: hq.CallbackToken,
				Retries:       hq.Retries,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			process = channel.NewProcessHandler(channel.ProcessHandlerConfig{
				Processor:  a.responder,
				Token:      hq.CallbackToken,
				JobTimeout: a.jobTimeout(),
				Logger:     logger,
			})
		case "rabbitmq":
			pub, err := queue.NewRabbitPublisher(ctx, queue.RabbitConfigFrom(cfg.Queue.RabbitMQ, logger))
			if err != nil {
				return fmt.Errorf("rabbitmq publisher: %w", err)
			}
			defer pub.Close()
			dispatcher = pub
			logger.Info("publishing to rabbitmq; run 'poetbot worker' to process jobs")
		case "local":
			lc := cfg.Queue.Local
			local := queue.NewLocal(queue.LocalConfig{
				Workers:     lc.Workers,
				BufferSize:  lc.BufferSize,
				MaxAttempts: lc.MaxAttempts,
				JobTimeout:  a.jobTimeout(),
				Processor:   a.responder,
				Logger:      logger,
			})
			local.Start(ctx)
			defer local.Stop()
			dispatcher = local
		default:
			return fmt.Errorf("%w: unknown queue driver %q", domain.ErrConfiguration, cfg.Queue.Driver)
		}
	}
	logger.Info("dispatcher ready", "mode", cfg.Dispatch.Mode, "driver", dispatcher.Name(), "timeout", dispatchTimeout)

	events := channel.NewEventsHandler(channel.EventsHandlerConfig{
		SigningSecret:   cfg.Slack.SigningSecret,
		ReplayWindow:    time.Duration(cfg.Slack.ReplayWindowSeconds) * time.Second,
		Classifier:      channel.Classifier{BotUserID: botUserID},
		Dispatcher:      dispatcher,
		Store:           a.store,
		DispatchTimeout: dispatchTimeout,
		Logger:          logger,
	})

	var metricsHandler http.Handler
	if cfg.Server.Metrics {
		metricsHandler = metrics.Default.Handler()
	}

	if cfg.Dedup.PruneSchedule != "" {
		sched := scheduler.New(logger)
		retention := time.Duration(cfg.Dedup.RetentionHours) * time.Hour
		if err := sched.Add(scheduler.PruneJob(cfg.Dedup.PruneSchedule, a.store, retention, logger)); err != nil {
			return err
		}
		go sched.Start(ctx)
		defer sched.Stop()
	}

	srv := channel.NewServer(channel.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		EventsPath:  cfg.Server.EventsPath,
		ProcessPath: cfg.Server.ProcessPath,
		MetricsPath: cfg.Server.MetricsPath,
		Events:      events,
		Process:     process,
		Metrics:     metricsHandler,
		Logger:      logger,
	})
	return srv.Start(ctx)
}
