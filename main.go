// Command streamherald announces Twitch go-live events to Discord channels.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and applies versioned migrations.
//   - Serves the EventSub webhook callback, the internal subscription API, and /healthz, /readyz, /metrics.
//   - Fans each stream.online notification out to every subscribed community's channel.
//
// Shutdown is graceful on SIGINT/SIGTERM; in-flight announcements finish before exit.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/streamherald/config"
	"github.com/onnwee/streamherald/db"
	"github.com/onnwee/streamherald/discord"
	"github.com/onnwee/streamherald/notify"
	"github.com/onnwee/streamherald/server"
	"github.com/onnwee/streamherald/subscriptions"
	"github.com/onnwee/streamherald/telemetry"
	"github.com/onnwee/streamherald/twitchapi"
	"github.com/onnwee/streamherald/webhook"
)

func main() {
	// Local dev convenience only; production relies on real env
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streamherald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, db.NewStore(database)); err != nil {
		slog.Error("streamherald exited with error", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT. Defaults: info, text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// run wires the components and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, store *db.Store) error {
	// Outbound calls to Twitch and Discord carry trace context.
	upstreamClient := &http.Client{
		Timeout:   cfg.UpstreamTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	registrar := &subscriptions.Registrar{
		Store: store,
		Credentials: &twitchapi.Credentials{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			AuthBaseURL:  cfg.TwitchAuthBaseURL,
			HTTPClient:   upstreamClient,
		},
		Upstream: &twitchapi.HelixClient{
			ClientID:   cfg.TwitchClientID,
			BaseURL:    cfg.TwitchAPIBaseURL,
			HTTPClient: upstreamClient,
		},
		CallbackURL: cfg.CallbackURL(),
		Secret:      cfg.TwitchSigningSecret,
	}

	var (
		sender  notify.Sender = notify.LogSender{}
		breaker server.Breaker
	)
	if cfg.DiscordBotToken != "" {
		ds := discord.NewSender(discord.Options{
			Token:         cfg.DiscordBotToken,
			BaseURL:       cfg.DiscordAPIBaseURL,
			RatePerSecond: cfg.DiscordRatePerSecond,
			HTTPClient:    upstreamClient,
		})
		sender, breaker = ds, ds
	} else {
		slog.Warn("DISCORD_BOT_TOKEN not set, announcements will only be logged")
	}

	fanout := &notify.Fanout{
		Store:       store,
		Sender:      sender,
		Author:      cfg.AnnounceAuthor,
		Concurrency: cfg.FanoutConcurrency,
	}

	cache := webhook.NewDedupCache(cfg.NotificationDedupTTL, nil)
	go cache.Run(ctx, webhook.DefaultSweepInterval)

	gateway := webhook.NewGateway(webhook.Config{
		Secret:        cfg.TwitchSigningSecret,
		MaxMessageAge: cfg.WebhookMaxMessageAge,
		FanoutTimeout: cfg.FanoutTimeout,
	}, cache, fanout)

	slog.Info("eventsub callback configured", slog.String("callback_url", cfg.CallbackURL()))
	err := server.Start(ctx, server.Deps{
		Config:    cfg,
		Registrar: registrar,
		Store:     store,
		Webhook:   gateway,
		Breaker:   breaker,
	})

	// Start returns after every request has drained, so no new dispatch can begin.
	slog.Info("waiting for in-flight announcements")
	gateway.Wait()
	return err
}
