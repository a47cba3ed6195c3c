package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"portfolio-guard/internal/cache"
	"portfolio-guard/internal/engine"
	"portfolio-guard/internal/engine/engineobs"
	"portfolio-guard/internal/feeds/binance"
	"portfolio-guard/internal/feeds/feedobs"
	"portfolio-guard/internal/feeds/lunarcrush"
	"portfolio-guard/internal/feeds/static"
	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/notify"
	"portfolio-guard/internal/notify/sendgrid"
	"portfolio-guard/internal/notify/twilio"
	"portfolio-guard/internal/storage/postgres"
	"portfolio-guard/internal/storage/sqlite"
	"portfolio-guard/internal/store"
	"portfolio-guard/internal/trace"
	"portfolio-guard/internal/tradelog"
	"portfolio-guard/internal/types"
)

const notifierTimeout = 10 * time.Second

// initializeSystem loads .env and config, then starts logging and tracing.
func initializeSystem(path string) (*store.Config, error) {
	_ = godotenv.Load()

	cfg, err := store.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.Environment); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return cfg, nil
}

// stores groups the persistence backends chosen by storage.driver.
type stores struct {
	ledger    interfaces.Ledger
	snapshots interfaces.SnapshotStore
	kv        interfaces.KVStore // nil for the file driver
	close     func() error
}

func openStores(ctx context.Context, cfg *store.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "file":
		var key []byte
		if cfg.Storage.AuditKeyEnv != "" {
			if v := store.Secret(cfg.Storage.AuditKeyEnv); v != "" {
				key = []byte(v)
			}
		}
		l, err := tradelog.Open(filepath.Join(cfg.Storage.Path, "ledger"), key)
		if err != nil {
			return nil, err
		}
		logger.Info(ctx, "Using file ledger", "path", cfg.Storage.Path, "signed", key != nil)
		return &stores{ledger: l, snapshots: l, close: l.Close}, nil

	case "postgres":
		dsn := store.Secret(cfg.Storage.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("environment variable %s is empty", cfg.Storage.DSNEnv)
		}
		db, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		logger.Info(ctx, "Using postgres store")
		return &stores{ledger: db, snapshots: db, kv: db, close: db.Close}, nil

	default:
		path := filepath.Join(cfg.Storage.Path, "guard.db")
		db, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		logger.Info(ctx, "Using sqlite store", "path", path)
		return &stores{ledger: db, snapshots: db, kv: db, close: db.Close}, nil
	}
}

func initializeCache(cfg *store.Config, kv interfaces.KVStore) *cache.Cache {
	cc := cache.Config{
		PriceTTL:              cfg.Cache.PriceTTL,
		SentimentTTL:          cfg.Cache.SentimentTTL,
		PriceMaxStale:         cfg.Cache.PriceMaxStale,
		SentimentMaxStale:     cfg.Cache.SentimentMaxStale,
		NotificationRetention: max(24*time.Hour, cfg.Notification.DedupWindow),
	}
	var opts []cache.Option
	if cfg.Cache.Persist && kv != nil {
		opts = append(opts, cache.WithStore(kv))
	}
	return cache.New(cc, opts...)
}

func initializePriceFeed(ctx context.Context, cfg *store.Config) interfaces.PriceFeed {
	pc := cfg.Feeds.Price
	var feed interfaces.PriceFeed
	switch pc.Provider {
	case "binance":
		feed = binance.New(binance.Config{
			BaseURL:        pc.BaseURL,
			APIKey:         store.Secret(pc.APIKeyEnv),
			SymbolMap:      pc.SymbolMap,
			Timeout:        pc.Timeout,
			RequestsPerSec: pc.RequestsPerSec,
		})
		logger.Info(ctx, "Using Binance price feed", "base_url", pc.BaseURL)
	default:
		feed = static.New(static.DefaultMarkets())
		logger.Info(ctx, "Using STATIC mock price data")
	}
	return feedobs.WrapPrice(feed, pc.Provider)
}

// initializeSentimentFeed returns nil when sentiment is disabled.
func initializeSentimentFeed(ctx context.Context, cfg *store.Config) interfaces.SentimentFeed {
	sc := cfg.Feeds.Sentiment
	switch sc.Provider {
	case "lunarcrush":
		logger.Info(ctx, "Using LunarCrush sentiment feed", "base_url", sc.BaseURL)
		return feedobs.WrapSentiment(lunarcrush.New(lunarcrush.Config{
			BaseURL:  sc.BaseURL,
			APIKey:   store.Secret(sc.APIKeyEnv),
			TopicMap: sc.TopicMap,
			Timeout:  sc.Timeout,
		}), sc.Provider)
	case "static":
		logger.Info(ctx, "Using STATIC mock sentiment data")
		return feedobs.WrapSentiment(static.New(static.DefaultMarkets()), sc.Provider)
	default:
		logger.Warn(ctx, "Sentiment feed disabled - advisory will be Unknown")
		return nil
	}
}

// initializeNotifier returns the transport and the channels to send on.
// DRY_RUN logs notifications instead of delivering them.
func initializeNotifier(ctx context.Context, cfg *store.Config) (interfaces.Notifier, []types.Channel) {
	nc := cfg.Notification
	var channels []types.Channel
	if nc.SMSEnabled {
		channels = append(channels, types.ChannelSMS)
	}
	if nc.EmailEnabled {
		channels = append(channels, types.ChannelEmail)
	}

	if cfg.Mode == "DRY_RUN" {
		logger.Warn(ctx, "Running in DRY_RUN mode - notifications will be logged, not sent")
		return notify.LogNotifier{}, channels
	}

	router := notify.NewRouter()
	if nc.SMSEnabled {
		router.Route(types.ChannelSMS, twilio.New(twilio.Config{
			BaseURL:    nc.Twilio.BaseURL,
			AccountSID: store.Secret(nc.Twilio.AccountSIDEnv),
			AuthToken:  store.Secret(nc.Twilio.AuthTokenEnv),
			From:       nc.Twilio.FromNumber,
			To:         nc.Twilio.RecipientNumber,
			MaxChars:   nc.SMSMaxChars,
			Timeout:    notifierTimeout,
		}))
	}
	if nc.EmailEnabled {
		router.Route(types.ChannelEmail, sendgrid.New(sendgrid.Config{
			BaseURL:   nc.SendGrid.BaseURL,
			APIKey:    store.Secret(nc.SendGrid.APIKeyEnv),
			Sender:    nc.SendGrid.SenderEmail,
			Recipient: nc.SendGrid.RecipientEmail,
			Timeout:   notifierTimeout,
		}))
	}
	return router, channels
}

func initializeThrottle(cfg *store.Config, c *cache.Cache, n interfaces.Notifier, channels []types.Channel) *notify.Throttle {
	return notify.NewThrottle(notify.Config{
		Thresholds:     cfg.Thresholds().Notification,
		DedupWindow:    cfg.Notification.DedupWindow,
		MarkBeforeSend: cfg.Notification.MarkBeforeSend,
		Channels:       channels,
	}, c, n)
}

func initializeDecider(cfg *store.Config) interfaces.Decider {
	return engineobs.Wrap(engine.New(cfg.Thresholds()))
}
