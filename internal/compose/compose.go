// Package compose is the composition root (§4.J): it owns no behavior of
// its own, only constructs every adapter from profile.Profile and wires them
// into a ready-to-serve App. Nothing outside this package reaches for a
// package-level singleton; every dependency is passed down explicitly.
package compose

import (
	"context"
	"fmt"
	"time"

	"github.com/riverrelay/dialogworker/adapters/llmapi"
	"github.com/riverrelay/dialogworker/adapters/telegram"
	"github.com/riverrelay/dialogworker/admin"
	"github.com/riverrelay/dialogworker/aiqueue"
	"github.com/riverrelay/dialogworker/dialog"
	"github.com/riverrelay/dialogworker/internal/profile"
	"github.com/riverrelay/dialogworker/messaging"
	"github.com/riverrelay/dialogworker/metrics"
	"github.com/riverrelay/dialogworker/ports"
	"github.com/riverrelay/dialogworker/ratelimit"
	"github.com/riverrelay/dialogworker/storagectl"
	"github.com/riverrelay/dialogworker/store/sqlitestore"
	"github.com/riverrelay/dialogworker/typing"
)

const (
	typingRefreshInterval  = 4 * time.Second
	ratelimitToggleRefresh = 30 * time.Second
	whitelistCacheTTL      = 30 * time.Second
	messagingMaxRetries    = 3
	messagingBaseDelay     = 200 * time.Millisecond
	notifierWindowMs       = 24 * 60 * 60 * 1000
)

// App holds every wired component the server and the cmd entrypoint need.
type App struct {
	Profile *profile.Profile

	DB        *sqlitestore.DB
	KV        *sqlitestore.KV
	RawStore  *sqlitestore.RawStore
	exportSrc *sqlitestore.ExportSource

	Engine    *dialog.Engine
	Messaging ports.Messaging
	AIQueue   *aiqueue.Queue

	RateLimit    ports.RateLimit // toggle-gated, consumed by the dialog engine
	RawRateLimit ports.RateLimit // bypasses the toggle, consumed by the admin export scope

	Registry  *admin.Registry
	Whitelist *admin.Whitelist
	Telemetry *admin.Telemetry
	Exporter  *admin.Exporter

	Notifier *ratelimit.Notifier
	Metrics  *metrics.Exporter

	TypingRegistry *typing.Registry
}

// Build wires a complete App from a validated profile.Profile. The returned
// App is ready to serve; Close releases the database handle.
func Build(p *profile.Profile) (*App, error) {
	db, err := sqlitestore.Open(p.DSN)
	if err != nil {
		return nil, fmt.Errorf("compose: open storage: %w", err)
	}

	metricsExporter := metrics.New(metrics.DefaultConfig())

	kvStore := sqlitestore.NewKV(db)
	rawStore := sqlitestore.NewRawStore(db)
	exportSource := sqlitestore.NewExportSource(db)

	storage := storagectl.New(storagectl.Config{}, rawStore, nil, nil, metricsExporter)

	telegramSender, err := telegram.New(p.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("compose: telegram sender: %w", err)
	}
	messagingDispatcher := messaging.New(telegramSender, messagingMaxRetries, messagingBaseDelay, nil, nil)

	llmClient := llmapi.New(llmapi.Config{
		Model:       p.LLMModel,
		APIKey:      p.LLMAPIKey,
		MaxTokens:   p.LLMMaxTokens,
		Temperature: float32(p.LLMTemperature),
	})
	aiQueue := aiqueue.New(aiqueue.Config{
		MaxConcurrency:            p.QueueMaxConcurrency,
		MaxQueueSize:              p.QueueMaxSize,
		RequestTimeout:            p.QueueRequestTimeout,
		RetryMax:                  p.QueueRetryMax,
		BaseURLs:                  p.LLMBaseURLs,
		EndpointFailoverThreshold: p.QueueFailoverAfter,
		ConfigSource:              "env",
	}, llmClient, nil, nil)

	counter := ratelimit.NewCounter(kvStore, p.RateLimitPerDay)
	rateLimitToggle := ratelimit.New(counter, kvStore, ratelimitToggleRefresh, ratelimit.LocalBucketConfig{
		RatePerSecond: p.RateLimitRPS,
		Burst:         p.RateLimitBurst,
	}, metricsExporter)
	notifier := ratelimit.NewNotifier(messagingDispatcher, notifierWindowMs)

	whitelist := admin.NewWhitelist(kvStore, whitelistCacheTTL)
	seedWhitelist(kvStore, p.AdminUserIDs)
	telemetry := admin.NewTelemetry(kvStore, whitelist, nil)
	exporter := admin.NewExporter(whitelist, counter, kvStore, messagingDispatcher, telemetry, nil)

	registry := admin.NewRegistry(func(ctx context.Context, userID, command string) (bool, error) {
		return whitelist.IsAdmin(ctx, userID)
	})

	typingRegistry := typing.New(messagingDispatcher, typingRefreshInterval)

	engine := dialog.New(dialog.Config{}, rateLimitToggle, typingRegistry, storage, aiQueue, messagingDispatcher, nil)

	return &App{
		Profile:        p,
		DB:             db,
		KV:             kvStore,
		RawStore:       rawStore,
		exportSrc:      exportSource,
		Engine:         engine,
		Messaging:      messagingDispatcher,
		AIQueue:        aiQueue,
		RateLimit:      rateLimitToggle,
		RawRateLimit:   counter,
		Registry:       registry,
		Whitelist:      whitelist,
		Telemetry:      telemetry,
		Exporter:       exporter,
		Notifier:       notifier,
		Metrics:        metricsExporter,
		TypingRegistry: typingRegistry,
	}, nil
}

// ExportSource exposes the wired admin.ExportSource implementation for the
// server layer to pass into Exporter.Run.
func (a *App) ExportSource() *sqlitestore.ExportSource {
	return a.exportSrc
}

// Close releases every resource the App owns, waiting for any in-flight
// typing-indicator refresh loops to exit first.
func (a *App) Close() error {
	a.TypingRegistry.Wait()
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}

func seedWhitelist(kv *sqlitestore.KV, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	if _, found, _ := kv.Get(context.Background(), "whitelist"); found {
		return
	}
	payload := `{"whitelist":[`
	for i, id := range userIDs {
		if i > 0 {
			payload += ","
		}
		payload += `"` + id + `"`
	}
	payload += `]}`
	_ = kv.Set(context.Background(), "whitelist", payload, 0)
}
