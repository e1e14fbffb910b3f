// Package bootstrap builds the dependency graph shared by the server and
// worker binaries from a loaded config.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience-dispatch/internal/config"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/mailing"
	"github.com/ignite/audience-dispatch/internal/pkg/distlock"
	"github.com/ignite/audience-dispatch/internal/pkg/logger"
	"github.com/ignite/audience-dispatch/internal/repository/postgres"
	"github.com/ignite/audience-dispatch/internal/segmentation"
	"github.com/ignite/audience-dispatch/internal/service/campaign"
	"github.com/ignite/audience-dispatch/internal/service/delivery"
	"github.com/ignite/audience-dispatch/internal/service/sending"
	"github.com/ignite/audience-dispatch/internal/service/suppression"
	"github.com/ignite/audience-dispatch/internal/storage"
	"github.com/ignite/audience-dispatch/internal/tracking"
	"github.com/ignite/audience-dispatch/internal/worker"
)

// App holds every long-lived component. Redis and SQS are nil when not
// configured.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client
	SQS    *sqs.Client

	Campaigns  *postgres.CampaignRepo
	Sends      *postgres.SendRepo
	Recipients *postgres.RecipientRepo

	Tokens      *tracking.TokenService
	Dispatcher  *worker.Dispatcher
	Reconciler  *worker.Reconciler
	Tracker     *delivery.Tracker
	Audit       storage.AuditStore
	Service     *campaign.Service
	Suppression *suppression.Service
}

// New connects to Postgres (required) and Redis/SQS (optional) and wires
// the services on top of them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if cfg.OptOut.SigningKey == "" {
		return nil, fmt.Errorf("optout signing key is required")
	}

	db, err := OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, DB: db}

	if cfg.Redis.URL != "" {
		app.Redis, err = OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("redis unavailable, falling back to postgres advisory locks", "error", err)
			app.Redis = nil
		}
	}

	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	a.Campaigns = postgres.NewCampaignRepo(a.DB)
	a.Sends = postgres.NewSendRepo(a.DB)
	a.Recipients = postgres.NewRecipientRepo(a.DB)
	resolver := segmentation.NewResolver(a.DB)

	a.Tokens = tracking.NewTokenService(cfg.OptOut.SigningKey, cfg.OptOut.MaxAge())
	personalizer := mailing.NewPersonalizer(mailing.NewTemplateService(), a.Tokens, cfg.OptOut.BaseURL)

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}

	locks := distlock.NewFactory(a.Redis, a.DB, cfg.Dispatch.LeaseTTL())
	a.Dispatcher = worker.NewDispatcher(a.Campaigns, a.Sends, resolver, a.Recipients, personalizer, providers, locks,
		worker.DispatcherConfig{
			BatchSize:        cfg.Dispatch.BatchSize,
			Workers:          cfg.Dispatch.Workers,
			BatchDelay:       cfg.Dispatch.BatchDelay(),
			TestSendMaxUsers: cfg.Dispatch.TestSendMaxUsers,
			LeaseTTL:         cfg.Dispatch.LeaseTTL(),
		})
	if a.Redis != nil {
		a.Dispatcher.SetRateLimiter(worker.NewRateLimiter(a.Redis, map[domain.Channel]worker.RateLimit{
			domain.ChannelEmail: {PerSecond: cfg.RateLimits.EmailPerSecond, PerMinute: cfg.RateLimits.EmailPerMinute},
			domain.ChannelSMS:   {PerSecond: cfg.RateLimits.SMSPerSecond, PerMinute: cfg.RateLimits.SMSPerMinute},
		}))
	}

	a.Service = campaign.NewService(a.Campaigns, a.Sends, resolver)
	a.Service.SetDispatcher(a.Dispatcher)
	a.Suppression = suppression.NewService(a.Recipients, a.Tokens)
	a.Tracker = delivery.NewTracker(a.Sends)

	a.Audit, err = storage.New(ctx, cfg.Audit)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	a.Reconciler = worker.NewReconciler(a.Campaigns, a.Sends, locks, a.Audit,
		cfg.Reconciler.Interval(), cfg.Reconciler.StaleAfter())
	a.Reconciler.SetDryRun(cfg.Reconciler.DryRun)

	if cfg.Callbacks.QueueURL != "" {
		a.SQS, err = newSQSClient(ctx, cfg.Callbacks.Region)
		if err != nil {
			return fmt.Errorf("sqs client: %w", err)
		}
	}
	return nil
}

// Close releases the database and redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// OpenDB opens a lib/pq pool and pings it with a 5s timeout.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func buildProviders(ctx context.Context, cfg *config.Config) (sending.Registry, error) {
	var providers []sending.Provider

	if cfg.SES.FromAddress != "" {
		ses, err := worker.NewSESProvider(ctx, worker.SESConfig{
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			Region:           cfg.SES.Region,
			FromAddress:      cfg.SES.FromAddress,
			ConfigurationSet: cfg.SES.ConfigurationSet,
			Timeout:          cfg.SES.Timeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("ses provider: %w", err)
		}
		providers = append(providers, ses)
	} else {
		logger.Warn("email provider not configured", "channel", string(domain.ChannelEmail))
	}

	if cfg.SMS.AccountSID != "" {
		providers = append(providers, worker.NewTwilioProvider(worker.TwilioConfig{
			AccountSID:     cfg.SMS.AccountSID,
			AuthToken:      cfg.SMS.AuthToken,
			FromNumber:     cfg.SMS.FromNumber,
			BaseURL:        cfg.SMS.BaseURL,
			StatusCallback: cfg.SMS.StatusCallback,
			MaxRetries:     cfg.SMS.MaxRetries,
			Timeout:        cfg.SMS.Timeout(),
		}, nil))
	} else {
		logger.Warn("sms provider not configured", "channel", string(domain.ChannelSMS))
	}

	return sending.NewRegistry(providers...), nil
}

func newSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.RetryMaxAttempts = 3
		o.RetryMode = aws.RetryModeStandard
	}), nil
}
