package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailpipe/internal/actor"
	"github.com/nhle/mailpipe/internal/ai"
	"github.com/nhle/mailpipe/internal/blob"
	"github.com/nhle/mailpipe/internal/credential"
	"github.com/nhle/mailpipe/internal/inbox"
	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/pipeline"
	"github.com/nhle/mailpipe/internal/source/gmail"
	"github.com/nhle/mailpipe/internal/store"
	appsync "github.com/nhle/mailpipe/internal/sync"
	"github.com/nhle/mailpipe/internal/thread"
	"github.com/nhle/mailpipe/internal/workflow"
)

// App holds the wired components of a running process.
type App struct {
	Config  *model.AppConfig
	Service *pipeline.Service
	Actors  *actor.Registry
	Steps   *store.SQLiteStore

	root    zerolog.Logger
	logger  zerolog.Logger
	closers []func() error
}

// New opens every backend named in cfg and wires the pipeline. Secrets
// left empty in cfg are looked up in the system keyring.
func New(ctx context.Context, cfg *model.AppConfig, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		root:   logger,
		logger: logger.With().Str("component", "app").Logger(),
	}

	if err := a.wire(ctx, cfg, logger); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg *model.AppConfig, logger zerolog.Logger) error {
	if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}
	steps, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	a.Steps = steps
	a.closers = append(a.closers, steps.Close)

	kv, err := a.openKV(ctx, cfg.Storage, steps)
	if err != nil {
		return err
	}
	state := store.NewUserState(kv)

	var accounts credential.AccountLookup
	if cfg.Accounts.DSN != "" {
		acct, err := store.OpenAccountStore(cfg.Accounts.Driver, cfg.Accounts.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, acct.Close)
		accounts = acct
	}

	clientSecret := a.secret(cfg.Google.ClientSecret, credential.KeyGoogleClientSecret)
	creds := credential.NewManager(
		state,
		accounts,
		credential.OAuthConfig(cfg.Google.ClientID, clientSecret, cfg.Google.TokenURL),
		logger,
	)

	providers := gmail.NewFactory(
		cfg.Google.Endpoint,
		time.Duration(cfg.Google.RequestTimeoutSec)*time.Second,
	)

	extractor := ai.New(ai.Config{
		APIKey:    a.secret(cfg.AI.APIKey, credential.KeyAIAPIKey),
		BaseURL:   cfg.AI.BaseURL,
		Model:     cfg.AI.Model,
		GateModel: cfg.AI.GateModel,
		MaxTokens: cfg.AI.MaxTokens,
		Timeout:   time.Duration(cfg.AI.TimeoutSec) * time.Second,
	}, logger)

	uploader, err := a.openUploader(cfg.Blob, logger)
	if err != nil {
		return err
	}

	processor := thread.NewProcessor(providers, extractor, uploader, state, thread.Config{
		MinThreads:         cfg.Processor.MinThreads,
		ThreadConcurrency:  cfg.Processor.ThreadConcurrency,
		MessageConcurrency: cfg.Processor.MessageConcurrency,
		FetchTimeout:       cfg.Processor.FetchTimeout(),
	}, logger)

	syncer := inbox.NewSynchronizer(creds, providers, state, processor, inbox.Config{
		Labels:      cfg.Sync.Labels,
		MaxResults:  cfg.Sync.MaxResults,
		FallbackMax: cfg.Sync.FallbackMax,
	}, logger)

	bootstrap := workflow.NewBootstrap(steps, accounts, creds, providers, syncer, workflow.Config{
		Topic:       cfg.Google.PubSubTopic,
		WatchLabels: cfg.Sync.WatchLabels,
		Retries:     cfg.Workflow.RetriesFor,
		Backoff:     time.Duration(cfg.Workflow.BackoffMs) * time.Millisecond,
	}, logger)

	a.Actors = actor.NewRegistry(time.Duration(cfg.Actor.IdleTimeoutSec)*time.Second, logger)
	a.Service = pipeline.New(a.Actors, creds, syncer, processor, bootstrap, state, logger)
	return nil
}

// openKV returns the configured per-user state backend. The SQLite store
// always backs the step log; it doubles as the KV unless redis is chosen.
func (a *App) openKV(ctx context.Context, cfg model.StorageConfig, steps *store.SQLiteStore) (store.KV, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return steps, nil
	case "redis":
		rs, err := store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// openUploader returns nil when attachments are disabled.
func (a *App) openUploader(cfg model.BlobConfig, logger zerolog.Logger) (*blob.Uploader, error) {
	var bs blob.Store
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "fs":
		fs, err := blob.NewFSStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		bs = fs
	case "s3":
		s3, err := blob.NewS3Store(blob.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: a.secret(cfg.SecretAccessKey, credential.KeyBlobSecretKey),
		})
		if err != nil {
			return nil, err
		}
		bs = s3
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
	return blob.NewUploader(bs, cfg.PublicURL, cfg.MaxAttachmentBytes, logger), nil
}

// secret falls back to the keyring. Keyring failures are logged and leave
// the secret empty.
func (a *App) secret(value, key string) string {
	resolved, err := credential.Resolve(value, key)
	if err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("keyring lookup failed")
		return ""
	}
	return resolved
}

// Serve runs the actor reaper and the re-sync poller for the configured
// users until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	a.Actors.Start()
	defer a.Actors.Stop()

	poller := appsync.New(
		a.Service,
		time.Duration(a.Config.Sync.PollIntervalSec)*time.Second,
		a.root,
	)
	for _, userID := range a.Config.Sync.Users {
		poller.RegisterUser(userID)
	}
	poller.Start()
	defer poller.Stop()

	a.logger.Info().Int("users", len(a.Config.Sync.Users)).Msg("serving")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("shutting down")
			return nil
		case res := <-poller.Results():
			if res.AuthError {
				a.logger.Warn().Str("user", res.UserID).Msg("mail provider rejected credentials")
			}
		}
	}
}

// Close releases every backend opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
