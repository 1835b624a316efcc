package inbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailpipe/internal/credential"
	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/source"
	"github.com/nhle/mailpipe/internal/store"
	"github.com/nhle/mailpipe/internal/thread"
)

// Credentials is the part of the credential manager a sync pass needs.
type Credentials interface {
	GetCredentials(ctx context.Context, userID string) (model.UserCredential, error)
	RefreshUser(ctx context.Context, userID string) (model.UserCredential, error)
	ObserveSignIn(ctx context.Context, userID string, pair model.TokenPair) (bool, error)
}

// ThreadRunner processes a batch of thread IDs.
type ThreadRunner interface {
	Run(ctx context.Context, userID string, tokens model.TokenPair, threadIDs []string) (*thread.Result, error)
}

// Config selects what a sync pass lists.
type Config struct {
	Labels      []string
	MaxResults  int64
	FallbackMax int64
}

// Result describes a finished sync pass. Processing is nil when no thread
// was listed or the user had no credentials.
type Result struct {
	ThreadIDs  []string
	Processing *thread.Result
}

// Synchronizer lists a user's inbox, stores the thread ID set and hands
// it to the thread processor.
type Synchronizer struct {
	creds     Credentials
	providers source.Factory
	state     *store.UserState
	runner    ThreadRunner
	cfg       Config
	logger    zerolog.Logger
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(
	creds Credentials,
	providers source.Factory,
	state *store.UserState,
	runner ThreadRunner,
	cfg Config,
	logger zerolog.Logger,
) *Synchronizer {
	if len(cfg.Labels) == 0 {
		cfg.Labels = []string{model.LabelInbox}
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.FallbackMax <= 0 {
		cfg.FallbackMax = 30
	}
	return &Synchronizer{
		creds:     creds,
		providers: providers,
		state:     state,
		runner:    runner,
		cfg:       cfg,
		logger:    logger.With().Str("component", "inbox-sync").Logger(),
	}
}

// Run performs a full pass with the user's stored credentials. A user with
// no credentials is logged and skipped. A failed refresh aborts the pass
// before anything is listed, so the stored thread set stays as it was.
func (s *Synchronizer) Run(ctx context.Context, userID string) (*Result, error) {
	log := s.logger.With().Str("user", userID).Logger()

	cred, err := s.creds.RefreshUser(ctx, userID)
	if errors.Is(err, credential.ErrNotFound) {
		log.Warn().Msg("no credentials for user, skipping sync")
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("refreshing credentials: %w", err)
	}

	return s.sync(ctx, log, userID, cred.Tokens())
}

// RunWithTokens performs a pass with tokens handed over by bootstrap. The
// pair is recorded under the sign-in update policy first.
func (s *Synchronizer) RunWithTokens(
	ctx context.Context,
	userID string,
	pair model.TokenPair,
) (*Result, error) {
	log := s.logger.With().Str("user", userID).Logger()

	wrote, err := s.creds.ObserveSignIn(ctx, userID, pair)
	if err != nil {
		return nil, err
	}
	if wrote {
		log.Debug().Msg("stored credentials from bootstrap")
	}

	return s.sync(ctx, log, userID, pair)
}

func (s *Synchronizer) sync(
	ctx context.Context,
	log zerolog.Logger,
	userID string,
	tokens model.TokenPair,
) (*Result, error) {
	provider, err := s.providers(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("creating mail provider: %w", err)
	}

	refs, err := provider.ListThreads(ctx, s.cfg.Labels, s.cfg.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.ID != "" {
			ids = append(ids, ref.ID)
		}
	}
	if len(ids) == 0 {
		log.Info().Msg("no threads listed")
		return &Result{}, nil
	}

	if err := s.state.ReplaceThreadIDs(ctx, userID, ids); err != nil {
		return nil, fmt.Errorf("storing thread ids: %w", err)
	}
	log.Info().Int("threads", len(ids)).Msg("thread set replaced")

	res, err := s.runner.Run(ctx, userID, tokens, ids)
	if err != nil {
		return &Result{ThreadIDs: ids, Processing: res}, fmt.Errorf("processing threads: %w", err)
	}
	return &Result{ThreadIDs: ids, Processing: res}, nil
}

// AppendThreadIDs adds webhook-delivered thread IDs to the stored set,
// ignoring ones already present. It returns the IDs actually added.
func (s *Synchronizer) AppendThreadIDs(ctx context.Context, userID string, ids []string) ([]string, error) {
	added, err := s.state.AppendThreadIDs(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("appending thread ids: %w", err)
	}
	s.logger.Debug().
		Str("user", userID).
		Int("received", len(ids)).
		Int("added", len(added)).
		Msg("thread ids appended")
	return added, nil
}

// UserThreads returns the stored thread set. When nothing is stored and
// the user has credentials, the inbox is listed live instead.
func (s *Synchronizer) UserThreads(ctx context.Context, userID string) ([]model.ThreadRef, error) {
	ids, err := s.state.ThreadIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reading thread ids: %w", err)
	}
	if len(ids) > 0 {
		refs := make([]model.ThreadRef, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, model.ThreadRef{ID: id})
		}
		return refs, nil
	}

	cred, err := s.creds.GetCredentials(ctx, userID)
	if errors.Is(err, credential.ErrNotFound) {
		return []model.ThreadRef{}, nil
	}
	if err != nil {
		return nil, err
	}

	provider, err := s.providers(ctx, cred.Tokens())
	if err != nil {
		return nil, fmt.Errorf("creating mail provider: %w", err)
	}
	refs, err := provider.ListThreads(ctx, []string{model.LabelInbox}, s.cfg.FallbackMax)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	return refs, nil
}
