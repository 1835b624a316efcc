package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailpipe/internal/credential"
	"github.com/nhle/mailpipe/internal/inbox"
	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/source"
	"github.com/nhle/mailpipe/internal/store"
)

// Refresher exchanges a refresh token for a fresh token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error)
}

// Syncer runs an inbox sync pass with tokens obtained by the workflow.
type Syncer interface {
	RunWithTokens(ctx context.Context, userID string, pair model.TokenPair) (*inbox.Result, error)
}

// Config controls the watch registration and retry budgets.
type Config struct {
	Topic       string
	WatchLabels []string

	// Retries returns how many times a failed step is retried.
	Retries func(step model.StepName) int

	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
}

// Result is what a finished bootstrap run produced.
type Result struct {
	Run         model.BootstrapRun
	NoTokens    bool
	HistoryID   uint64
	ThreadCount int
}

type userDetails struct {
	Found        bool   `json:"found"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type tokensResult struct {
	Found        bool   `json:"found"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type watchResult struct {
	HistoryID uint64 `json:"historyId"`
}

type syncResult struct {
	ThreadCount int    `json:"threadCount"`
	Outcome     string `json:"outcome,omitempty"`
}

// Bootstrap runs the checkpointed sign-in workflow: read the stored
// refresh token, refresh it, register the mailbox watch and sync the
// inbox. Completed steps are read back from the step log instead of
// being executed again.
type Bootstrap struct {
	steps     store.StepLog
	accounts  credential.AccountLookup
	refresher Refresher
	providers source.Factory
	syncer    Syncer
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger
}

// NewBootstrap creates the workflow.
func NewBootstrap(
	steps store.StepLog,
	accounts credential.AccountLookup,
	refresher Refresher,
	providers source.Factory,
	syncer Syncer,
	cfg Config,
	logger zerolog.Logger,
) *Bootstrap {
	if len(cfg.WatchLabels) == 0 {
		cfg.WatchLabels = []string{model.LabelInbox, model.LabelUnread}
	}
	if cfg.Retries == nil {
		cfg.Retries = model.WorkflowConfig{}.RetriesFor
	}
	return &Bootstrap{
		steps:     steps,
		accounts:  accounts,
		refresher: refresher,
		providers: providers,
		syncer:    syncer,
		cfg:       cfg,
		sleep:     sleepCtx,
		logger:    logger.With().Str("component", "bootstrap").Logger(),
	}
}

// runCtx carries step outputs forward within one invocation.
type runCtx struct {
	run     *model.BootstrapRun
	records map[model.StepName]model.StepRecord
	details userDetails
	tokens  tokensResult
	watch   watchResult
	sync    syncResult
}

// Run executes or resumes the run identified by runID.
func (b *Bootstrap) Run(ctx context.Context, userID, runID string) (*Result, error) {
	log := b.logger.With().Str("user", userID).Str("run", runID).Logger()

	run, err := b.steps.EnsureRun(ctx, runID, userID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, fmt.Errorf("run %s belongs to another user", runID)
	}

	records, err := b.steps.GetSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	rc := &runCtx{run: run, records: make(map[model.StepName]model.StepRecord, len(records))}
	for _, rec := range records {
		rc.records[rec.Step] = rec
	}

	for _, step := range model.BootstrapSteps {
		if err := b.step(ctx, log, rc, step); err != nil {
			if stateErr := b.steps.SetRunState(ctx, runID, model.RunFailed, string(step)); stateErr != nil {
				log.Error().Err(stateErr).Msg("recording failed run state")
			}
			log.Error().Err(err).Str("step", string(step)).Msg("bootstrap failed")
			return nil, fmt.Errorf("bootstrap step %s: %w", step, err)
		}

		if step == model.StepGetTokens && !rc.tokens.Found {
			log.Info().Msg("no stored refresh token, nothing to bootstrap")
			break
		}
		if state := model.StateAfter(step); state != model.RunPending {
			if err := b.steps.SetRunState(ctx, runID, state, ""); err != nil {
				return nil, err
			}
		}
	}

	if err := b.steps.SetRunState(ctx, runID, model.RunDone, ""); err != nil {
		return nil, err
	}
	run, err = b.steps.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Run:         *run,
		NoTokens:    !rc.tokens.Found,
		HistoryID:   rc.watch.HistoryID,
		ThreadCount: rc.sync.ThreadCount,
	}, nil
}

// step replays a completed step or executes it within its retry budget.
func (b *Bootstrap) step(ctx context.Context, log zerolog.Logger, rc *runCtx, step model.StepName) error {
	out := rc.output(step)

	rec, ok := rc.records[step]
	if ok && rec.Status == model.StepCompleted {
		log.Debug().Str("step", string(step)).Msg("replaying completed step")
		if err := json.Unmarshal(rec.Result, out); err != nil {
			return fmt.Errorf("decoding checkpoint: %w", err)
		}
		return nil
	}

	rec = model.StepRecord{RunID: rc.run.RunID, Step: step, Attempts: rec.Attempts}
	budget := b.cfg.Retries(step)

	var lastErr error
	for attempt := 0; attempt <= budget; attempt++ {
		if attempt > 0 {
			if err := b.sleep(ctx, time.Duration(attempt)*b.cfg.Backoff); err != nil {
				return err
			}
		}

		rec.Attempts++
		rec.Status = model.StepRunning
		rec.Error = ""
		rec.UpdatedAt = time.Time{}
		if err := b.steps.SaveStep(ctx, rec); err != nil {
			return err
		}

		lastErr = b.execute(ctx, rc, step)
		if lastErr == nil {
			break
		}
		log.Warn().Err(lastErr).
			Str("step", string(step)).
			Int("attempt", attempt+1).
			Int("budget", budget+1).
			Msg("step attempt failed")
		if permanent(lastErr) || ctx.Err() != nil {
			break
		}
	}

	rec.UpdatedAt = time.Time{}
	if lastErr != nil {
		rec.Status = model.StepFailed
		rec.Error = lastErr.Error()
		if err := b.steps.SaveStep(ctx, rec); err != nil {
			log.Error().Err(err).Msg("recording failed step")
		}
		return lastErr
	}

	result, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	rec.Status = model.StepCompleted
	rec.Result = result
	return b.steps.SaveStep(ctx, rec)
}

func (rc *runCtx) output(step model.StepName) any {
	switch step {
	case model.StepGetUserDetails:
		return &rc.details
	case model.StepGetTokens:
		return &rc.tokens
	case model.StepRegisterWatch:
		return &rc.watch
	default:
		return &rc.sync
	}
}

func (b *Bootstrap) execute(ctx context.Context, rc *runCtx, step model.StepName) error {
	userID := rc.run.UserID

	switch step {
	case model.StepGetUserDetails:
		if b.accounts == nil {
			rc.details = userDetails{}
			return nil
		}
		pair, found, err := b.accounts.LookupTokens(ctx, userID)
		if err != nil {
			return err
		}
		rc.details = userDetails{Found: found && pair.RefreshToken != "", RefreshToken: pair.RefreshToken}
		return nil

	case model.StepGetTokens:
		if !rc.details.Found {
			rc.tokens = tokensResult{}
			return nil
		}
		pair, err := b.refresher.Refresh(ctx, rc.details.RefreshToken)
		if err != nil {
			return err
		}
		rc.tokens = tokensResult{Found: true, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}
		return nil

	case model.StepRegisterWatch:
		provider, err := b.providers(ctx, rc.pair())
		if err != nil {
			return err
		}
		historyID, err := provider.RegisterWatch(ctx, b.cfg.Topic, b.cfg.WatchLabels)
		if err != nil {
			return err
		}
		rc.watch = watchResult{HistoryID: historyID}
		return nil

	case model.StepRunSync:
		res, err := b.syncer.RunWithTokens(ctx, userID, rc.pair())
		if err != nil {
			return err
		}
		rc.sync = syncResult{ThreadCount: len(res.ThreadIDs)}
		if res.Processing != nil {
			rc.sync.Outcome = string(res.Processing.Outcome)
		}
		return nil
	}

	return fmt.Errorf("unknown step %q", step)
}

func (rc *runCtx) pair() model.TokenPair {
	return model.TokenPair{AccessToken: rc.tokens.AccessToken, RefreshToken: rc.tokens.RefreshToken}
}

// permanent reports whether retrying err cannot help: rejected refresh
// tokens and client errors other than rate limiting.
func permanent(err error) bool {
	var refreshErr *credential.TokenRefreshError
	if errors.As(err, &refreshErr) {
		return refreshErr.StatusCode >= 400 && refreshErr.StatusCode < 500
	}
	var provErr *source.ProviderError
	if errors.As(err, &provErr) {
		return provErr.Code >= 400 && provErr.Code < 500 && provErr.Code != http.StatusTooManyRequests
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
