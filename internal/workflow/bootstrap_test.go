package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailpipe/internal/credential"
	"github.com/nhle/mailpipe/internal/inbox"
	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/source"
	"github.com/nhle/mailpipe/internal/store"
	"github.com/nhle/mailpipe/internal/workflow"
	"github.com/nhle/mailpipe/tests/testutil"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (model.TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return model.TokenPair{}, f.err
	}
	return model.TokenPair{AccessToken: "fresh-" + refreshToken, RefreshToken: refreshToken}, nil
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
	pairs []model.TokenPair
	err   error
}

func (f *fakeSyncer) RunWithTokens(_ context.Context, _ string, pair model.TokenPair) (*inbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.pairs = append(f.pairs, pair)
	if f.err != nil {
		return nil, f.err
	}
	return &inbox.Result{ThreadIDs: []string{"t1", "t2"}}, nil
}

type fixture struct {
	store     *store.SQLiteStore
	refresher *fakeRefresher
	syncer    *fakeSyncer
	provider  *testutil.FakeProvider
	watchWith []model.TokenPair
	bootstrap *workflow.Bootstrap
}

func newFixture(t *testing.T, refreshTokens map[string]string) *fixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	accounts := testutil.NewTestAccountStore(t, s, refreshTokens)

	f := &fixture{
		store:     s,
		refresher: &fakeRefresher{},
		syncer:    &fakeSyncer{},
		provider:  testutil.NewFakeProvider(),
	}
	factory := func(_ context.Context, pair model.TokenPair) (source.MailProvider, error) {
		f.watchWith = append(f.watchWith, pair)
		return f.provider, nil
	}
	f.bootstrap = workflow.NewBootstrap(
		s,
		accounts,
		f.refresher,
		factory,
		f.syncer,
		workflow.Config{Topic: "projects/p/topics/mail"},
		zerolog.Nop(),
	)
	return f
}

func (f *fixture) stepStatus(t *testing.T, runID string) map[model.StepName]model.StepRecord {
	t.Helper()
	recs, err := f.store.GetSteps(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[model.StepName]model.StepRecord, len(recs))
	for _, r := range recs {
		out[r.Step] = r
	}
	return out
}

func TestBootstrapRunsEveryStep(t *testing.T) {
	f := newFixture(t, map[string]string{"u1": "r1"})

	res, err := f.bootstrap.Run(context.Background(), "u1", "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunDone, res.Run.State)
	require.False(t, res.NoTokens)
	require.EqualValues(t, 1000, res.HistoryID)
	require.Equal(t, 2, res.ThreadCount)

	require.Equal(t, 1, f.refresher.calls)
	require.Equal(t, "projects/p/topics/mail", f.provider.WatchTopic)
	require.Equal(t, []string{model.LabelInbox, model.LabelUnread}, f.provider.WatchLabels)
	require.Equal(t, []model.TokenPair{{AccessToken: "fresh-r1", RefreshToken: "r1"}}, f.syncer.pairs)

	steps := f.stepStatus(t, "run-1")
	require.Len(t, steps, 4)
	for _, name := range model.BootstrapSteps {
		require.Equal(t, model.StepCompleted, steps[name].Status, "step %s", name)
		require.Equal(t, 1, steps[name].Attempts)
	}
}

func TestBootstrapWithoutStoredTokenEndsEarly(t *testing.T) {
	f := newFixture(t, map[string]string{"u1": ""})

	res, err := f.bootstrap.Run(context.Background(), "u1", "run-1")
	require.NoError(t, err)
	require.True(t, res.NoTokens)
	require.Equal(t, model.RunDone, res.Run.State)

	require.Zero(t, f.refresher.calls)
	require.Zero(t, f.provider.WatchCalls)
	require.Zero(t, f.syncer.calls)
	require.Len(t, f.stepStatus(t, "run-1"), 2)
}

func TestBootstrapResumesAfterTokensFetched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"u1": "r1"})

	_, err := f.store.EnsureRun(ctx, "run-1", "u1")
	require.NoError(t, err)
	require.NoError(t, f.store.SaveStep(ctx, model.StepRecord{
		RunID: "run-1", Step: model.StepGetUserDetails, Status: model.StepCompleted, Attempts: 1,
		Result: json.RawMessage(`{"found":true,"refreshToken":"r1"}`),
	}))
	require.NoError(t, f.store.SaveStep(ctx, model.StepRecord{
		RunID: "run-1", Step: model.StepGetTokens, Status: model.StepCompleted, Attempts: 1,
		Result: json.RawMessage(`{"found":true,"accessToken":"checkpointed","refreshToken":"r1"}`),
	}))
	require.NoError(t, f.store.SetRunState(ctx, "run-1", model.RunTokensFetched, ""))

	res, err := f.bootstrap.Run(ctx, "u1", "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunDone, res.Run.State)

	require.Zero(t, f.refresher.calls, "get-tokens must not run again")
	require.Equal(t, []model.TokenPair{{AccessToken: "checkpointed", RefreshToken: "r1"}}, f.watchWith)
	require.Equal(t, 1, f.provider.WatchCalls)
}

func TestBootstrapRetriesWatchThenResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"u1": "r1"})
	f.provider.WatchErr = &source.ProviderError{Op: "users.watch", Code: 503, Message: "unavailable"}

	_, err := f.bootstrap.Run(ctx, "u1", "run-1")
	require.Error(t, err)
	require.Equal(t, 3, f.provider.WatchCalls)

	run, err := f.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, run.State)
	require.Equal(t, string(model.StepRegisterWatch), run.FailedStep)

	steps := f.stepStatus(t, "run-1")
	require.Equal(t, model.StepFailed, steps[model.StepRegisterWatch].Status)
	require.Equal(t, 3, steps[model.StepRegisterWatch].Attempts)
	require.Contains(t, steps[model.StepRegisterWatch].Error, "unavailable")

	f.provider.WatchErr = nil
	res, err := f.bootstrap.Run(ctx, "u1", "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunDone, res.Run.State)
	require.Empty(t, res.Run.FailedStep)
	require.Equal(t, 1, f.refresher.calls)
	require.Equal(t, 1, f.syncer.calls)
	require.Equal(t, 4, f.stepStatus(t, "run-1")[model.StepRegisterWatch].Attempts)
}

func TestBootstrapRejectedRefreshIsNotRetried(t *testing.T) {
	f := newFixture(t, map[string]string{"u1": "r1"})
	f.refresher.err = &credential.TokenRefreshError{StatusCode: 400, Err: errors.New("invalid_grant")}

	_, err := f.bootstrap.Run(context.Background(), "u1", "run-1")
	var refreshErr *credential.TokenRefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, 1, f.refresher.calls)
	require.Zero(t, f.provider.WatchCalls)
}

func TestBootstrapSyncStepIsNotRetried(t *testing.T) {
	f := newFixture(t, map[string]string{"u1": "r1"})
	f.syncer.err = errors.New("listing failed")

	_, err := f.bootstrap.Run(context.Background(), "u1", "run-1")
	require.Error(t, err)
	require.Equal(t, 1, f.syncer.calls)

	steps := f.stepStatus(t, "run-1")
	require.Equal(t, model.StepCompleted, steps[model.StepRegisterWatch].Status)
	require.Equal(t, model.StepFailed, steps[model.StepRunSync].Status)
}

func TestBootstrapCompletedRunReplaysOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"u1": "r1"})

	_, err := f.bootstrap.Run(ctx, "u1", "run-1")
	require.NoError(t, err)

	res, err := f.bootstrap.Run(ctx, "u1", "run-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, res.HistoryID)
	require.Equal(t, 1, f.refresher.calls)
	require.Equal(t, 1, f.provider.WatchCalls)
	require.Equal(t, 1, f.syncer.calls)
}

func TestBootstrapRunBelongsToOneUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"u1": "r1", "u2": "r2"})

	_, err := f.bootstrap.Run(ctx, "u1", "run-1")
	require.NoError(t, err)

	_, err = f.bootstrap.Run(ctx, "u2", "run-1")
	require.Error(t, err)
}
