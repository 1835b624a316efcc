package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/store"
	"github.com/nhle/mailpipe/tests/testutil"
)

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, ok, err := s.Get(ctx, "u1:threads")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, "u1:threads", []byte(`["a"]`)))
	require.NoError(t, s.Put(ctx, "u1:threads", []byte(`["b"]`)))

	value, ok, err := s.Get(ctx, "u1:threads")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `["b"]`, string(value))

	require.NoError(t, s.Delete(ctx, "u1:threads"))
	_, ok, err = s.Get(ctx, "u1:threads")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := t.TempDir() + "/state.db"

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	value, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(value))
}

func TestStepLog(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	run, err := s.EnsureRun(ctx, "run-1", "u1")
	require.NoError(t, err)
	require.Equal(t, model.RunPending, run.State)

	again, err := s.EnsureRun(ctx, "run-1", "someone-else")
	require.NoError(t, err)
	require.Equal(t, "u1", again.UserID)

	require.NoError(t, s.SaveStep(ctx, model.StepRecord{
		RunID:    "run-1",
		Step:     model.StepGetTokens,
		Status:   model.StepCompleted,
		Result:   []byte(`{"found":true}`),
		Attempts: 2,
	}))
	require.NoError(t, s.SetRunState(ctx, "run-1", model.RunTokensFetched, ""))

	steps, err := s.GetSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, model.StepGetTokens, steps[0].Step)
	require.Equal(t, model.StepCompleted, steps[0].Status)
	require.Equal(t, 2, steps[0].Attempts)
	require.JSONEq(t, `{"found":true}`, string(steps[0].Result))

	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunTokensFetched, run.State)

	runs, err := s.GetRunsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, err = s.GetRun(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.SetRunState(ctx, "missing", model.RunDone, ""), store.ErrNotFound)
}

func TestUserStateThreads(t *testing.T) {
	ctx := context.Background()
	state, _ := testutil.NewTestUserState(t)

	ids, err := state.ThreadIDs(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, state.ReplaceThreadIDs(ctx, "u1", []string{"t1", "t2"}))
	require.NoError(t, state.ReplaceThreadIDs(ctx, "u1", []string{"t3"}))

	ids, err = state.ThreadIDs(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"t3"}, ids)

	added, err := state.AppendThreadIDs(ctx, "u1", []string{"t3", "t4", "t4", ""})
	require.NoError(t, err)
	require.Equal(t, []string{"t4"}, added)

	added, err = state.AppendThreadIDs(ctx, "u1", []string{"t3", "t4"})
	require.NoError(t, err)
	require.Empty(t, added)

	ids, err = state.ThreadIDs(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"t3", "t4"}, ids)

	other, err := state.ThreadIDs(ctx, "u2")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestUserStateReports(t *testing.T) {
	ctx := context.Background()
	state, kv := testutil.NewTestUserState(t)

	_, ok, err := state.Summaries(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)

	set := model.ExtractionReportSet{
		Invoice:        model.PresentReport(model.ReportInvoice, `{"total":3}`),
		ActionDecision: model.AbsentReport(model.ReportActionDecision, "no object generated"),
		Analytics:      model.PresentReport(model.ReportAnalytics, "ok"),
		ThreadCount:    6,
		GeneratedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, state.PutSummaries(ctx, "u1", set))

	got, ok, err := state.Summaries(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, set, *got)

	_, ok, err = kv.Get(ctx, store.Key("u1", store.KeySummaries))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, state.PutThreadReport(ctx, "u1", "t1", "first"))
	require.NoError(t, state.PutThreadReport(ctx, "u1", "t2", "second"))
	report, ok, err := state.ThreadReport(ctx, "u1", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", report)
}

func TestAccountStoreLookup(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	accounts := testutil.NewTestAccountStore(t, s, map[string]string{
		"u1": "refresh-1",
		"u2": "",
	})

	pair, ok, err := accounts.LookupTokens(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.TokenPair{AccessToken: "access-u1", RefreshToken: "refresh-1"}, pair)

	_, ok, err = accounts.LookupTokens(ctx, "u2")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = accounts.LookupTokens(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, ok)
}
