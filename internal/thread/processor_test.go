package thread_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailpipe/internal/ai"
	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/source"
	"github.com/nhle/mailpipe/internal/store"
	"github.com/nhle/mailpipe/internal/thread"
	"github.com/nhle/mailpipe/tests/testutil"
)

type fixture struct {
	provider  *testutil.FakeProvider
	extractor *testutil.FakeExtractor
	state     *store.UserState
	processor *thread.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	state, _ := testutil.NewTestUserState(t)
	f := &fixture{
		provider:  testutil.NewFakeProvider(),
		extractor: testutil.NewFakeExtractor(),
		state:     state,
	}
	f.processor = thread.NewProcessor(
		f.provider.Factory(),
		f.extractor,
		nil,
		state,
		thread.Config{FetchTimeout: time.Second},
		zerolog.Nop(),
	)
	return f
}

// seed registers n single-message threads and returns their IDs.
func (f *fixture) seed(n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("t%d", i)
		f.provider.AddThread(id, "body of "+id)
		ids = append(ids, id)
	}
	return ids
}

var tokens = model.TokenPair{AccessToken: "a", RefreshToken: "r"}

func TestRunBelowThresholdMakesNoExtractionCalls(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(4)

	res, err := f.processor.Run(context.Background(), "u1", tokens, ids)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeInsufficient, res.Outcome)
	require.Equal(t, 4, res.ThreadCount)

	classify, extract := f.extractor.Calls()
	require.Zero(t, classify)
	require.Zero(t, extract)

	_, ok, err := f.state.Summaries(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, ok)

	status, ok, err := f.state.RunStatus(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.OutcomeInsufficient, status.Outcome)
}

func TestRunPersistsAllReports(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(5)

	res, err := f.processor.Run(context.Background(), "u1", tokens, ids)
	require.NoError(t, err)
	require.Equal(t, model.OutcomePersisted, res.Outcome)

	classify, extract := f.extractor.Calls()
	require.Equal(t, 1, classify)
	require.Equal(t, 3, extract)

	set, ok, err := f.state.Summaries(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, set.ThreadCount)
	for _, r := range set.Reports() {
		require.True(t, r.Present(), "kind %s", r.Kind)
	}
	require.Equal(t, `{"invoices":[]}`, set.Invoice.Body)

	batch := f.extractor.Batches[0]
	require.Equal(t, 4, strings.Count(batch, thread.Separator))
	require.Less(t, strings.Index(batch, `"threadId":"t1"`), strings.Index(batch, `"threadId":"t5"`))
}

func TestRunGateSkipLeavesPreviousSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.seed(6)

	previous := model.ExtractionReportSet{
		Invoice:     model.PresentReport(model.ReportInvoice, "old"),
		ThreadCount: 2,
	}
	require.NoError(t, f.state.PutSummaries(ctx, "u1", previous))

	f.extractor.Verdict = model.ClassificationVerdict{ShouldSkip: true, Category: "newsletter"}

	res, err := f.processor.Run(ctx, "u1", tokens, ids)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSkipped, res.Outcome)

	_, extract := f.extractor.Calls()
	require.Zero(t, extract)

	set, ok, err := f.state.Summaries(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "old", set.Invoice.Body)

	status, _, err := f.state.RunStatus(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "newsletter", status.Category)
}

func TestRunGateWithoutVerdictContinues(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(5)
	f.extractor.ClassifyErr = &ai.ExtractionError{Pass: "classification", Err: ai.ErrNoObjectGenerated}

	res, err := f.processor.Run(context.Background(), "u1", tokens, ids)
	require.NoError(t, err)
	require.Equal(t, model.OutcomePersisted, res.Outcome)
	require.Nil(t, res.Verdict)
}

func TestRunGateFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(5)
	f.extractor.ClassifyErr = errors.New("upstream unavailable")

	res, err := f.processor.Run(context.Background(), "u1", tokens, ids)
	require.Error(t, err)
	require.Equal(t, model.OutcomeFailed, res.Outcome)

	_, extract := f.extractor.Calls()
	require.Zero(t, extract)
}

func TestRunMissingInvoiceKeepsOtherReports(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(5)
	f.extractor.Errs[model.ReportInvoice] = &ai.ExtractionError{
		Pass: string(model.ReportInvoice),
		Err:  ai.ErrNoObjectGenerated,
	}

	res, err := f.processor.Run(context.Background(), "u1", tokens, ids)
	require.NoError(t, err)
	require.Equal(t, model.OutcomePersisted, res.Outcome)

	set, _, err := f.state.Summaries(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, set.Invoice.Present())
	require.Contains(t, set.Invoice.Reason, "no object generated")
	require.True(t, set.ActionDecision.Present())
	require.True(t, set.Analytics.Present())
}

func TestRunAllExtractionsFailKeepsPreviousSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.seed(5)
	require.NoError(t, f.state.PutSummaries(ctx, "u1", model.ExtractionReportSet{
		Analytics: model.PresentReport(model.ReportAnalytics, "kept"),
	}))
	for _, kind := range model.ReportKinds {
		f.extractor.Errs[kind] = errors.New("boom")
	}

	res, err := f.processor.Run(ctx, "u1", tokens, ids)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDegraded, res.Outcome)

	set, _, err := f.state.Summaries(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "kept", set.Analytics.Body)

	status, _, err := f.state.RunStatus(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDegraded, status.Outcome)
	require.Len(t, status.Errors, 3)
}

func TestRunDropsBrokenMessagesAndEmptyThreads(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(5)

	f.provider.AddThread("mixed", "first", "second", "third")
	f.provider.Broken["mixed-m2"] = true
	f.provider.AddThread("empty")
	f.provider.ThreadErr["gone"] = errors.New("connection reset")
	ids = append(ids, "mixed", "empty", "gone", "")

	res, err := f.processor.Run(context.Background(), "u1", tokens, ids)
	require.NoError(t, err)
	require.Equal(t, model.OutcomePersisted, res.Outcome)
	require.Equal(t, 6, res.ThreadCount)

	batch := f.extractor.Batches[0]
	require.Contains(t, batch, `"threadId":"mixed"`)
	require.Contains(t, batch, "first")
	require.Contains(t, batch, "third")
	require.NotContains(t, batch, "mixed-m2")
	require.NotContains(t, batch, `"threadId":"empty"`)
	require.NotContains(t, batch, `"threadId":"gone"`)
}

func TestRunTwiceOverwritesWithSameResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.seed(5)

	_, err := f.processor.Run(ctx, "u1", tokens, ids)
	require.NoError(t, err)
	first, _, err := f.state.Summaries(ctx, "u1")
	require.NoError(t, err)

	_, err = f.processor.Run(ctx, "u1", tokens, ids)
	require.NoError(t, err)
	second, _, err := f.state.Summaries(ctx, "u1")
	require.NoError(t, err)

	require.Equal(t, first.Reports(), second.Reports())
	require.Equal(t, first.ThreadCount, second.ThreadCount)
}

func TestRunProviderFactoryError(t *testing.T) {
	state, _ := testutil.NewTestUserState(t)
	factoryErr := errors.New("bad token")
	p := thread.NewProcessor(
		func(context.Context, model.TokenPair) (source.MailProvider, error) { return nil, factoryErr },
		testutil.NewFakeExtractor(),
		nil,
		state,
		thread.Config{},
		zerolog.Nop(),
	)

	_, err := p.Run(context.Background(), "u1", tokens, []string{"t1"})
	require.ErrorIs(t, err, factoryErr)
}
