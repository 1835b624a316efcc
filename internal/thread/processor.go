package thread

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/nhle/mailpipe/internal/ai"
	"github.com/nhle/mailpipe/internal/blob"
	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/parser"
	"github.com/nhle/mailpipe/internal/source"
	"github.com/nhle/mailpipe/internal/store"
)

// DefaultMinThreads is the smallest batch worth an extraction call.
const DefaultMinThreads = 5

// ErrInsufficientBatch marks a batch below the viability threshold. Run
// reports it as an outcome, never as an error.
var ErrInsufficientBatch = errors.New("insufficient thread batch")

// Config bounds a processing run.
type Config struct {
	MinThreads         int
	ThreadConcurrency  int
	MessageConcurrency int
	FetchTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinThreads <= 0 {
		c.MinThreads = DefaultMinThreads
	}
	if c.ThreadConcurrency <= 0 {
		c.ThreadConcurrency = 8
	}
	if c.MessageConcurrency <= 0 {
		c.MessageConcurrency = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
}

// Result describes how a run ended.
type Result struct {
	Outcome     model.RunOutcome
	ThreadCount int
	Verdict     *model.ClassificationVerdict
	Reports     *model.ExtractionReportSet
}

// Processor turns thread IDs into a persisted extraction report set.
type Processor struct {
	providers source.Factory
	extractor ai.Extractor
	uploader  *blob.Uploader
	state     *store.UserState
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger
}

// NewProcessor creates a processor. uploader may be nil, in which case
// attachments are left out of parsed messages.
func NewProcessor(
	providers source.Factory,
	extractor ai.Extractor,
	uploader *blob.Uploader,
	state *store.UserState,
	cfg Config,
	logger zerolog.Logger,
) *Processor {
	cfg.applyDefaults()
	return &Processor{
		providers: providers,
		extractor: extractor,
		uploader:  uploader,
		state:     state,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With().Str("component", "thread-processor").Logger(),
	}
}

// Run fetches, parses and serializes threadIDs, gates the batch and runs
// the extraction passes. Item-level failures are logged and dropped; the
// returned error is reserved for run-level failures.
func (p *Processor) Run(
	ctx context.Context,
	userID string,
	tokens model.TokenPair,
	threadIDs []string,
) (*Result, error) {
	log := p.logger.With().Str("user", userID).Logger()

	provider, err := p.providers(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("creating mail provider: %w", err)
	}

	threads, err := p.gather(ctx, log, userID, provider, threadIDs)
	res := &Result{ThreadCount: len(threads)}
	switch {
	case errors.Is(err, ErrInsufficientBatch):
		log.Info().
			Int("threads", len(threads)).
			Int("min", p.cfg.MinThreads).
			Msg("batch below threshold, skipping extraction")
		res.Outcome = model.OutcomeInsufficient
		p.recordStatus(ctx, log, userID, res, nil)
		return res, nil
	case err != nil:
		return nil, err
	}

	batch, err := SerializeBatch(threads)
	if err != nil {
		return nil, err
	}

	verdict, err := p.extractor.Classify(ctx, batch)
	switch {
	case errors.Is(err, ai.ErrNoObjectGenerated):
		log.Warn().Err(err).Msg("gate produced no verdict, continuing")
	case err != nil:
		res.Outcome = model.OutcomeFailed
		p.recordStatus(ctx, log, userID, res, []string{err.Error()})
		return res, fmt.Errorf("classifying batch: %w", err)
	default:
		res.Verdict = &verdict
	}

	if res.Verdict != nil && res.Verdict.ShouldSkip {
		log.Info().
			Str("category", verdict.Category).
			Int("threads", len(threads)).
			Msg("gate skipped batch")
		res.Outcome = model.OutcomeSkipped
		p.recordStatus(ctx, log, userID, res, nil)
		return res, nil
	}

	set, failures := p.extractAll(ctx, log, batch)
	set.ThreadCount = len(threads)
	set.GeneratedAt = p.now().UTC()
	res.Reports = &set

	if !set.AnyPresent() {
		log.Warn().Strs("errors", failures).Msg("every extraction failed, keeping previous report")
		res.Outcome = model.OutcomeDegraded
		p.recordStatus(ctx, log, userID, res, failures)
		return res, nil
	}

	if err := p.state.PutSummaries(ctx, userID, set); err != nil {
		return nil, fmt.Errorf("persisting summaries: %w", err)
	}

	res.Outcome = model.OutcomePersisted
	p.recordStatus(ctx, log, userID, res, failures)
	log.Info().
		Int("threads", len(threads)).
		Int("failed_reports", len(failures)).
		Msg("summaries persisted")
	return res, nil
}

// gather fetches and parses the batch, returning ErrInsufficientBatch
// alongside the threads when fewer than MinThreads survive.
func (p *Processor) gather(
	ctx context.Context,
	log zerolog.Logger,
	userID string,
	provider source.MailProvider,
	threadIDs []string,
) ([]model.ParsedThread, error) {
	threads := p.fetchThreads(ctx, log, userID, provider, threadIDs)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(threads) < p.cfg.MinThreads {
		return threads, ErrInsufficientBatch
	}
	return threads, nil
}

type indexedThread struct {
	index  int
	thread model.ParsedThread
}

type indexedMessage struct {
	index int
	msg   model.ParsedMessage
}

// fetchThreads loads every thread concurrently. Threads that fail to load
// or end up with no parsed messages are dropped; order follows threadIDs.
func (p *Processor) fetchThreads(
	ctx context.Context,
	log zerolog.Logger,
	userID string,
	provider source.MailProvider,
	threadIDs []string,
) []model.ParsedThread {
	workers := pool.NewWithResults[*indexedThread]().WithMaxGoroutines(p.cfg.ThreadConcurrency)

	for i, id := range threadIDs {
		if id == "" {
			continue
		}
		workers.Go(func() *indexedThread {
			msgs := p.fetchThread(ctx, log, userID, provider, id)
			if len(msgs) == 0 {
				return nil
			}
			return &indexedThread{index: i, thread: model.ParsedThread{ThreadID: id, Messages: msgs}}
		})
	}

	results := workers.Wait()
	sort.Slice(results, func(a, b int) bool {
		return order(results[a]) < order(results[b])
	})

	threads := make([]model.ParsedThread, 0, len(results))
	for _, r := range results {
		if r != nil {
			threads = append(threads, r.thread)
		}
	}
	return threads
}

func order(t *indexedThread) int {
	if t == nil {
		return -1
	}
	return t.index
}

func (p *Processor) fetchThread(
	ctx context.Context,
	log zerolog.Logger,
	userID string,
	provider source.MailProvider,
	threadID string,
) []model.ParsedMessage {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	refs, err := provider.GetThread(callCtx, threadID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("thread", threadID).Msg("thread fetch failed, dropping")
		return nil
	}
	if len(refs) == 0 {
		return nil
	}

	workers := pool.NewWithResults[*indexedMessage]().WithMaxGoroutines(p.cfg.MessageConcurrency)
	for i, ref := range refs {
		if ref.ID == "" {
			continue
		}
		workers.Go(func() *indexedMessage {
			msg, err := p.fetchMessage(ctx, userID, provider, ref.ID)
			if err != nil {
				log.Warn().Err(err).
					Str("thread", threadID).
					Str("message", ref.ID).
					Msg("message dropped")
				return nil
			}
			return &indexedMessage{index: i, msg: *msg}
		})
	}

	results := workers.Wait()
	sort.Slice(results, func(a, b int) bool {
		return msgOrder(results[a]) < msgOrder(results[b])
	})

	msgs := make([]model.ParsedMessage, 0, len(results))
	for _, r := range results {
		if r != nil {
			msgs = append(msgs, r.msg)
		}
	}
	return msgs
}

func msgOrder(m *indexedMessage) int {
	if m == nil {
		return -1
	}
	return m.index
}

func (p *Processor) fetchMessage(
	ctx context.Context,
	userID string,
	provider source.MailProvider,
	messageID string,
) (*model.ParsedMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	raw, err := provider.GetMessage(callCtx, messageID, model.FormatRaw)
	cancel()
	if err != nil {
		return nil, err
	}

	parsed, err := parser.Parse(raw)
	if err != nil {
		return nil, err
	}

	msg := parsed.Message
	if len(parsed.Attachments) > 0 && p.uploader != nil {
		msg.AttachmentRefs = p.uploader.Upload(ctx, userID, &msg, parsed.Attachments)
	}
	return &msg, nil
}

// extractAll runs every extraction pass concurrently. A failed pass yields
// an absent report and its error text.
func (p *Processor) extractAll(
	ctx context.Context,
	log zerolog.Logger,
	batch string,
) (model.ExtractionReportSet, []string) {
	workers := pool.NewWithResults[model.Report]()
	for _, kind := range model.ReportKinds {
		workers.Go(func() model.Report {
			body, err := p.extractor.Extract(ctx, kind, batch)
			if err != nil {
				log.Warn().Err(err).Str("kind", string(kind)).Msg("extraction failed")
				return model.AbsentReport(kind, err.Error())
			}
			return model.PresentReport(kind, body)
		})
	}

	var set model.ExtractionReportSet
	var failures []string
	for _, r := range workers.Wait() {
		set.Set(r)
		if !r.Present() {
			failures = append(failures, fmt.Sprintf("%s: %s", r.Kind, r.Reason))
		}
	}
	sort.Strings(failures)
	return set, failures
}

// recordStatus stores the last-run status. Failures are logged only.
func (p *Processor) recordStatus(
	ctx context.Context,
	log zerolog.Logger,
	userID string,
	res *Result,
	errs []string,
) {
	status := model.RunStatus{
		Outcome:     res.Outcome,
		ThreadCount: res.ThreadCount,
		Errors:      errs,
		At:          p.now().UTC(),
	}
	if res.Verdict != nil {
		status.Category = res.Verdict.Category
	}
	if err := p.state.PutRunStatus(ctx, userID, status); err != nil {
		log.Error().Err(err).Msg("recording run status failed")
	}
}
