package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/mailpipe/internal/actor"
	"github.com/nhle/mailpipe/internal/credential"
	"github.com/nhle/mailpipe/internal/inbox"
	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/store"
	"github.com/nhle/mailpipe/internal/thread"
	"github.com/nhle/mailpipe/internal/workflow"
)

// Service is the entry point used by the CLI, the poller and any outer
// transport. Every call that writes user state runs inside that user's
// actor slot, so writes for one user never interleave.
type Service struct {
	actors    *actor.Registry
	creds     inbox.Credentials
	syncer    *inbox.Synchronizer
	processor *thread.Processor
	bootstrap *workflow.Bootstrap
	state     *store.UserState
	inflight  singleflight.Group
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[string]string // userID -> runID of the in-flight bootstrap
}

// ErrBootstrapInFlight is returned when a specific run is requested while
// another run for the same user is still executing.
var ErrBootstrapInFlight = errors.New("another bootstrap run is in flight")

// New wires a Service from its components.
func New(
	actors *actor.Registry,
	creds inbox.Credentials,
	syncer *inbox.Synchronizer,
	processor *thread.Processor,
	bootstrap *workflow.Bootstrap,
	state *store.UserState,
	logger zerolog.Logger,
) *Service {
	return &Service{
		actors:    actors,
		creds:     creds,
		syncer:    syncer,
		processor: processor,
		bootstrap: bootstrap,
		state:     state,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		running:   make(map[string]string),
	}
}

// GetThreadBatchAISummary returns the last persisted report set.
func (s *Service) GetThreadBatchAISummary(
	ctx context.Context,
	userID string,
) (*model.ExtractionReportSet, bool, error) {
	return s.state.Summaries(ctx, userID)
}

// LastRunStatus returns how the last processing run for userID ended.
func (s *Service) LastRunStatus(ctx context.Context, userID string) (*model.RunStatus, bool, error) {
	return s.state.RunStatus(ctx, userID)
}

// GetUserThreads returns the threads known from the last sync, falling
// back to a live listing when none are stored.
func (s *Service) GetUserThreads(ctx context.Context, userID string) ([]model.ThreadRef, error) {
	var refs []model.ThreadRef
	err := s.actors.Do(ctx, userID, func(ctx context.Context) error {
		var err error
		refs, err = s.syncer.UserThreads(ctx, userID)
		return err
	})
	return refs, err
}

// Bootstrap runs the sign-in workflow for userID. An empty runID starts a
// new run, or joins the run already in flight for the user. Joined callers
// share the result; an explicit runID that differs from the in-flight one
// fails with ErrBootstrapInFlight. The run itself outlives a caller that
// stops waiting, so its checkpoints stay consistent.
func (s *Service) Bootstrap(ctx context.Context, userID, runID string) (*workflow.Result, error) {
	s.mu.Lock()
	if current, ok := s.running[userID]; ok {
		if runID != "" && runID != current {
			s.mu.Unlock()
			return nil, fmt.Errorf("bootstrap %s for %s: %w (run %s)", runID, userID, ErrBootstrapInFlight, current)
		}
		runID = current
	} else {
		if runID == "" {
			runID = uuid.NewString()
		}
		s.running[userID] = runID
	}
	s.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(userID+"/"+runID, func() (interface{}, error) {
		defer func() {
			s.mu.Lock()
			if s.running[userID] == runID {
				delete(s.running, userID)
			}
			s.mu.Unlock()
		}()

		var res *workflow.Result
		err := s.actors.Do(runCtx, userID, func(ctx context.Context) error {
			var err error
			res, err = s.bootstrap.Run(ctx, userID, runID)
			return err
		})
		return res, err
	})

	select {
	case <-ctx.Done():
		s.logger.Debug().Str("user", userID).Str("run", runID).Msg("caller stopped waiting for bootstrap")
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			s.logger.Debug().Str("user", userID).Str("run", runID).Msg("bootstrap coalesced with a running call")
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*workflow.Result), nil
	}
}

// SyncInbox lists the user's inbox and processes the listed threads.
func (s *Service) SyncInbox(ctx context.Context, userID string) (*inbox.Result, error) {
	var res *inbox.Result
	err := s.actors.Do(ctx, userID, func(ctx context.Context) error {
		var err error
		res, err = s.syncer.Run(ctx, userID)
		return err
	})
	return res, err
}

// ProcessThreads runs the thread processor over ids with freshly refreshed
// tokens.
func (s *Service) ProcessThreads(ctx context.Context, userID string, ids []string) (*thread.Result, error) {
	var res *thread.Result
	err := s.actors.Do(ctx, userID, func(ctx context.Context) error {
		cred, err := s.creds.RefreshUser(ctx, userID)
		if errors.Is(err, credential.ErrNotFound) {
			s.logger.Warn().Str("user", userID).Msg("no credentials for user, skipping processing")
			return err
		}
		if err != nil {
			return fmt.Errorf("refreshing credentials: %w", err)
		}
		res, err = s.processor.Run(ctx, userID, cred.Tokens(), ids)
		return err
	})
	return res, err
}

// AppendThreads adds webhook-delivered thread IDs to the stored set and
// returns the ones that were new.
func (s *Service) AppendThreads(ctx context.Context, userID string, ids []string) ([]string, error) {
	var added []string
	err := s.actors.Do(ctx, userID, func(ctx context.Context) error {
		var err error
		added, err = s.syncer.AppendThreadIDs(ctx, userID, ids)
		return err
	})
	return added, err
}
