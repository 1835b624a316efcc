package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailpipe/internal/inbox"
	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/source"
)

// SyncState represents the current state of a user's sync loop.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

// SyncStatus holds the sync state for a single user.
type SyncStatus struct {
	UserID   string
	State    SyncState
	LastSync time.Time
	Outcome  model.RunOutcome
	Error    error
}

// SyncResult is delivered on Results after every pass.
type SyncResult struct {
	UserID    string
	Threads   int
	Outcome   model.RunOutcome
	Error     error
	AuthError bool
}

// Syncer runs one inbox sync pass for a user.
type Syncer interface {
	SyncInbox(ctx context.Context, userID string) (*inbox.Result, error)
}

// syncTimeout bounds a single sync pass.
const syncTimeout = 5 * time.Minute

// Poller re-syncs registered users on a fixed interval.
type Poller struct {
	syncer   Syncer
	interval time.Duration
	users    []string
	statuses map[string]*SyncStatus
	triggers map[string]chan struct{}
	resultCh chan SyncResult
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
	logger   zerolog.Logger
}

// New creates a Poller. interval <= 0 selects 15 minutes.
func New(syncer Syncer, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Poller{
		syncer:   syncer,
		interval: interval,
		statuses: make(map[string]*SyncStatus),
		triggers: make(map[string]chan struct{}),
		resultCh: make(chan SyncResult, 16),
		logger:   logger.With().Str("component", "poller").Logger(),
	}
}

// RegisterUser adds a user to the polling set. Registering twice is a no-op.
func (p *Poller) RegisterUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.statuses[userID]; ok {
		return
	}
	p.users = append(p.users, userID)
	p.statuses[userID] = &SyncStatus{UserID: userID, State: SyncIdle}
	p.triggers[userID] = make(chan struct{}, 1)
}

// Start launches one polling goroutine per registered user. Every loop
// runs a pass immediately, then on each tick. A stopped Poller can be
// started again.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	stopCh := make(chan struct{})
	p.cancel = cancel
	p.stopCh = stopCh
	users := append([]string(nil), p.users...)
	p.mu.Unlock()

	for _, userID := range users {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pollUser(ctx, stopCh, userID)
		}()
	}
}

// Stop cancels in-flight passes, halts every polling goroutine and waits
// for them to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// Results returns the channel on which pass results are delivered. Results
// are dropped when nobody reads them.
func (p *Poller) Results() <-chan SyncResult {
	return p.resultCh
}

// RefreshUser requests an immediate pass for one registered user. A
// request made while one is already pending is dropped.
func (p *Poller) RefreshUser(userID string) {
	p.mu.Lock()
	trigger, ok := p.triggers[userID]
	p.mu.Unlock()
	if !ok {
		return
	}

	select {
	case trigger <- struct{}{}:
	default:
	}
}

// GetStatuses returns the current sync status of every registered user.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, userID := range p.users {
		statuses = append(statuses, *p.statuses[userID])
	}
	return statuses
}

// pollUser runs the polling loop for a single user.
func (p *Poller) pollUser(ctx context.Context, stopCh <-chan struct{}, userID string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.mu.Lock()
	trigger := p.triggers[userID]
	p.mu.Unlock()

	p.syncOnce(ctx, userID)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.syncOnce(ctx, userID)
		case <-trigger:
			p.syncOnce(ctx, userID)
		}
	}
}

// syncOnce performs a single pass and publishes its result. The pass is
// cancelled when ctx ends.
func (p *Poller) syncOnce(ctx context.Context, userID string) {
	p.setStatus(userID, SyncRunning, "", nil)

	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	res, err := p.syncer.SyncInbox(ctx, userID)
	if err != nil {
		p.setStatus(userID, SyncError, "", err)
		p.logger.Error().Err(err).Str("user", userID).Msg("sync pass failed")
		p.sendResult(SyncResult{UserID: userID, Error: err, AuthError: source.IsAuthError(err)})
		return
	}

	result := SyncResult{UserID: userID, Threads: len(res.ThreadIDs)}
	if res.Processing != nil {
		result.Outcome = res.Processing.Outcome
	}
	p.setStatus(userID, SyncIdle, result.Outcome, nil)
	p.sendResult(result)
}

// setStatus updates the sync status for a user.
func (p *Poller) setStatus(userID string, state SyncState, outcome model.RunOutcome, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[userID]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
		status.Outcome = outcome
	}
}

// sendResult sends a SyncResult without blocking.
func (p *Poller) sendResult(res SyncResult) {
	select {
	case p.resultCh <- res:
	default:
	}
}
