package dispatch

import (
	"context"
	"sync"
	"time"

	"outreach-engine/internal/models"
	"outreach-engine/internal/sequence"

	"go.uber.org/zap"
)

// PoolStore adds the account discovery and SLA sweep the pool needs on
// top of the per-worker Store surface.
type PoolStore interface {
	Store
	ListAccounts(ctx context.Context) ([]models.Account, error)
	ExpireStuckDispatches(ctx context.Context, olderThan time.Time) ([]models.Command, error)
}

// Pool runs one dispatcher worker per automation account, bounded by a
// ceiling, and sweeps commands stuck past the dispatch SLA.
type Pool struct {
	store      PoolStore
	dispatcher *Dispatcher
	seq        Sequencer
	logger     *zap.Logger

	ceiling         int
	refreshInterval time.Duration
	dispatchSLA     time.Duration

	mu      sync.Mutex
	workers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(store PoolStore, dispatcher *Dispatcher, seq Sequencer, ceiling int, dispatchSLA time.Duration, logger *zap.Logger) *Pool {
	if ceiling <= 0 {
		ceiling = 64
	}
	return &Pool{
		store:           store,
		dispatcher:      dispatcher,
		seq:             seq,
		logger:          logger,
		ceiling:         ceiling,
		refreshInterval: 30 * time.Second,
		dispatchSLA:     dispatchSLA,
		workers:         make(map[string]context.CancelFunc),
	}
}

// Run blocks until ctx is canceled, keeping one worker alive per known
// account and periodically expiring stuck dispatches.
func (p *Pool) Run(ctx context.Context) {
	refresh := time.NewTicker(p.refreshInterval)
	defer refresh.Stop()

	sweep := time.NewTicker(10 * time.Minute)
	defer sweep.Stop()

	p.refreshWorkers(ctx)

	for {
		select {
		case <-ctx.Done():
			p.stopAll()
			p.wg.Wait()
			return
		case <-refresh.C:
			p.refreshWorkers(ctx)
		case <-sweep.C:
			p.sweepStuck(ctx)
		}
	}
}

func (p *Pool) refreshWorkers(ctx context.Context) {
	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		p.logger.Error("Failed to list accounts", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]bool, len(accounts))
	for _, account := range accounts {
		live[account.AccountID] = true
		if _, running := p.workers[account.AccountID]; running {
			continue
		}
		if len(p.workers) >= p.ceiling {
			p.logger.Warn("Worker ceiling reached, account not scheduled",
				zap.String("account_id", account.AccountID),
				zap.Int("ceiling", p.ceiling))
			continue
		}

		workerCtx, cancel := context.WithCancel(ctx)
		p.workers[account.AccountID] = cancel
		p.wg.Add(1)

		accountID := account.AccountID
		go func() {
			defer p.wg.Done()
			p.logger.Info("Dispatcher worker started", zap.String("account_id", accountID))
			p.dispatcher.RunAccount(workerCtx, accountID)
			p.mu.Lock()
			delete(p.workers, accountID)
			p.mu.Unlock()
		}()
	}

	// Stop workers for accounts that no longer exist.
	for accountID, cancel := range p.workers {
		if !live[accountID] {
			cancel()
		}
	}
}

func (p *Pool) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.workers {
		cancel()
	}
}

// sweepStuck fails commands dispatched longer ago than the provider SLA
// with no correlated outcome. They are not retried; the real-world
// action may already have happened.
func (p *Pool) sweepStuck(ctx context.Context) {
	stuck, err := p.store.ExpireStuckDispatches(ctx, time.Now().UTC().Add(-p.dispatchSLA))
	if err != nil {
		p.logger.Error("Failed to expire stuck dispatches", zap.Error(err))
		return
	}

	for i := range stuck {
		cmd := stuck[i]
		p.logger.Warn("Command exceeded dispatch SLA",
			zap.String("account_id", cmd.AccountID),
			zap.String("command_id", cmd.CommandID))
		if err := p.seq.DispatchFailed(ctx, &cmd, sequence.FailureRejected); err != nil {
			p.logger.Error("Failed to sequence SLA timeout", zap.Error(err))
		}
	}
}
