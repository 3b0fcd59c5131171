package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"outreach-engine/internal/models"
	"outreach-engine/internal/ratelimit"
	"outreach-engine/internal/sequence"
	"outreach-engine/internal/signer"
	"outreach-engine/internal/storage"
	"outreach-engine/pkg/metrics"

	"go.uber.org/zap"
)

// Store is the queue surface the dispatcher drains. *storage.MongoDB
// satisfies it.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ClaimNext(ctx context.Context, accountID string) (*models.Command, error)
	StoreDispatchResult(ctx context.Context, accountID, commandID, messageID string) error
	ReleaseForRetry(ctx context.Context, accountID, commandID string, notBefore time.Time) error
	MarkCommandFailed(ctx context.Context, accountID, commandID, reason string) error
	CountQueued(ctx context.Context, accountID string) (int64, error)
}

// Sender issues one signed command to the provider.
type Sender interface {
	Send(ctx context.Context, account *models.Account, cmd *models.Command) (string, error)
}

// Sequencer receives dispatch outcomes. *sequence.Machine satisfies it.
type Sequencer interface {
	DispatchAck(ctx context.Context, cmd *models.Command, messageID string) error
	DispatchFailed(ctx context.Context, cmd *models.Command, kind sequence.FailureKind) error
}

// Dispatcher drains one account's command queue through the rate
// limiter and the signed client. One logical worker runs per account;
// accounts never block each other.
type Dispatcher struct {
	store   Store
	sender  Sender
	limiter *ratelimit.Limiter
	seq     Sequencer
	policy  Policy

	pollInterval time.Duration
	logger       *zap.Logger
}

func NewDispatcher(store Store, sender Sender, limiter *ratelimit.Limiter, seq Sequencer, policy Policy, pollInterval time.Duration, logger *zap.Logger) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Dispatcher{
		store:        store,
		sender:       sender,
		limiter:      limiter,
		seq:          seq,
		policy:       policy,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// RunAccount is the worker loop for one account. It returns when ctx is
// canceled or the account disappears.
func (d *Dispatcher) RunAccount(ctx context.Context, accountID string) {
	for {
		if err := d.cycle(ctx, accountID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, storage.ErrNotFound) {
				d.logger.Info("Account removed, stopping worker", zap.String("account_id", accountID))
				return
			}
			d.logger.Error("Dispatch cycle failed",
				zap.Error(err),
				zap.String("account_id", accountID))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// cycle claims and dispatches commands until the queue runs dry or the
// account must wait.
func (d *Dispatcher) cycle(ctx context.Context, accountID string) error {
	for {
		// The account is reloaded every iteration so settings updates
		// (replace-not-mutate) take effect on the next dispatch.
		account, err := d.store.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Paused {
			return nil
		}

		cmd, err := d.store.ClaimNext(ctx, accountID)
		if errors.Is(err, storage.ErrNotFound) {
			d.updateQueueDepth(ctx, accountID)
			return nil
		}
		if err != nil {
			return err
		}

		if done, err := d.dispatchOne(ctx, account, cmd); err != nil || done {
			return err
		}
	}
}

// dispatchOne pushes a single claimed command through the limiter and
// the signed client and records the outcome. done=true tells the cycle
// to stop claiming for now.
func (d *Dispatcher) dispatchOne(ctx context.Context, account *models.Account, cmd *models.Command) (done bool, err error) {
	if !account.ActionEnabled(cmd.Verb) {
		return false, d.fail(ctx, cmd, "action disabled for account", sequence.FailureRejected)
	}

	if err := d.limiter.Acquire(ctx, account, cmd.Verb); err != nil {
		if errors.Is(err, ratelimit.ErrQuotaExceeded) {
			// Retry after the cap window resets; not an error path.
			if relErr := d.store.ReleaseForRetry(ctx, cmd.AccountID, cmd.CommandID, nextQuotaReset()); relErr != nil {
				return true, relErr
			}
			return true, nil
		}
		// Context canceled mid-wait: put the claim back so a restarted
		// worker can dispatch it.
		if relErr := d.store.ReleaseForRetry(context.WithoutCancel(ctx), cmd.AccountID, cmd.CommandID, time.Now().UTC()); relErr != nil {
			d.logger.Error("Failed to release claimed command on shutdown",
				zap.Error(relErr),
				zap.String("command_id", cmd.CommandID))
		}
		return true, err
	}

	start := time.Now()
	messageID, err := d.sender.Send(ctx, account, cmd)
	metrics.DispatchDuration.WithLabelValues(cmd.AccountID, string(cmd.Verb)).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.CommandsDispatched.WithLabelValues(cmd.AccountID, string(cmd.Verb), "dispatched").Inc()
		if err := d.store.StoreDispatchResult(ctx, cmd.AccountID, cmd.CommandID, messageID); err != nil {
			return true, err
		}
		return false, d.seq.DispatchAck(ctx, cmd, messageID)
	}

	if signer.IsPermanent(err) {
		return false, d.fail(ctx, cmd, err.Error(), failureKind(err))
	}

	// Transient: back off and retry until the attempt budget is spent.
	attempts := cmd.Attempts + 1
	if d.policy.Exhausted(attempts) {
		return false, d.fail(ctx, cmd, "retries exhausted: "+err.Error(), sequence.FailureRejected)
	}

	metrics.DispatchRetries.WithLabelValues(cmd.AccountID, string(cmd.Verb)).Inc()
	d.logger.Warn("Transient dispatch failure, scheduling retry",
		zap.Error(err),
		zap.String("account_id", cmd.AccountID),
		zap.String("command_id", cmd.CommandID),
		zap.Int("attempt", attempts))

	return true, d.store.ReleaseForRetry(ctx, cmd.AccountID, cmd.CommandID, time.Now().UTC().Add(d.policy.Delay(attempts)))
}

func (d *Dispatcher) fail(ctx context.Context, cmd *models.Command, reason string, kind sequence.FailureKind) error {
	metrics.CommandsDispatched.WithLabelValues(cmd.AccountID, string(cmd.Verb), "failed").Inc()
	if err := d.store.MarkCommandFailed(ctx, cmd.AccountID, cmd.CommandID, reason); err != nil {
		return err
	}
	return d.seq.DispatchFailed(ctx, cmd, kind)
}

func (d *Dispatcher) updateQueueDepth(ctx context.Context, accountID string) {
	if n, err := d.store.CountQueued(ctx, accountID); err == nil {
		metrics.QueueDepth.WithLabelValues(accountID).Set(float64(n))
	}
}

// failureKind reads the terminal branch off a permanent dispatch error:
// provider block/restriction signals blacklist the contact, everything
// else counts as a rejection.
func failureKind(err error) sequence.FailureKind {
	var de *signer.DispatchError
	if errors.As(err, &de) {
		reason := strings.ToLower(de.Reason)
		if de.StatusCode == 403 || strings.Contains(reason, "block") || strings.Contains(reason, "restrict") {
			return sequence.FailureBlocked
		}
	}
	return sequence.FailureRejected
}

// nextQuotaReset returns the next UTC midnight, when daily caps reset.
func nextQuotaReset() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
