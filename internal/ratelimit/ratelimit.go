package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"outreach-engine/internal/models"
	"outreach-engine/pkg/metrics"
)

// ErrQuotaExceeded is returned when an account's daily cap for the
// requested action class is spent. Callers back off until the cap window
// resets instead of blocking on Acquire.
var ErrQuotaExceeded = errors.New("daily action quota exceeded")

type accountLimit struct {
	// nextAllowed is the watermark Acquire advances on every grant.
	nextAllowed time.Time

	dailyCounts map[models.ActionClass]int
	lastReset   time.Time
}

// Limiter paces outbound provider calls per account: a minimum
// inter-request delay plus hard daily caps per action class. Accounts
// are independent; blocking one never blocks another.
type Limiter struct {
	mu     sync.Mutex
	limits map[string]*accountLimit

	// now is swapped out in tests.
	now func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		limits: make(map[string]*accountLimit),
		now:    time.Now,
	}
}

// Acquire blocks the calling worker until it is safe to issue one more
// request for the account, then advances the account's watermark by its
// minimum delay. When the day's cap for the verb's class is spent it
// fails immediately with ErrQuotaExceeded.
func (l *Limiter) Acquire(ctx context.Context, account *models.Account, verb models.Verb) error {
	for {
		wait, err := l.tryAcquire(account, verb)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			// The grant was taken optimistically; give the slot back so
			// a canceled worker does not burn the account's budget.
			l.release(account.AccountID, verb)
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// tryAcquire reserves the next slot and returns how long the caller must
// sleep before using it.
func (l *Limiter) tryAcquire(account *models.Account, verb models.Verb) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, exists := l.limits[account.AccountID]
	if !exists {
		limit = &accountLimit{
			dailyCounts: make(map[models.ActionClass]int),
			lastReset:   l.now().UTC(),
		}
		l.limits[account.AccountID] = limit
	}

	now := l.now().UTC()

	// Daily caps reset at UTC midnight, the same instant quota-refused
	// commands become eligible again.
	if !sameUTCDay(now, limit.lastReset) {
		limit.dailyCounts = make(map[models.ActionClass]int)
		limit.lastReset = now
	}

	class := verb.Class()
	if limit.dailyCounts[class] >= account.DailyCap(verb) {
		metrics.QuotaExceeded.WithLabelValues(account.AccountID, string(class)).Inc()
		return 0, ErrQuotaExceeded
	}
	limit.dailyCounts[class]++

	wait := limit.nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if limit.nextAllowed.Before(now) {
		limit.nextAllowed = now
	}
	limit.nextAllowed = limit.nextAllowed.Add(account.MinDelay())

	return wait, nil
}

// release undoes a reservation abandoned before use.
func (l *Limiter) release(accountID string, verb models.Verb) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, exists := l.limits[accountID]
	if !exists {
		return
	}
	if n := limit.dailyCounts[verb.Class()]; n > 0 {
		limit.dailyCounts[verb.Class()] = n - 1
	}
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// NextAllowed exposes the account's watermark for reporting.
func (l *Limiter) NextAllowed(accountID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit, exists := l.limits[accountID]; exists {
		return limit.nextAllowed
	}
	return time.Time{}
}
