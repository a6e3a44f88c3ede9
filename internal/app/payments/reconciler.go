package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"stkpay/internal/domain"
)

type StatusUpdate struct {
	AttemptID string
	Status    domain.PaymentStatus
	Remaining time.Duration
	Final     bool
	Attempt   *domain.PaymentAttempt
}

// Reconciler polls an attempt on behalf of a client until it is terminal or
// its deadline passes, at which point it applies the timeout signal.
type Reconciler struct {
	service  PaymentService
	interval time.Duration
	deadline time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(service PaymentService, interval, deadline time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		service:  service,
		interval: interval,
		deadline: deadline,
		logger:   logger,
		now:      time.Now,
	}
}

// Watch is a cancellable handle on one reconciliation loop. Updates holds
// only the latest status; the channel is closed when the loop ends.
type Watch struct {
	updates chan StatusUpdate
	done    chan struct{}
	cancel  context.CancelFunc

	mu     sync.Mutex
	result StatusUpdate
	err    error
}

func (w *Watch) Updates() <-chan StatusUpdate { return w.updates }

func (w *Watch) Done() <-chan struct{} { return w.done }

// Cancel stops polling. The attempt itself is untouched and can still be
// resolved by a later callback.
func (w *Watch) Cancel() { w.cancel() }

// Result returns the final update once Done is closed. err is the context
// error when the watch was cancelled.
func (w *Watch) Result() (StatusUpdate, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result, w.err
}

func (w *Watch) publish(u StatusUpdate) {
	select {
	case w.updates <- u:
		return
	default:
	}
	select {
	case <-w.updates:
	default:
	}
	w.updates <- u
}

func (w *Watch) finish(u StatusUpdate, err error) {
	w.mu.Lock()
	w.result, w.err = u, err
	w.mu.Unlock()
	if err == nil {
		w.publish(u)
	}
}

func (r *Reconciler) Watch(ctx context.Context, merchantID, attemptID string) (*Watch, error) {
	attempt, err := r.service.GetAttempt(ctx, merchantID, attemptID)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w := &Watch{
		updates: make(chan StatusUpdate, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go r.run(loopCtx, w, merchantID, attempt)
	return w, nil
}

func (r *Reconciler) run(ctx context.Context, w *Watch, merchantID string, attempt *domain.PaymentAttempt) {
	defer close(w.done)
	defer close(w.updates)
	defer w.cancel()

	log := r.logger.With(zap.String("attempt_id", attempt.ID))
	deadlineAt := attempt.CreatedAt.Add(r.deadline)

	if attempt.Status.IsTerminal() {
		w.finish(r.update(attempt, deadlineAt, true), nil)
		return
	}
	w.publish(r.update(attempt, deadlineAt, false))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	timer := time.NewTimer(deadlineAt.Sub(r.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Reconciliation cancelled", zap.String("status", string(attempt.Status)))
			w.finish(r.update(attempt, deadlineAt, false), ctx.Err())
			return

		case <-ticker.C:
			observed, err := r.observe(ctx, merchantID, attempt)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Warn("Status poll failed, will retry", zap.Error(err))
				continue
			}
			attempt = observed
			if attempt.Status.IsTerminal() {
				log.Info("Reconciler observed terminal status",
					zap.String("status", string(attempt.Status)),
					zap.String("resolution_source", string(attempt.ResolutionSource)),
				)
				w.finish(r.update(attempt, deadlineAt, true), nil)
				return
			}
			w.publish(r.update(attempt, deadlineAt, false))

		case <-timer.C:
			expired, err := r.service.ApplyTimeout(ctx, merchantID, attempt.ID, true)
			if err != nil && !errors.Is(err, domain.ErrDuplicateSignal) {
				log.Error("Failed to apply timeout", zap.Error(err))
				w.finish(r.update(attempt, deadlineAt, false), err)
				return
			}
			if !expired.Status.IsTerminal() {
				log.Warn("Deadline reached but attempt could not be expired", zap.String("status", string(expired.Status)))
				w.finish(r.update(expired, deadlineAt, false),
					fmt.Errorf("attempt %s in status %s: %w", expired.ID, expired.Status, domain.ErrUnresolvedAtDeadline))
				return
			}
			log.Info("Reconciliation deadline reached", zap.String("status", string(expired.Status)))
			w.finish(r.update(expired, deadlineAt, true), nil)
			return
		}
	}
}

func (r *Reconciler) observe(ctx context.Context, merchantID string, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, error) {
	if attempt.CheckoutID != "" {
		return r.service.ApplyPollObservation(ctx, attempt.CheckoutID)
	}
	return r.service.GetAttempt(ctx, merchantID, attempt.ID)
}

func (r *Reconciler) update(attempt *domain.PaymentAttempt, deadlineAt time.Time, final bool) StatusUpdate {
	remaining := deadlineAt.Sub(r.now())
	if remaining < 0 || final {
		remaining = 0
	}
	return StatusUpdate{
		AttemptID: attempt.ID,
		Status:    attempt.Status,
		Remaining: remaining,
		Final:     final,
		Attempt:   attempt,
	}
}
