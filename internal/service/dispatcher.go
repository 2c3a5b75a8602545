package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/approval-relay/internal/domain"
	"github.com/kursadbilgin/approval-relay/internal/observability"
	"github.com/kursadbilgin/approval-relay/internal/provider"
	"github.com/kursadbilgin/approval-relay/internal/ratelimit"
	"go.uber.org/zap"
)

// Dispatcher fans prompts out to reviewer targets and fans outcomes back in.
// Delivery failures are logged and skipped; nothing is retried.
type Dispatcher struct {
	registry    *Registry
	messenger   provider.Messenger
	rateLimiter ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewDispatcher(
	registry *Registry,
	messenger provider.Messenger,
	rateLimiter ratelimit.RateLimiter,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		registry:    registry,
		messenger:   messenger,
		rateLimiter: rateLimiter,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Broadcast sends the prompt to every target in order and records a reference
// for each delivered copy. It returns how many targets received the prompt.
func (d *Dispatcher) Broadcast(ctx context.Context, subjectID int64, content domain.Content, targets []int64) int {
	logger := observability.WithSubject(d.logger, subjectID)
	sent := 0

	for _, target := range targets {
		if ctx.Err() != nil {
			logger.Warn("broadcast interrupted", zap.Int("sent", sent), zap.Error(ctx.Err()))
			return sent
		}

		handle, err := d.send(ctx, target, content)
		if err != nil {
			d.metrics.IncFanOutDelivery(false)
			logger.Warn("prompt delivery failed",
				zap.Int64("target", target),
				zap.Bool("transient", provider.IsTransient(err)),
				zap.String("reason", string(provider.ReasonOf(err))),
				zap.Error(err),
			)
			continue
		}
		d.metrics.IncFanOutDelivery(true)

		if err := d.registry.AddReference(ctx, subjectID, target, handle); err != nil {
			// The prompt is out but cannot be edited later; the reviewer can still decide from it.
			logger.Error("failed to record notification reference",
				zap.Int64("target", target),
				zap.String("handle", handle),
				zap.Error(err),
			)
		}
		sent++
	}

	return sent
}

// Propagate rewrites each listed copy of the subject's prompt and returns how
// many edits succeeded. Individual update failures are tolerated.
func (d *Dispatcher) Propagate(ctx context.Context, subjectID int64, refs []domain.NotificationReference, content domain.Content) int {
	logger := observability.WithSubject(d.logger, subjectID)
	updated := 0
	for _, ref := range refs {
		if err := d.update(ctx, ref.ReferenceHandle, content); err != nil {
			d.metrics.IncFanInUpdate(false)
			if provider.IsMessageGone(err) {
				logger.Info("copy no longer editable",
					zap.Int64("target", ref.ReviewerTarget),
					zap.String("handle", ref.ReferenceHandle),
				)
				continue
			}
			logger.Warn("outcome update failed",
				zap.Int64("target", ref.ReviewerTarget),
				zap.String("handle", ref.ReferenceHandle),
				zap.Error(err),
			)
			continue
		}
		d.metrics.IncFanInUpdate(true)
		updated++
	}

	return updated
}

// Announce sends a plain notice to every target without recording references.
func (d *Dispatcher) Announce(ctx context.Context, content domain.Content, targets []int64) int {
	sent := 0
	for _, target := range targets {
		if _, err := d.send(ctx, target, content); err != nil {
			d.logger.Warn("notice delivery failed",
				zap.Int64("target", target),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// UpdateOne rewrites a single copy, used to answer a late reviewer on their own prompt.
func (d *Dispatcher) UpdateOne(ctx context.Context, handle string, content domain.Content) error {
	return d.update(ctx, handle, content)
}

func (d *Dispatcher) send(ctx context.Context, target int64, content domain.Content) (string, error) {
	if err := d.rateLimiter.Wait(ctx, ratelimit.ScopeSend); err != nil {
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}

	start := d.now()
	handle, err := d.messenger.Send(ctx, target, content)
	d.metrics.ObserveTransportCall(ratelimit.ScopeSend, d.now().Sub(start))
	return handle, err
}

func (d *Dispatcher) update(ctx context.Context, handle string, content domain.Content) error {
	if err := d.rateLimiter.Wait(ctx, ratelimit.ScopeUpdate); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	start := d.now()
	err := d.messenger.Update(ctx, handle, content)
	d.metrics.ObserveTransportCall(ratelimit.ScopeUpdate, d.now().Sub(start))
	return err
}
