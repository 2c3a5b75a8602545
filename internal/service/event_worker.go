package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/approval-relay/internal/domain"
	"github.com/kursadbilgin/approval-relay/internal/observability"
	"github.com/kursadbilgin/approval-relay/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

type requestIntake interface {
	Submit(ctx context.Context, subject domain.Subject) (*Admission, error)
	NotifyMembership(ctx context.Context, event domain.MembershipEvent) (int, error)
}

type decisionIntake interface {
	Decide(ctx context.Context, decision domain.Decision) (*DecisionResult, error)
}

// EventWorker consumes transport events and routes them to admission and resolution.
type EventWorker struct {
	consumer    queue.Consumer
	admissions  requestIntake
	resolver    decisionIntake
	logger      *zap.Logger
	concurrency int
}

func NewEventWorker(
	consumer queue.Consumer,
	admissions *AdmissionService,
	resolver *Resolver,
	concurrency int,
	logger *zap.Logger,
) (*EventWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if admissions == nil {
		return nil, fmt.Errorf("admission service is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	return newEventWorker(consumer, admissions, resolver, concurrency, logger), nil
}

func newEventWorker(
	consumer queue.Consumer,
	admissions requestIntake,
	resolver decisionIntake,
	concurrency int,
	logger *zap.Logger,
) *EventWorker {
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EventWorker{
		consumer:    consumer,
		admissions:  admissions,
		resolver:    resolver,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Start consumes every event queue until context cancellation. Workers are
// spread round-robin across queues, so concurrency below the queue count still
// covers each queue at least once.
func (w *EventWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	workers := w.concurrency
	if workers < len(queueNames) {
		workers = len(queueNames)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := w.consumer.Consume(groupCtx, queueName, w.processMessage)
			if err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage returns an error only for failures worth redelivering.
// Rejected business input is logged and acknowledged.
func (w *EventWorker) processMessage(ctx context.Context, msg queue.EventMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	ctx = observability.WithEventID(ctx, msg.EventID)
	logger := observability.WithContextLogger(w.logger, ctx).With(zap.String("kind", string(msg.Kind)))

	var err error
	switch msg.Kind {
	case queue.EventJoinRequest:
		_, err = w.admissions.Submit(ctx, *msg.Subject)
	case queue.EventMembership:
		_, err = w.admissions.NotifyMembership(ctx, domain.MembershipEvent{
			Kind:    msg.Membership,
			Subject: *msg.Subject,
		})
	case queue.EventDecision:
		err = w.decide(ctx, msg, logger)
	default:
		logger.Warn("dropping event of unknown kind")
		return nil
	}

	if err == nil {
		return nil
	}
	if isRejection(err) {
		logger.Warn("event rejected", zap.Error(err))
		return nil
	}
	return err
}

func (w *EventWorker) decide(ctx context.Context, msg queue.EventMessage, logger *zap.Logger) error {
	decision, err := domain.NewDecision(msg.Token, msg.ResolverID)
	if err != nil {
		return err
	}

	result, err := w.resolver.Decide(ctx, decision)
	if err != nil {
		return err
	}

	logger.Info("decision processed",
		zap.Int64("subjectId", result.SubjectID),
		zap.String("result", result.Kind.String()),
		zap.String("status", result.Status.String()),
		zap.Int64("decidedBy", result.ResolverID),
	)
	return nil
}

func isRejection(err error) bool {
	return errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrInvalidRequest) ||
		errors.Is(err, domain.ErrValidation)
}
