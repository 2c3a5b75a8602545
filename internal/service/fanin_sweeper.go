package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/approval-relay/internal/domain"
	"github.com/kursadbilgin/approval-relay/internal/observability"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepLimit    = 100
)

// FanInSweeper periodically finishes fan-in for resolved requests that still
// own references: after a crash between the decision commit and the purge, or
// when a prompt was recorded while the winner's fan-in was already running.
// It never calls the gatekeeper.
type FanInSweeper struct {
	registry   *Registry
	dispatcher *Dispatcher
	directory  ReviewerDirectory
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	limit      int
}

func NewFanInSweeper(
	registry *Registry,
	dispatcher *Dispatcher,
	directory ReviewerDirectory,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*FanInSweeper, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("reviewer directory is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FanInSweeper{
		registry:   registry,
		dispatcher: dispatcher,
		directory:  directory,
		logger:     logger,
		interval:   interval,
		limit:      limit,
	}, nil
}

func (s *FanInSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *FanInSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("fan-in sweeper initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("fan-in sweeper sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *FanInSweeper) sweep(ctx context.Context) error {
	unfinished, err := s.registry.UnfinishedFanIns(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch unfinished fan-ins: %w", err)
	}

	for i := range unfinished {
		request := unfinished[i]
		if !request.Status.IsTerminal() || request.DecidedBy == nil {
			continue
		}

		content := domain.OutcomeContent(request.Status, s.directory.DisplayName(*request.DecidedBy))
		updated, err := FinishFanIn(ctx, s.registry, s.dispatcher, request.SubjectID, content)
		if err != nil {
			s.logger.Error("failed to replay fan-in",
				zap.Int64("subjectId", request.SubjectID),
				zap.Error(err),
			)
			continue
		}

		s.metrics.IncFanInSweepReplayed()
		s.logger.Info("fan-in replayed",
			zap.Int64("subjectId", request.SubjectID),
			zap.Int("updated", updated),
		)
	}

	return nil
}
