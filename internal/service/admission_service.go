package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/approval-relay/internal/domain"
	"github.com/kursadbilgin/approval-relay/internal/observability"
	"go.uber.org/zap"
)

type Admission struct {
	SubjectID int64
	Created   bool
	Status    domain.Status
	// Delivered counts prompts sent by this call. It is zero for a resolved
	// request and for a re-arrival that every reviewer already holds.
	Delivered int
}

// AdmissionService registers incoming access requests and broadcasts them to reviewers.
type AdmissionService struct {
	registry   *Registry
	dispatcher *Dispatcher
	directory  ReviewerDirectory
	logger     *zap.Logger
	metrics    *observability.Metrics
}

func NewAdmissionService(
	registry *Registry,
	dispatcher *Dispatcher,
	directory ReviewerDirectory,
	logger *zap.Logger,
) (*AdmissionService, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("reviewer directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AdmissionService{
		registry:   registry,
		dispatcher: dispatcher,
		directory:  directory,
		logger:     logger,
	}, nil
}

func (s *AdmissionService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Submit admits the subject and broadcasts the decision prompt while the request
// is pending. A re-arrival of a pending subject only reaches reviewers without a
// recorded copy, so no live prompt is orphaned; a resolved subject is left alone.
func (s *AdmissionService) Submit(ctx context.Context, subject domain.Subject) (*Admission, error) {
	created, err := s.registry.Admit(ctx, subject)
	if err != nil {
		return nil, err
	}
	s.metrics.IncRequestAdmitted(created)

	logger := observability.WithSubject(observability.WithContextLogger(s.logger, ctx), subject.ID)
	admission := &Admission{
		SubjectID: subject.ID,
		Created:   created,
		Status:    domain.StatusPending,
	}

	if !created {
		status, err := s.registry.CurrentStatus(ctx, subject.ID)
		if err != nil {
			return nil, err
		}
		admission.Status = status
		if status.IsTerminal() {
			logger.Info("re-arrival of resolved request ignored", zap.String("status", status.String()))
			return admission, nil
		}
	}

	targets := s.directory.Targets()
	if !created {
		targets, err = s.unreachedTargets(ctx, subject.ID, targets)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			logger.Info("re-arrival of pending request already reaches every reviewer")
			return admission, nil
		}
	}
	admission.Delivered = s.dispatcher.Broadcast(ctx, subject.ID, domain.PromptContent(subject), targets)

	if admission.Delivered == 0 {
		logger.Error("decision prompt reached no reviewer", zap.Int("targets", len(targets)))
	} else {
		logger.Info("decision prompt broadcast",
			zap.Bool("created", created),
			zap.Int("delivered", admission.Delivered),
			zap.Int("targets", len(targets)),
		)
	}

	return admission, nil
}

// unreachedTargets drops targets that already hold a copy of the prompt.
func (s *AdmissionService) unreachedTargets(ctx context.Context, subjectID int64, targets []int64) ([]int64, error) {
	refs, err := s.registry.References(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	held := make(map[int64]struct{}, len(refs))
	for _, ref := range refs {
		held[ref.ReviewerTarget] = struct{}{}
	}

	missing := make([]int64, 0, len(targets))
	for _, target := range targets {
		if _, ok := held[target]; !ok {
			missing = append(missing, target)
		}
	}
	return missing, nil
}

// NotifyMembership tells every reviewer that a subject joined or left.
func (s *AdmissionService) NotifyMembership(ctx context.Context, event domain.MembershipEvent) (int, error) {
	if !event.Kind.IsValid() {
		return 0, fmt.Errorf("%w: invalid membership event %q", domain.ErrValidation, event.Kind)
	}
	if err := event.Subject.Validate(); err != nil {
		return 0, err
	}

	sent := s.dispatcher.Announce(ctx, domain.MembershipContent(event.Kind, event.Subject), s.directory.Targets())
	observability.WithSubject(s.logger, event.Subject.ID).Info("membership notice sent",
		zap.String("kind", string(event.Kind)),
		zap.Int("delivered", sent),
	)
	return sent, nil
}
