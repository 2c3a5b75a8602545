package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/approval-relay/internal/domain"
	"github.com/kursadbilgin/approval-relay/internal/observability"
	"github.com/kursadbilgin/approval-relay/internal/provider"
	"go.uber.org/zap"
)

// DecisionResult is what the initiating reviewer is told about their attempt.
type DecisionResult struct {
	Kind         ResolveKind
	SubjectID    int64
	Status       domain.Status
	ResolverID   int64
	ResolverName string
	DecidedAt    time.Time
	// Updated counts the prompt copies rewritten with the outcome.
	Updated int
	// ActionErr is set when the grant/deny call failed after the decision was recorded.
	ActionErr error
}

// Resolver accepts reviewer decisions and applies the first one exactly once.
type Resolver struct {
	registry   *Registry
	dispatcher *Dispatcher
	gatekeeper provider.Gatekeeper
	directory  ReviewerDirectory
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewResolver(
	registry *Registry,
	dispatcher *Dispatcher,
	gatekeeper provider.Gatekeeper,
	directory ReviewerDirectory,
	logger *zap.Logger,
) (*Resolver, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if gatekeeper == nil {
		return nil, fmt.Errorf("gatekeeper is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("reviewer directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{
		registry:   registry,
		dispatcher: dispatcher,
		gatekeeper: gatekeeper,
		directory:  directory,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (r *Resolver) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *Resolver) Decide(ctx context.Context, decision domain.Decision) (*DecisionResult, error) {
	if !r.directory.IsAuthorized(decision.ResolverID) {
		r.metrics.IncDecision("unauthorized")
		r.logger.Warn("decision from unauthorized resolver rejected",
			zap.Int64("resolverId", decision.ResolverID),
		)
		return nil, domain.ErrUnauthorized
	}

	logger := observability.WithSubject(observability.WithContextLogger(r.logger, ctx), decision.SubjectID).With(
		zap.Int64("resolverId", decision.ResolverID),
		zap.String("outcome", decision.Outcome.String()),
	)

	resolved, err := r.registry.TryResolve(ctx, decision.SubjectID, decision.Outcome, decision.ResolverID)
	if err != nil {
		return nil, err
	}
	r.metrics.IncDecision(resolved.Kind.String())

	switch resolved.Kind {
	case ResolveNotFound:
		logger.Info("decision for unknown request rejected")
		return nil, fmt.Errorf("%w: no pending request for subject %d", domain.ErrInvalidRequest, decision.SubjectID)
	case ResolveAlreadyResolved:
		return r.answerLateResolver(ctx, decision, resolved, logger), nil
	case ResolveApplied:
		return r.apply(ctx, decision, resolved, logger)
	default:
		return nil, fmt.Errorf("unexpected resolve result %s", resolved.Kind)
	}
}

func (r *Resolver) apply(
	ctx context.Context,
	decision domain.Decision,
	resolved ResolveResult,
	logger *zap.Logger,
) (*DecisionResult, error) {
	result := r.newResult(decision.SubjectID, resolved)
	logger.Info("decision applied")

	result.ActionErr = r.invokeAction(ctx, decision)
	if result.ActionErr != nil {
		logger.Error("privileged action failed after decision was recorded", zap.Error(result.ActionErr))
	}

	updated, err := FinishFanIn(ctx, r.registry, r.dispatcher, decision.SubjectID,
		domain.OutcomeContent(result.Status, result.ResolverName))
	result.Updated = updated
	if err != nil {
		// The decision stands; the sweeper finishes fan-in later.
		logger.Error("fan-in incomplete", zap.Int("updated", updated), zap.Error(err))
	}

	return result, nil
}

func (r *Resolver) invokeAction(ctx context.Context, decision domain.Decision) error {
	action := "grant"
	call := r.gatekeeper.Grant
	if decision.Outcome == domain.OutcomeDecline {
		action = "deny"
		call = r.gatekeeper.Deny
	}

	start := r.now()
	err := call(ctx, decision.SubjectID)
	r.metrics.ObserveTransportCall(action, r.now().Sub(start))
	r.metrics.IncPrivilegedAction(action, err == nil)
	return err
}

// answerLateResolver shows the recorded outcome on the initiator's own prompt
// if it is still tracked. No privileged action runs here.
func (r *Resolver) answerLateResolver(
	ctx context.Context,
	decision domain.Decision,
	resolved ResolveResult,
	logger *zap.Logger,
) *DecisionResult {
	result := r.newResult(decision.SubjectID, resolved)
	logger.Info("decision already resolved",
		zap.String("existingStatus", resolved.ExistingStatus.String()),
		zap.Int64("existingResolver", resolved.ExistingResolver),
	)

	refs, err := r.registry.References(ctx, decision.SubjectID)
	if err != nil {
		logger.Warn("failed to list references for late resolver", zap.Error(err))
		return result
	}

	for _, ref := range refs {
		if ref.ReviewerTarget != decision.ResolverID {
			continue
		}
		content := domain.AlreadyResolvedContent(result.Status, result.ResolverName)
		if err := r.dispatcher.UpdateOne(ctx, ref.ReferenceHandle, content); err != nil {
			logger.Warn("failed to show outcome to late resolver", zap.Error(err))
			break
		}
		result.Updated = 1
		break
	}

	return result
}

func (r *Resolver) newResult(subjectID int64, resolved ResolveResult) *DecisionResult {
	return &DecisionResult{
		Kind:         resolved.Kind,
		SubjectID:    subjectID,
		Status:       resolved.ExistingStatus,
		ResolverID:   resolved.ExistingResolver,
		ResolverName: r.directory.DisplayName(resolved.ExistingResolver),
		DecidedAt:    resolved.DecidedAt,
	}
}

// FinishFanIn rewrites every recorded copy with the outcome and then retires
// exactly the references it rewrote. A copy recorded while the edits were in
// flight keeps its reference, so the sweeper finishes it later. References
// stay in place when listing them fails.
func FinishFanIn(
	ctx context.Context,
	registry *Registry,
	dispatcher *Dispatcher,
	subjectID int64,
	content domain.Content,
) (int, error) {
	refs, err := registry.References(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to list notification references: %w", err)
	}
	if len(refs) == 0 {
		return 0, nil
	}

	updated := dispatcher.Propagate(ctx, subjectID, refs, content)
	if err := registry.ClearReferences(ctx, subjectID, refs); err != nil {
		return updated, fmt.Errorf("failed to clear notification references: %w", err)
	}
	return updated, nil
}
