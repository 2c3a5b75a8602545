package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/approval-relay/internal/domain"
	"github.com/kursadbilgin/approval-relay/internal/repository"
)

type ResolveKind int

const (
	ResolveApplied ResolveKind = iota + 1
	ResolveAlreadyResolved
	ResolveNotFound
)

func (k ResolveKind) String() string {
	switch k {
	case ResolveApplied:
		return "applied"
	case ResolveAlreadyResolved:
		return "already_resolved"
	case ResolveNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ResolveResult describes how a resolution attempt ended.
// ExistingStatus, ExistingResolver and DecidedAt are set for Applied and AlreadyResolved.
type ResolveResult struct {
	Kind             ResolveKind
	ExistingStatus   domain.Status
	ExistingResolver int64
	DecidedAt        time.Time
}

// Registry owns the request state machine on top of the durable store.
// It keeps no status cache; every transition goes through the store's compare-and-set.
type Registry struct {
	requests   repository.RequestRepository
	references repository.ReferenceRepository
	now        func() time.Time
}

func NewRegistry(requests repository.RequestRepository, references repository.ReferenceRepository) (*Registry, error) {
	if requests == nil {
		return nil, fmt.Errorf("request repository is required")
	}
	if references == nil {
		return nil, fmt.Errorf("reference repository is required")
	}

	return &Registry{
		requests:   requests,
		references: references,
		now:        time.Now,
	}, nil
}

// Admit creates a pending request for the subject. A subject that already has a
// request keeps its stored snapshot and decision fields. The flag reports whether
// a new request was created.
func (r *Registry) Admit(ctx context.Context, subject domain.Subject) (bool, error) {
	if err := subject.Validate(); err != nil {
		return false, err
	}

	snapshot, err := subject.Snapshot()
	if err != nil {
		return false, err
	}

	return r.requests.UpsertPending(ctx, subject.ID, snapshot)
}

func (r *Registry) CurrentStatus(ctx context.Context, subjectID int64) (domain.Status, error) {
	return r.requests.GetStatus(ctx, subjectID)
}

func (r *Registry) Request(ctx context.Context, subjectID int64) (*domain.AccessRequest, error) {
	return r.requests.GetBySubjectID(ctx, subjectID)
}

func (r *Registry) List(ctx context.Context, params repository.ListParams) ([]domain.AccessRequest, int64, error) {
	return r.requests.List(ctx, params)
}

func (r *Registry) TryResolve(
	ctx context.Context,
	subjectID int64,
	outcome domain.Outcome,
	resolverID int64,
) (ResolveResult, error) {
	if !outcome.IsValid() {
		return ResolveResult{}, fmt.Errorf("%w: invalid outcome %q", domain.ErrInvalidRequest, outcome)
	}

	decidedAt := r.now().UTC()
	applied, err := r.requests.CompareAndSetDecision(
		ctx,
		subjectID,
		domain.StatusPending,
		outcome.Status(),
		resolverID,
		decidedAt,
	)
	if err != nil {
		return ResolveResult{}, err
	}
	if applied {
		return ResolveResult{
			Kind:             ResolveApplied,
			ExistingStatus:   outcome.Status(),
			ExistingResolver: resolverID,
			DecidedAt:        decidedAt,
		}, nil
	}

	// The CAS lost or found no row; read the committed state to tell which.
	existing, err := r.requests.GetBySubjectID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ResolveResult{Kind: ResolveNotFound}, nil
		}
		return ResolveResult{}, err
	}

	if !existing.Status.IsTerminal() {
		// The row was admitted after the CAS ran; the attempt referenced no request yet.
		return ResolveResult{Kind: ResolveNotFound}, nil
	}

	result := ResolveResult{
		Kind:           ResolveAlreadyResolved,
		ExistingStatus: existing.Status,
	}
	if existing.DecidedBy != nil {
		result.ExistingResolver = *existing.DecidedBy
	}
	if existing.DecidedAt != nil {
		result.DecidedAt = *existing.DecidedAt
	}
	return result, nil
}

func (r *Registry) AddReference(ctx context.Context, subjectID int64, target int64, handle string) error {
	return r.references.Add(ctx, &domain.NotificationReference{
		SubjectID:       subjectID,
		ReviewerTarget:  target,
		ReferenceHandle: handle,
		CreatedAt:       r.now().UTC(),
	})
}

func (r *Registry) References(ctx context.Context, subjectID int64) ([]domain.NotificationReference, error) {
	return r.references.ListBySubject(ctx, subjectID)
}

// ClearReferences retires the given references once their copies carry the
// outcome. References recorded after refs was read are left for a later sweep.
func (r *Registry) ClearReferences(ctx context.Context, subjectID int64, refs []domain.NotificationReference) error {
	return r.references.Remove(ctx, subjectID, refs)
}

func (r *Registry) UnfinishedFanIns(ctx context.Context, limit int) ([]domain.AccessRequest, error) {
	return r.requests.ListResolvedWithReferences(ctx, limit)
}
