package service

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/approval-relay/internal/domain"
	"github.com/kursadbilgin/approval-relay/internal/provider"
	"github.com/kursadbilgin/approval-relay/internal/queue"
	"github.com/kursadbilgin/approval-relay/internal/ratelimit"
	"github.com/kursadbilgin/approval-relay/internal/repository"
)

// memoryStore implements both repositories. Its compare-and-set is atomic under
// one mutex, standing in for the single conditional UPDATE of the SQL store.
// writes counts mutations that changed state.
type memoryStore struct {
	mu       sync.Mutex
	requests map[int64]domain.AccessRequest
	refs     map[int64]map[int64]domain.NotificationReference
	writes   atomic.Int32
	reads    atomic.Int32
	failWith error
	listErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		requests: map[int64]domain.AccessRequest{},
		refs:     map[int64]map[int64]domain.NotificationReference{},
	}
}

func (s *memoryStore) UpsertPending(ctx context.Context, subjectID int64, snapshot string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	if _, ok := s.requests[subjectID]; ok {
		return false, nil
	}
	s.writes.Add(1)
	now := time.Now().UTC()
	s.requests[subjectID] = domain.AccessRequest{
		SubjectID:       subjectID,
		SubjectSnapshot: snapshot,
		Status:          domain.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return true, nil
}

func (s *memoryStore) CompareAndSetDecision(
	ctx context.Context,
	subjectID int64,
	expected domain.Status,
	newStatus domain.Status,
	decidedBy int64,
	decidedAt time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	req, ok := s.requests[subjectID]
	if !ok || req.Status != expected {
		return false, nil
	}
	s.writes.Add(1)
	by := decidedBy
	at := decidedAt
	req.Status = newStatus
	req.DecidedBy = &by
	req.DecidedAt = &at
	req.UpdatedAt = decidedAt
	s.requests[subjectID] = req
	return true, nil
}

func (s *memoryStore) GetStatus(ctx context.Context, subjectID int64) (domain.Status, error) {
	req, err := s.GetBySubjectID(ctx, subjectID)
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

func (s *memoryStore) GetBySubjectID(ctx context.Context, subjectID int64) (*domain.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.reads.Add(1)

	req, ok := s.requests[subjectID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &req, nil
}

func (s *memoryStore) List(ctx context.Context, params repository.ListParams) ([]domain.AccessRequest, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AccessRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if params.Status != nil && req.Status != *params.Status {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID > out[j].SubjectID })
	return out, int64(len(out)), nil
}

func (s *memoryStore) ListResolvedWithReferences(ctx context.Context, limit int) ([]domain.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	var out []domain.AccessRequest
	for id, req := range s.requests {
		if req.Status.IsTerminal() && len(s.refs[id]) > 0 {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Add(ctx context.Context, ref *domain.NotificationReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.writes.Add(1)

	if s.refs[ref.SubjectID] == nil {
		s.refs[ref.SubjectID] = map[int64]domain.NotificationReference{}
	}
	s.refs[ref.SubjectID][ref.ReviewerTarget] = *ref
	return nil
}

func (s *memoryStore) ListBySubject(ctx context.Context, subjectID int64) ([]domain.NotificationReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	if s.listErr != nil {
		return nil, s.listErr
	}

	out := make([]domain.NotificationReference, 0, len(s.refs[subjectID]))
	for _, ref := range s.refs[subjectID] {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReviewerTarget < out[j].ReviewerTarget })
	return out, nil
}

func (s *memoryStore) Remove(ctx context.Context, subjectID int64, refs []domain.NotificationReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}

	for _, ref := range refs {
		stored, ok := s.refs[subjectID][ref.ReviewerTarget]
		if !ok || stored.ReferenceHandle != ref.ReferenceHandle {
			continue
		}
		delete(s.refs[subjectID], ref.ReviewerTarget)
		s.writes.Add(1)
	}
	if len(s.refs[subjectID]) == 0 {
		delete(s.refs, subjectID)
	}
	return nil
}

func (s *memoryStore) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// setListFailure breaks only reference listing.
func (s *memoryStore) setListFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *memoryStore) references(subjectID int64) map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[int64]string{}
	for target, ref := range s.refs[subjectID] {
		out[target] = ref.ReferenceHandle
	}
	return out
}

var (
	_ repository.RequestRepository   = (*memoryStore)(nil)
	_ repository.ReferenceRepository = (*memoryStore)(nil)
)

type fakeMessenger struct {
	sendFn   func(ctx context.Context, target int64, content domain.Content) (string, error)
	updateFn func(ctx context.Context, handle string, content domain.Content) error

	mu      sync.Mutex
	sent    []int64
	updates map[string]domain.Content
}

func (f *fakeMessenger) Send(ctx context.Context, target int64, content domain.Content) (string, error) {
	if f.sendFn != nil {
		handle, err := f.sendFn(ctx, target, content)
		if err != nil {
			return "", err
		}
		f.recordSend(target)
		return handle, nil
	}
	f.recordSend(target)
	return handleFor(target), nil
}

func (f *fakeMessenger) Update(ctx context.Context, handle string, content domain.Content) error {
	if f.updateFn != nil {
		if err := f.updateFn(ctx, handle, content); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string]domain.Content{}
	}
	f.updates[handle] = content
	return nil
}

func (f *fakeMessenger) recordSend(target int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, target)
}

func (f *fakeMessenger) updated() map[string]domain.Content {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]domain.Content, len(f.updates))
	for k, v := range f.updates {
		out[k] = v
	}
	return out
}

var _ provider.Messenger = (*fakeMessenger)(nil)

type fakeGatekeeper struct {
	grantFn func(ctx context.Context, subjectID int64) error
	denyFn  func(ctx context.Context, subjectID int64) error

	grants atomic.Int32
	denies atomic.Int32
}

func (f *fakeGatekeeper) Grant(ctx context.Context, subjectID int64) error {
	f.grants.Add(1)
	if f.grantFn != nil {
		return f.grantFn(ctx, subjectID)
	}
	return nil
}

func (f *fakeGatekeeper) Deny(ctx context.Context, subjectID int64) error {
	f.denies.Add(1)
	if f.denyFn != nil {
		return f.denyFn(ctx, subjectID)
	}
	return nil
}

var _ provider.Gatekeeper = (*fakeGatekeeper)(nil)

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, scope string) (bool, error)
	waitFn  func(ctx context.Context, scope string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, scope)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, scope string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, scope)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func handleFor(target int64) string {
	return "h-" + strconv.FormatInt(target, 10)
}

// relay bundles the wired services over a memory store for tests.
type relay struct {
	store      *memoryStore
	messenger  *fakeMessenger
	gatekeeper *fakeGatekeeper
	directory  *StaticDirectory
	registry   *Registry
	dispatcher *Dispatcher
	resolver   *Resolver
	admissions *AdmissionService
}

func newRelay(reviewers ...int64) *relay {
	store := newMemoryStore()
	messenger := &fakeMessenger{}
	gatekeeper := &fakeGatekeeper{}

	directory, err := NewStaticDirectory(reviewers, map[int64]string{1: "Ali", 3: "Sara"})
	if err != nil {
		panic(err)
	}
	registry, err := NewRegistry(store, store)
	if err != nil {
		panic(err)
	}
	dispatcher, err := NewDispatcher(registry, messenger, &fakeRateLimiter{}, nil)
	if err != nil {
		panic(err)
	}
	resolver, err := NewResolver(registry, dispatcher, gatekeeper, directory, nil)
	if err != nil {
		panic(err)
	}
	admissions, err := NewAdmissionService(registry, dispatcher, directory, nil)
	if err != nil {
		panic(err)
	}

	return &relay{
		store:      store,
		messenger:  messenger,
		gatekeeper: gatekeeper,
		directory:  directory,
		registry:   registry,
		dispatcher: dispatcher,
		resolver:   resolver,
		admissions: admissions,
	}
}
