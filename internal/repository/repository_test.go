package repository_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/kursadbilgin/approval-relay/internal/domain"
	"github.com/kursadbilgin/approval-relay/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/approval-relay/internal/repository"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestRequestRepoUpsertPendingIsIdempotent(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormRequestRepo(db)
	ctx := context.Background()

	created, err := repo.UpsertPending(ctx, 42, `{"id":42,"username":"first"}`)
	require.NoError(t, err)
	require.True(t, created)

	created, err = repo.UpsertPending(ctx, 42, `{"id":42,"username":"second"}`)
	require.NoError(t, err)
	require.False(t, created)

	req, err := repo.GetBySubjectID(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, req.Status)
	require.Equal(t, `{"id":42,"username":"first"}`, req.SubjectSnapshot)
	require.Nil(t, req.DecidedBy)
	require.Nil(t, req.DecidedAt)
}

func TestRequestRepoCompareAndSetDecision(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormRequestRepo(db)
	ctx := context.Background()

	_, err := repo.UpsertPending(ctx, 42, `{"id":42}`)
	require.NoError(t, err)

	decidedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	applied, err := repo.CompareAndSetDecision(ctx, 42, domain.StatusPending, domain.StatusDeclined, 3, decidedAt)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = repo.CompareAndSetDecision(ctx, 42, domain.StatusPending, domain.StatusApproved, 1, decidedAt.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, applied)

	req, err := repo.GetBySubjectID(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDeclined, req.Status)
	require.NotNil(t, req.DecidedBy)
	require.Equal(t, int64(3), *req.DecidedBy)
	require.NotNil(t, req.DecidedAt)
	require.True(t, req.DecidedAt.Equal(decidedAt), "decided_at = %v, want %v", req.DecidedAt, decidedAt)

	// Re-arrival after resolution must not reopen the request.
	created, err := repo.UpsertPending(ctx, 42, `{"id":42}`)
	require.NoError(t, err)
	require.False(t, created)

	status, err := repo.GetStatus(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDeclined, status)
}

func TestRequestRepoCompareAndSetUnknownSubject(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormRequestRepo(db)
	ctx := context.Background()

	applied, err := repo.CompareAndSetDecision(ctx, 404, domain.StatusPending, domain.StatusApproved, 1, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, applied)

	_, err = repo.GetStatus(ctx, 404)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.GetBySubjectID(ctx, 404)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRequestRepoCompareAndSetConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormRequestRepo(db)
	ctx := context.Background()

	_, err := repo.UpsertPending(ctx, 42, `{"id":42}`)
	require.NoError(t, err)

	const attempts = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		resolver := int64(i + 1)
		status := domain.StatusApproved
		if i%2 == 1 {
			status = domain.StatusDeclined
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := repo.CompareAndSetDecision(ctx, 42, domain.StatusPending, status, resolver, time.Now().UTC())
			if err != nil {
				errs <- err
				return
			}
			if applied {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), wins.Load())

	req, err := repo.GetBySubjectID(ctx, 42)
	require.NoError(t, err)
	require.True(t, req.Status.IsTerminal())
	require.NotNil(t, req.DecidedBy)
}

func TestReferenceRepoLifecycle(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	refs := repository.NewGormReferenceRepo(db)
	ctx := context.Background()

	require.NoError(t, refs.Add(ctx, &domain.NotificationReference{SubjectID: 42, ReviewerTarget: 1, ReferenceHandle: "1:100"}))
	require.NoError(t, refs.Add(ctx, &domain.NotificationReference{SubjectID: 42, ReviewerTarget: 3, ReferenceHandle: "3:300"}))
	require.NoError(t, refs.Add(ctx, &domain.NotificationReference{SubjectID: 7, ReviewerTarget: 1, ReferenceHandle: "1:101"}))

	list, err := refs.ListBySubject(ctx, 42)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, int64(1), list[0].ReviewerTarget)
	require.Equal(t, "1:100", list[0].ReferenceHandle)
	require.Equal(t, int64(3), list[1].ReviewerTarget)

	// Recording the same target again replaces the handle.
	require.NoError(t, refs.Add(ctx, &domain.NotificationReference{SubjectID: 42, ReviewerTarget: 3, ReferenceHandle: "3:301"}))
	list, err = refs.ListBySubject(ctx, 42)
	require.NoError(t, err)
	require.Len(t, list, 2)
	handles := map[int64]string{}
	for _, ref := range list {
		handles[ref.ReviewerTarget] = ref.ReferenceHandle
	}
	require.Equal(t, "3:301", handles[3])

	require.NoError(t, refs.Remove(ctx, 42, list))
	require.NoError(t, refs.Remove(ctx, 42, list))

	list, err = refs.ListBySubject(ctx, 42)
	require.NoError(t, err)
	require.Empty(t, list)

	other, err := refs.ListBySubject(ctx, 7)
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestReferenceRepoRemoveDeletesOnlyListedCopies(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	refs := repository.NewGormReferenceRepo(db)
	ctx := context.Background()

	require.NoError(t, refs.Add(ctx, &domain.NotificationReference{SubjectID: 42, ReviewerTarget: 1, ReferenceHandle: "1:100"}))
	require.NoError(t, refs.Add(ctx, &domain.NotificationReference{SubjectID: 42, ReviewerTarget: 2, ReferenceHandle: "2:200"}))

	listed, err := refs.ListBySubject(ctx, 42)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	// Target 2 is re-sent and target 3 is recorded after the list was read.
	require.NoError(t, refs.Add(ctx, &domain.NotificationReference{SubjectID: 42, ReviewerTarget: 2, ReferenceHandle: "2:201"}))
	require.NoError(t, refs.Add(ctx, &domain.NotificationReference{SubjectID: 42, ReviewerTarget: 3, ReferenceHandle: "3:300"}))

	require.NoError(t, refs.Remove(ctx, 42, listed))

	remaining, err := refs.ListBySubject(ctx, 42)
	require.NoError(t, err)
	handles := map[int64]string{}
	for _, ref := range remaining {
		handles[ref.ReviewerTarget] = ref.ReferenceHandle
	}
	require.Equal(t, map[int64]string{2: "2:201", 3: "3:300"}, handles)

	require.NoError(t, refs.Remove(ctx, 42, nil))
}

func TestRequestRepoListResolvedWithReferences(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	requests := repository.NewGormRequestRepo(db)
	refs := repository.NewGormReferenceRepo(db)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		_, err := requests.UpsertPending(ctx, id, `{}`)
		require.NoError(t, err)
		require.NoError(t, refs.Add(ctx, &domain.NotificationReference{SubjectID: id, ReviewerTarget: 10, ReferenceHandle: "h"}))
	}

	now := time.Now().UTC()
	_, err := requests.CompareAndSetDecision(ctx, 1, domain.StatusPending, domain.StatusApproved, 10, now)
	require.NoError(t, err)
	_, err = requests.CompareAndSetDecision(ctx, 2, domain.StatusPending, domain.StatusDeclined, 10, now)
	require.NoError(t, err)
	require.NoError(t, refs.Remove(ctx, 2, []domain.NotificationReference{{SubjectID: 2, ReviewerTarget: 10, ReferenceHandle: "h"}}))

	unfinished, err := requests.ListResolvedWithReferences(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	require.Equal(t, int64(1), unfinished[0].SubjectID)
	require.Equal(t, domain.StatusApproved, unfinished[0].Status)
}

func TestRequestRepoListFiltersAndPaginates(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormRequestRepo(db)
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		_, err := repo.UpsertPending(ctx, id, `{}`)
		require.NoError(t, err)
	}
	_, err := repo.CompareAndSetDecision(ctx, 2, domain.StatusPending, domain.StatusApproved, 9, time.Now().UTC())
	require.NoError(t, err)

	pending := domain.StatusPending
	list, total, err := repo.List(ctx, repository.ListParams{Status: &pending, Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
	require.Len(t, list, 2)
	for _, req := range list {
		require.Equal(t, domain.StatusPending, req.Status)
	}

	all, total, err := repo.List(ctx, repository.ListParams{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, int64(5), total)
	require.Len(t, all, 1)
}

func TestRepositoriesReportStoreUnavailable(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	requests := repository.NewGormRequestRepo(db)
	refs := repository.NewGormReferenceRepo(db)
	ctx := context.Background()

	_, err = requests.UpsertPending(ctx, 1, `{}`)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = requests.CompareAndSetDecision(ctx, 1, domain.StatusPending, domain.StatusApproved, 1, time.Now())
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = requests.GetStatus(ctx, 1)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	err = refs.Remove(ctx, 1, []domain.NotificationReference{{SubjectID: 1, ReviewerTarget: 1, ReferenceHandle: "h"}})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "relay.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migrations.Migrate(db))
	return db
}
