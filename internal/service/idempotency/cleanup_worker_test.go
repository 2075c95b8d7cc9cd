package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func TestCleanupWorker_DeleteExpired(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		results     []int
		errs        []error
		batch       int
		wantDeleted int
		wantCalls   int
		wantErr     bool
	}{
		{name: "drains full batches", results: []int{2, 2, 1}, batch: 2, wantDeleted: 5, wantCalls: 3},
		{name: "single short batch", results: []int{3}, batch: 10, wantDeleted: 3, wantCalls: 1},
		{name: "nothing expired", batch: 10, wantCalls: 1},
		{name: "storage error", errs: []error{errors.New("boom")}, batch: 10, wantCalls: 1, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubCleanupRepo{deleteResults: tc.results, deleteErrors: tc.errs}

			deleted, err := NewCleanupWorker(repo, WithBatchSize(tc.batch)).DeleteExpired(context.Background(), time.Now().UTC())
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.wantDeleted, deleted)
			require.Equal(t, tc.wantCalls, repo.calls())
		})
	}
}

func TestCleanupWorker_RunOnceReportsMetrics(t *testing.T) {
	t.Parallel()

	m := &recordingMetrics{}
	worker := NewCleanupWorker(&stubCleanupRepo{deleteResults: []int{4}}, WithMetrics(m), WithBatchSize(10))

	deleted, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, deleted)

	failing := NewCleanupWorker(&stubCleanupRepo{deleteErrors: []error{errors.New("db down")}}, WithMetrics(m))
	_, err = failing.RunOnce(context.Background())
	require.Error(t, err)

	require.Equal(t, []int{4, 0}, m.deleted)
	require.Equal(t, 1, m.failures)
}

func TestCleanupWorker_RunOnceIgnoresCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &recordingMetrics{}
	repo := &stubCleanupRepo{deleteResults: []int{10}}
	deleted, err := NewCleanupWorker(repo, WithMetrics(m)).RunOnce(ctx)

	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, deleted)
	require.Zero(t, repo.calls())
	require.Empty(t, m.deleted)
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{}
	worker := NewCleanupWorker(repo, WithInterval(5*time.Millisecond), WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
	require.NotZero(t, repo.calls())
}

func TestCleanupWorker_RunDisabledWithoutRepo(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewCleanupWorker(nil).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled worker should return immediately")
	}
}

func TestCleanupWorker_RemovesOnlyExpiredMemoryKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	keys := map[string]time.Duration{"expired-1": -time.Hour, "expired-2": -time.Minute, "live": time.Hour}
	for key, ttl := range keys {
		_, err := repo.CreateProcessing(ctx, key, "hash", now.Add(ttl))
		require.NoError(t, err)
	}

	deleted, err := NewCleanupWorker(repo, WithBatchSize(1)).DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	_, err = repo.Get(ctx, "live")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "expired-1")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

type stubCleanupRepo struct {
	mu sync.Mutex

	deleteResults []int
	deleteErrors  []error
	callCount     int
}

func (s *stubCleanupRepo) CreateProcessing(context.Context, string, string, time.Time) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubCleanupRepo) Get(context.Context, string) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubCleanupRepo) MarkDone(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *stubCleanupRepo) MarkFailed(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *stubCleanupRepo) DeleteExpired(context.Context, time.Time, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		return 0, err
	}
	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	n := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return n, nil
}

func (s *stubCleanupRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type recordingMetrics struct {
	deleted  []int
	failures int
}

func (m *recordingMetrics) ObserveCleanup(deleted int, err error) {
	m.deleted = append(m.deleted, deleted)
	if err != nil {
		m.failures++
	}
}

var (
	_ domain.IdempotencyRepository = (*stubCleanupRepo)(nil)
	_ Metrics                      = (*recordingMetrics)(nil)
)
