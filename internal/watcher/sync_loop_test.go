package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/gitsync-worker/internal/clock"
	"github.com/vipul43/gitsync-worker/internal/models"
	"github.com/vipul43/gitsync-worker/internal/service"
)

type mockExecutor struct {
	applyFunc func(ctx context.Context, accountID string, changeSets []models.ChangeSet) error

	mu    sync.Mutex
	calls map[string][][]string
}

func (m *mockExecutor) Apply(ctx context.Context, accountID string, changeSets []models.ChangeSet) error {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string][][]string)
	}
	m.calls[accountID] = append(m.calls[accountID], models.ChangeSetIDs(changeSets))
	m.mu.Unlock()

	if m.applyFunc != nil {
		return m.applyFunc(ctx, accountID, changeSets)
	}
	return nil
}

func (m *mockExecutor) callsFor(accountID string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[accountID]
}

type loopFixture struct {
	clock    *clock.Fake
	store    *memStore
	executor *mockExecutor
}

func newLoopFixture() *loopFixture {
	clk := clock.NewFake(baseTime)
	return &loopFixture{
		clock:    clk,
		store:    newMemStore(clk),
		executor: &mockExecutor{},
	}
}

func (f *loopFixture) loop(policy service.FetchPolicy, concurrency int) *SyncLoop {
	detector := service.NewStuckJobDetector(f.store, f.clock, service.DefaultStuckJobTimeout)
	fetcher := service.NewChangeSetFetcher(f.store, policy, 50)
	return NewSyncLoop(f.store, detector, fetcher, f.executor, f.clock, SyncLoopConfig{
		TickInterval:       4 * time.Second,
		StuckCheckInterval: 30 * time.Minute,
		Concurrency:        concurrency,
	})
}

func resultFor(report TickReport, accountID string) *AccountResult {
	for i := range report.Accounts {
		if report.Accounts[i].AccountID == accountID {
			return &report.Accounts[i]
		}
	}
	return nil
}

func TestSyncLoop_QueuedChangeSetCompletes(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "acc1"})
	f.clock.Advance(time.Second)

	report := f.loop(service.FetchOldest, 1).Tick(context.Background())
	require.NoError(t, report.Err)

	assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("cs1").Status)
	assert.Equal(t, [][]string{{"cs1"}}, f.executor.callsFor("acc1"))

	running, err := f.store.ListAccountsWithStatus(context.Background(), models.ChangeSetStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, running)

	require.Len(t, report.Accounts, 1)
	assert.Equal(t, OutcomeCompleted, report.Accounts[0].Outcome)
}

func TestSyncLoop_OneAccountFailureDoesNotAffectOthers(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		f := newLoopFixture()
		f.store.add(models.ChangeSet{ID: "csA", AccountID: "A"})
		f.store.add(models.ChangeSet{ID: "csB", AccountID: "B"})
		f.store.add(models.ChangeSet{ID: "csC", AccountID: "C"})
		f.executor.applyFunc = func(ctx context.Context, accountID string, changeSets []models.ChangeSet) error {
			if accountID == "B" {
				return errors.New("remote rejected push")
			}
			return nil
		}

		report := f.loop(service.FetchOldest, concurrency).Tick(context.Background())

		assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("csA").Status)
		assert.Equal(t, models.ChangeSetStatusFailed, f.store.get("csB").Status)
		assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("csC").Status)
		assert.Equal(t, "remote rejected push", *f.store.get("csB").StatusReason)

		b := resultFor(report, "B")
		require.NotNil(t, b)
		assert.Equal(t, OutcomeFailed, b.Outcome)
		assert.EqualError(t, b.Err, "remote rejected push")
		assert.Equal(t, []string{"csB"}, b.ChangeSetIDs)
		assert.Equal(t, 2, report.Count(OutcomeCompleted))
	}
}

func TestSyncLoop_ExecutorPanicIsAFailure(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "csA", AccountID: "A"})
	f.store.add(models.ChangeSet{ID: "csB", AccountID: "B"})
	f.executor.applyFunc = func(ctx context.Context, accountID string, changeSets []models.ChangeSet) error {
		if accountID == "A" {
			panic("nil connector")
		}
		return nil
	}

	report := f.loop(service.FetchOldest, 1).Tick(context.Background())

	assert.Equal(t, models.ChangeSetStatusFailed, f.store.get("csA").Status)
	assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("csB").Status)
	assert.ErrorContains(t, resultFor(report, "A").Err, "nil connector")
}

func TestSyncLoop_RunningAccountIsNotDispatched(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs-running", AccountID: "A", Status: models.ChangeSetStatusRunning})
	f.store.add(models.ChangeSet{ID: "cs-queued", AccountID: "A"})
	f.store.add(models.ChangeSet{ID: "cs-other", AccountID: "B"})

	report := f.loop(service.FetchOldest, 1).Tick(context.Background())

	assert.Empty(t, f.executor.callsFor("A"))
	assert.Equal(t, models.ChangeSetStatusQueued, f.store.get("cs-queued").Status)
	assert.Equal(t, models.ChangeSetStatusRunning, f.store.get("cs-running").Status)
	assert.Nil(t, resultFor(report, "A"))
	assert.Equal(t, OutcomeCompleted, resultFor(report, "B").Outcome)
}

func TestSyncLoop_OldestPolicyDispatchesOnePerTick(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A"})
	f.clock.Advance(time.Second)
	f.store.add(models.ChangeSet{ID: "cs2", AccountID: "A"})
	loop := f.loop(service.FetchOldest, 1)

	loop.Tick(context.Background())
	assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("cs1").Status)
	assert.Equal(t, models.ChangeSetStatusQueued, f.store.get("cs2").Status)

	loop.Tick(context.Background())
	assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("cs2").Status)
	assert.Equal(t, [][]string{{"cs1"}, {"cs2"}}, f.executor.callsFor("A"))
}

func TestSyncLoop_BatchPolicyMergesRun(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A"})
	f.store.add(models.ChangeSet{ID: "cs2", AccountID: "A"})
	f.store.add(models.ChangeSet{ID: "cs3", AccountID: "A", GitToHarness: true})

	f.loop(service.FetchBatch, 1).Tick(context.Background())

	assert.Equal(t, [][]string{{"cs1", "cs2"}}, f.executor.callsFor("A"))
	assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("cs2").Status)
	assert.Equal(t, models.ChangeSetStatusQueued, f.store.get("cs3").Status)
}

func TestSyncLoop_StuckChangeSetIsRequeuedThenDispatched(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs2", AccountID: "acc2", Status: models.ChangeSetStatusRunning})
	f.clock.Advance(100 * time.Minute)
	loop := f.loop(service.FetchOldest, 1)

	first := loop.Tick(context.Background())
	assert.True(t, first.StuckCheckRan)
	assert.Equal(t, int64(1), first.Recovery.Requeued())
	assert.Equal(t, models.ChangeSetStatusQueued, f.store.get("cs2").Status)
	assert.Equal(t, models.ReasonStuckJobRequeued, *f.store.get("cs2").StatusReason)
	assert.Empty(t, f.executor.callsFor("acc2"), "running accounts are not dispatched in the same tick")

	loop.Tick(context.Background())
	assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("cs2").Status)
	assert.Equal(t, [][]string{{"cs2"}}, f.executor.callsFor("acc2"))
}

func TestSyncLoop_RecentRunningIsLeftAlone(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A", Status: models.ChangeSetStatusRunning})
	f.clock.Advance(89 * time.Minute)

	report := f.loop(service.FetchOldest, 1).Tick(context.Background())
	assert.True(t, report.StuckCheckRan)
	assert.Equal(t, models.ChangeSetStatusRunning, f.store.get("cs1").Status)
}

func TestSyncLoop_StuckCheckRunsAtMostOncePerInterval(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A", Status: models.ChangeSetStatusRunning})
	loop := f.loop(service.FetchOldest, 1)

	assert.True(t, loop.Tick(context.Background()).StuckCheckRan, "first check is not gated")

	f.clock.Advance(29 * time.Minute)
	assert.False(t, loop.Tick(context.Background()).StuckCheckRan)

	f.clock.Advance(time.Minute)
	assert.True(t, loop.Tick(context.Background()).StuckCheckRan)

	f.clock.Advance(time.Second)
	assert.False(t, loop.Tick(context.Background()).StuckCheckRan)
}

func TestSyncLoop_StuckCheckSkippedWithoutRunningAccounts(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A"})
	loop := f.loop(service.FetchOldest, 1)

	assert.False(t, loop.Tick(context.Background()).StuckCheckRan)

	f.store.add(models.ChangeSet{ID: "cs2", AccountID: "B", Status: models.ChangeSetStatusRunning})
	assert.True(t, loop.Tick(context.Background()).StuckCheckRan, "the gate is not consumed by ticks without running accounts")
}

func TestSyncLoop_OverlappingTickIsSkipped(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A"})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.executor.applyFunc = func(ctx context.Context, accountID string, changeSets []models.ChangeSet) error {
		close(entered)
		<-release
		return nil
	}
	loop := f.loop(service.FetchOldest, 1)

	done := make(chan TickReport)
	go func() {
		done <- loop.Tick(context.Background())
	}()
	<-entered

	second := loop.Tick(context.Background())
	assert.True(t, second.Skipped)
	assert.Empty(t, second.Accounts)

	close(release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, [][]string{{"cs1"}}, f.executor.callsFor("A"))
}

func TestSyncLoop_ListFailureEndsTick(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A"})
	f.store.listErr = errors.New("connection reset")

	report := f.loop(service.FetchOldest, 1).Tick(context.Background())
	assert.ErrorContains(t, report.Err, "connection reset")
	assert.Empty(t, f.executor.callsFor("A"))

	f.store.listErr = nil
	report = f.loop(service.FetchOldest, 1).Tick(context.Background())
	assert.NoError(t, report.Err)
	assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("cs1").Status)
}

type conflictingStore struct {
	*memStore
}

func (s conflictingStore) ClaimForSync(ctx context.Context, ids []string) (bool, error) {
	return false, nil
}

func TestSyncLoop_ClaimConflictSkipsExecutor(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A"})
	store := conflictingStore{f.store}

	loop := NewSyncLoop(store,
		service.NewStuckJobDetector(f.store, f.clock, 0),
		service.NewChangeSetFetcher(f.store, service.FetchOldest, 1),
		f.executor, f.clock, SyncLoopConfig{})

	report := loop.Tick(context.Background())
	assert.Equal(t, OutcomeClaimConflict, resultFor(report, "A").Outcome)
	assert.Empty(t, f.executor.callsFor("A"))
	assert.Equal(t, models.ChangeSetStatusQueued, f.store.get("cs1").Status)
}

func TestSyncLoop_HeadMovedQueuesRetryLineage(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A"})
	var retryCounts []int
	f.executor.applyFunc = func(ctx context.Context, accountID string, changeSets []models.ChangeSet) error {
		retryCounts = append(retryCounts, changeSets[0].PushRetryCount)
		if changeSets[0].PushRetryCount < service.PushIfNotHeadMaxRetry {
			return fmt.Errorf("failed to push change sets: %w", service.ErrHeadMoved)
		}
		return nil
	}
	loop := f.loop(service.FetchOldest, 1)

	parentID := "cs1"
	for attempt := 1; attempt <= service.PushIfNotHeadMaxRetry; attempt++ {
		f.clock.Advance(5 * time.Second)
		result := resultFor(loop.Tick(context.Background()), "A")
		require.NotNil(t, result)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Equal(t, models.ChangeSetStatusFailed, f.store.get(parentID).Status)
		require.Len(t, result.RetryIDs, 1)

		retry := f.store.get(result.RetryIDs[0])
		assert.Equal(t, models.ChangeSetStatusQueued, retry.Status)
		require.NotNil(t, retry.ParentChangeSetID)
		assert.Equal(t, parentID, *retry.ParentChangeSetID)
		assert.Equal(t, attempt, retry.PushRetryCount)
		parentID = retry.ID
	}

	f.clock.Advance(5 * time.Second)
	result := resultFor(loop.Tick(context.Background()), "A")
	require.NotNil(t, result)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Empty(t, result.RetryIDs)
	assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get(parentID).Status)
	assert.Equal(t, []int{0, 1, 2, 3}, retryCounts)
}

func TestSyncLoop_OtherFailuresAreNotRetried(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A"})
	f.executor.applyFunc = func(ctx context.Context, accountID string, changeSets []models.ChangeSet) error {
		return errors.New("authentication failed")
	}

	result := resultFor(f.loop(service.FetchOldest, 1).Tick(context.Background()), "A")
	require.NotNil(t, result)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Empty(t, result.RetryIDs)

	queued, err := f.store.ListAccountsWithStatus(context.Background(), models.ChangeSetStatusQueued)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestSyncLoop_StartTicksUntilCancelled(t *testing.T) {
	f := newLoopFixture()
	f.store.add(models.ChangeSet{ID: "cs1", AccountID: "A"})

	ctx, cancel := context.WithCancel(context.Background())
	f.executor.applyFunc = func(ctx context.Context, accountID string, changeSets []models.ChangeSet) error {
		cancel()
		return nil
	}

	loop := NewSyncLoop(f.store,
		service.NewStuckJobDetector(f.store, f.clock, 0),
		service.NewChangeSetFetcher(f.store, service.FetchOldest, 1),
		f.executor, f.clock, SyncLoopConfig{TickInterval: time.Hour})

	err := loop.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.ChangeSetStatusCompleted, f.store.get("cs1").Status)
}
