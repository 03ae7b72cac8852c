// Package storetest は jobs.Store 実装が満たすべき振る舞いをまとめたテストです。
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pdf-remediation/internal/jobs"
)

// Factory はサブテスト毎に空のストアを作ります。
type Factory func(t *testing.T) jobs.Store

// NewRecord は UPLOADED のテスト用レコードを作ります。
func NewRecord(jobID, owner string, createdAt time.Time) *jobs.Record {
	createdAt = createdAt.UTC().Truncate(time.Millisecond)
	return &jobs.Record{
		JobID:     jobID,
		Owner:     owner,
		FileName:  jobID + ".pdf",
		Status:    jobs.StatusUploaded,
		Source:    jobs.Location{Bucket: "bucket", Key: "pdf/" + jobID + ".pdf"},
		SizeBytes: 2048,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		ExpiresAt: createdAt.Add(7 * 24 * time.Hour),
	}
}

// Run はすべての契約テストを実行します。
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
	t.Run("CreateRejectsDuplicate", func(t *testing.T) { testCreateRejectsDuplicate(t, factory(t)) })
	t.Run("CreateRejectsNonInitialStatus", func(t *testing.T) { testCreateRejectsNonInitialStatus(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("UpdatePrecondition", func(t *testing.T) { testUpdatePrecondition(t, factory(t)) })
	t.Run("UpdateRejectsGraphViolation", func(t *testing.T) { testUpdateRejectsGraphViolation(t, factory(t)) })
	t.Run("UpdateRejectsOwnerChange", func(t *testing.T) { testUpdateRejectsOwnerChange(t, factory(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, factory(t)) })
	t.Run("SourceIndex", func(t *testing.T) { testSourceIndex(t, factory(t)) })
	t.Run("ListByOwner", func(t *testing.T) { testListByOwner(t, factory(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("ConcurrentTerminalUpdates", func(t *testing.T) { testConcurrentTerminalUpdates(t, factory(t)) })
}

func testCreateAndGet(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	record := NewRecord("report_20240101_120000_ab12cd34", "alice", time.Now())
	record.OwnerEmail = "alice@example.com"
	require.NoError(t, store.Create(ctx, record))

	got, err := store.Get(ctx, record.JobID)
	require.NoError(t, err)
	assert.Equal(t, record.JobID, got.JobID)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "alice@example.com", got.OwnerEmail)
	assert.Equal(t, jobs.StatusUploaded, got.Status)
	assert.Equal(t, record.Source, got.Source)
	assert.True(t, record.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.ProcessingMetadata)
}

func testCreateRejectsDuplicate(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewRecord("dup", "alice", time.Now())))

	err := store.Create(ctx, NewRecord("dup", "mallory", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrInvalidInput))

	var je *jobs.Error
	require.True(t, errors.As(err, &je))
	assert.Equal(t, "JOB_EXISTS", je.Code)

	got, err := store.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
}

func testCreateRejectsNonInitialStatus(t *testing.T, store jobs.Store) {
	record := NewRecord("done-already", "alice", time.Now())
	record.Status = jobs.StatusCompleted
	err := store.Create(context.Background(), record)
	assert.True(t, errors.Is(err, jobs.ErrInvalidInput))
}

func testGetMissing(t *testing.T, store jobs.Store) {
	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
}

func testUpdatePrecondition(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	record := NewRecord("precondition", "alice", time.Now().Add(-time.Minute))
	require.NoError(t, store.Create(ctx, record))

	updated, err := store.Update(ctx, record.JobID, []jobs.Status{jobs.StatusUploaded}, func(r *jobs.Record) error {
		r.Status = jobs.StatusAnalyzing
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAnalyzing, updated.Status)
	assert.False(t, updated.UpdatedAt.Before(record.UpdatedAt))

	_, err = store.Update(ctx, record.JobID, []jobs.Status{jobs.StatusUploaded}, func(r *jobs.Record) error {
		r.Status = jobs.StatusAnalyzing
		return nil
	})
	var te *jobs.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, jobs.StatusAnalyzing, te.Current)
	assert.True(t, errors.Is(err, jobs.ErrInvalidTransition))

	got, err := store.Get(ctx, record.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAnalyzing, got.Status)
	assert.True(t, updated.UpdatedAt.Equal(got.UpdatedAt))
}

func testUpdateRejectsGraphViolation(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	record := NewRecord("skip-ahead", "alice", time.Now())
	require.NoError(t, store.Create(ctx, record))

	_, err := store.Update(ctx, record.JobID, nil, func(r *jobs.Record) error {
		r.Status = jobs.StatusCompleted
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrInvalidTransition))

	got, err := store.Get(ctx, record.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusUploaded, got.Status)
}

func testUpdateRejectsOwnerChange(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	record := NewRecord("owned", "alice", time.Now())
	require.NoError(t, store.Create(ctx, record))

	_, err := store.Update(ctx, record.JobID, nil, func(r *jobs.Record) error {
		r.Owner = "mallory"
		return nil
	})
	require.Error(t, err)

	got, err := store.Get(ctx, record.JobID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
}

func testUpdateMissing(t *testing.T, store jobs.Store) {
	_, err := store.Update(context.Background(), "ghost", nil, func(r *jobs.Record) error { return nil })
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
}

func startProcessing(t *testing.T, store jobs.Store, jobID string, source jobs.Location) {
	t.Helper()
	_, err := store.Update(context.Background(), jobID, []jobs.Status{jobs.StatusUploaded}, func(r *jobs.Record) error {
		r.Status = jobs.StatusProcessing
		r.ProcessingMetadata = &jobs.ProcessingMetadata{
			Source:      source,
			ExecutionID: "exec-" + jobID,
			StartedAt:   time.Now().UTC(),
		}
		return nil
	})
	require.NoError(t, err)
}

func testSourceIndex(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	shared := jobs.Location{Bucket: "bucket", Key: "pdf/shared.pdf"}
	unique := jobs.Location{Bucket: "bucket", Key: "pdf/unique.pdf"}

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Create(ctx, NewRecord(id, "alice", time.Now().Add(time.Duration(i)*time.Second))))
	}
	startProcessing(t, store, "a", unique)
	startProcessing(t, store, "b", shared)
	startProcessing(t, store, "c", shared)

	ids, err := store.FindBySource(ctx, unique, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	ids, err = store.FindBySource(ctx, shared, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, ids)

	ids, err = store.FindBySource(ctx, shared, 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	ids, err = store.FindBySource(ctx, jobs.Location{Bucket: "bucket", Key: "pdf/none.pdf"}, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// 起動前のジョブは索引に載らない
	require.NoError(t, store.Create(ctx, NewRecord("d", "alice", time.Now())))
	ids, err = store.FindBySource(ctx, jobs.Location{Bucket: "bucket", Key: "pdf/d.pdf"}, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = store.Delete(ctx, "b")
	require.NoError(t, err)
	ids, err = store.FindBySource(ctx, shared, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)
}

func testListByOwner(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("alice-%d", i)
		require.NoError(t, store.Create(ctx, NewRecord(id, "alice", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.Create(ctx, NewRecord("bob-0", "bob", base.Add(time.Hour))))

	records, err := store.ListByOwner(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "alice-4", records[0].JobID)
	assert.Equal(t, "alice-3", records[1].JobID)
	assert.Equal(t, "alice-2", records[2].JobID)

	all, err := store.ListByOwner(ctx, "alice", 50)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	for _, r := range all {
		assert.Equal(t, "alice", r.Owner)
	}

	none, err := store.ListByOwner(ctx, "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDelete(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewRecord("gone", "alice", time.Now())))

	removed, err := store.Delete(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, "gone", removed.JobID)

	_, err = store.Get(ctx, "gone")
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
	_, err = store.Delete(ctx, "gone")
	assert.True(t, errors.Is(err, jobs.ErrNotFound))

	records, err := store.ListByOwner(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// 同じジョブを別々の終端状態へ進める更新を並行に流し、1件だけが成功することを確かめます。
func testConcurrentTerminalUpdates(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewRecord("race", "alice", time.Now())))
	startProcessing(t, store, "race", jobs.Location{Bucket: "bucket", Key: "pdf/race.pdf"})

	targets := []jobs.Status{jobs.StatusCancelled, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled, jobs.StatusCompleted, jobs.StatusFailed}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []jobs.Status
		conflicts int
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target jobs.Status) {
			defer wg.Done()
			_, err := store.Update(ctx, "race", []jobs.Status{jobs.StatusProcessing}, func(r *jobs.Record) error {
				r.Status = target
				if target != jobs.StatusCompleted {
					r.ErrorMessage = "stopped"
				}
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, target)
				return
			}
			if errors.Is(err, jobs.ErrInvalidTransition) {
				conflicts++
			}
		}(target)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, len(targets)-1, conflicts)

	got, err := store.Get(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Status)
}
