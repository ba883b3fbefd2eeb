package durable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bimaledger/internal/model"
)

// mockSink records persists and can be told to fail.
type mockSink struct {
	mu        sync.Mutex
	persists  []persistCall
	failWith  error
	loadState map[string]any
	loadVer   int64
}

type persistCall struct {
	name    string
	state   map[string]any
	version int64
}

func (s *mockSink) Persist(ctx context.Context, name string, state map[string]any, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.persists = append(s.persists, persistCall{name: name, state: state, version: version})
	return nil
}

func (s *mockSink) Load(ctx context.Context, name string) (map[string]any, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadState, s.loadVer, nil
}

func (s *mockSink) calls() []persistCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistCall{}, s.persists...)
}

func (s *mockSink) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func TestLifecycleState_String(t *testing.T) {
	tests := []struct {
		state LifecycleState
		want  string
	}{
		{StateCreated, "Created"},
		{StateRunning, "Running"},
		{StateShuttingDown, "ShuttingDown"},
		{StateStopped, "Stopped"},
		{LifecycleState(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestObject_StartTransitions(t *testing.T) {
	o := NewObject("test:1", KindObject, &mockSink{}, time.Minute)
	require.Equal(t, StateCreated, o.Lifecycle())

	require.NoError(t, o.Start(context.Background()))
	require.Equal(t, StateRunning, o.Lifecycle())

	require.ErrorIs(t, o.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, o.Shutdown(context.Background()))
	require.Equal(t, StateStopped, o.Lifecycle())
}

func TestObject_ShutdownIdempotent(t *testing.T) {
	sink := &mockSink{}
	o := NewObject("test:1", KindObject, sink, time.Minute)
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.Shutdown(context.Background()))
	require.NoError(t, o.Shutdown(context.Background()))
	require.NoError(t, o.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, o.Lifecycle())
}

func TestObject_ShutdownWithoutStart(t *testing.T) {
	sink := &mockSink{}
	o := NewObject("test:1", KindObject, sink, time.Minute)
	require.NoError(t, o.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, o.Lifecycle())
	assert.Empty(t, sink.calls())
}

func TestObject_UpdateMarksDirty(t *testing.T) {
	o := NewObject("test:1", KindCounter, &mockSink{}, time.Minute)
	require.False(t, o.Metadata().Dirty)

	require.NoError(t, o.Update(func(state map[string]any) error {
		state["count"] = 1.0
		return nil
	}))
	assert.True(t, o.Metadata().Dirty)
}

func TestObject_UpdateErrorLeavesDirtyAlone(t *testing.T) {
	o := NewObject("test:1", KindCounter, &mockSink{}, time.Minute)
	boom := errors.New("boom")

	err := o.Update(func(state map[string]any) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, o.Metadata().Dirty)
}

func TestObject_SyncCleanIsNoop(t *testing.T) {
	sink := &mockSink{}
	o := NewObject("test:1", KindObject, sink, time.Minute)

	require.NoError(t, o.Sync(context.Background()))
	assert.Empty(t, sink.calls())
	assert.Zero(t, o.Metadata().SyncCount)
}

func TestObject_SyncPersistsAndConfirms(t *testing.T) {
	sink := &mockSink{}
	o := NewObject("test:1", KindObject, sink, time.Minute)
	require.NoError(t, o.Update(func(state map[string]any) error {
		state["answer"] = 42.0
		return nil
	}))

	require.NoError(t, o.Sync(context.Background()))

	calls := sink.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "test:1", calls[0].name)
	assert.Equal(t, int64(1), calls[0].version)
	assert.Equal(t, 42.0, calls[0].state["answer"])

	meta := o.Metadata()
	assert.False(t, meta.Dirty)
	assert.Equal(t, int64(1), meta.Version)
	assert.Equal(t, int64(1), meta.SyncCount)
	assert.False(t, meta.LastSync.IsZero())
}

func TestObject_FailedSyncKeepsDirty(t *testing.T) {
	sink := &mockSink{failWith: errors.New("storage down")}
	o := NewObject("test:1", KindObject, sink, time.Minute)
	require.NoError(t, o.Update(func(state map[string]any) error {
		state["k"] = "v"
		return nil
	}))

	require.Error(t, o.Sync(context.Background()))

	meta := o.Metadata()
	assert.True(t, meta.Dirty, "dirty must survive a failed sync")
	assert.Zero(t, meta.Version)
	assert.Zero(t, meta.SyncCount)

	// Next attempt succeeds and clears it.
	sink.setFail(nil)
	require.NoError(t, o.Sync(context.Background()))
	assert.False(t, o.Metadata().Dirty)
}

func TestObject_PeriodicSync(t *testing.T) {
	sink := &mockSink{}
	o := NewObject("test:1", KindObject, sink, 20*time.Millisecond)
	require.NoError(t, o.Start(context.Background()))
	defer o.Shutdown(context.Background())

	require.NoError(t, o.Update(func(state map[string]any) error {
		state["k"] = "v"
		return nil
	}))

	require.Eventually(t, func() bool {
		return len(sink.calls()) >= 1 && !o.Metadata().Dirty
	}, time.Second, 5*time.Millisecond)
}

func TestObject_ShutdownForcesFinalSync(t *testing.T) {
	sink := &mockSink{}
	o := NewObject("test:1", KindObject, sink, time.Hour) // no ticks fire
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.Update(func(state map[string]any) error {
		state["k"] = "v"
		return nil
	}))

	require.NoError(t, o.Shutdown(context.Background()))

	require.Len(t, sink.calls(), 1, "exactly one terminal sync")
	assert.False(t, o.Metadata().Dirty)
}

func TestObject_ShutdownReportsFinalSyncError(t *testing.T) {
	sink := &mockSink{failWith: errors.New("storage down")}
	o := NewObject("test:1", KindObject, sink, time.Hour)
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.Update(func(state map[string]any) error {
		state["k"] = "v"
		return nil
	}))

	err := o.Shutdown(context.Background())
	require.Error(t, err, "a lost terminal sync must not be swallowed")
	assert.Equal(t, StateStopped, o.Lifecycle())
}

func TestObject_Restore(t *testing.T) {
	sink := &mockSink{
		loadState: map[string]any{"balance": 500.0},
		loadVer:   7,
	}
	o := NewObject("test:1", KindCredits, sink, time.Minute)
	require.NoError(t, o.Restore(context.Background()))

	assert.Equal(t, int64(7), o.Metadata().Version)
	o.View(func(state map[string]any) {
		assert.Equal(t, 500.0, state["balance"])
	})

	require.NoError(t, o.Start(context.Background()))
	defer o.Shutdown(context.Background())
	require.ErrorIs(t, o.Restore(context.Background()), ErrAlreadyStarted)
}

func TestObject_StatsSourceFoldedOnSync(t *testing.T) {
	sink := &mockSink{}
	o := NewObject("test:1", KindBatch, sink, time.Minute)
	o.SetStatsSource(func() model.BatchStats {
		return model.BatchStats{Processed: 9, Failed: 1}
	})

	require.NoError(t, o.Update(func(state map[string]any) error {
		state["k"] = "v"
		return nil
	}))
	require.NoError(t, o.Sync(context.Background()))

	assert.Equal(t, model.BatchStats{Processed: 9, Failed: 1}, o.Metadata().BatchStats)
}

func TestObject_ConcurrentUpdates(t *testing.T) {
	o := NewObject("test:1", KindCounter, &mockSink{}, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Update(func(state map[string]any) error {
				n, _ := state["count"].(float64)
				state["count"] = n + 1
				return nil
			})
		}()
	}
	wg.Wait()

	o.View(func(state map[string]any) {
		assert.Equal(t, 50.0, state["count"])
	})
}
