package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures flushed batches and can fail the first N calls.
type recordingSink struct {
	mu        sync.Mutex
	batches   [][]int
	calls     int
	failFirst int
}

func (s *recordingSink) flush(ctx context.Context, items []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, append([]int(nil), items...))
	return nil
}

func (s *recordingSink) flushed() [][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int, len(s.batches))
	copy(out, s.batches)
	return out
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() Config {
	return Config{
		MaxSize:       3,
		FlushInterval: time.Minute, // timer effectively disabled
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero max size", Config{MaxSize: 0, FlushInterval: time.Second, RetryDelay: time.Millisecond}, true},
		{"zero flush interval", Config{MaxSize: 1, FlushInterval: 0, RetryDelay: time.Millisecond}, true},
		{"zero retry delay", Config{MaxSize: 1, FlushInterval: time.Second, RetryDelay: 0}, true},
		{"minimal valid", Config{MaxSize: 1, FlushInterval: time.Nanosecond, RetryDelay: time.Nanosecond}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNew_RequiresFlushFunc(t *testing.T) {
	_, err := New[int](testConfig(), nil)
	require.Error(t, err)
}

func TestProcessor_SizeTriggerFlushesExactlyOnce(t *testing.T) {
	sink := &recordingSink{}
	p, err := New(testConfig(), sink.flush)
	require.NoError(t, err)
	p.Start(context.Background())
	defer p.Close(context.Background())

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.Enqueue(i))
	}

	require.Eventually(t, func() bool {
		return len(sink.flushed()) == 1
	}, time.Second, 5*time.Millisecond)

	batches := sink.flushed()
	require.Len(t, batches, 1, "size trigger must produce a single batch")
	assert.Equal(t, []int{1, 2, 3}, batches[0], "items flush in enqueue order")
	assert.Equal(t, int64(3), p.Stats().Processed)
	assert.Zero(t, p.Stats().Failed)
	assert.Zero(t, p.Len())
}

func TestProcessor_TimerFlushesPartialBatch(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 50 * time.Millisecond

	sink := &recordingSink{}
	p, err := New(cfg, sink.flush)
	require.NoError(t, err)
	p.Start(context.Background())
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue(1))
	require.NoError(t, p.Enqueue(2))

	// Below MaxSize, so only the timer path can fire.
	require.Eventually(t, func() bool {
		return len(sink.flushed()) == 1
	}, time.Second, 5*time.Millisecond)

	batches := sink.flushed()
	assert.Equal(t, []int{1, 2}, batches[0])
	assert.Equal(t, int64(2), p.Stats().Processed)

	// No second flush appears out of nowhere.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sink.flushed(), 1)
}

func TestProcessor_RetryExhaustionDropsBatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 1
	cfg.MaxRetries = 2

	sink := &recordingSink{failFirst: 1000} // never succeeds
	var (
		mu      sync.Mutex
		dropped []int
		dropErr error
	)
	p, err := New(cfg, sink.flush, WithDropHandler(func(items []int, err error) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, items...)
		dropErr = err
	}))
	require.NoError(t, err)

	require.NoError(t, p.Enqueue(7))
	_, err = p.Drain(context.Background())
	require.NoError(t, err)

	// 1 initial attempt + MaxRetries retries, never more.
	assert.Equal(t, 3, sink.callCount())
	assert.Equal(t, int64(1), p.Stats().Failed)
	assert.Zero(t, p.Stats().Processed)
	assert.Zero(t, p.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{7}, dropped, "dropped items must be observable")
	require.Error(t, dropErr)
}

func TestProcessor_RecoversWithinRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2

	sink := &recordingSink{failFirst: 2} // first two attempts fail, third lands
	p, err := New(cfg, sink.flush)
	require.NoError(t, err)

	require.NoError(t, p.Enqueue(1))
	require.NoError(t, p.Enqueue(2))
	_, err = p.Drain(context.Background())
	require.NoError(t, err)

	batches := sink.flushed()
	require.Len(t, batches, 1)
	assert.Equal(t, []int{1, 2}, batches[0])
	assert.Equal(t, int64(2), p.Stats().Processed)
	assert.Zero(t, p.Stats().Failed)
}

func TestProcessor_EnqueueAfterClose(t *testing.T) {
	p, err := New(testConfig(), (&recordingSink{}).flush)
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))

	require.ErrorIs(t, p.Enqueue(1), ErrProcessorClosed)
}

func TestProcessor_CloseIsIdempotent(t *testing.T) {
	p, err := New(testConfig(), (&recordingSink{}).flush)
	require.NoError(t, err)
	p.Start(context.Background())

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
}

func TestProcessor_DrainFlushesInFIFOBatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2

	sink := &recordingSink{}
	p, err := New(cfg, sink.flush)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Enqueue(i))
	}
	stats, err := p.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, sink.flushed())
	assert.Equal(t, int64(5), stats.Processed)
	assert.Zero(t, p.Len())
}

func TestProcessor_RetryBlocksNewerBatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2

	// First attempt on the first batch fails; order must still hold.
	sink := &recordingSink{failFirst: 1}
	p, err := New(cfg, sink.flush)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		require.NoError(t, p.Enqueue(i))
	}
	_, err = p.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][]int{{1, 2}, {3, 4}}, sink.flushed(),
		"a batch under retry flushes before any newer batch")
}

func TestProcessor_CancelledDrainLeavesItemsQueued(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 1
	cfg.RetryDelay = 50 * time.Millisecond

	sink := &recordingSink{failFirst: 1000}
	p, err := New(cfg, sink.flush)
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Drain(ctx)
	require.Error(t, err)

	assert.Equal(t, 1, p.Len(), "cancelled drain must not lose items")
	assert.Zero(t, p.Stats().Failed)
}
