package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/tts-batch/internal/core"
	"github.com/book-expert/tts-batch/internal/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	eng := &Engine{opts: Options{}.withDefaults()}

	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 1, expected: 2 * time.Second},
		{attempt: 2, expected: 4 * time.Second},
		{attempt: 4, expected: 16 * time.Second},
		{attempt: 5, expected: 30 * time.Second},
		{attempt: 64, expected: 30 * time.Second},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, eng.backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	t.Parallel()

	opts := Options{Workers: 500, MaxRetries: -1}.withDefaults()
	assert.Equal(t, MaxWorkers, opts.Workers)
	assert.Equal(t, 0, opts.MaxRetries)
	assert.Equal(t, DefaultFileNameFormat, opts.FileNameFormat)
	assert.Equal(t, DefaultRateLimitCooldown, opts.RateLimitCooldown)

	opts = Options{Workers: 0}.withDefaults()
	assert.Equal(t, MinWorkers, opts.Workers)
}

func TestGate(t *testing.T) {
	t.Parallel()

	g := newGate()
	require.True(t, g.opened())
	require.NoError(t, g.wait(context.Background()))

	g.close()
	assert.False(t, g.opened())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, g.wait(ctx), context.DeadlineExceeded)

	released := make(chan error, 2)
	for range 2 {
		go func() { released <- g.wait(context.Background()) }()
	}

	g.open()

	for range 2 {
		select {
		case err := <-released:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter not released")
		}
	}
}

func TestStatsHelpers(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	stats := Stats{
		Total:      10,
		Completed:  4,
		Failed:     1,
		Processing: 2,
		StartTime:  start,
		Workers: map[int]WorkerInfo{
			0: {ID: 0, Status: WorkerWorking},
			1: {ID: 1, Status: WorkerWaiting},
			2: {ID: 2, Status: WorkerWorking},
		},
	}

	assert.Equal(t, 3, stats.Pending())
	assert.InDelta(t, 40.0, stats.ProgressPercent(), 0.001)
	assert.Equal(t, time.Minute, stats.Elapsed(start.Add(time.Minute)))
	assert.Equal(t, 2, stats.ActiveWorkers())
	assert.Zero(t, Stats{}.ProgressPercent())
	assert.Zero(t, Stats{}.Elapsed(start))

	clone := stats.clone()
	clone.Workers[0] = WorkerInfo{ID: 0, Status: WorkerIdle}
	assert.Equal(t, WorkerWorking, stats.Workers[0].Status)
}

func TestFinishLogsUnexpectedState(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		logs []string
	)

	observer := Observer{OnLog: func(message string) {
		mu.Lock()
		defer mu.Unlock()

		logs = append(logs, message)
	}}

	eng := New(credentials.NewPool(nil, 0), nil, nil, nil, Options{OutputDir: t.TempDir()}, observer, nil)
	eng.stats = Stats{Total: 1, Processing: 1, Workers: eng.idleWorkers()}

	// A Done item can never be finished again.
	item := &core.WorkItem{ID: "item-1", Status: core.StatusDone}
	eng.finish(0, item, attemptOutcome{succeeded: true}, core.ModelV3)

	mu.Lock()
	defer mu.Unlock()

	found := false

	for _, message := range logs {
		if strings.Contains(message, "Item 1 finished from an unexpected state") {
			found = true
		}
	}

	assert.True(t, found, "logs: %v", logs)
	assert.Equal(t, core.StatusDone, item.Status)
}
