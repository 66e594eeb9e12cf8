package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkerSpy struct {
	mu      sync.Mutex
	samples []Sample
}

func (c *checkerSpy) CheckTriggers(_ context.Context, s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *checkerSpy) seen() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sample(nil), c.samples...)
}

func TestRing(t *testing.T) {
	t.Parallel()

	r := newRing[int](3)
	assert.Empty(t, r.items())

	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.items(), "oldest values are evicted first")
	assert.Equal(t, 3, r.len())

	dropped := r.dropWhile(func(v int) bool { return v < 5 })
	assert.Equal(t, 2, dropped)
	assert.Equal(t, []int{5}, r.items())

	r.push(6)
	r.push(7)
	r.push(8)
	assert.Equal(t, []int{6, 7, 8}, r.items())
}

func TestRecorder_Record(t *testing.T) {
	t.Parallel()

	t.Run("Should key series by language and fall back to global", func(t *testing.T) {
		t.Parallel()
		rec := New(nil, nil)
		ctx := context.Background()

		rec.Record(ctx, Sample{FlagID: "f", Metric: "error_rate", Value: 1})
		rec.Record(ctx, Sample{FlagID: "f", Metric: "error_rate", Value: 2, Language: "fr"})
		rec.Record(ctx, Sample{FlagID: "f", Metric: "latency", Value: 3})
		rec.Record(ctx, Sample{FlagID: "other", Metric: "error_rate", Value: 4})

		snap := rec.Snapshot("f")
		require.Len(t, snap, 3)
		assert.Len(t, snap["error_rate:global"], 1)
		assert.Equal(t, 2.0, snap["error_rate:fr"][0].Value)
		assert.Equal(t, 3.0, snap["latency:global"][0].Value)
		assert.Equal(t, []string{"f", "other"}, rec.Flags())
	})

	t.Run("Should never exceed the configured capacity", func(t *testing.T) {
		t.Parallel()
		rec := New(nil, nil, WithCapacity(100))
		ctx := context.Background()

		for i := range 250 {
			rec.Record(ctx, Sample{FlagID: "f", Metric: "m", Value: float64(i)})
		}

		series := rec.Series("f", "m", GlobalScope)
		require.Len(t, series, 100)
		assert.Equal(t, 150.0, series[0].Value)
		assert.Equal(t, 249.0, series[99].Value)
	})

	t.Run("Should hand every sample to the trigger checker", func(t *testing.T) {
		t.Parallel()
		spy := &checkerSpy{}
		fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		rec := New(nil, spy, WithClock(func() time.Time { return fixed }))

		rec.Record(context.Background(), Sample{FlagID: "f", Metric: "error_rate", Value: 6, Language: "fr"})

		seen := spy.seen()
		require.Len(t, seen, 1)
		assert.Equal(t, "fr", seen[0].Language)
		assert.Equal(t, fixed, seen[0].Timestamp, "missing timestamps are stamped")
	})

	t.Run("Should be safe under concurrent writers", func(t *testing.T) {
		t.Parallel()
		spy := &checkerSpy{}
		rec := New(nil, nil, WithCapacity(10))
		rec.SetChecker(spy)

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 50 {
					rec.Record(context.Background(), Sample{FlagID: "f", Metric: "m", Value: float64(i)})
				}
			}()
		}
		wg.Wait()

		assert.Len(t, rec.Series("f", "m", GlobalScope), 10)
		assert.Len(t, spy.seen(), 1000)
	})
}

func TestRecorder_Prune(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := New(nil, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	rec.Record(ctx, Sample{FlagID: "f", Metric: "m", Value: 1, Timestamp: now.Add(-48 * time.Hour)})
	rec.Record(ctx, Sample{FlagID: "f", Metric: "m", Value: 2, Timestamp: now.Add(-time.Hour)})
	rec.Record(ctx, Sample{FlagID: "g", Metric: "m", Value: 3, Timestamp: now.Add(-30 * time.Hour)})

	dropped := rec.Prune(24 * time.Hour)

	assert.Equal(t, 2, dropped)
	assert.Len(t, rec.Series("f", "m", GlobalScope), 1)
	assert.Empty(t, rec.Snapshot("g"), "emptied series are removed")
	assert.Equal(t, []string{"f"}, rec.Flags())
}
