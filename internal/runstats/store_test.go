package runstats

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(v int64) *int64 { return &v }

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		values []int64
		p      float64
		want   int64
	}{
		{"empty", nil, 50, 0},
		{"single", []int64{7}, 95, 7},
		{"p50 of four", []int64{100, 200, 300, 400}, 50, 200},
		{"p95 of four", []int64{100, 200, 300, 400}, 95, 400},
		{"unsorted input", []int64{400, 100, 300, 200}, 50, 200},
		{"p0 clamps low", []int64{5, 1, 3}, 0, 1},
		{"p100", []int64{5, 1, 3}, 100, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percentile(tt.values, tt.p))
		})
	}
}

func TestPercentile_DoesNotMutateInput(t *testing.T) {
	values := []int64{3, 1, 2}
	Percentile(values, 50)
	assert.Equal(t, []int64{3, 1, 2}, values)
}

func TestRetriesFor(t *testing.T) {
	assert.Equal(t, 0, RetriesFor(EngineDirect, 0))
	assert.Equal(t, 0, RetriesFor(EngineDirect, 1))
	assert.Equal(t, 2, RetriesFor(EngineDirect, 3))
	assert.Equal(t, 0, RetriesFor(EngineDelegated, 2))
}

func TestStore_EvictsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 8; i++ {
		s.Record(Run{TraceID: fmt.Sprintf("t%d", i)})
	}

	assert.Equal(t, 3, s.Len())
	runs := s.List(10)
	require.Len(t, runs, 3)
	assert.Equal(t, "t7", runs[0].TraceID)
	assert.Equal(t, "t6", runs[1].TraceID)
	assert.Equal(t, "t5", runs[2].TraceID)
}

func TestStore_DefaultCapacity(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		s.Record(Run{TraceID: fmt.Sprintf("t%d", i)})
	}
	assert.Equal(t, DefaultCapacity, s.Capacity())
	assert.Equal(t, DefaultCapacity, s.Len())
	assert.Equal(t, fmt.Sprintf("t%d", DefaultCapacity+4), s.List(1)[0].TraceID)

	runs := s.List(DefaultCapacity)
	require.Len(t, runs, DefaultCapacity)
	assert.Equal(t, "t5", runs[len(runs)-1].TraceID)
	kept := make(map[string]bool, len(runs))
	for _, r := range runs {
		kept[r.TraceID] = true
	}
	for i := 0; i < 5; i++ {
		assert.False(t, kept[fmt.Sprintf("t%d", i)], "t%d should have been evicted", i)
	}
}

func TestStore_ListClampsLimit(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 4; i++ {
		s.Record(Run{TraceID: fmt.Sprintf("t%d", i)})
	}

	assert.Len(t, s.List(0), 1)
	assert.Len(t, s.List(-3), 1)
	assert.Len(t, s.List(2), 2)
	assert.Len(t, s.List(1000), 4)
	assert.Empty(t, NewStore(5).List(10))
}

func TestStore_SummarizeIsStable(t *testing.T) {
	s := NewStore(10)
	s.Record(Run{TotalMs: 100, UsedModel: "a", ValidationOK: true, Engine: EngineDirect})
	s.Record(Run{TotalMs: 300, UsedModel: "b", Engine: EngineDirect, Retries: 2})

	first := s.Summarize()
	second := s.Summarize()
	assert.Equal(t, first, second)
}

func TestSummarize(t *testing.T) {
	runs := []Run{
		{Engine: EngineDirect, UseRAG: true, RetrievalMs: ms(10), TotalMs: 100, UsedModel: "gpt-a", ValidationOK: true, Retries: 1},
		{Engine: EngineDirect, UseRAG: true, TotalMs: 200, UsedModel: "gpt-a", Retries: 0},
		{Engine: EngineDelegated, UseRAG: false, TotalMs: 300, UsedModel: "", ValidationOK: true},
		{Engine: EngineDirect, UseRAG: false, TotalMs: 400, UsedModel: "gpt-b", ValidationOK: true, Retries: 2},
	}

	sum := Summarize(runs)

	assert.Equal(t, 4, sum.Count)
	assert.InDelta(t, 0.75, sum.ValidationRate, 1e-9)
	assert.Equal(t, 3, sum.TotalRetries)
	assert.Equal(t, map[string]int{"gpt-a": 2, "gpt-b": 1, UnknownModel: 1}, sum.Models)

	assert.Equal(t, Quantiles{P50: 200, P95: 400}, sum.Latency.All)
	assert.Equal(t, Quantiles{P50: 10, P95: 10}, sum.Latency.RAG, "runs without retrieval time are skipped")
	assert.Equal(t, Quantiles{P50: 300, P95: 400}, sum.Latency.NoRAG)
	assert.Equal(t, Quantiles{P50: 300, P95: 300}, sum.Latency.Delegated)
	assert.Equal(t, Quantiles{P50: 200, P95: 400}, sum.Latency.Direct)
}

func TestSummarize_Empty(t *testing.T) {
	sum := Summarize(nil)
	assert.Zero(t, sum.Count)
	assert.Zero(t, sum.ValidationRate)
	assert.Equal(t, LatencySummary{}, sum.Latency)
	assert.NotNil(t, sum.Models)
}

func TestStore_ConcurrentRecord(t *testing.T) {
	s := NewStore(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Record(Run{Timestamp: time.Now(), TotalMs: int64(i)})
				_ = s.List(10)
				_ = s.Summarize()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())
}
