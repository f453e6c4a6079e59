package runstats

import (
	"math"
	"sort"
)

// UnknownModel buckets runs that never reported a model.
const UnknownModel = "unknown"

// Quantiles holds nearest-rank percentiles in milliseconds.
type Quantiles struct {
	P50 int64 `json:"p50"`
	P95 int64 `json:"p95"`
}

// LatencySummary slices run latency by retrieval and engine.
type LatencySummary struct {
	All       Quantiles `json:"all"`
	RAG       Quantiles `json:"rag"`
	NoRAG     Quantiles `json:"noRag"`
	Delegated Quantiles `json:"delegated"`
	Direct    Quantiles `json:"direct"`
}

// Summary is the aggregate view of the run history.
type Summary struct {
	Count          int            `json:"count"`
	ValidationRate float64        `json:"validationRate"`
	TotalRetries   int            `json:"totalRetries"`
	Latency        LatencySummary `json:"latency"`
	Models         map[string]int `json:"models"`
}

// Summarize aggregates runs. It does not modify its input.
func Summarize(runs []Run) Summary {
	sum := Summary{Count: len(runs), Models: make(map[string]int)}

	var all, rag, noRAG, delegated, direct []int64
	valid := 0
	for _, r := range runs {
		if r.ValidationOK {
			valid++
		}
		sum.TotalRetries += r.Retries

		model := r.UsedModel
		if model == "" {
			model = UnknownModel
		}
		sum.Models[model]++

		all = append(all, r.TotalMs)
		if r.UseRAG {
			// RAG latency is retrieval time; runs that never reached retrieval are skipped.
			if r.RetrievalMs != nil {
				rag = append(rag, *r.RetrievalMs)
			}
		} else {
			noRAG = append(noRAG, r.TotalMs)
		}
		switch r.Engine {
		case EngineDelegated:
			delegated = append(delegated, r.TotalMs)
		case EngineDirect:
			direct = append(direct, r.TotalMs)
		}
	}

	if len(runs) > 0 {
		sum.ValidationRate = float64(valid) / float64(len(runs))
	}
	sum.Latency = LatencySummary{
		All:       quantiles(all),
		RAG:       quantiles(rag),
		NoRAG:     quantiles(noRAG),
		Delegated: quantiles(delegated),
		Direct:    quantiles(direct),
	}
	return sum
}

func quantiles(values []int64) Quantiles {
	return Quantiles{P50: Percentile(values, 50), P95: Percentile(values, 95)}
}

// Percentile returns the nearest-rank p-th percentile of values, or 0 when empty.
func Percentile(values []int64, p float64) int64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	sorted := make([]int64, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
