// Package metrics aggregates the self time of functions across sessions.
package metrics

import (
	"sort"

	"github.com/getsentry/stackprof/internal/nodetree"
	"github.com/getsentry/stackprof/internal/quantile"
	"github.com/getsentry/stackprof/internal/session"
)

type FunctionsMetadata struct {
	MaxVal   float64
	WorstID  string
	Examples []string
}

type Aggregator struct {
	MaxUniqueFunctions uint
	MaxNumOfExamples   uint
	CallTreeFunctions  map[uint32]nodetree.CallTreeFunction
	FunctionsMetadata  map[uint32]FunctionsMetadata
}

type FunctionMetrics struct {
	Name        string   `json:"name"`
	Package     string   `json:"package"`
	Fingerprint uint64   `json:"fingerprint"`
	InApp       bool     `json:"in_app"`
	P50         float64  `json:"p50"`
	P75         float64  `json:"p75"`
	P95         float64  `json:"p95"`
	P99         float64  `json:"p99"`
	Avg         float64  `json:"avg"`
	Sum         float64  `json:"sum"`
	Count       uint64   `json:"count"`
	Worst       string   `json:"worst"`
	Examples    []string `json:"examples"`
}

func NewAggregator(maxUniqueFunctions uint, maxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueFunctions: maxUniqueFunctions,
		MaxNumOfExamples:   maxNumOfExamples,
		CallTreeFunctions:  make(map[uint32]nodetree.CallTreeFunction),
		FunctionsMetadata:  make(map[uint32]FunctionsMetadata),
	}
}

// AddSession aggregates the functions of a session, identified by its id.
func (ma *Aggregator) AddSession(s *session.Session) {
	ma.AddFunctions(s.Functions(), s.ID)
}

func (ma *Aggregator) AddFunctions(functions []nodetree.CallTreeFunction, ID string) {
	for _, f := range functions {
		if fn, ok := ma.CallTreeFunctions[f.Fingerprint]; ok {
			fn.SampleCount += f.SampleCount
			fn.SelfTimes = append(fn.SelfTimes, f.SelfTimes...)
			fn.SumSelfTime += f.SumSelfTime
			funcMetadata := ma.FunctionsMetadata[f.Fingerprint]
			if f.SumSelfTime > funcMetadata.MaxVal {
				funcMetadata.MaxVal = f.SumSelfTime
				funcMetadata.WorstID = ID
			}
			if len(funcMetadata.Examples) < int(ma.MaxNumOfExamples) {
				funcMetadata.Examples = append(funcMetadata.Examples, ID)
			}
			ma.FunctionsMetadata[f.Fingerprint] = funcMetadata
			ma.CallTreeFunctions[f.Fingerprint] = fn
		} else {
			selfTimes := make([]float64, len(f.SelfTimes))
			copy(selfTimes, f.SelfTimes)
			f.SelfTimes = selfTimes
			ma.CallTreeFunctions[f.Fingerprint] = f
			ma.FunctionsMetadata[f.Fingerprint] = FunctionsMetadata{
				MaxVal:   f.SumSelfTime,
				WorstID:  ID,
				Examples: []string{ID},
			}
		}
	}
}

// ToMetrics returns the functions with the most self time first.
func (ma *Aggregator) ToMetrics() []FunctionMetrics {
	metrics := make([]FunctionMetrics, 0, len(ma.CallTreeFunctions))

	for _, f := range ma.CallTreeFunctions {
		q := quantile.Quantile{Xs: f.SelfTimes}
		summary := q.Summarize()
		var avg float64
		if len(f.SelfTimes) > 0 {
			avg = f.SumSelfTime / float64(len(f.SelfTimes))
		}
		metrics = append(metrics, FunctionMetrics{
			Name:        f.Function,
			Package:     f.Package,
			Fingerprint: uint64(f.Fingerprint),
			InApp:       f.InApp,
			P50:         summary.P50,
			P75:         summary.P75,
			P95:         summary.P95,
			P99:         summary.P99,
			Avg:         avg,
			Sum:         f.SumSelfTime,
			Count:       uint64(f.SampleCount),
			Worst:       ma.FunctionsMetadata[f.Fingerprint].WorstID,
			Examples:    ma.FunctionsMetadata[f.Fingerprint].Examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum == metrics[j].Sum {
			return metrics[i].Fingerprint < metrics[j].Fingerprint
		}
		return metrics[i].Sum > metrics[j].Sum
	})
	if len(metrics) > int(ma.MaxUniqueFunctions) {
		metrics = metrics[:ma.MaxUniqueFunctions]
	}
	return metrics
}
