package tester

import (
	"time"

	"github.com/samber/lo"

	"nodeprobe/node"
	"nodeprobe/probe"
)

// Stats summarizes a run. SuccessRate is a percentage in [0, 100].
type Stats struct {
	Total           int                   `json:"total"`
	Successful      int                   `json:"successful"`
	Failed          int                   `json:"failed"`
	SuccessRate     float64               `json:"success_rate"`
	MeanLatency     time.Duration         `json:"-"`
	MeanLatencyMS   int64                 `json:"mean_latency_ms"`
	ByMethod        map[probe.Method]int  `json:"by_method"`
	ByProtocol      map[node.Protocol]int `json:"by_protocol"`
	NeedsCorrection int                   `json:"needs_correction"`
}

func Statistics(results []TestResult) Stats {
	up := lo.Filter(results, func(r TestResult, _ int) bool { return r.IsUp() })
	s := Stats{
		Total:      len(results),
		Successful: len(up),
		Failed:     len(results) - len(up),
		ByMethod:   lo.CountValuesBy(results, func(r TestResult) probe.Method { return r.Method }),
		ByProtocol: lo.CountValuesBy(results, func(r TestResult) node.Protocol { return r.Node.Protocol }),
	}
	s.NeedsCorrection = lo.CountBy(results, func(r TestResult) bool { return r.NeedsLocationCorrection })
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) * 100 / float64(s.Total)
	}
	if len(up) > 0 {
		total := lo.SumBy(up, func(r TestResult) time.Duration { return r.Latency })
		s.MeanLatency = total / time.Duration(len(up))
		s.MeanLatencyMS = s.MeanLatency.Milliseconds()
	}
	return s
}
