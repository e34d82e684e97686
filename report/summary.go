package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"nodeprobe/tester"
)

const defaultTopN = 10

type SummaryOptions struct {
	// Title is the first line of the summary.
	Title string
	// TopN limits the fastest-nodes list; <=0 means 10.
	TopN int
}

// Summary renders a plain-text report of a run, suitable for a terminal or
// a chat message.
func Summary(results []tester.TestResult, opts SummaryOptions) string {
	if opts.TopN <= 0 {
		opts.TopN = defaultTopN
	}
	stats := tester.Statistics(results)

	var b strings.Builder
	if opts.Title != "" {
		b.WriteString(opts.Title)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "nodes: %d  up: %d  down: %d  success: %.1f%%\n",
		stats.Total, stats.Successful, stats.Failed, stats.SuccessRate)
	if stats.Successful > 0 {
		fmt.Fprintf(&b, "mean latency: %dms\n", stats.MeanLatencyMS)
	}
	if len(stats.ByMethod) > 0 {
		fmt.Fprintf(&b, "methods: %s\n", formatCounts(stats.ByMethod))
	}

	up := lo.Filter(results, func(r tester.TestResult, _ int) bool { return r.IsUp() })
	sort.SliceStable(up, func(i, j int) bool { return up[i].Latency < up[j].Latency })
	if len(up) > 0 {
		fmt.Fprintf(&b, "\nfastest:\n")
		for _, r := range lo.Slice(up, 0, opts.TopN) {
			fmt.Fprintf(&b, "  %-6dms %s [%s]\n", r.Latency.Milliseconds(), r.Node.Name, r.Node.Protocol)
		}
	}

	down := lo.Filter(results, func(r tester.TestResult, _ int) bool { return !r.IsUp() })
	if len(down) > 0 {
		byErr := lo.CountValuesBy(down, func(r tester.TestResult) string { return r.ErrorText() })
		fmt.Fprintf(&b, "\nfailures:\n")
		for _, e := range sortedKeys(byErr) {
			fmt.Fprintf(&b, "  %4d  %s\n", byErr[e], e)
		}
	}

	corrected := lo.Filter(results, func(r tester.TestResult, _ int) bool { return r.Corrected != nil })
	if len(corrected) > 0 {
		fmt.Fprintf(&b, "\nlocation corrections:\n")
		for _, r := range corrected {
			fmt.Fprintf(&b, "  %s -> %s\n", r.Corrected.OriginalName, r.Corrected.Name)
		}
	} else if stats.NeedsCorrection > 0 {
		fmt.Fprintf(&b, "\nlocation mismatches: %d\n", stats.NeedsCorrection)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatCounts[K ~string](counts map[K]int) string {
	keys := lo.Keys(counts)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return strings.Join(lo.Map(keys, func(k K, _ int) string {
		return fmt.Sprintf("%s=%d", k, counts[k])
	}), " ")
}

// sortedKeys orders by count, most frequent first.
func sortedKeys(counts map[string]int) []string {
	keys := lo.Keys(counts)
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
