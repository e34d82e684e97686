package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"nodeprobe/node"
	"nodeprobe/tester"
	"nodeprobe/util"
)

type runReport struct {
	Version     string              `json:"version"`
	GeneratedAt time.Time           `json:"generated_at"`
	Engine      string              `json:"engine"`
	Stats       tester.Stats        `json:"stats"`
	Results     []tester.TestResult `json:"results"`
}

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeResults(path, engine string, results []tester.TestResult) error {
	return writeJSONFile(path, runReport{
		Version:     util.VersionName(),
		GeneratedAt: time.Now().UTC(),
		Engine:      engine,
		Stats:       tester.Statistics(results),
		Results:     results,
	})
}

// writeFailedKeys writes one node key per line for nodes that are down,
// the format blacklist consumers read.
func writeFailedKeys(path string, results []tester.TestResult) error {
	keys := lo.Uniq(lo.FilterMap(results, func(r tester.TestResult, _ int) (string, bool) {
		return r.Node.Key(), !r.IsUp()
	}))
	sort.Strings(keys)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	body := strings.Join(keys, "\n")
	if body != "" {
		body += "\n"
	}
	return os.WriteFile(path, []byte(body), 0644)
}

func writeCorrected(path string, results []tester.TestResult) error {
	corrected := lo.FilterMap(results, func(r tester.TestResult, _ int) (node.Corrected, bool) {
		if r.Corrected == nil {
			return node.Corrected{}, false
		}
		return *r.Corrected, true
	})
	return writeJSONFile(path, corrected)
}
