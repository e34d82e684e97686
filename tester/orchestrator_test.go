package tester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"nodeprobe/core"
	"nodeprobe/geo"
	"nodeprobe/node"
	"nodeprobe/probe"
)

type fakeBasic struct {
	delay   time.Duration
	latency time.Duration
	fail    func(n node.Descriptor) error

	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (f *fakeBasic) Check(ctx context.Context, n node.Descriptor, _ time.Duration, _ string) probe.Result {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.peak.Load()
		if cur <= old || f.peak.CompareAndSwap(old, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return probe.Down(n, probe.MethodBasic, err)
		}
	}
	return probe.Up(n, probe.MethodBasic, f.latency)
}

type fakeCore struct {
	supported map[node.Protocol]bool
	result    func(n node.Descriptor) probe.Result
	calls     atomic.Int32
}

func (f *fakeCore) Supports(p node.Protocol) bool { return f.supported[p] }

func (f *fakeCore) Test(_ context.Context, n node.Descriptor) probe.Result {
	f.calls.Add(1)
	return f.result(n)
}

type fakeProvider struct {
	err      error
	installs atomic.Int32
}

func (p *fakeProvider) IsReady() bool { return p.err == nil && p.installs.Load() > 0 }

func (p *fakeProvider) Install(context.Context) (core.Binary, error) {
	p.installs.Add(1)
	if p.err != nil {
		return core.Binary{}, p.err
	}
	return core.Binary{Path: "/opt/sing-box", Version: "1.0.0"}, nil
}

type fakeLocator struct {
	byHost  map[string]string
	flushed atomic.Int32
}

func (l *fakeLocator) LocateHost(_ context.Context, host string) *geo.Record {
	code, ok := l.byHost[host]
	if !ok {
		return nil
	}
	return &geo.Record{IP: host, CountryCode: code, Source: "fake"}
}

func (l *fakeLocator) Flush() error {
	l.flushed.Add(1)
	return nil
}

func ssNode(name, server string, port int) node.Descriptor {
	return node.Descriptor{
		Name:     name,
		Protocol: node.Shadowsocks,
		Server:   server,
		Port:     port,
		Settings: node.ShadowsocksSettings{Method: "aes-128-gcm", Password: "pw"},
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	nodes := make([]node.Descriptor, 50)
	for i := range nodes {
		nodes[i] = ssNode(fmt.Sprintf("node-%02d", i), "203.0.113.1", 8000+i)
	}
	nodes[17].Port = 0

	basic := &fakeBasic{delay: 20 * time.Millisecond, latency: 42 * time.Millisecond}
	o := NewOrchestrator(Deps{Basic: basic})

	var seen atomic.Int32
	results, err := o.TestNodes(context.Background(), nodes, Options{
		Concurrency: 10,
		OnResult:    func(TestResult) { seen.Add(1) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 50 || seen.Load() != 50 {
		t.Fatalf("expected 50 results and callbacks, got %d/%d", len(results), seen.Load())
	}
	if peak := basic.peak.Load(); peak > 10 {
		t.Fatalf("peak concurrency %d exceeds limit", peak)
	}
	if basic.calls.Load() != 49 {
		t.Fatalf("node with missing port must not be probed, calls=%d", basic.calls.Load())
	}
	for i, r := range results {
		if r.Node.Name != nodes[i].Name {
			t.Fatalf("result %d out of order: %s", i, r.Node.Name)
		}
	}
	if !errors.Is(results[17].Err, probe.ErrMissingFields) || results[17].IsUp() {
		t.Fatalf("expected missing-fields failure, got %+v", results[17].Result)
	}
	stats := Statistics(results)
	if stats.Total != 50 || stats.Successful != 49 || stats.Failed != 1 || stats.MeanLatencyMS != 42 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ByMethod[probe.MethodBasic] != 50 {
		t.Fatalf("unexpected method counts: %+v", stats.ByMethod)
	}
}

func TestLatencyCeilingTurnsSlowNodesDown(t *testing.T) {
	basic := &fakeBasic{latency: 4500 * time.Millisecond}
	o := NewOrchestrator(Deps{Basic: basic})
	results, err := o.TestNodes(context.Background(), []node.Descriptor{ssNode("slow", "203.0.113.2", 443)}, Options{
		LatencyCeiling: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := results[0]
	if r.IsUp() {
		t.Fatalf("slow node should be down")
	}
	if !strings.Contains(r.ErrorText(), "4500ms") || !strings.Contains(r.ErrorText(), "3000ms") {
		t.Fatalf("unexpected error text %q", r.ErrorText())
	}
	var ceiling *probe.LatencyCeilingError
	if !errors.As(r.Err, &ceiling) {
		t.Fatalf("expected LatencyCeilingError, got %T", r.Err)
	}
}

func TestLocationMismatchIsCorrected(t *testing.T) {
	loc := &fakeLocator{byHost: map[string]string{"203.0.113.10": "JP", "203.0.113.11": "US"}}
	o := NewOrchestrator(Deps{Basic: &fakeBasic{latency: 80 * time.Millisecond}, Locator: loc})
	nodes := []node.Descriptor{
		ssNode("🇺🇸 US 01", "203.0.113.10", 443),
		ssNode("🇺🇸 US 02", "203.0.113.11", 443),
		ssNode("Fast Node", "203.0.113.10", 443),
	}
	results, err := o.TestNodes(context.Background(), nodes, Options{VerifyLocation: true, CorrectLocation: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	moved := results[0]
	if !moved.NeedsLocationCorrection || moved.ActualLocation == nil || moved.ActualLocation.CountryCode != "JP" {
		t.Fatalf("expected correction for moved node, got %+v", moved)
	}
	if moved.Corrected == nil || moved.Corrected.Name != "🇯🇵 JP 01" || moved.Corrected.OriginalName != "🇺🇸 US 01" {
		t.Fatalf("unexpected corrected node: %+v", moved.Corrected)
	}
	if moved.Node.Name != "🇺🇸 US 01" {
		t.Fatalf("original descriptor must not be modified")
	}
	if results[1].NeedsLocationCorrection || results[1].Location == nil {
		t.Fatalf("matching node should be located but not flagged: %+v", results[1])
	}
	if results[2].NeedsLocationCorrection {
		t.Fatalf("node without a country marker must not be flagged")
	}
	if loc.flushed.Load() != 1 {
		t.Fatalf("geo cache should be flushed once, got %d", loc.flushed.Load())
	}
	if got := Statistics(results).NeedsCorrection; got != 1 {
		t.Fatalf("expected 1 node needing correction, got %d", got)
	}
}

func TestRouteTagsAreNotCountryClaims(t *testing.T) {
	loc := &fakeLocator{byHost: map[string]string{"203.0.113.12": "US", "203.0.113.13": "SG"}}
	o := NewOrchestrator(Deps{Basic: &fakeBasic{latency: 60 * time.Millisecond}, Locator: loc})
	nodes := []node.Descriptor{
		ssNode("CN2 GIA-US 01", "203.0.113.12", 443),
		ssNode("IPLC IN-SG", "203.0.113.13", 443),
	}
	results, err := o.TestNodes(context.Background(), nodes, Options{VerifyLocation: true, CorrectLocation: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range results {
		if r.NeedsLocationCorrection || r.Corrected != nil {
			t.Fatalf("%q matches its server location and must not be corrected: %+v", r.Node.Name, r)
		}
	}
}

func TestProvisionFailureAbortsOrFallsBack(t *testing.T) {
	nodes := []node.Descriptor{ssNode("a", "203.0.113.3", 443)}
	coreTester := &fakeCore{
		supported: map[node.Protocol]bool{node.Shadowsocks: true},
		result:    func(n node.Descriptor) probe.Result { return probe.Up(n, probe.MethodCore, time.Millisecond) },
	}
	provider := &fakeProvider{err: &core.ProvisionError{Op: "download", Err: errors.New("http status 404")}}

	o := NewOrchestrator(Deps{Provisioner: provider, Core: coreTester, Basic: &fakeBasic{}})
	if _, err := o.TestNodes(context.Background(), nodes, Options{}); err == nil {
		t.Fatalf("expected install failure to abort the run")
	} else if !strings.Contains(err.Error(), "http status 404") {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := o.TestNodes(context.Background(), nodes, Options{FallbackOnProvisionFailure: true})
	if err != nil {
		t.Fatalf("fallback run failed: %v", err)
	}
	if results[0].Method != probe.MethodBasic || !results[0].IsUp() {
		t.Fatalf("expected basic fallback, got %+v", results[0].Result)
	}
	if coreTester.calls.Load() != 0 {
		t.Fatalf("engine tester must not run without a binary")
	}
}

func TestCoreUsedOnlyForSupportedProtocols(t *testing.T) {
	coreTester := &fakeCore{
		supported: map[node.Protocol]bool{node.Shadowsocks: true},
		result:    func(n node.Descriptor) probe.Result { return probe.Up(n, probe.MethodCore, 5*time.Millisecond) },
	}
	provider := &fakeProvider{}
	o := NewOrchestrator(Deps{Provisioner: provider, Core: coreTester, Basic: &fakeBasic{}})
	socks := node.Descriptor{Name: "s", Protocol: node.SOCKS5, Server: "203.0.113.4", Port: 1080}
	results, err := o.TestNodes(context.Background(), []node.Descriptor{ssNode("a", "203.0.113.3", 443), socks}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Method != probe.MethodCore || results[1].Method != probe.MethodBasic {
		t.Fatalf("unexpected methods %s/%s", results[0].Method, results[1].Method)
	}
	if provider.installs.Load() != 1 {
		t.Fatalf("engine should be installed once per run, got %d", provider.installs.Load())
	}
}

func TestCoreErrorFallback(t *testing.T) {
	coreTester := &fakeCore{
		supported: map[node.Protocol]bool{node.Shadowsocks: true},
		result: func(n node.Descriptor) probe.Result {
			return probe.Down(n, probe.MethodCore, &core.ProcessError{Op: "warm-up", Err: errors.New("engine exited early")})
		},
	}
	nodes := []node.Descriptor{ssNode("a", "203.0.113.3", 443)}

	strict := NewOrchestrator(Deps{Core: coreTester, Basic: &fakeBasic{}})
	results, _ := strict.TestNodes(context.Background(), nodes, Options{})
	if results[0].IsUp() || results[0].Method != probe.MethodCore {
		t.Fatalf("expected engine failure to be reported, got %+v", results[0].Result)
	}

	lenient := NewOrchestrator(Deps{Core: coreTester, Basic: &fakeBasic{latency: time.Millisecond}})
	results, _ = lenient.TestNodes(context.Background(), nodes, Options{FallbackOnCoreError: true})
	if !results[0].IsUp() || results[0].Method != probe.MethodBasic {
		t.Fatalf("expected basic fallback, got %+v", results[0].Result)
	}
}

func TestProbeFailureIsNotRetriedWithBasic(t *testing.T) {
	coreTester := &fakeCore{
		supported: map[node.Protocol]bool{node.Shadowsocks: true},
		result: func(n node.Descriptor) probe.Result {
			return probe.Down(n, probe.MethodCore, &probe.ProbeError{Code: "timeout"})
		},
	}
	basic := &fakeBasic{}
	o := NewOrchestrator(Deps{Core: coreTester, Basic: basic})
	results, _ := o.TestNodes(context.Background(), []node.Descriptor{ssNode("a", "203.0.113.3", 443)}, Options{FallbackOnCoreError: true})
	if results[0].IsUp() || results[0].ErrorText() != "timeout" || basic.calls.Load() != 0 {
		t.Fatalf("probe failure should stand, got %+v calls=%d", results[0].Result, basic.calls.Load())
	}
}

func TestPanicIsContainedPerNode(t *testing.T) {
	basic := &fakeBasic{fail: func(n node.Descriptor) error {
		if n.Name == "boom" {
			panic("bad node")
		}
		return nil
	}}
	o := NewOrchestrator(Deps{Basic: basic})
	results, err := o.TestNodes(context.Background(), []node.Descriptor{ssNode("boom", "203.0.113.5", 1), ssNode("ok", "203.0.113.6", 2)}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].IsUp() || !strings.HasPrefix(results[0].ErrorText(), "panic: ") {
		t.Fatalf("expected contained panic, got %+v", results[0].Result)
	}
	if !results[1].IsUp() {
		t.Fatalf("other nodes must be unaffected")
	}
}

func TestEngineUnavailableFallsBackToTCPConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	n := node.Descriptor{Name: "node1", Protocol: node.Shadowsocks, Server: "127.0.0.1", Port: port,
		Settings: node.ShadowsocksSettings{Method: "aes-256-gcm", Password: "x"}}
	coreTester := &fakeCore{
		supported: map[node.Protocol]bool{node.Shadowsocks: true},
		result:    func(n node.Descriptor) probe.Result { return probe.Up(n, probe.MethodCore, time.Millisecond) },
	}
	provider := &fakeProvider{err: &core.ProvisionError{Op: "platform", Err: core.ErrUnsupportedPlatform}}
	o := NewOrchestrator(Deps{Provisioner: provider, Core: coreTester})
	results, err := o.TestNodes(context.Background(), []node.Descriptor{n}, Options{
		Timeout:                    2 * time.Second,
		FallbackOnProvisionFailure: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].IsUp() || results[0].ErrorText() != "ECONNREFUSED" || results[0].Method != probe.MethodBasic {
		t.Fatalf("unexpected result: %+v", results[0].Result)
	}
}

func TestResultJSON(t *testing.T) {
	up := TestResult{Result: probe.Up(ssNode("a", "203.0.113.7", 443), probe.MethodCore, 123*time.Millisecond)}
	raw, err := json.Marshal(up)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got["status"] != "up" || got["latency_ms"] != float64(123) || got["method"] != "core" || got["protocol"] != "ss" {
		t.Fatalf("unexpected json: %s", raw)
	}
	if _, ok := got["error"]; ok {
		t.Fatalf("up result must not carry an error: %s", raw)
	}

	down := TestResult{Result: probe.Down(ssNode("b", "203.0.113.8", 443), probe.MethodBasic, &probe.ProbeError{Code: "timeout"})}
	raw, _ = json.Marshal(down)
	got = nil
	_ = json.Unmarshal(raw, &got)
	if got["error"] != "timeout" {
		t.Fatalf("unexpected json: %s", raw)
	}
	if _, ok := got["latency_ms"]; ok {
		t.Fatalf("down result must not carry latency: %s", raw)
	}
}

func TestResultInvariantsHold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every node gets exactly one well-formed result", prop.ForAll(
		func(ports []int, concurrency int, failEvery int) bool {
			nodes := make([]node.Descriptor, len(ports))
			for i, p := range ports {
				nodes[i] = ssNode(fmt.Sprintf("n%d", i), "203.0.113.9", p)
			}
			basic := &fakeBasic{latency: 7 * time.Millisecond, fail: func(n node.Descriptor) error {
				if n.Port%failEvery == 0 {
					return &probe.ProbeError{Code: "ECONNREFUSED"}
				}
				return nil
			}}
			var mu sync.Mutex
			callbacks := map[string]int{}
			results, err := NewOrchestrator(Deps{Basic: basic}).TestNodes(context.Background(), nodes, Options{
				Concurrency: concurrency,
				OnResult: func(r TestResult) {
					mu.Lock()
					callbacks[r.Node.Name]++
					mu.Unlock()
				},
			})
			if err != nil || len(results) != len(nodes) || len(callbacks) != len(nodes) {
				return false
			}
			for i, r := range results {
				if r.Node.Name != nodes[i].Name || callbacks[r.Node.Name] != 1 {
					return false
				}
				if r.IsUp() && (r.Err != nil || r.Latency < 0) {
					return false
				}
				if !r.IsUp() && r.Err == nil {
					return false
				}
				if !nodes[i].HasRequiredFields() && r.IsUp() {
					return false
				}
			}
			s := Statistics(results)
			return s.Successful+s.Failed == s.Total && s.SuccessRate >= 0 && s.SuccessRate <= 100
		},
		gen.SliceOf(gen.IntRange(0, 70000)),
		gen.IntRange(1, 16),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
