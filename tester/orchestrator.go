package tester

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"nodeprobe/core"
	"nodeprobe/geo"
	"nodeprobe/node"
	"nodeprobe/probe"
)

const DefaultConcurrency = 10

// CoreTester runs a node through an external engine.
type CoreTester interface {
	Test(ctx context.Context, n node.Descriptor) probe.Result
	Supports(p node.Protocol) bool
}

type BasicChecker interface {
	Check(ctx context.Context, n node.Descriptor, timeout time.Duration, testURL string) probe.Result
}

type Locator interface {
	LocateHost(ctx context.Context, host string) *geo.Record
	Flush() error
}

// Deps are the collaborators of an Orchestrator. Provisioner and Core may
// be nil, in which case every node gets a basic check. Locator may be nil
// when location checks are never requested.
type Deps struct {
	Provisioner core.BinaryProvider
	Core        CoreTester
	Basic       BasicChecker
	Locator     Locator
}

type Options struct {
	Concurrency     int
	Timeout         time.Duration
	TestURL         string
	VerifyLocation  bool
	CorrectLocation bool
	// LatencyCeiling turns slower successes into failures; 0 disables it.
	LatencyCeiling time.Duration
	// FallbackOnProvisionFailure degrades the whole run to basic checks
	// when the engine cannot be installed instead of aborting it.
	FallbackOnProvisionFailure bool
	// FallbackOnCoreError retries a node with a basic check when the
	// engine itself failed (config, spawn or early exit).
	FallbackOnCoreError bool
	// OnResult is called once per node as soon as it finishes. Calls are
	// serialized.
	OnResult func(TestResult)
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = probe.DefaultTimeout
	}
	if o.TestURL == "" {
		o.TestURL = probe.DefaultTestURL
	}
	return o
}

type Orchestrator struct {
	deps Deps
}

func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Basic == nil {
		deps.Basic = probe.NewBasicChecker()
	}
	return &Orchestrator{deps: deps}
}

// TestNodes tests every node and returns one result per node in input
// order. Only an engine install failure without FallbackOnProvisionFailure
// returns an error; per-node failures are reported in the results.
func (o *Orchestrator) TestNodes(ctx context.Context, nodes []node.Descriptor, opts Options) ([]TestResult, error) {
	opts = opts.withDefaults()

	useCore, err := o.prepareCore(ctx, opts)
	if err != nil {
		return nil, err
	}

	results := make([]TestResult, len(nodes))
	var callbackMu sync.Mutex
	batches := lo.Chunk(lo.Range(len(nodes)), opts.Concurrency)
	for bi, batch := range batches {
		logrus.Debugf("[Tester] batch %d/%d size=%d", bi+1, len(batches), len(batch))
		var wg sync.WaitGroup
		for _, idx := range batch {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				res := o.testOne(ctx, nodes[idx], useCore, opts)
				results[idx] = res
				if opts.OnResult != nil {
					callbackMu.Lock()
					opts.OnResult(res)
					callbackMu.Unlock()
				}
			}(idx)
		}
		wg.Wait()
	}

	if opts.CorrectLocation {
		for i := range results {
			r := &results[i]
			if !r.IsUp() || !r.NeedsLocationCorrection || r.ActualLocation == nil {
				continue
			}
			corrected := node.Correct(r.Node, r.ActualLocation.CountryCode)
			r.Corrected = &corrected
			logrus.Infof("[Tester] corrected %q -> %q", corrected.OriginalName, corrected.Name)
		}
	}

	if o.deps.Locator != nil && opts.VerifyLocation {
		if err := o.deps.Locator.Flush(); err != nil {
			logrus.Warnf("[Tester] flush geo cache failed: %v", err)
		}
	}
	return results, nil
}

func (o *Orchestrator) prepareCore(ctx context.Context, opts Options) (bool, error) {
	if o.deps.Core == nil {
		return false, nil
	}
	if o.deps.Provisioner == nil {
		return true, nil
	}
	if _, err := o.deps.Provisioner.Install(ctx); err != nil {
		if !opts.FallbackOnProvisionFailure {
			return false, fmt.Errorf("prepare engine: %w", err)
		}
		logrus.Warnf("[Tester] engine unavailable, falling back to basic checks: %v", err)
		return false, nil
	}
	return true, nil
}

func (o *Orchestrator) testOne(ctx context.Context, n node.Descriptor, useCore bool, opts Options) (out TestResult) {
	method := probe.MethodBasic
	if useCore && o.deps.Core.Supports(n.Protocol) {
		method = probe.MethodCore
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[Tester] panic while testing node=%s: %v", n.Name, r)
			out = TestResult{Result: probe.Down(n, method, fmt.Errorf("panic: %v", r))}
		}
	}()

	if !n.HasRequiredFields() {
		return TestResult{Result: probe.Down(n, method, probe.ErrMissingFields)}
	}

	var res probe.Result
	if method == probe.MethodCore {
		res = o.deps.Core.Test(ctx, n)
		if !res.IsUp() && opts.FallbackOnCoreError && core.IsCoreError(res.Err) {
			logrus.Debugf("[Tester] engine failed for node=%s, using basic check: %v", n.Name, res.Err)
			res = o.deps.Basic.Check(ctx, n, opts.Timeout, opts.TestURL)
		}
	} else {
		res = o.deps.Basic.Check(ctx, n, opts.Timeout, opts.TestURL)
	}

	if res.IsUp() && opts.LatencyCeiling > 0 && res.Latency > opts.LatencyCeiling {
		res = probe.Down(n, res.Method, &probe.LatencyCeilingError{Latency: res.Latency, Ceiling: opts.LatencyCeiling})
	}

	out = TestResult{Result: res}
	if res.IsUp() && opts.VerifyLocation && o.deps.Locator != nil {
		o.verifyLocation(ctx, &out)
	}
	return out
}

// verifyLocation compares the country claimed in the node name with where
// the server actually is. Names without a country marker are never
// flagged.
func (o *Orchestrator) verifyLocation(ctx context.Context, r *TestResult) {
	rec := o.deps.Locator.LocateHost(ctx, r.Node.Server)
	r.Location = rec
	if rec == nil {
		return
	}
	claimed, ok := node.DetectCountry(r.Node.Name)
	if !ok {
		return
	}
	if node.CanonicalCode(claimed) == node.CanonicalCode(rec.CountryCode) {
		return
	}
	r.NeedsLocationCorrection = true
	r.ActualLocation = rec
	logrus.Debugf("[Tester] node=%s claims %s but is in %s", r.Node.Name, claimed, rec.CountryCode)
}
