package core

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nodeprobe/node"
	"nodeprobe/probe"
)

const DefaultWarmUp = time.Second

// State is a step of one process-tester invocation.
type State int

const (
	StateIdle State = iota
	StateProvisioned
	StateConfigWritten
	StateProcessSpawned
	StateProbing
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCleanedUp
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateProvisioned:    "provisioned",
	StateConfigWritten:  "config-written",
	StateProcessSpawned: "process-spawned",
	StateProbing:        "probing",
	StateSucceeded:      "succeeded",
	StateFailed:         "failed",
	StateTimedOut:       "timed-out",
	StateCleanedUp:      "cleaned-up",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Observer is called on every state transition. It runs on the testing
// goroutine and must not block.
type Observer func(n node.Descriptor, s State)

type ProcessTesterOptions struct {
	Timeout    time.Duration
	TestURL    string
	WarmUp     time.Duration
	ScratchDir string
	KeepConfig bool
	Observer   Observer
}

// ProcessTester checks a node by running it in a real engine and sending
// one request through the engine's local SOCKS inbound.
type ProcessTester struct {
	engine    Engine
	provider  BinaryProvider
	generator *ConfigGenerator
	opts      ProcessTesterOptions

	command func(binary, configPath string) *exec.Cmd
	spawned func(pid int)
}

func NewProcessTester(engine Engine, provider BinaryProvider, opts ProcessTesterOptions) *ProcessTester {
	if opts.Timeout <= 0 {
		opts.Timeout = probe.DefaultTimeout
	}
	if opts.TestURL == "" {
		opts.TestURL = probe.DefaultTestURL
	}
	if opts.WarmUp <= 0 {
		opts.WarmUp = DefaultWarmUp
	}
	t := &ProcessTester{
		engine:    engine,
		provider:  provider,
		generator: NewConfigGenerator(engine, opts.ScratchDir),
		opts:      opts,
	}
	t.command = func(binary, configPath string) *exec.Cmd {
		return engineCommand(engine, binary, configPath)
	}
	return t
}

func (t *ProcessTester) Engine() Engine {
	return t.engine
}

func (t *ProcessTester) Supports(p node.Protocol) bool {
	return t.engine.Supports(p)
}

func (t *ProcessTester) observe(n node.Descriptor, s State) {
	logrus.Debugf("[Core] node=%s engine=%s state=%s", n.Name, t.engine, s)
	if t.opts.Observer != nil {
		t.opts.Observer(n, s)
	}
}

// attempt owns the resources of one invocation until cleanup.
type attempt struct {
	mu     sync.Mutex
	config *ProxyConfig
	proc   *engineProcess
}

func (a *attempt) setConfig(c ProxyConfig) {
	a.mu.Lock()
	a.config = &c
	a.mu.Unlock()
}

func (a *attempt) setProcess(p *engineProcess) {
	a.mu.Lock()
	a.proc = p
	a.mu.Unlock()
}

func (a *attempt) cleanup(keepConfig bool) {
	a.mu.Lock()
	proc, cfg := a.proc, a.config
	a.mu.Unlock()
	if proc != nil {
		proc.stop()
	}
	if cfg != nil && !keepConfig {
		if err := cfg.Remove(); err != nil {
			logrus.Debugf("[Core] remove config %s failed: %v", cfg.Path, err)
		}
	}
}

// Test provisions the engine if needed, then runs n through it under the
// configured timeout. The provisioning step is not counted against the
// timeout. The engine process and config are gone when Test returns.
func (t *ProcessTester) Test(ctx context.Context, n node.Descriptor) (res probe.Result) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[Core] panic while testing node=%s: %v", n.Name, r)
			res = probe.Down(n, probe.MethodCore, fmt.Errorf("panic: %v", r))
		}
	}()
	if !n.HasRequiredFields() {
		return probe.Down(n, probe.MethodCore, probe.ErrMissingFields)
	}
	t.observe(n, StateIdle)

	bin, err := t.provider.Install(ctx)
	if err != nil {
		t.observe(n, StateFailed)
		t.observe(n, StateCleanedUp)
		return probe.Down(n, probe.MethodCore, err)
	}
	t.observe(n, StateProvisioned)

	runCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	a := &attempt{}
	results := make(chan probe.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.Errorf("[Core] panic in engine run node=%s: %v", n.Name, r)
				results <- probe.Down(n, probe.MethodCore, fmt.Errorf("panic: %v", r))
			}
		}()
		results <- t.run(runCtx, n, bin, a)
	}()

	var timedOut bool
	select {
	case res = <-results:
		timedOut = !res.IsUp() && runCtx.Err() != nil
	case <-runCtx.Done():
		// every step of run honours runCtx, so this returns promptly
		<-results
		timedOut = true
	}
	switch {
	case timedOut:
		res = probe.Down(n, probe.MethodCore, probe.Classify(runCtx.Err()))
		t.observe(n, StateTimedOut)
	case res.IsUp():
		t.observe(n, StateSucceeded)
	default:
		t.observe(n, StateFailed)
	}

	a.cleanup(t.opts.KeepConfig)
	t.observe(n, StateCleanedUp)
	return res
}

func (t *ProcessTester) run(ctx context.Context, n node.Descriptor, bin Binary, a *attempt) probe.Result {
	cfg, err := t.generator.Generate(n, 0)
	if err != nil {
		return probe.Down(n, probe.MethodCore, err)
	}
	a.setConfig(cfg)
	if cfg.Unsupported {
		logrus.Debugf("[Core] %s has no mapping for protocol %s, writing bare outbound", t.engine, n.Protocol)
	}
	t.observe(n, StateConfigWritten)
	if ctx.Err() != nil {
		return probe.Down(n, probe.MethodCore, probe.Classify(ctx.Err()))
	}

	proc, err := startEngine(t.engine, t.command(bin.Path, cfg.Path))
	if err != nil {
		return probe.Down(n, probe.MethodCore, err)
	}
	a.setProcess(proc)
	if t.spawned != nil {
		t.spawned(proc.pid())
	}
	t.observe(n, StateProcessSpawned)

	if err := proc.waitReady(ctx, cfg.LocalAddress(), t.opts.WarmUp); err != nil {
		if ctx.Err() != nil {
			return probe.Down(n, probe.MethodCore, probe.Classify(ctx.Err()))
		}
		return probe.Down(n, probe.MethodCore, err)
	}

	t.observe(n, StateProbing)
	latency, err := probe.Get(ctx, probe.SOCKSDialer(cfg.LocalAddress(), "", ""), t.opts.TestURL, t.opts.Timeout)
	if err != nil {
		if proc.exited() {
			return probe.Down(n, probe.MethodCore, &ProcessError{Engine: t.engine, Op: "probe", Err: proc.exitErr()})
		}
		logrus.Debugf("[Core] probe failed node=%s err=%v", n.Name, err)
		return probe.Down(n, probe.MethodCore, err)
	}
	return probe.Up(n, probe.MethodCore, latency)
}
