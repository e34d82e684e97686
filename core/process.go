package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

const warmUpPollInterval = 50 * time.Millisecond

var errExitedEarly = errors.New("engine exited before the local port was ready")

// engineProcess is one running engine. Stdio goes to the null device.
type engineProcess struct {
	engine Engine
	cmd    *exec.Cmd
	done   chan struct{}

	mu      sync.Mutex
	waitErr error
	stopped bool
}

func startEngine(engine Engine, cmd *exec.Cmd) (*engineProcess, error) {
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Engine: engine, Op: "spawn", Err: err}
	}
	p := &engineProcess{engine: engine, cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func engineCommand(engine Engine, binary, configPath string) *exec.Cmd {
	cmd := exec.Command(binary, engine.RunArgs(configPath)...)
	cmd.Dir = filepath.Dir(configPath)
	return cmd
}

func (p *engineProcess) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *engineProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *engineProcess) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr != nil {
		return fmt.Errorf("%w: %v", errExitedEarly, p.waitErr)
	}
	return errExitedEarly
}

// waitReady polls addr until it accepts a connection, the engine exits or
// warmUp elapses. Running out of warm-up is not an error; the probe that
// follows reports whatever state the engine is in.
func (p *engineProcess) waitReady(ctx context.Context, addr string, warmUp time.Duration) error {
	deadline := time.Now().Add(warmUp)
	ticker := time.NewTicker(warmUpPollInterval)
	defer ticker.Stop()
	for {
		if p.exited() {
			return &ProcessError{Engine: p.engine, Op: "warm-up", Err: p.exitErr()}
		}
		if tcpReachable(addr, warmUpPollInterval) {
			return nil
		}
		if !time.Now().Before(deadline) {
			logrus.Debugf("[Core] %s warm-up elapsed before %s accepted connections", p.engine, addr)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
		case <-ticker.C:
		}
	}
}

// stop kills the engine and every process it spawned, then reaps it.
func (p *engineProcess) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if !p.exited() {
		killTree(int32(p.pid()))
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		logrus.Warnf("[Core] %s pid=%d did not exit after kill", p.engine, p.pid())
	}
}

func killTree(pid int32) {
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	if children, err := proc.Children(); err == nil {
		for _, child := range children {
			killTree(child.Pid)
		}
	}
	if err := proc.Kill(); err != nil {
		logrus.Debugf("[Core] kill pid=%d failed: %v", pid, err)
	}
}

func tcpReachable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
