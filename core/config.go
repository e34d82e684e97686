package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"nodeprobe/node"
)

const (
	localListenHost = "127.0.0.1"
	proxyTag        = "proxy"
	scratchDirName  = "nodeprobe-configs"
)

// ProxyConfig is one generated engine config that exposes a single node on
// a local SOCKS port.
type ProxyConfig struct {
	Path string
	// HomeDir is the private working directory of engines that keep state
	// next to their config (mihomo's -d). Remove deletes it with the config.
	HomeDir string
	Port    int
	Engine  Engine
	// Unsupported is set when the engine has no mapping for the protocol
	// and only a bare {type, server, port} outbound was written.
	Unsupported bool
}

func (c ProxyConfig) LocalAddress() string {
	return net.JoinHostPort(localListenHost, fmt.Sprint(c.Port))
}

// Remove deletes the config file, and the home directory when there is one.
// A missing file is not an error.
func (c ProxyConfig) Remove() error {
	if c.HomeDir != "" {
		return os.RemoveAll(c.HomeDir)
	}
	if c.Path == "" {
		return nil
	}
	if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type ConfigGenerator struct {
	Engine     Engine
	ScratchDir string
}

func NewConfigGenerator(engine Engine, scratchDir string) *ConfigGenerator {
	if strings.TrimSpace(scratchDir) == "" {
		scratchDir = filepath.Join(os.TempDir(), scratchDirName)
	}
	return &ConfigGenerator{Engine: engine, ScratchDir: scratchDir}
}

// AllocatePort asks the kernel for a free loopback port. The listener is
// closed before returning so the engine can bind it.
func AllocatePort() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(localListenHost, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok || addr.Port <= 0 {
		return 0, fmt.Errorf("invalid listener addr: %v", ln.Addr())
	}
	return addr.Port, nil
}

// Generate writes a config for n listening on localPort, picking a free port
// when localPort is 0.
func (g *ConfigGenerator) Generate(n node.Descriptor, localPort int) (ProxyConfig, error) {
	fail := func(err error) (ProxyConfig, error) {
		return ProxyConfig{}, &ConfigError{Engine: g.Engine, Node: n.Name, Err: err}
	}
	if localPort == 0 {
		port, err := AllocatePort()
		if err != nil {
			return fail(fmt.Errorf("allocate local port: %w", err))
		}
		localPort = port
	}
	if localPort < 0 || localPort > 65535 {
		return fail(fmt.Errorf("invalid local port: %d", localPort))
	}

	unsupported := !g.Engine.Supports(n.Protocol) || n.Settings == nil
	var (
		raw []byte
		err error
	)
	switch g.Engine {
	case SingBox:
		raw, err = json.MarshalIndent(singBoxConfig(n, localPort, unsupported), "", "  ")
	case Mihomo:
		raw, err = yaml.Marshal(mihomoConfig(n, localPort, unsupported))
	case Xray:
		raw, err = json.MarshalIndent(xrayConfig(n, localPort, unsupported), "", "  ")
	default:
		err = fmt.Errorf("unknown engine %q", g.Engine)
	}
	if err != nil {
		return fail(err)
	}

	if err := os.MkdirAll(g.ScratchDir, 0o700); err != nil {
		return fail(err)
	}
	cfg := ProxyConfig{Port: localPort, Engine: g.Engine, Unsupported: unsupported}
	name := fmt.Sprintf("%s-%s", g.Engine, uuid.NewString())
	if g.Engine.needsHomeDir() {
		// mihomo writes cache.db and geodata into its -d directory, so
		// concurrent instances must not share one
		cfg.HomeDir = filepath.Join(g.ScratchDir, name)
		if err := os.Mkdir(cfg.HomeDir, 0o700); err != nil {
			return fail(err)
		}
		cfg.Path = filepath.Join(cfg.HomeDir, "config."+g.Engine.configExt())
	} else {
		cfg.Path = filepath.Join(g.ScratchDir, name+"."+g.Engine.configExt())
	}
	if err := os.WriteFile(cfg.Path, append(raw, '\n'), 0o600); err != nil {
		_ = cfg.Remove()
		return fail(err)
	}
	return cfg, nil
}

func putString(m map[string]any, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		m[key] = v
	}
}

func putInt(m map[string]any, key string, value int) {
	if value > 0 {
		m[key] = value
	}
}

func putStrings(m map[string]any, key string, values []string) {
	if len(values) > 0 {
		m[key] = values
	}
}
