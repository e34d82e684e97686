package core

import (
	"fmt"
	"path/filepath"
	"strings"

	"nodeprobe/node"
)

// Engine is an external proxy program that can run a single node behind a
// local SOCKS inbound.
type Engine string

const (
	SingBox Engine = "sing-box"
	Mihomo  Engine = "mihomo"
	Xray    Engine = "xray"
)

var engineProtocols = map[Engine]map[node.Protocol]bool{
	SingBox: {
		node.VMess: true, node.VLESS: true, node.Shadowsocks: true, node.Trojan: true,
		node.Hysteria: true, node.Hysteria2: true, node.TUIC: true, node.SOCKS5: true,
		node.HTTP: true, node.WireGuard: true, node.AnyTLS: true,
	},
	Mihomo: {
		node.VMess: true, node.VLESS: true, node.Shadowsocks: true, node.ShadowsocksR: true,
		node.Trojan: true, node.Hysteria: true, node.Hysteria2: true, node.TUIC: true,
		node.SOCKS5: true, node.HTTP: true, node.WireGuard: true, node.AnyTLS: true,
	},
	Xray: {
		node.VMess: true, node.VLESS: true, node.Shadowsocks: true, node.Trojan: true,
		node.SOCKS5: true, node.HTTP: true, node.WireGuard: true,
	},
}

func ParseEngine(raw string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sing-box", "singbox":
		return SingBox, nil
	case "mihomo", "clash.meta", "clash-meta":
		return Mihomo, nil
	case "xray", "xray-core":
		return Xray, nil
	default:
		return "", fmt.Errorf("unsupported engine: %s", raw)
	}
}

func (e Engine) Supports(p node.Protocol) bool {
	return engineProtocols[e][p]
}

func (e Engine) ExecutableName(goos string) string {
	name := string(e)
	if goos == "windows" {
		name += ".exe"
	}
	return name
}

func (e Engine) configExt() string {
	if e == Mihomo {
		return "yaml"
	}
	return "json"
}

func (e Engine) needsHomeDir() bool {
	return e == Mihomo
}

// RunArgs returns the command line that starts the engine on configPath.
// Mihomo uses the config's directory as its home, which the generator
// makes private to each config.
func (e Engine) RunArgs(configPath string) []string {
	switch e {
	case Mihomo:
		return []string{"-d", filepath.Dir(configPath), "-f", configPath}
	default:
		return []string{"run", "-c", configPath}
	}
}
