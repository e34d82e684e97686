package core

import (
	"strings"

	"nodeprobe/node"
)

func mihomoConfig(n node.Descriptor, socksPort int, unsupported bool) map[string]any {
	proxy := mihomoProxy(n, unsupported)
	return map[string]any{
		"socks-port":   socksPort,
		"bind-address": localListenHost,
		"allow-lan":    false,
		"mode":         "rule",
		"log-level":    "silent",
		"ipv6":         false,
		"proxies":      []any{proxy},
		"rules":        []string{"MATCH," + proxyTag},
	}
}

func mihomoProxy(n node.Descriptor, unsupported bool) map[string]any {
	out := map[string]any{
		"name":   proxyTag,
		"type":   string(n.Protocol),
		"server": strings.TrimSpace(n.Server),
		"port":   n.Port,
	}
	if unsupported {
		return out
	}
	// vmess and vless name the SNI "servername", everything else "sni"
	sniKey := "sni"
	switch s := n.Settings.(type) {
	case node.VMessSettings:
		sniKey = "servername"
		out["uuid"] = s.UUID
		out["alterId"] = s.AlterID
		cipher := s.Security
		if cipher == "" {
			cipher = "auto"
		}
		out["cipher"] = cipher
	case node.VLESSSettings:
		sniKey = "servername"
		out["uuid"] = s.UUID
		putString(out, "flow", s.Flow)
	case node.ShadowsocksSettings:
		out["cipher"] = s.Method
		out["password"] = s.Password
		if s.Plugin != "" {
			out["plugin"] = mihomoPluginName(s.Plugin)
			if opts := mihomoPluginOpts(s.PluginOpts); len(opts) > 0 {
				out["plugin-opts"] = opts
			}
		}
	case node.ShadowsocksRSettings:
		out["cipher"] = s.Method
		out["password"] = s.Password
		out["protocol"] = defaultString(s.SSRProtocol, "origin")
		out["obfs"] = defaultString(s.Obfs, "plain")
		putString(out, "protocol-param", s.ProtocolParam)
		putString(out, "obfs-param", s.ObfsParam)
	case node.TrojanSettings:
		out["password"] = s.Password
	case node.HysteriaSettings:
		putString(out, "auth-str", s.AuthString)
		putString(out, "obfs", s.Obfs)
		out["up"] = defaultInt(s.UpMbps, 10)
		out["down"] = defaultInt(s.DownMbps, 50)
	case node.Hysteria2Settings:
		putString(out, "password", s.Password)
		putString(out, "obfs", s.Obfs)
		putString(out, "obfs-password", s.ObfsPassword)
		putInt(out, "up", s.UpMbps)
		putInt(out, "down", s.DownMbps)
	case node.TUICSettings:
		out["uuid"] = s.UUID
		putString(out, "password", s.Password)
		putString(out, "congestion-controller", s.CongestionControl)
		putString(out, "udp-relay-mode", s.UDPRelayMode)
	case node.SOCKSSettings:
		putString(out, "username", s.Username)
		putString(out, "password", s.Password)
	case node.HTTPSettings:
		putString(out, "username", s.Username)
		putString(out, "password", s.Password)
	case node.WireGuardSettings:
		out["private-key"] = s.PrivateKey
		out["public-key"] = s.PeerPublicKey
		putString(out, "pre-shared-key", s.PreSharedKey)
		for _, addr := range s.LocalAddress {
			ip := strings.TrimSpace(addr)
			if i := strings.Index(ip, "/"); i >= 0 {
				ip = ip[:i]
			}
			if strings.Contains(ip, ":") {
				out["ipv6"] = ip
			} else if ip != "" {
				out["ip"] = ip
			}
		}
		if len(s.Reserved) > 0 {
			out["reserved"] = s.Reserved
		}
		putInt(out, "mtu", s.MTU)
		out["udp"] = true
	case node.AnyTLSSettings:
		out["password"] = s.Password
	}
	mihomoApplyTLS(out, n.Protocol, n.TLS, sniKey)
	mihomoApplyTransport(out, n.Transport)
	return out
}

func mihomoApplyTLS(out map[string]any, p node.Protocol, t *node.TLS, sniKey string) {
	if t == nil || !t.Enabled {
		return
	}
	switch p {
	case node.VMess, node.VLESS, node.SOCKS5, node.HTTP:
		// the rest always speak TLS and have no switch for it
		out["tls"] = true
	}
	putString(out, sniKey, t.ServerName)
	if t.Insecure {
		out["skip-cert-verify"] = true
	}
	putStrings(out, "alpn", t.ALPN)
	putString(out, "client-fingerprint", t.Fingerprint)
	if t.RealityPublicKey != "" {
		reality := map[string]any{"public-key": t.RealityPublicKey}
		putString(reality, "short-id", t.RealityShortID)
		out["reality-opts"] = reality
		if t.Fingerprint == "" {
			out["client-fingerprint"] = "chrome"
		}
	}
}

func mihomoApplyTransport(out map[string]any, t *node.Transport) {
	if t == nil {
		return
	}
	switch strings.ToLower(t.Type) {
	case "ws", "websocket":
		out["network"] = "ws"
		opts := map[string]any{}
		putString(opts, "path", t.Path)
		if t.Host != "" {
			opts["headers"] = map[string]any{"Host": t.Host}
		}
		out["ws-opts"] = opts
	case "grpc":
		out["network"] = "grpc"
		svc := t.ServiceName
		if svc == "" {
			svc = strings.TrimPrefix(t.Path, "/")
		}
		opts := map[string]any{}
		putString(opts, "grpc-service-name", svc)
		out["grpc-opts"] = opts
	case "http", "h2", "http2":
		out["network"] = "h2"
		opts := map[string]any{}
		if t.Host != "" {
			opts["host"] = []string{t.Host}
		}
		putString(opts, "path", t.Path)
		out["h2-opts"] = opts
	}
}

func mihomoPluginName(plugin string) string {
	switch strings.ToLower(strings.TrimSpace(plugin)) {
	case "obfs-local", "simple-obfs":
		return "obfs"
	default:
		return plugin
	}
}

// mihomoPluginOpts turns "obfs=http;obfs-host=example.com" into the map
// form mihomo expects.
func mihomoPluginOpts(raw string) map[string]any {
	out := map[string]any{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "obfs":
			key = "mode"
		case "obfs-host":
			key = "host"
		}
		if !found {
			out[key] = true
			continue
		}
		out[key] = value
	}
	return out
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
