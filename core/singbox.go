package core

import (
	"strings"

	"nodeprobe/node"
)

func singBoxConfig(n node.Descriptor, socksPort int, unsupported bool) map[string]any {
	outbound := singBoxOutbound(n, unsupported)
	outbound["tag"] = proxyTag
	return map[string]any{
		"log": map[string]any{
			"disabled": true,
		},
		"inbounds": []any{
			map[string]any{
				"type":        "socks",
				"tag":         "socks-in",
				"listen":      localListenHost,
				"listen_port": socksPort,
			},
		},
		"outbounds": []any{
			outbound,
			map[string]any{"type": "direct", "tag": "direct"},
		},
		"route": map[string]any{
			"final":                 proxyTag,
			"auto_detect_interface": true,
		},
	}
}

func singBoxType(p node.Protocol) string {
	switch p {
	case node.Shadowsocks:
		return "shadowsocks"
	case node.ShadowsocksR:
		return "shadowsocksr"
	case node.SOCKS5:
		return "socks"
	default:
		return string(p)
	}
}

func singBoxOutbound(n node.Descriptor, unsupported bool) map[string]any {
	out := map[string]any{
		"type":        singBoxType(n.Protocol),
		"server":      strings.TrimSpace(n.Server),
		"server_port": n.Port,
	}
	if unsupported {
		return out
	}
	switch s := n.Settings.(type) {
	case node.VMessSettings:
		out["uuid"] = s.UUID
		out["alter_id"] = s.AlterID
		security := s.Security
		if security == "" {
			security = "auto"
		}
		out["security"] = security
	case node.VLESSSettings:
		out["uuid"] = s.UUID
		putString(out, "flow", s.Flow)
	case node.ShadowsocksSettings:
		out["method"] = s.Method
		out["password"] = s.Password
		putString(out, "plugin", s.Plugin)
		putString(out, "plugin_opts", s.PluginOpts)
	case node.TrojanSettings:
		out["password"] = s.Password
	case node.HysteriaSettings:
		putString(out, "auth_str", s.AuthString)
		putString(out, "obfs", s.Obfs)
		out["up_mbps"] = defaultInt(s.UpMbps, 10)
		out["down_mbps"] = defaultInt(s.DownMbps, 50)
	case node.Hysteria2Settings:
		putString(out, "password", s.Password)
		if s.Obfs != "" {
			obfs := map[string]any{"type": s.Obfs}
			putString(obfs, "password", s.ObfsPassword)
			out["obfs"] = obfs
		}
		putInt(out, "up_mbps", s.UpMbps)
		putInt(out, "down_mbps", s.DownMbps)
	case node.TUICSettings:
		out["uuid"] = s.UUID
		putString(out, "password", s.Password)
		putString(out, "congestion_control", s.CongestionControl)
		putString(out, "udp_relay_mode", s.UDPRelayMode)
	case node.SOCKSSettings:
		out["version"] = "5"
		putString(out, "username", s.Username)
		putString(out, "password", s.Password)
	case node.HTTPSettings:
		putString(out, "username", s.Username)
		putString(out, "password", s.Password)
	case node.WireGuardSettings:
		out["private_key"] = s.PrivateKey
		out["peer_public_key"] = s.PeerPublicKey
		putString(out, "pre_shared_key", s.PreSharedKey)
		putStrings(out, "local_address", s.LocalAddress)
		if len(s.Reserved) > 0 {
			out["reserved"] = s.Reserved
		}
		putInt(out, "mtu", s.MTU)
	case node.AnyTLSSettings:
		out["password"] = s.Password
	}
	if tls := singBoxTLS(n.TLS); tls != nil {
		out["tls"] = tls
	}
	if transport := singBoxTransport(n.Transport); transport != nil {
		out["transport"] = transport
	}
	return out
}

func singBoxTLS(t *node.TLS) map[string]any {
	if t == nil || !t.Enabled {
		return nil
	}
	tls := map[string]any{"enabled": true}
	putString(tls, "server_name", t.ServerName)
	if t.Insecure {
		tls["insecure"] = true
	}
	putStrings(tls, "alpn", t.ALPN)
	fingerprint := t.Fingerprint
	if t.RealityPublicKey != "" {
		reality := map[string]any{"enabled": true, "public_key": t.RealityPublicKey}
		putString(reality, "short_id", t.RealityShortID)
		tls["reality"] = reality
		// reality requires a uTLS client hello
		if fingerprint == "" {
			fingerprint = "chrome"
		}
	}
	if fingerprint != "" {
		tls["utls"] = map[string]any{"enabled": true, "fingerprint": fingerprint}
	}
	return tls
}

func singBoxTransport(t *node.Transport) map[string]any {
	if t == nil {
		return nil
	}
	switch strings.ToLower(t.Type) {
	case "ws", "websocket":
		transport := map[string]any{"type": "ws"}
		putString(transport, "path", t.Path)
		if t.Host != "" {
			transport["headers"] = map[string]any{"Host": t.Host}
		}
		return transport
	case "grpc":
		transport := map[string]any{"type": "grpc"}
		svc := t.ServiceName
		if svc == "" {
			svc = strings.TrimPrefix(t.Path, "/")
		}
		putString(transport, "service_name", svc)
		return transport
	case "http", "h2", "http2":
		transport := map[string]any{"type": "http"}
		if t.Host != "" {
			transport["host"] = []string{t.Host}
		}
		putString(transport, "path", t.Path)
		return transport
	case "quic":
		return map[string]any{"type": "quic"}
	default:
		// plain tcp needs no transport block
		return nil
	}
}

func defaultInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
