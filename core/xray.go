package core

import (
	"net"
	"strconv"
	"strings"

	"nodeprobe/node"
)

func xrayConfig(n node.Descriptor, socksPort int, unsupported bool) map[string]any {
	outbound := xrayOutbound(n, unsupported)
	outbound["tag"] = proxyTag
	return map[string]any{
		"log": map[string]any{"loglevel": "none"},
		"inbounds": []any{
			map[string]any{
				"tag":      "socks-in",
				"listen":   localListenHost,
				"port":     socksPort,
				"protocol": "socks",
				"settings": map[string]any{"auth": "noauth", "udp": false},
			},
		},
		"outbounds": []any{
			outbound,
			map[string]any{"tag": "direct", "protocol": "freedom"},
		},
	}
}

func xrayOutbound(n node.Descriptor, unsupported bool) map[string]any {
	server := strings.TrimSpace(n.Server)
	if unsupported {
		return map[string]any{
			"protocol": string(n.Protocol),
			"settings": map[string]any{"address": server, "port": n.Port},
		}
	}
	out := map[string]any{}
	switch s := n.Settings.(type) {
	case node.VMessSettings:
		out["protocol"] = "vmess"
		security := s.Security
		if security == "" {
			security = "auto"
		}
		out["settings"] = xrayVnext(server, n.Port, map[string]any{"id": s.UUID, "alterId": s.AlterID, "security": security})
	case node.VLESSSettings:
		out["protocol"] = "vless"
		user := map[string]any{"id": s.UUID, "encryption": "none"}
		putString(user, "flow", s.Flow)
		out["settings"] = xrayVnext(server, n.Port, user)
	case node.ShadowsocksSettings:
		out["protocol"] = "shadowsocks"
		out["settings"] = xrayServers(map[string]any{"address": server, "port": n.Port, "method": s.Method, "password": s.Password})
	case node.TrojanSettings:
		out["protocol"] = "trojan"
		out["settings"] = xrayServers(map[string]any{"address": server, "port": n.Port, "password": s.Password})
	case node.SOCKSSettings:
		out["protocol"] = "socks"
		out["settings"] = xrayServers(xrayAuthServer(server, n.Port, s.Username, s.Password))
	case node.HTTPSettings:
		out["protocol"] = "http"
		out["settings"] = xrayServers(xrayAuthServer(server, n.Port, s.Username, s.Password))
	case node.WireGuardSettings:
		out["protocol"] = "wireguard"
		peer := map[string]any{
			"publicKey": s.PeerPublicKey,
			"endpoint":  net.JoinHostPort(server, strconv.Itoa(n.Port)),
		}
		putString(peer, "preSharedKey", s.PreSharedKey)
		settings := map[string]any{
			"secretKey": s.PrivateKey,
			"peers":     []any{peer},
		}
		putStrings(settings, "address", s.LocalAddress)
		if len(s.Reserved) > 0 {
			settings["reserved"] = s.Reserved
		}
		putInt(settings, "mtu", s.MTU)
		out["settings"] = settings
		return out
	}
	if stream := xrayStream(n.TLS, n.Transport); stream != nil {
		out["streamSettings"] = stream
	}
	return out
}

func xrayVnext(server string, port int, user map[string]any) map[string]any {
	return map[string]any{
		"vnext": []any{
			map[string]any{"address": server, "port": port, "users": []any{user}},
		},
	}
}

func xrayServers(server map[string]any) map[string]any {
	return map[string]any{"servers": []any{server}}
}

func xrayAuthServer(server string, port int, user, pass string) map[string]any {
	out := map[string]any{"address": server, "port": port}
	if user != "" {
		out["users"] = []any{map[string]any{"user": user, "pass": pass}}
	}
	return out
}

func xrayStream(t *node.TLS, tr *node.Transport) map[string]any {
	network := "tcp"
	stream := map[string]any{}
	if tr != nil {
		switch strings.ToLower(tr.Type) {
		case "ws", "websocket":
			network = "ws"
			ws := map[string]any{}
			putString(ws, "path", tr.Path)
			if tr.Host != "" {
				ws["headers"] = map[string]any{"Host": tr.Host}
			}
			stream["wsSettings"] = ws
		case "grpc":
			network = "grpc"
			svc := tr.ServiceName
			if svc == "" {
				svc = strings.TrimPrefix(tr.Path, "/")
			}
			grpc := map[string]any{}
			putString(grpc, "serviceName", svc)
			stream["grpcSettings"] = grpc
		case "http", "h2", "http2":
			network = "http"
			h := map[string]any{}
			if tr.Host != "" {
				h["host"] = []string{tr.Host}
			}
			putString(h, "path", tr.Path)
			stream["httpSettings"] = h
		}
	}
	if t != nil && t.Enabled {
		if t.RealityPublicKey != "" {
			stream["security"] = "reality"
			reality := map[string]any{
				"publicKey":   t.RealityPublicKey,
				"fingerprint": defaultString(t.Fingerprint, "chrome"),
			}
			putString(reality, "serverName", t.ServerName)
			putString(reality, "shortId", t.RealityShortID)
			stream["realitySettings"] = reality
		} else {
			stream["security"] = "tls"
			tls := map[string]any{}
			putString(tls, "serverName", t.ServerName)
			if t.Insecure {
				tls["allowInsecure"] = true
			}
			putStrings(tls, "alpn", t.ALPN)
			putString(tls, "fingerprint", t.Fingerprint)
			stream["tlsSettings"] = tls
		}
	}
	if len(stream) == 0 {
		return nil
	}
	stream["network"] = network
	return stream
}
