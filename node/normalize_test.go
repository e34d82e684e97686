package node

import "testing"

func TestFromMapClashVMess(t *testing.T) {
	d, err := FromMap(map[string]any{
		"name":       "vm-node",
		"type":       "vmess",
		"server":     "example.com",
		"port":       443,
		"uuid":       "11111111-1111-1111-1111-111111111111",
		"alterId":    0,
		"cipher":     "auto",
		"tls":        true,
		"servername": "sni.example.com",
		"network":    "ws",
		"ws-opts": map[string]any{
			"path":    "/ws",
			"headers": map[string]any{"Host": "cdn.example.com"},
		},
	})
	if err != nil {
		t.Fatalf("normalize vmess failed: %v", err)
	}
	if d.Protocol != VMess || d.Server != "example.com" || d.Port != 443 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	settings, ok := d.Settings.(VMessSettings)
	if !ok {
		t.Fatalf("unexpected settings type: %T", d.Settings)
	}
	if settings.UUID != "11111111-1111-1111-1111-111111111111" || settings.Security != "auto" {
		t.Fatalf("unexpected vmess settings: %+v", settings)
	}
	if d.TLS == nil || !d.TLS.Enabled || d.TLS.ServerName != "sni.example.com" {
		t.Fatalf("unexpected tls: %+v", d.TLS)
	}
	if d.Transport == nil || d.Transport.Type != "ws" || d.Transport.Path != "/ws" || d.Transport.Host != "cdn.example.com" {
		t.Fatalf("unexpected transport: %+v", d.Transport)
	}
}

func TestFromMapNestedSettings(t *testing.T) {
	d, err := FromMap(map[string]any{
		"protocol": "shadowsocks",
		"server":   "node1.example",
		"port":     "8388",
		"settings": map[string]any{
			"method":   "aes-256-gcm",
			"password": "x",
		},
	})
	if err != nil {
		t.Fatalf("normalize ss failed: %v", err)
	}
	if d.Protocol != Shadowsocks || d.Port != 8388 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	ss, ok := d.Settings.(ShadowsocksSettings)
	if !ok || ss.Method != "aes-256-gcm" || ss.Password != "x" {
		t.Fatalf("unexpected ss settings: %#v", d.Settings)
	}
	if d.TLS != nil {
		t.Fatalf("shadowsocks should not enable tls by default: %+v", d.TLS)
	}
}

func TestFromMapRealityAndGRPC(t *testing.T) {
	d, err := FromMap(map[string]any{
		"type":    "vless",
		"server":  "1.2.3.4",
		"port":    443,
		"uuid":    "u",
		"flow":    "xtls-rprx-vision",
		"network": "grpc",
		"grpc-opts": map[string]any{
			"grpc-service-name": "svc",
		},
		"reality-opts": map[string]any{
			"public-key": "pbk",
			"short-id":   "sid",
		},
	})
	if err != nil {
		t.Fatalf("normalize vless failed: %v", err)
	}
	if d.TLS == nil || d.TLS.RealityPublicKey != "pbk" || d.TLS.RealityShortID != "sid" {
		t.Fatalf("unexpected reality tls: %+v", d.TLS)
	}
	if d.Transport == nil || d.Transport.Type != "grpc" || d.Transport.ServiceName != "svc" {
		t.Fatalf("unexpected grpc transport: %+v", d.Transport)
	}
}

func TestFromMapTLSDefaults(t *testing.T) {
	d, err := FromMap(map[string]any{"type": "trojan", "server": "t.example", "port": 443, "password": "p", "sni": "t.example"})
	if err != nil {
		t.Fatalf("normalize trojan failed: %v", err)
	}
	if d.TLS == nil || d.TLS.ServerName != "t.example" {
		t.Fatalf("trojan should default to tls: %+v", d.TLS)
	}

	d, err = FromMap(map[string]any{"type": "https", "server": "h.example", "port": 443})
	if err != nil {
		t.Fatalf("normalize https failed: %v", err)
	}
	if d.Protocol != HTTP || d.TLS == nil {
		t.Fatalf("https alias should map to http with tls: %+v", d)
	}
}

func TestFromMapUnknownProtocolKept(t *testing.T) {
	d, err := FromMap(map[string]any{"type": "naive", "server": "n.example", "port": 443})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Protocol != "naive" || d.Protocol.Known() || d.Settings != nil {
		t.Fatalf("unexpected descriptor for unknown protocol: %+v", d)
	}
}

func TestFromMapInvalidPort(t *testing.T) {
	if _, err := FromMap(map[string]any{"type": "ss", "server": "a", "port": "abc"}); err == nil {
		t.Fatalf("expected error for non-numeric port")
	}
}

func TestHasRequiredFields(t *testing.T) {
	d, err := FromMap(map[string]any{"type": "ss", "server": "a.example", "cipher": "aes-128-gcm", "password": "p"})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if d.HasRequiredFields() {
		t.Fatalf("node without port must not pass required field check")
	}
	d.Port = 8388
	if !d.HasRequiredFields() {
		t.Fatalf("expected required fields present")
	}
	if got := d.Key(); got != "ss://a.example:8388" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestWireGuardReservedAndAddresses(t *testing.T) {
	d, err := FromMap(map[string]any{
		"type":        "wireguard",
		"server":      "wg.example",
		"port":        51820,
		"private-key": "priv",
		"public-key":  "pub",
		"ip":          "172.16.0.2",
		"reserved":    []any{1, 2, 3},
		"mtu":         1280,
	})
	if err != nil {
		t.Fatalf("normalize wireguard failed: %v", err)
	}
	wg, ok := d.Settings.(WireGuardSettings)
	if !ok {
		t.Fatalf("unexpected settings type: %T", d.Settings)
	}
	if len(wg.Reserved) != 3 || wg.Reserved[2] != 3 || wg.MTU != 1280 {
		t.Fatalf("unexpected wireguard settings: %+v", wg)
	}
	if len(wg.LocalAddress) != 1 || wg.LocalAddress[0] != "172.16.0.2" {
		t.Fatalf("unexpected local address: %+v", wg.LocalAddress)
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := Descriptor{
		Name:     "n",
		Protocol: VLESS,
		Server:   "s",
		Port:     1,
		TLS:      &TLS{Enabled: true, ALPN: []string{"h2"}},
		Settings: VLESSSettings{UUID: "u"},
	}
	c := d.Clone()
	c.TLS.ALPN[0] = "http/1.1"
	c.TLS.ServerName = "changed"
	if d.TLS.ALPN[0] != "h2" || d.TLS.ServerName != "" {
		t.Fatalf("clone shares memory with original: %+v", d.TLS)
	}
	if c.Settings.(VLESSSettings).UUID != "u" {
		t.Fatalf("settings not copied: %#v", c.Settings)
	}
}

func TestFromMapClashSSR(t *testing.T) {
	d, err := FromMap(map[string]any{
		"name":           "ssr-node",
		"type":           "ssr",
		"server":         "ssr.example.com",
		"port":           8443,
		"cipher":         "aes-256-cfb",
		"password":       "pw",
		"protocol":       "auth_aes128_md5",
		"protocol-param": "1234:abcd",
		"obfs":           "tls1.2_ticket_auth",
	})
	if err != nil {
		t.Fatalf("normalize ssr failed: %v", err)
	}
	s, ok := d.Settings.(ShadowsocksRSettings)
	if !ok {
		t.Fatalf("unexpected settings type: %T", d.Settings)
	}
	if d.Protocol != ShadowsocksR || s.SSRProtocol != "auth_aes128_md5" || s.ProtocolParam != "1234:abcd" || s.Obfs != "tls1.2_ticket_auth" {
		t.Fatalf("unexpected ssr descriptor: %+v %+v", d, s)
	}
	if s.Protocol() != ShadowsocksR {
		t.Fatalf("settings variant should report ssr, got %s", s.Protocol())
	}
}
