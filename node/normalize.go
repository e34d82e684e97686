package node

import (
	"fmt"
	"strconv"
	"strings"
)

var protocolAliases = map[string]Protocol{
	"vmess":        VMess,
	"vless":        VLESS,
	"ss":           Shadowsocks,
	"shadowsocks":  Shadowsocks,
	"ssr":          ShadowsocksR,
	"shadowsocksr": ShadowsocksR,
	"trojan":       Trojan,
	"hysteria":     Hysteria,
	"hy":           Hysteria,
	"hysteria2":    Hysteria2,
	"hy2":          Hysteria2,
	"tuic":         TUIC,
	"socks":        SOCKS5,
	"socks5":       SOCKS5,
	"http":         HTTP,
	"https":        HTTP,
	"wireguard":    WireGuard,
	"wg":           WireGuard,
	"anytls":       AnyTLS,
}

// ParseProtocol maps a loose protocol tag onto the closed Protocol set.
// Unknown tags are returned lower-cased with ok=false.
func ParseProtocol(raw string) (Protocol, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if p, ok := protocolAliases[key]; ok {
		return p, true
	}
	return Protocol(key), false
}

// fields looks keys up in the nested "settings" map first and the top level
// second, which covers every map shape upstream parsers produce.
type fields []map[string]any

func newFields(m map[string]any) fields {
	out := fields{}
	if settings, ok := m["settings"].(map[string]any); ok {
		out = append(out, settings)
	}
	return append(out, m)
}

func (f fields) value(keys ...string) (any, bool) {
	for _, m := range f {
		for _, key := range keys {
			if v, ok := m[key]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func (f fields) str(keys ...string) string {
	for _, m := range f {
		if s := firstMapString(m, keys...); s != "" {
			return s
		}
	}
	return ""
}

func (f fields) integer(keys ...string) (int, error) {
	raw := f.str(keys...)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		if fl, ferr := strconv.ParseFloat(raw, 64); ferr == nil && fl == float64(int(fl)) {
			return int(fl), nil
		}
		return 0, fmt.Errorf("invalid %s %q", keys[0], raw)
	}
	return n, nil
}

func (f fields) boolean(fallback bool, keys ...string) bool {
	v, ok := f.value(keys...)
	if !ok {
		return fallback
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return parseBoolDefault(fmt.Sprintf("%v", v), fallback)
}

func (f fields) list(keys ...string) []string {
	v, ok := f.value(keys...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return compactStrings(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return compactStrings(out)
	default:
		return parseCSVStrings(fmt.Sprintf("%v", v))
	}
}

func (f fields) sub(keys ...string) fields {
	v, ok := f.value(keys...)
	if !ok {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return fields{m}
	}
	return nil
}

// FromMap normalizes one heterogeneous node map into a typed Descriptor.
// Missing values are left zero so callers can short-circuit on
// HasRequiredFields; only malformed values produce an error.
func FromMap(m map[string]any) (Descriptor, error) {
	if m == nil {
		return Descriptor{}, fmt.Errorf("node map is nil")
	}
	f := newFields(m)
	rawProto := f.str("type", "protocol", "scheme")
	proto, known := ParseProtocol(rawProto)

	port, err := f.integer("port", "server_port")
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		Name:     f.str("name", "ps", "remarks", "remark", "tag"),
		Protocol: proto,
		Server:   f.str("server", "address", "add"),
		Port:     port,
	}
	if !known {
		return d, nil
	}

	d.TLS = parseTLS(f, proto, strings.EqualFold(strings.TrimSpace(rawProto), "https"))
	d.Transport = parseTransport(f)
	settings, err := parseSettings(f, proto)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%s node %q: %w", proto, d.Name, err)
	}
	d.Settings = settings
	return d, nil
}

// FromMaps normalizes a batch, skipping entries that fail and returning the
// first error seen alongside the nodes that succeeded.
func FromMaps(items []map[string]any) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(items))
	var firstErr error
	for i, item := range items {
		d, err := FromMap(item)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("node %d: %w", i, err)
			}
			continue
		}
		out = append(out, d)
	}
	return out, firstErr
}

func tlsByDefault(p Protocol) bool {
	switch p {
	case Trojan, Hysteria, Hysteria2, TUIC, AnyTLS:
		return true
	default:
		return false
	}
}

func parseTLS(f fields, proto Protocol, httpsAlias bool) *TLS {
	security := strings.ToLower(f.str("security"))
	enabled := tlsByDefault(proto) || httpsAlias
	if v, ok := f.value("tls"); ok {
		switch t := v.(type) {
		case bool:
			enabled = t
		case map[string]any:
			enabled = fields{t}.boolean(true, "enabled")
			f = append(fields{t}, f...)
		default:
			s := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", v)))
			enabled = s == "tls" || parseBoolDefault(s, enabled)
		}
	}
	if security == "tls" || security == "reality" {
		enabled = true
	}
	if security == "none" {
		enabled = false
	}
	reality := f.sub("reality-opts", "reality")
	if reality != nil {
		enabled = true
	}
	if !enabled {
		return nil
	}
	tls := &TLS{
		Enabled:     true,
		ServerName:  f.str("sni", "servername", "server_name", "peer"),
		Insecure:    f.boolean(false, "skip-cert-verify", "insecure", "allowInsecure", "allow_insecure"),
		ALPN:        f.list("alpn"),
		Fingerprint: f.str("client-fingerprint", "fingerprint", "fp"),
	}
	if reality != nil {
		tls.RealityPublicKey = reality.str("public-key", "public_key")
		tls.RealityShortID = reality.str("short-id", "short_id")
	}
	if tls.RealityPublicKey == "" {
		tls.RealityPublicKey = f.str("pbk")
	}
	if tls.RealityShortID == "" {
		tls.RealityShortID = f.str("sid")
	}
	return tls
}

func parseTransport(f fields) *Transport {
	netType := ""
	var nested fields
	if v, ok := f.value("transport"); ok {
		if m, isMap := v.(map[string]any); isMap {
			nested = fields{m}
			netType = nested.str("type")
		} else {
			netType = fmt.Sprintf("%v", v)
		}
	}
	if netType == "" {
		netType = f.str("network", "net")
	}
	netType = strings.ToLower(strings.TrimSpace(netType))
	switch netType {
	case "", "tcp", "raw", "udp":
		return nil
	case "websocket":
		netType = "ws"
	case "http2":
		netType = "h2"
	}

	t := &Transport{Type: netType}
	lookup := append(fields{}, nested...)
	switch netType {
	case "ws":
		lookup = append(lookup, f.sub("ws-opts")...)
	case "grpc":
		lookup = append(lookup, f.sub("grpc-opts")...)
	case "h2", "http":
		lookup = append(lookup, f.sub("h2-opts", "http-opts")...)
	}
	lookup = append(lookup, f...)

	t.Path = lookup.str("path")
	if hosts := lookup.list("host"); len(hosts) > 0 {
		t.Host = hosts[0]
	}
	if headers := lookup.sub("headers"); headers != nil && t.Host == "" {
		t.Host = headers.str("Host", "host")
	}
	t.ServiceName = lookup.str("grpc-service-name", "serviceName", "service_name")
	if netType == "grpc" && t.ServiceName == "" {
		t.ServiceName = strings.TrimPrefix(t.Path, "/")
	}
	return t
}

func parseSettings(f fields, proto Protocol) (Settings, error) {
	switch proto {
	case VMess:
		aid, err := f.integer("alterId", "aid", "alter_id")
		if err != nil {
			return nil, err
		}
		return VMessSettings{
			UUID:     f.str("uuid", "id"),
			AlterID:  aid,
			Security: f.str("cipher", "security", "scy"),
		}, nil
	case VLESS:
		return VLESSSettings{UUID: f.str("uuid", "id"), Flow: f.str("flow")}, nil
	case Shadowsocks:
		return ShadowsocksSettings{
			Method:     f.str("cipher", "method"),
			Password:   f.str("password"),
			Plugin:     f.str("plugin"),
			PluginOpts: pluginOpts(f),
		}, nil
	case ShadowsocksR:
		return ShadowsocksRSettings{
			Method:        f.str("cipher", "method"),
			Password:      f.str("password"),
			SSRProtocol:   ssrProtocol(f),
			ProtocolParam: f.str("protocol-param", "protocol_param", "protoparam"),
			Obfs:          f.str("obfs"),
			ObfsParam:     f.str("obfs-param", "obfs_param", "obfsparam"),
		}, nil
	case Trojan:
		return TrojanSettings{Password: f.str("password")}, nil
	case Hysteria:
		up, err := mbps(f, "up", "up_mbps", "upmbps")
		if err != nil {
			return nil, err
		}
		down, err := mbps(f, "down", "down_mbps", "downmbps")
		if err != nil {
			return nil, err
		}
		return HysteriaSettings{
			AuthString: f.str("auth-str", "auth_str", "auth"),
			Obfs:       f.str("obfs"),
			UpMbps:     up,
			DownMbps:   down,
		}, nil
	case Hysteria2:
		up, err := mbps(f, "up", "up_mbps", "upmbps")
		if err != nil {
			return nil, err
		}
		down, err := mbps(f, "down", "down_mbps", "downmbps")
		if err != nil {
			return nil, err
		}
		return Hysteria2Settings{
			Password:     f.str("password", "auth"),
			Obfs:         f.str("obfs"),
			ObfsPassword: f.str("obfs-password", "obfs_password"),
			UpMbps:       up,
			DownMbps:     down,
		}, nil
	case TUIC:
		return TUICSettings{
			UUID:              f.str("uuid", "id"),
			Password:          f.str("password"),
			CongestionControl: f.str("congestion-controller", "congestion_control"),
			UDPRelayMode:      f.str("udp-relay-mode", "udp_relay_mode"),
		}, nil
	case SOCKS5:
		return SOCKSSettings{Username: f.str("username", "user"), Password: f.str("password", "pass")}, nil
	case HTTP:
		return HTTPSettings{Username: f.str("username", "user"), Password: f.str("password", "pass")}, nil
	case WireGuard:
		mtu, err := f.integer("mtu")
		if err != nil {
			return nil, err
		}
		local := f.list("local_address", "local-address", "address_list")
		if ip := f.str("ip"); ip != "" {
			local = append([]string{ip}, local...)
		}
		if ip6 := f.str("ipv6"); ip6 != "" {
			local = append(local, ip6)
		}
		return WireGuardSettings{
			PrivateKey:    f.str("private-key", "private_key", "privateKey"),
			PeerPublicKey: f.str("public-key", "peer_public_key", "publicKey"),
			PreSharedKey:  f.str("pre-shared-key", "pre_shared_key", "preSharedKey"),
			LocalAddress:  local,
			Reserved:      reserved(f),
			MTU:           mtu,
		}, nil
	case AnyTLS:
		return AnyTLSSettings{Password: f.str("password")}, nil
	default:
		return nil, nil
	}
}

// Clash-style maps carry the SSR protocol under "protocol" next to "type".
func ssrProtocol(f fields) string {
	if v := f.str("ssr-protocol", "protocol_type"); v != "" {
		return v
	}
	if f.str("type") == "" {
		return ""
	}
	if v := f.str("protocol"); v != "" && !strings.EqualFold(v, "ssr") {
		return v
	}
	return ""
}

func pluginOpts(f fields) string {
	opts := f.sub("plugin-opts")
	if opts == nil {
		return f.str("plugin_opts", "plugin-opts")
	}
	parts := make([]string, 0, 4)
	if mode := opts.str("mode"); mode != "" {
		parts = append(parts, "obfs="+mode)
	}
	if host := opts.str("host"); host != "" {
		parts = append(parts, "obfs-host="+host)
	}
	if path := opts.str("path"); path != "" {
		parts = append(parts, "path="+path)
	}
	if opts.boolean(false, "tls") {
		parts = append(parts, "tls")
	}
	return strings.Join(parts, ";")
}

// mbps accepts plain numbers as well as "100 Mbps" style strings.
func mbps(f fields, keys ...string) (int, error) {
	raw := strings.ToLower(f.str(keys...))
	if raw == "" {
		return 0, nil
	}
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "mbps"))
	return parseIntStrict(raw, 0, 1000000)
}

func reserved(f fields) []int {
	v, ok := f.value("reserved")
	if !ok {
		return nil
	}
	var parts []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
	case []int:
		return t
	default:
		raw := strings.Trim(strings.TrimSpace(fmt.Sprintf("%v", v)), "[]")
		parts = strings.Split(raw, ",")
	}
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		n, err := parseIntStrict(part, 0, 255)
		if err != nil {
			return nil
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstMapString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			switch v.(type) {
			case map[string]any, []any:
				continue
			}
			s := strings.TrimSpace(fmt.Sprintf("%v", v))
			if s != "" {
				return s
			}
		}
	}
	return ""
}

func parseIntStrict(raw string, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty value")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("out of range")
	}
	return n, nil
}

func parseBoolDefault(raw string, fallback bool) bool {
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(raw); err == nil {
			return n != 0
		}
		return fallback
	}
}

func parseCSVStrings(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return compactStrings(strings.Split(raw, ","))
}

func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, part := range in {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
