package node

import (
	"net"
	"strconv"
	"strings"

	"github.com/mohae/deepcopy"
)

type Protocol string

const (
	VMess        Protocol = "vmess"
	VLESS        Protocol = "vless"
	Shadowsocks  Protocol = "ss"
	ShadowsocksR Protocol = "ssr"
	Trojan       Protocol = "trojan"
	Hysteria     Protocol = "hysteria"
	Hysteria2    Protocol = "hysteria2"
	TUIC         Protocol = "tuic"
	SOCKS5       Protocol = "socks5"
	HTTP         Protocol = "http"
	WireGuard    Protocol = "wireguard"
	AnyTLS       Protocol = "anytls"
)

var knownProtocols = map[Protocol]struct{}{
	VMess: {}, VLESS: {}, Shadowsocks: {}, ShadowsocksR: {}, Trojan: {}, Hysteria: {},
	Hysteria2: {}, TUIC: {}, SOCKS5: {}, HTTP: {}, WireGuard: {}, AnyTLS: {},
}

func (p Protocol) Known() bool {
	_, ok := knownProtocols[p]
	return ok
}

type TLS struct {
	Enabled          bool     `json:"enabled"`
	ServerName       string   `json:"server_name,omitempty"`
	Insecure         bool     `json:"insecure,omitempty"`
	ALPN             []string `json:"alpn,omitempty"`
	Fingerprint      string   `json:"fingerprint,omitempty"`
	RealityPublicKey string   `json:"reality_public_key,omitempty"`
	RealityShortID   string   `json:"reality_short_id,omitempty"`
}

type Transport struct {
	Type        string `json:"type"`
	Path        string `json:"path,omitempty"`
	Host        string `json:"host,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Settings is the protocol specific part of a descriptor. Exactly one
// implementation exists per Protocol.
type Settings interface {
	Protocol() Protocol
}

type VMessSettings struct {
	UUID     string `json:"uuid"`
	AlterID  int    `json:"alter_id,omitempty"`
	Security string `json:"security,omitempty"`
}

type VLESSSettings struct {
	UUID string `json:"uuid"`
	Flow string `json:"flow,omitempty"`
}

type ShadowsocksSettings struct {
	Method     string `json:"method"`
	Password   string `json:"password"`
	Plugin     string `json:"plugin,omitempty"`
	PluginOpts string `json:"plugin_opts,omitempty"`
}

type ShadowsocksRSettings struct {
	Method        string `json:"method"`
	Password      string `json:"password"`
	SSRProtocol   string `json:"protocol,omitempty"`
	ProtocolParam string `json:"protocol_param,omitempty"`
	Obfs          string `json:"obfs,omitempty"`
	ObfsParam     string `json:"obfs_param,omitempty"`
}

type TrojanSettings struct {
	Password string `json:"password"`
}

type HysteriaSettings struct {
	AuthString string `json:"auth_str,omitempty"`
	Obfs       string `json:"obfs,omitempty"`
	UpMbps     int    `json:"up_mbps,omitempty"`
	DownMbps   int    `json:"down_mbps,omitempty"`
}

type Hysteria2Settings struct {
	Password     string `json:"password,omitempty"`
	Obfs         string `json:"obfs,omitempty"`
	ObfsPassword string `json:"obfs_password,omitempty"`
	UpMbps       int    `json:"up_mbps,omitempty"`
	DownMbps     int    `json:"down_mbps,omitempty"`
}

type TUICSettings struct {
	UUID              string `json:"uuid"`
	Password          string `json:"password,omitempty"`
	CongestionControl string `json:"congestion_control,omitempty"`
	UDPRelayMode      string `json:"udp_relay_mode,omitempty"`
}

type SOCKSSettings struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type HTTPSettings struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type WireGuardSettings struct {
	PrivateKey    string   `json:"private_key"`
	PeerPublicKey string   `json:"peer_public_key"`
	PreSharedKey  string   `json:"pre_shared_key,omitempty"`
	LocalAddress  []string `json:"local_address,omitempty"`
	Reserved      []int    `json:"reserved,omitempty"`
	MTU           int      `json:"mtu,omitempty"`
}

type AnyTLSSettings struct {
	Password string `json:"password"`
}

func (VMessSettings) Protocol() Protocol        { return VMess }
func (VLESSSettings) Protocol() Protocol        { return VLESS }
func (ShadowsocksSettings) Protocol() Protocol  { return Shadowsocks }
func (ShadowsocksRSettings) Protocol() Protocol { return ShadowsocksR }
func (TrojanSettings) Protocol() Protocol       { return Trojan }
func (HysteriaSettings) Protocol() Protocol     { return Hysteria }
func (Hysteria2Settings) Protocol() Protocol    { return Hysteria2 }
func (TUICSettings) Protocol() Protocol         { return TUIC }
func (SOCKSSettings) Protocol() Protocol        { return SOCKS5 }
func (HTTPSettings) Protocol() Protocol         { return HTTP }
func (WireGuardSettings) Protocol() Protocol    { return WireGuard }
func (AnyTLSSettings) Protocol() Protocol       { return AnyTLS }

// Descriptor is one proxy server's connection parameters. Values are treated
// as immutable once built; use Clone to derive a modified copy.
type Descriptor struct {
	Name      string     `json:"name"`
	Protocol  Protocol   `json:"type"`
	Server    string     `json:"server"`
	Port      int        `json:"port"`
	TLS       *TLS       `json:"tls,omitempty"`
	Transport *Transport `json:"transport,omitempty"`
	Settings  Settings   `json:"-"`
}

func (d Descriptor) Address() string {
	return net.JoinHostPort(strings.TrimSpace(d.Server), strconv.Itoa(d.Port))
}

// Key identifies a node across runs, independent of its display name.
func (d Descriptor) Key() string {
	return string(d.Protocol) + "://" + d.Address()
}

func (d Descriptor) HasRequiredFields() bool {
	return strings.TrimSpace(string(d.Protocol)) != "" &&
		strings.TrimSpace(d.Server) != "" &&
		d.Port > 0 && d.Port <= 65535
}

func (d Descriptor) Clone() Descriptor {
	return deepcopy.Copy(d).(Descriptor)
}

// Corrected is a renamed copy of a descriptor whose claimed location did
// not match the resolved one.
type Corrected struct {
	Descriptor
	OriginalName string `json:"original_name"`
	CountryCode  string `json:"country_code"`
}

func Correct(d Descriptor, countryCode string) Corrected {
	out := d.Clone()
	out.Name = Rename(d.Name, countryCode)
	return Corrected{
		Descriptor:   out,
		OriginalName: d.Name,
		CountryCode:  CanonicalCode(countryCode),
	}
}
