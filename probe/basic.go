package probe

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"nodeprobe/node"
)

// BasicChecker probes a node without an external engine. SOCKS5 and HTTP
// nodes are used directly as proxies for a real request; every other
// protocol only gets a TCP connect to server:port.
type BasicChecker struct{}

func NewBasicChecker() *BasicChecker {
	return &BasicChecker{}
}

func (c *BasicChecker) Check(ctx context.Context, n node.Descriptor, timeout time.Duration, testURL string) Result {
	if !n.HasRequiredFields() {
		return Down(n, MethodBasic, ErrMissingFields)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if testURL == "" {
		testURL = DefaultTestURL
	}

	var (
		latency time.Duration
		err     error
	)
	switch n.Protocol {
	case node.SOCKS5:
		latency, err = checkThroughSOCKS(ctx, n, timeout, testURL)
	case node.HTTP:
		latency, err = checkThroughHTTPProxy(ctx, n, timeout, testURL)
	default:
		latency, err = checkTCP(ctx, n, timeout)
	}
	if err != nil {
		logrus.Debugf("[Probe] basic check failed node=%s addr=%s err=%v", n.Name, n.Address(), err)
		return Down(n, MethodBasic, err)
	}
	logrus.Debugf("[Probe] basic check ok node=%s addr=%s latency=%s", n.Name, n.Address(), latency)
	return Up(n, MethodBasic, latency)
}

func credentials(n node.Descriptor) (string, string) {
	switch s := n.Settings.(type) {
	case node.SOCKSSettings:
		return s.Username, s.Password
	case node.HTTPSettings:
		return s.Username, s.Password
	}
	return "", ""
}

func checkThroughSOCKS(ctx context.Context, n node.Descriptor, timeout time.Duration, testURL string) (time.Duration, error) {
	var auth *proxy.Auth
	if user, pass := credentials(n); user != "" {
		auth = &proxy.Auth{User: user, Password: pass}
	}
	forward := &net.Dialer{Timeout: timeout}
	socksDialer, err := proxy.SOCKS5("tcp", n.Address(), auth, forward)
	if err != nil {
		return 0, Classify(err)
	}
	contextDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return 0, &ProbeError{Code: "socks dialer does not support context"}
	}
	return Get(ctx, contextDialer.DialContext, testURL, timeout)
}

func checkThroughHTTPProxy(ctx context.Context, n node.Descriptor, timeout time.Duration, testURL string) (time.Duration, error) {
	proxyURL := &url.URL{Scheme: "http", Host: n.Address()}
	if n.TLS != nil && n.TLS.Enabled {
		proxyURL.Scheme = "https"
	}
	if user, pass := credentials(n); user != "" {
		proxyURL.User = url.UserPassword(user, pass)
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout,
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
	}
	defer transport.CloseIdleConnections()
	return do(ctx, transport, testURL, timeout)
}

func checkTCP(ctx context.Context, n node.Descriptor, timeout time.Duration) (time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(dialCtx, "tcp", n.Address())
	if err != nil {
		return 0, Classify(err)
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}
