package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	M "github.com/sagernet/sing/common/metadata"
	singSocks "github.com/sagernet/sing/protocol/socks"
	"github.com/sagernet/sing/protocol/socks/socks5"
)

const (
	DefaultTestURL = "https://www.gstatic.com/generate_204"
	DefaultTimeout = 5 * time.Second
)

// DialFunc opens a TCP connection to addr, usually through a proxy.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SOCKSDialer dials through a SOCKS5 server using the sing client handshake.
func SOCKSDialer(server, username, password string) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		destination := M.ParseSocksaddr(addr)
		if !destination.IsValid() {
			return nil, fmt.Errorf("invalid destination: %s", addr)
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", server)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		_, err = singSocks.ClientHandshake5(conn, socks5.CommandConnect, destination, username, password)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		_ = conn.SetDeadline(time.Time{})
		return conn, nil
	}
}

// Get issues one GET for target through dial and returns the time until the
// response headers arrived. 2xx and 3xx count as success; redirects are not
// followed.
func Get(ctx context.Context, dial DialFunc, target string, timeout time.Duration) (time.Duration, error) {
	transport := &http.Transport{
		Proxy:                 nil,
		DisableKeepAlives:     true,
		ForceAttemptHTTP2:     false,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network != "tcp" && network != "tcp4" && network != "tcp6" {
				network = "tcp"
			}
			return dial(ctx, network, addr)
		},
	}
	defer transport.CloseIdleConnections()
	return do(ctx, transport, target, timeout)
}

func do(ctx context.Context, transport http.RoundTripper, target string, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, &ProbeError{Code: "invalid test url", Err: err}
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, Classify(err)
	}
	elapsed := time.Since(start)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return 0, statusError(resp.StatusCode)
	}
	return elapsed, nil
}
