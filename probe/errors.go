package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

var ErrMissingFields = errors.New("missing required fields")

// ProbeError is a failed probe. Code is the short human readable reason
// reported for the node ("timeout", "ECONNREFUSED", "http status 502").
type ProbeError struct {
	Code string
	Err  error
}

func (e *ProbeError) Error() string {
	return e.Code
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

func IsTimeout(err error) bool {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Code == "timeout"
	}
	return false
}

// LatencyCeilingError marks a node that answered, but too slowly.
type LatencyCeilingError struct {
	Latency time.Duration
	Ceiling time.Duration
}

func (e *LatencyCeilingError) Error() string {
	return fmt.Sprintf("latency exceeds ceiling (%dms > %dms)", e.Latency.Milliseconds(), e.Ceiling.Milliseconds())
}

func statusError(code int) error {
	return &ProbeError{Code: fmt.Sprintf("http status %d", code)}
}

var errnoCodes = []struct {
	errno syscall.Errno
	code  string
	texts []string
}{
	{syscall.ECONNREFUSED, "ECONNREFUSED", []string{"connection refused", "actively refused"}},
	{syscall.ECONNRESET, "ECONNRESET", []string{"connection reset", "forcibly closed"}},
	{syscall.EHOSTUNREACH, "EHOSTUNREACH", []string{"no route to host", "host is unreachable"}},
	{syscall.ENETUNREACH, "ENETUNREACH", []string{"network is unreachable"}},
}

// Classify converts a transport error into a ProbeError with a stable code.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProbeError{Code: classifyCode(err), Err: err}
}

func classifyCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutError(err) {
		return "timeout"
	}
	errText := strings.ToLower(err.Error())
	for _, item := range errnoCodes {
		if errors.Is(err, item.errno) {
			return item.code
		}
		for _, text := range item.texts {
			if strings.Contains(errText, text) {
				return item.code
			}
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || strings.Contains(strings.ToLower(dnsErr.Err), "no such host")) {
		return "ENOTFOUND"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "EOF"
	}
	return strings.TrimSpace(err.Error())
}

func isTimeoutError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	errText := strings.ToLower(err.Error())
	return strings.Contains(errText, "i/o timeout") || strings.Contains(errText, "deadline exceeded")
}
