package probe

import (
	"time"

	"nodeprobe/node"
)

type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

type Method string

const (
	MethodCore  Method = "core"
	MethodBasic Method = "basic"
)

// Result is the verdict for one node. Latency is only meaningful when
// Status is up and Err is only set when Status is down.
type Result struct {
	Node    node.Descriptor
	Status  Status
	Latency time.Duration
	Err     error
	Method  Method
}

func Up(n node.Descriptor, method Method, latency time.Duration) Result {
	if latency < 0 {
		latency = 0
	}
	return Result{Node: n, Status: StatusUp, Latency: latency, Method: method}
}

func Down(n node.Descriptor, method Method, err error) Result {
	if err == nil {
		err = &ProbeError{Code: "unknown error"}
	}
	return Result{Node: n, Status: StatusDown, Err: err, Method: method}
}

func (r Result) IsUp() bool {
	return r.Status == StatusUp
}

func (r Result) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
