package tester

import (
	"encoding/json"

	"nodeprobe/geo"
	"nodeprobe/node"
	"nodeprobe/probe"
)

// TestResult is the outcome for one node in a run.
type TestResult struct {
	probe.Result
	// Location is the resolved location of the node's server, if any.
	Location                *geo.Record
	NeedsLocationCorrection bool
	// ActualLocation is set together with NeedsLocationCorrection.
	ActualLocation *geo.Record
	Corrected      *node.Corrected
}

type resultJSON struct {
	Name                    string          `json:"name"`
	Protocol                node.Protocol   `json:"protocol"`
	Server                  string          `json:"server"`
	Port                    int             `json:"port"`
	Status                  probe.Status    `json:"status"`
	LatencyMS               *int64          `json:"latency_ms,omitempty"`
	Error                   string          `json:"error,omitempty"`
	Method                  probe.Method    `json:"method"`
	Location                *geo.Record     `json:"location"`
	NeedsLocationCorrection bool            `json:"needs_location_correction"`
	ActualLocation          *geo.Record     `json:"actual_location"`
	Corrected               *node.Corrected `json:"corrected,omitempty"`
}

func (r TestResult) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Name:                    r.Node.Name,
		Protocol:                r.Node.Protocol,
		Server:                  r.Node.Server,
		Port:                    r.Node.Port,
		Status:                  r.Status,
		Method:                  r.Method,
		Location:                r.Location,
		NeedsLocationCorrection: r.NeedsLocationCorrection,
		ActualLocation:          r.ActualLocation,
		Corrected:               r.Corrected,
	}
	if r.IsUp() {
		ms := r.Latency.Milliseconds()
		out.LatencyMS = &ms
	} else {
		out.Error = r.ErrorText()
	}
	return json.Marshal(out)
}
