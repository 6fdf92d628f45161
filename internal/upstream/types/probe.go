package types

import (
	"context"
	"errors"
	"time"
)

// ProbeResult is the outcome of one reachability check. It is produced per
// probe and consumed immediately by the racer.
type ProbeResult struct {
	Endpoint   string        `json:"endpoint"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	StatusCode int           `json:"status_code"`
	Err        error         `json:"-"`
}

// Cancelled reports whether the probe was stopped by the racer rather than
// failing on its own
func (r ProbeResult) Cancelled() bool {
	return r.Err != nil && r.StatusCode == 0 && errors.Is(r.Err, context.Canceled)
}
