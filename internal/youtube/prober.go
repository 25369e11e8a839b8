package youtube

import "context"

// Result is the outcome of one successful live-status probe.
type Result struct {
	Live    bool
	VideoID string
}

// Prober answers "is this channel live right now". Implementations must
// honor ctx and return ProbeError-classified failures.
type Prober interface {
	Probe(ctx context.Context, channel string) (Result, error)
}
