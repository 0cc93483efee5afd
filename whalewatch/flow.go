package whalewatch

import (
	"math"
	"time"

	"github.com/chainclaw/chainclaw/types"
)

const (
	// flowBucket is the width of one signed-flow bucket.
	flowBucket = 15 * time.Minute
	// flowRetention is how long samples are kept.
	flowRetention = 24 * time.Hour
	// flowWindow is the number of buckets the classifier looks at.
	flowWindow = 3
)

// bucketOf truncates a timestamp to its flow bucket.
func bucketOf(t time.Time) time.Time {
	return t.UTC().Truncate(flowBucket)
}

// ClassifyFlow reads the last three buckets (samples newest first, as the
// store returns them) and names the pattern: sustained inflow is
// accumulation, sustained outflow distribution, strictly growing magnitudes
// acceleration, and a sign flip a reversal.
func ClassifyFlow(samples []*types.FlowSample) types.FlowSignal {
	if len(samples) < flowWindow {
		return types.FlowSignalNone
	}
	// Oldest to newest.
	f := make([]float64, flowWindow)
	for i := 0; i < flowWindow; i++ {
		f[i] = samples[flowWindow-1-i].FlowUSD
	}
	for _, v := range f {
		if v == 0 {
			return types.FlowSignalNone
		}
	}
	for i := 1; i < flowWindow; i++ {
		if (f[i] > 0) != (f[i-1] > 0) {
			return types.FlowSignalReversal
		}
	}
	if math.Abs(f[0]) < math.Abs(f[1]) && math.Abs(f[1]) < math.Abs(f[2]) {
		return types.FlowSignalAcceleration
	}
	if f[0] > 0 {
		return types.FlowSignalAccumulation
	}
	return types.FlowSignalDistribution
}
