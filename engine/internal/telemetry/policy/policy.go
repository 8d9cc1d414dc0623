// Package policy centralizes runtime-tunable telemetry knobs, swapped
// atomically (callers hold an immutable snapshot pointer) to avoid locks on
// hot paths. All durations are expected to be positive; zero values fall
// back to defaults established in Default().
package policy

import "time"

type TelemetryPolicy struct {
	Health  HealthPolicy
	Tracing TracingPolicy
	Events  EventBusPolicy
}

// HealthPolicy governs the thresholds the health evaluator uses to turn raw
// probe samples (stream-manager backlog ratio, graph-adapter RPC error
// ratio, checkpoint backlog depth) into Healthy/Degraded/Unhealthy.
type HealthPolicy struct {
	ProbeTTL                    time.Duration
	GraphMinSamples             int
	GraphDegradedRatio          float64
	GraphUnhealthyRatio         float64
	ResourceDegradedCheckpoint  int
	ResourceUnhealthyCheckpoint int
}

type TracingPolicy struct {
	SamplePercent           float64
	ErrorBoostPercent       float64
	LatencyBoostThresholdMs int64
	LatencyBoostPercent     float64
}

type EventBusPolicy struct {
	MaxSubscriberBuffer int
}

// Default returns a TelemetryPolicy populated with the current heuristics.
// Adjust carefully; downstream alerting may assume these semantics.
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health: HealthPolicy{
			ProbeTTL:                    2 * time.Second,
			GraphMinSamples:             10,
			GraphDegradedRatio:          0.50,
			GraphUnhealthyRatio:         0.80,
			ResourceDegradedCheckpoint:  256,
			ResourceUnhealthyCheckpoint: 512,
		},
		Tracing: TracingPolicy{SamplePercent: 20},
		Events:  EventBusPolicy{MaxSubscriberBuffer: 1024},
	}
}

// Normalize ensures sane bounds without mutating the original; returns a
// cleaned copy.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	c := p
	if c.Health.ProbeTTL <= 0 {
		c.Health.ProbeTTL = 2 * time.Second
	}
	if c.Health.GraphMinSamples <= 0 {
		c.Health.GraphMinSamples = 10
	}
	if c.Health.GraphDegradedRatio <= 0 {
		c.Health.GraphDegradedRatio = 0.50
	}
	if c.Health.GraphUnhealthyRatio <= 0 {
		c.Health.GraphUnhealthyRatio = 0.80
	}
	if c.Health.ResourceDegradedCheckpoint <= 0 {
		c.Health.ResourceDegradedCheckpoint = 256
	}
	if c.Health.ResourceUnhealthyCheckpoint <= 0 {
		c.Health.ResourceUnhealthyCheckpoint = 512
	}
	if c.Tracing.SamplePercent < 0 {
		c.Tracing.SamplePercent = 0
	}
	if c.Tracing.SamplePercent > 100 {
		c.Tracing.SamplePercent = 100
	}
	if c.Events.MaxSubscriberBuffer <= 0 {
		c.Events.MaxSubscriberBuffer = 1024
	}
	return c
}
