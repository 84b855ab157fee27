package vqvae

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordForward is called after each forward/reconstruct pass.
	// duration is the total time taken, err is nil if successful.
	RecordForward(duration time.Duration, err error)

	// RecordSample is called after each sample operation.
	RecordSample(duration time.Duration, err error)

	// RecordInterpolate is called after each interpolate operation.
	RecordInterpolate(duration time.Duration, err error)

	// RecordCodebookHealth is called after each training update with the
	// number of codebook entries whose smoothed cluster size sits near the
	// smoothing floor, and the batch's usage perplexity. A persistently
	// high dead-code count indicates a degenerate codebook; it is an
	// advisory signal, never an error.
	RecordCodebookHealth(deadCodes int, perplexity float32)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordForward(time.Duration, error)     {}
func (NoopMetricsCollector) RecordSample(time.Duration, error)      {}
func (NoopMetricsCollector) RecordInterpolate(time.Duration, error) {}
func (NoopMetricsCollector) RecordCodebookHealth(int, float32)      {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ForwardCount          atomic.Int64
	ForwardErrors         atomic.Int64
	ForwardTotalNanos     atomic.Int64
	SampleCount           atomic.Int64
	SampleErrors          atomic.Int64
	SampleTotalNanos      atomic.Int64
	InterpolateCount      atomic.Int64
	InterpolateErrors     atomic.Int64
	InterpolateTotalNanos atomic.Int64
	DeadCodes             atomic.Int64 // latest observation
	HealthObservations    atomic.Int64
}

// RecordForward implements MetricsCollector.
func (b *BasicMetricsCollector) RecordForward(duration time.Duration, err error) {
	b.ForwardCount.Add(1)
	b.ForwardTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ForwardErrors.Add(1)
	}
}

// RecordSample implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSample(duration time.Duration, err error) {
	b.SampleCount.Add(1)
	b.SampleTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SampleErrors.Add(1)
	}
}

// RecordInterpolate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInterpolate(duration time.Duration, err error) {
	b.InterpolateCount.Add(1)
	b.InterpolateTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InterpolateErrors.Add(1)
	}
}

// RecordCodebookHealth implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCodebookHealth(deadCodes int, _ float32) {
	b.DeadCodes.Store(int64(deadCodes))
	b.HealthObservations.Add(1)
}
