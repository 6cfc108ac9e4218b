package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector, used when
// statistics collection is disabled.
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(context.Context, string, string, string, int, string) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(context.Context, int64, int64, int64, time.Duration, string) error {
	return nil
}

func (d *DummyCollector) RecordOutcome(context.Context, int64, int, string) error { return nil }

func (d *DummyCollector) RecordError(context.Context, int64, string, string) error { return nil }

func (d *DummyCollector) RecordBlockedRequest(context.Context, string, string, string) error {
	return nil
}

// GetOverviewStats returns empty stats for dummy collector
func (d *DummyCollector) GetOverviewStats(context.Context) (*OverviewStats, error) {
	return &OverviewStats{StatusCounts: map[int]int64{}}, nil
}

// GetTopHosts returns no hosts for dummy collector
func (d *DummyCollector) GetTopHosts(context.Context, int) ([]HostStats, error) {
	return []HostStats{}, nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(context.Context) error { return nil }

// Close does nothing for dummy collector
func (d *DummyCollector) Close() error { return nil }
