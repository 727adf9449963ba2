package telemetry

import (
	"sync"
	"time"
)

// SessionStatsProvider is implemented by the component that owns routing
// sessions.
type SessionStatsProvider interface {
	// ActiveSessionCount returns the number of open sessions
	ActiveSessionCount() int
	// LogSessionStats writes the statistics of every open session
	LogSessionStats()
}

// MetricsCollector periodically logs the statistics of open sessions
type MetricsCollector struct {
	provider SessionStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewMetricsCollector(provider SessionStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

func (mc *MetricsCollector) Stop() {
	mc.once.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}
	// ActiveSessions is maintained by the router
	if mc.provider.ActiveSessionCount() == 0 {
		return
	}
	mc.provider.LogSessionStats()
}
