package telemetry

import (
	"sync"
	"time"
)

// StateProvider is the part of the replication state the collector samples
type StateProvider interface {
	SecondsBehind() uint32
}

// QueueProvider reports the delivery queue depth
type QueueProvider interface {
	Len() int
}

// MetricsCollector periodically samples state and updates telemetry gauges
type MetricsCollector struct {
	state    StateProvider
	queue    QueueProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewMetricsCollector(state StateProvider, queue QueueProvider, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = time.Second
	}
	return &MetricsCollector{
		state:    state,
		queue:    queue,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

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
	if mc.state != nil {
		SecondsBehindMaster.Set(float64(mc.state.SecondsBehind()))
	}
	if mc.queue != nil {
		DeliveryQueueDepth.Set(float64(mc.queue.Len()))
	}
}
