// Package metrics exports stream statistics to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lanikai/camstream"
)

// Histograms
var (
	FrameAge = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camstream_frame_age_seconds",
		Help:    "Time from capture to consumer checkout",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	ProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camstream_frame_processing_seconds",
		Help:    "Time a frame stays checked out by the consumer",
		Buckets: prometheus.ExponentialBuckets(.001, 2, 12),
	})
)

// Counters
var (
	RestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camstream_restarts_total",
		Help: "Automatic restarts after a forced stop, by cause",
	}, []string{"cause"})
)

// Source is anything reporting stream statistics.
type Source interface {
	ID() string
	Started() bool
	Stats() camstream.Stats
}

var (
	labels = []string{"stream"}

	startedDesc = prometheus.NewDesc("camstream_started",
		"Whether the stream is delivering frames", labels, nil)
	buffersDesc = prometheus.NewDesc("camstream_buffers",
		"Buffers by current owner", append(labels, "state"), nil)
)

type counter struct {
	desc  *prometheus.Desc
	value func(camstream.Stats) uint64
}

func newCounter(name, help string, value func(camstream.Stats) uint64) counter {
	return counter{
		desc:  prometheus.NewDesc("camstream_"+name+"_total", help, labels, nil),
		value: value,
	}
}

var counters = []counter{
	newCounter("frames_delivered", "Buffers returned by the driver",
		func(s camstream.Stats) uint64 { return s.Delivered }),
	newCounter("frames_published", "Frames installed as the latest frame",
		func(s camstream.Stats) uint64 { return s.Published }),
	newCounter("frames_dropped", "Frames replaced before the consumer saw them",
		func(s camstream.Stats) uint64 { return s.Dropped }),
	newCounter("frames_consumed", "Frames checked out by the consumer",
		func(s camstream.Stats) uint64 { return s.Consumed }),
	newCounter("buffers_flushed", "Zero-length buffers from end of stream or disable",
		func(s camstream.Stats) uint64 { return s.Flushed }),
	newCounter("buffers_malformed", "Buffers the driver claimed to overfill",
		func(s camstream.Stats) uint64 { return s.Malformed }),
	newCounter("frames_rejected", "Frames delivered after stop",
		func(s camstream.Stats) uint64 { return s.Rejected }),
	newCounter("stalls", "Watchdog-forced stops",
		func(s camstream.Stats) uint64 { return s.Stalls }),
	newCounter("driver_faults", "Driver error events",
		func(s camstream.Stats) uint64 { return s.Faults }),
	newCounter("submit_failures", "Buffers the driver refused",
		func(s camstream.Stats) uint64 { return s.SubmitFailures }),
}

// Collector reads statistics from its streams on every scrape.
type Collector struct {
	mu      sync.Mutex
	sources map[string]Source
}

func NewCollector() *Collector {
	return &Collector{sources: make(map[string]Source)}
}

func (c *Collector) Add(s Source) {
	c.mu.Lock()
	c.sources[s.ID()] = s
	c.mu.Unlock()
}

func (c *Collector) Remove(s Source) {
	c.mu.Lock()
	delete(c.sources, s.ID())
	c.mu.Unlock()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- startedDesc
	ch <- buffersDesc
	for _, ctr := range counters {
		ch <- ctr.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, src := range c.sources {
		st := src.Stats()

		started := 0.0
		if src.Started() {
			started = 1
		}
		ch <- prometheus.MustNewConstMetric(startedDesc, prometheus.GaugeValue, started, id)

		for state, n := range map[string]int{
			"free":        st.Buffers.Free,
			"in_transit":  st.Buffers.InTransit,
			"current":     st.Buffers.Current,
			"checked_out": st.Buffers.CheckedOut,
		} {
			ch <- prometheus.MustNewConstMetric(buffersDesc, prometheus.GaugeValue, float64(n), id, state)
		}

		for _, ctr := range counters {
			ch <- prometheus.MustNewConstMetric(ctr.desc, prometheus.CounterValue, float64(ctr.value(st)), id)
		}
	}
}
