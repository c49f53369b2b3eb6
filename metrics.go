package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/DeterminateSystems/jsonringd/internal/ringbuffer"
)

// InstrumentedAllocator exports the traffic of the allocator it wraps.
type InstrumentedAllocator struct {
	next ringbuffer.Allocator

	allocs   prometheus.Counter
	reallocs prometheus.Counter
	frees    prometheus.Counter
	failures *prometheus.CounterVec
	inUse    prometheus.Gauge
}

func NewInstrumentedAllocator(next ringbuffer.Allocator, reg prometheus.Registerer) *InstrumentedAllocator {
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "jsonringd", Subsystem: "allocator", Name: name, Help: help}
	}

	return &InstrumentedAllocator{
		next:     next,
		allocs:   factory.NewCounter(opts("allocs_total", "Slot blocks allocated.")),
		reallocs: factory.NewCounter(opts("reallocs_total", "Slot blocks resized in place.")),
		frees:    factory.NewCounter(opts("frees_total", "Slot blocks released.")),
		failures: factory.NewCounterVec(opts("failures_total", "Allocation requests that failed."), []string{"op"}),
		inUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "jsonringd",
			Subsystem: "allocator",
			Name:      "bytes_in_use",
			Help:      "Bytes of slot storage currently handed out.",
		}),
	}
}

func (a *InstrumentedAllocator) Alloc(n int) ([]ringbuffer.Shared, error) {
	a.allocs.Inc()
	slots, err := a.next.Alloc(n)
	if err != nil {
		a.failures.WithLabelValues("alloc").Inc()
		return nil, err
	}
	a.inUse.Add(float64(len(slots) * ringbuffer.SlotSize))
	return slots, nil
}

func (a *InstrumentedAllocator) Realloc(slots []ringbuffer.Shared, n int) ([]ringbuffer.Shared, error) {
	a.reallocs.Inc()
	out, err := a.next.Realloc(slots, n)
	if err != nil {
		a.failures.WithLabelValues("realloc").Inc()
		return nil, err
	}
	a.inUse.Add(float64((len(out) - len(slots)) * ringbuffer.SlotSize))
	return out, nil
}

func (a *InstrumentedAllocator) Free(slots []ringbuffer.Shared) {
	a.frees.Inc()
	a.inUse.Sub(float64(len(slots) * ringbuffer.SlotSize))
	a.next.Free(slots)
}

func registerJournalMetrics(reg prometheus.Registerer, journals *Journals, broker *Broker) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "jsonringd",
		Name:      "journals",
		Help:      "Journals currently held.",
	}, func() float64 { return float64(len(journals.Names())) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "jsonringd",
		Name:      "elements",
		Help:      "Elements held across all journals.",
	}, func() float64 { return float64(journals.Elements()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "jsonringd",
		Name:      "subscribers",
		Help:      "Connected event stream subscribers.",
	}, func() float64 { return float64(broker.Subscribers()) })
}
