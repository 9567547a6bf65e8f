// Package metrics exposes the tracker's state to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/telephony-policy/internal/tracker"
)

// Source is what the collector reads at scrape time.
type Source interface {
	Counts() (cellular, other int)
	Calls() []tracker.CallView
	Stats() tracker.Stats
}

// states are always reported, at zero when no call is in them.
var states = []string{"unknown", "created", "callout", "active", "onhold", "autohold", "conference"}

// Collector is a prometheus.Collector that gathers tracker metrics at
// scrape time.
type Collector struct {
	source    Source
	startTime time.Time

	liveCallsDesc     *prometheus.Desc
	callStateDesc     *prometheus.Desc
	signalsDesc       *prometheus.Desc
	decodeErrorsDesc  *prometheus.Desc
	ignoredDesc       *prometheus.Desc
	cyclesDesc        *prometheus.Desc
	cycleFailuresDesc *prometheus.Desc
	transportDesc     *prometheus.Desc
	callRequestsDesc  *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a collector reading from source.
func NewCollector(source Source, startTime time.Time) *Collector {
	return &Collector{
		source:    source,
		startTime: startTime,

		liveCallsDesc: prometheus.NewDesc(
			"telephony_live_calls",
			"Number of tracked calls by connection class",
			[]string{"class"}, nil,
		),
		callStateDesc: prometheus.NewDesc(
			"telephony_calls",
			"Number of tracked calls by policy state",
			[]string{"state"}, nil,
		),
		signalsDesc: prometheus.NewDesc(
			"telephony_signals_total",
			"Decoded bus signals processed",
			nil, nil,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			"telephony_decode_errors_total",
			"Bus signals dropped because their payload did not type-check",
			nil, nil,
		),
		ignoredDesc: prometheus.NewDesc(
			"telephony_signals_ignored_total",
			"Signals that did not affect any tracked call",
			nil, nil,
		),
		cyclesDesc: prometheus.NewDesc(
			"telephony_decision_cycles_total",
			"Policy decision cycles started",
			nil, nil,
		),
		cycleFailuresDesc: prometheus.NewDesc(
			"telephony_decision_failures_total",
			"Failed policy decision cycles by stage",
			[]string{"stage"}, nil,
		),
		transportDesc: prometheus.NewDesc(
			"telephony_transport_failures_total",
			"Outbound requests that could not be sent",
			nil, nil,
		),
		callRequestsDesc: prometheus.NewDesc(
			"telephony_call_requests_total",
			"CallRequest method calls answered",
			[]string{"result"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"telephony_uptime_seconds",
			"Seconds since the tracker started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveCallsDesc
	ch <- c.callStateDesc
	ch <- c.signalsDesc
	ch <- c.decodeErrorsDesc
	ch <- c.ignoredDesc
	ch <- c.cyclesDesc
	ch <- c.cycleFailuresDesc
	ch <- c.transportDesc
	ch <- c.callRequestsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	cellular, other := c.source.Counts()
	ch <- prometheus.MustNewConstMetric(c.liveCallsDesc, prometheus.GaugeValue, float64(cellular), "cellular")
	ch <- prometheus.MustNewConstMetric(c.liveCallsDesc, prometheus.GaugeValue, float64(other), "other")

	byState := make(map[string]int, len(states))
	for _, v := range c.source.Calls() {
		byState[v.State]++
	}
	for _, s := range states {
		ch <- prometheus.MustNewConstMetric(c.callStateDesc, prometheus.GaugeValue, float64(byState[s]), s)
	}

	st := c.source.Stats()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.signalsDesc, st.Signals)
	counter(c.decodeErrorsDesc, st.DecodeErrors)
	counter(c.ignoredDesc, st.Ignored)
	counter(c.cyclesDesc, st.Cycles)
	counter(c.cycleFailuresDesc, st.ResolverFailures, "resolve")
	counter(c.cycleFailuresDesc, st.ProtocolViolations, "protocol")
	counter(c.cycleFailuresDesc, st.EnforceFailures, "enforce")
	counter(c.transportDesc, st.TransportFailures)
	counter(c.callRequestsDesc, st.CallRequests-st.DeniedRequests, "allowed")
	counter(c.callRequestsDesc, st.DeniedRequests, "denied")

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
