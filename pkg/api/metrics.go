package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/fib"
)

// snfCollector implements prometheus.Collector, walking the dataplane
// tables on each scrape.
type snfCollector struct {
	srv *Server

	// Hook counters
	hookRunsTotal      *prometheus.Desc
	hookVerdictsTotal  *prometheus.Desc
	hookMalformedTotal *prometheus.Desc
	hookErrorsTotal    *prometheus.Desc

	// Tables
	fibEntries      *prometheus.Desc
	stateElements   *prometheus.Desc
	stateCounter    *prometheus.Desc
	stateTimerFires *prometheus.Desc
	shadowHits      *prometheus.Desc
	mapUsed         *prometheus.Desc
	mapMaxEntries   *prometheus.Desc

	// Timer reports
	lastReportTime    *prometheus.Desc
	lastReportCounter *prometheus.Desc

	// Daemon
	eventsTotal        *prometheus.Desc
	sweepsTotal        *prometheus.Desc
	fibSyncErrorsTotal *prometheus.Desc
}

func newCollector(srv *Server) *snfCollector {
	return &snfCollector{
		srv: srv,

		hookRunsTotal: prometheus.NewDesc(
			"snf_hook_runs_total",
			"Total frames handed to a hook.",
			[]string{"hook"}, nil,
		),
		hookVerdictsTotal: prometheus.NewDesc(
			"snf_hook_verdicts_total",
			"Total verdicts returned by a hook.",
			[]string{"hook", "verdict"}, nil,
		),
		hookMalformedTotal: prometheus.NewDesc(
			"snf_hook_malformed_total",
			"Total frames a hook could not parse.",
			[]string{"hook"}, nil,
		),
		hookErrorsTotal: prometheus.NewDesc(
			"snf_hook_errors_total",
			"Total internal hook failures.",
			[]string{"hook"}, nil,
		),
		fibEntries: prometheus.NewDesc(
			"snf_fib_entries",
			"Provisioned forwarding slots.",
			nil, nil,
		),
		stateElements: prometheus.NewDesc(
			"snf_state_elements",
			"Elements in the keyed state table.",
			nil, nil,
		),
		stateCounter: prometheus.NewDesc(
			"snf_state_counter",
			"Counter of a state element.",
			[]string{"key"}, nil,
		),
		stateTimerFires: prometheus.NewDesc(
			"snf_state_timer_fires_total",
			"Times a state element's timer has fired.",
			[]string{"key"}, nil,
		),
		shadowHits: prometheus.NewDesc(
			"snf_shadow_hits",
			"Hit count of a shadow table slot.",
			[]string{"key"}, nil,
		),
		mapUsed: prometheus.NewDesc(
			"snf_map_used_entries",
			"Used entries per table.",
			[]string{"map", "type"}, nil,
		),
		mapMaxEntries: prometheus.NewDesc(
			"snf_map_max_entries",
			"Capacity per table.",
			[]string{"map", "type"}, nil,
		),
		lastReportTime: prometheus.NewDesc(
			"snf_timer_last_report_timestamp_seconds",
			"Wall time of the last timer report.",
			[]string{"key"}, nil,
		),
		lastReportCounter: prometheus.NewDesc(
			"snf_timer_last_report_counter",
			"Counter value observed by the last timer report.",
			[]string{"key"}, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"snf_events_total",
			"Total hook events recorded.",
			nil, nil,
		),
		sweepsTotal: prometheus.NewDesc(
			"snf_table_sweeps_total",
			"Total table sweeps completed.",
			nil, nil,
		),
		fibSyncErrorsTotal: prometheus.NewDesc(
			"snf_fib_sync_errors_total",
			"Total forwarding rule resolution failures.",
			nil, nil,
		),
	}
}

func (c *snfCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hookRunsTotal
	ch <- c.hookVerdictsTotal
	ch <- c.hookMalformedTotal
	ch <- c.hookErrorsTotal
	ch <- c.fibEntries
	ch <- c.stateElements
	ch <- c.stateCounter
	ch <- c.stateTimerFires
	ch <- c.shadowHits
	ch <- c.mapUsed
	ch <- c.mapMaxEntries
	ch <- c.lastReportTime
	ch <- c.lastReportCounter
	ch <- c.eventsTotal
	ch <- c.sweepsTotal
	ch <- c.fibSyncErrorsTotal
}

func (c *snfCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectDaemon(ch)

	dp := c.srv.dp
	if dp == nil || !dp.IsLoaded() {
		return
	}
	c.collectHooks(ch, dp)
	c.collectTables(ch, dp)
	c.collectReport(ch, dp)
}

func (c *snfCollector) collectDaemon(ch chan<- prometheus.Metric) {
	if eb := c.srv.eventBuf; eb != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsTotal, prometheus.CounterValue, float64(eb.Seq()))
	}
	if sw := c.srv.sweeper; sw != nil {
		ch <- prometheus.MustNewConstMetric(c.sweepsTotal, prometheus.CounterValue, float64(sw.Sweeps()))
	}
	if sy := c.srv.syncer; sy != nil {
		ch <- prometheus.MustNewConstMetric(c.fibSyncErrorsTotal, prometheus.CounterValue, float64(sy.Errors()))
	}
}

func (c *snfCollector) collectHooks(ch chan<- prometheus.Metric, dp dataplane.DataPlane) {
	for name, st := range dp.HookStats() {
		ch <- prometheus.MustNewConstMetric(c.hookRunsTotal, prometheus.CounterValue, float64(st.Runs), name)
		ch <- prometheus.MustNewConstMetric(c.hookVerdictsTotal, prometheus.CounterValue, float64(st.Passed), name, "pass")
		ch <- prometheus.MustNewConstMetric(c.hookVerdictsTotal, prometheus.CounterValue, float64(st.Dropped), name, "drop")
		ch <- prometheus.MustNewConstMetric(c.hookVerdictsTotal, prometheus.CounterValue, float64(st.Redirects), name, "redirect")
		ch <- prometheus.MustNewConstMetric(c.hookMalformedTotal, prometheus.CounterValue, float64(st.Malformed), name)
		ch <- prometheus.MustNewConstMetric(c.hookErrorsTotal, prometheus.CounterValue, float64(st.Errors), name)
	}
}

func (c *snfCollector) collectTables(ch chan<- prometheus.Metric, dp dataplane.DataPlane) {
	var fibCount int
	dp.IterateForwarding(func(uint32, fib.Entry) bool {
		fibCount++
		return true
	})
	ch <- prometheus.MustNewConstMetric(c.fibEntries, prometheus.GaugeValue, float64(fibCount))

	var states int
	dp.IterateStates(func(st dataplane.StateInfo) bool {
		states++
		key := strconv.FormatUint(uint64(st.Key), 10)
		ch <- prometheus.MustNewConstMetric(c.stateCounter, prometheus.GaugeValue, float64(st.Counter), key)
		ch <- prometheus.MustNewConstMetric(c.stateTimerFires, prometheus.CounterValue, float64(st.TimerFires), key)
		return true
	})
	ch <- prometheus.MustNewConstMetric(c.stateElements, prometheus.GaugeValue, float64(states))

	dp.IterateShadow(func(key, hits uint32) bool {
		ch <- prometheus.MustNewConstMetric(c.shadowHits, prometheus.GaugeValue, float64(hits),
			strconv.FormatUint(uint64(key), 10))
		return true
	})

	for _, ms := range dp.GetMapStats() {
		ch <- prometheus.MustNewConstMetric(c.mapUsed, prometheus.GaugeValue, float64(ms.UsedCount), ms.Name, ms.Type)
		ch <- prometheus.MustNewConstMetric(c.mapMaxEntries, prometheus.GaugeValue, float64(ms.MaxEntries), ms.Name, ms.Type)
	}
}

func (c *snfCollector) collectReport(ch chan<- prometheus.Metric, dp dataplane.DataPlane) {
	rep := dp.LastReport()
	if rep == nil {
		return
	}
	key := strconv.FormatUint(uint64(rep.Key), 10)
	ch <- prometheus.MustNewConstMetric(c.lastReportTime, prometheus.GaugeValue,
		float64(rep.Time.UnixNano())/1e9, key)
	ch <- prometheus.MustNewConstMetric(c.lastReportCounter, prometheus.GaugeValue, float64(rep.Counter), key)
}
