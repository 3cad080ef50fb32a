package native

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	resumes           prometheus.Counter
	bankedResumes     prometheus.Counter
	waits             prometheus.Counter
	deferredEvents    prometheus.Counter
	swallowedSigstops prometheus.Counter
	spuriousEvents    prometheus.Counter
	forkWaits         prometheus.Counter
	dbregWrites       prometheus.Counter

	pendingEvents prometheus.Gauge
}

// newMetrics registers the metrics of a Target on r. A nil r creates
// unregistered metrics.
func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		resumes: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "fbsdnat_resumes_total",
			Help: "number of calls to Resume",
		}),
		bankedResumes: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "fbsdnat_banked_resumes_total",
			Help: "number of process resumes skipped because an event was already pending",
		}),
		waits: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "fbsdnat_waits_total",
			Help: "number of calls to Wait",
		}),
		deferredEvents: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "fbsdnat_deferred_events_total",
			Help: "number of events reported by LWPs that were not resumed",
		}),
		swallowedSigstops: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "fbsdnat_swallowed_sigstops_total",
			Help: "number of SIGSTOPs sent by the debugger and discarded",
		}),
		spuriousEvents: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "fbsdnat_spurious_events_total",
			Help: "number of LWP creation and exit events reported as spurious stops",
		}),
		forkWaits: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "fbsdnat_fork_child_waits_total",
			Help: "number of forks whose child stop had to be waited for",
		}),
		dbregWrites: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "fbsdnat_dbreg_writes_total",
			Help: "number of PT_SETDBREGS requests",
		}),
		pendingEvents: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "fbsdnat_pending_events",
			Help: "number of banked events",
		}),
	}
}
