package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector using prometheus metrics.
type PrometheusCollector struct {
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec

	syncsStarted  *prometheus.CounterVec
	syncsFinished *prometheus.CounterVec

	sessionsConnected *prometheus.CounterVec
	sessionsDropped   *prometheus.CounterVec
	backoffsArmed     prometheus.Counter

	readsServed *prometheus.CounterVec

	draftsSaved      *prometheus.CounterVec
	draftsReconciled *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_hydration_jobs_completed_total",
			Help: "Total number of hydration jobs completed.",
		}, []string{"user"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_hydration_jobs_failed_total",
			Help: "Total number of hydration jobs that failed.",
		}, []string{"user"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_hydration_jobs_retried_total",
			Help: "Total number of hydration job retries scheduled.",
		}, []string{"user"}),

		syncsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_syncs_started_total",
			Help: "Total number of sync passes started.",
		}, []string{"user", "mode"}),
		syncsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_syncs_finished_total",
			Help: "Total number of sync passes finished.",
		}, []string{"user", "mode", "result"}),

		sessionsConnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_imap_sessions_connected_total",
			Help: "Total number of IMAP sessions established.",
		}, []string{"user"}),
		sessionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_imap_sessions_dropped_total",
			Help: "Total number of IMAP sessions dropped.",
		}, []string{"user"}),
		backoffsArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailboy_connect_backoffs_total",
			Help: "Total number of global connect backoffs armed.",
		}),

		readsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_reads_served_total",
			Help: "Total read-path resolutions by source.",
		}, []string{"source"}),

		draftsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_drafts_saved_total",
			Help: "Total number of drafts uplinked to the remote host.",
		}, []string{"user"}),
		draftsReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboy_drafts_reconciled_total",
			Help: "Total number of draft reconciliation cycles applying changes.",
		}, []string{"user"}),
	}

	reg.MustRegister(
		c.jobsCompleted, c.jobsFailed, c.jobsRetried,
		c.syncsStarted, c.syncsFinished,
		c.sessionsConnected, c.sessionsDropped, c.backoffsArmed,
		c.readsServed,
		c.draftsSaved, c.draftsReconciled,
	)
	return c
}

func (c *PrometheusCollector) JobCompleted(user string) { c.jobsCompleted.WithLabelValues(user).Inc() }
func (c *PrometheusCollector) JobFailed(user string)    { c.jobsFailed.WithLabelValues(user).Inc() }
func (c *PrometheusCollector) JobRetried(user string)   { c.jobsRetried.WithLabelValues(user).Inc() }

func (c *PrometheusCollector) SyncStarted(user, mode string) {
	c.syncsStarted.WithLabelValues(user, mode).Inc()
}

func (c *PrometheusCollector) SyncFinished(user, mode string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.syncsFinished.WithLabelValues(user, mode, result).Inc()
}

func (c *PrometheusCollector) SessionConnected(user string) {
	c.sessionsConnected.WithLabelValues(user).Inc()
}

func (c *PrometheusCollector) SessionDropped(user string) {
	c.sessionsDropped.WithLabelValues(user).Inc()
}

func (c *PrometheusCollector) BackoffArmed() { c.backoffsArmed.Inc() }

func (c *PrometheusCollector) ReadServed(source string) {
	c.readsServed.WithLabelValues(source).Inc()
}

func (c *PrometheusCollector) DraftSaved(user string) { c.draftsSaved.WithLabelValues(user).Inc() }

func (c *PrometheusCollector) DraftReconciled(user string) {
	c.draftsReconciled.WithLabelValues(user).Inc()
}
