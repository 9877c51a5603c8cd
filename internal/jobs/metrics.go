package jobs

import (
	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/vttd/api"
)

// transitionsTotal counts job state transitions by resulting state. The
// manager runs inside the host application process, so the counter lives
// on the default registry where a host-side scrape endpoint picks it up.
var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vttd_job_transitions_total",
	Help: "Job state transitions, labelled by the state entered.",
}, []string{"state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

func countTransition(state api.JobState) {
	transitionsTotal.WithLabelValues(string(state)).Inc()
}
