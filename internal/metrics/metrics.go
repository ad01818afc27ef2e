package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"identity-reconciliation/internal/models"
)

// Identify outcomes.
const (
	OutcomeCreatedPrimary   = "created_primary"
	OutcomeCreatedSecondary = "created_secondary"
	OutcomeMerged           = "merged"
	OutcomeMatched          = "matched"
	OutcomeInvalid          = "invalid"
	OutcomeError            = "error"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	IdentifyRequests *prometheus.CounterVec
	IdentifyDuration prometheus.Histogram
	ContactsCreated  *prometheus.CounterVec
	Merges           prometheus.Counter
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IdentifyRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "identify_requests_total",
			Help: "Identify calls by outcome",
		}, []string{"outcome"}),
		IdentifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "identify_duration_seconds",
			Help:    "Latency of identify calls",
			Buckets: prometheus.DefBuckets,
		}),
		ContactsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contacts_created_total",
			Help: "Contacts created by link precedence",
		}, []string{"precedence"}),
		Merges: f.NewCounter(prometheus.CounterOpts{
			Name: "contact_merges_total",
			Help: "Primary contacts demoted into another group",
		}),
	}
}

func (m *Metrics) ObserveIdentify(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IdentifyRequests.WithLabelValues(outcome).Inc()
	m.IdentifyDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IncContactsCreated(p models.LinkPrecedence) {
	if m == nil {
		return
	}
	m.ContactsCreated.WithLabelValues(string(p)).Inc()
}

func (m *Metrics) IncMerges() {
	if m == nil {
		return
	}
	m.Merges.Inc()
}
