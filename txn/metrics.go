package txn

import (
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	txOutcomes    *kitprometheus.Counter
	commitRetries *kitprometheus.Counter
)

func init() {
	txOutcomes = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "afs",
		Subsystem: "txn",
		Name:      "outcome_total",
		Help:      "transactions by role and outcome.",
	}, []string{"role", "outcome"})

	commitRetries = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "afs",
		Subsystem: "txn",
		Name:      "commit_retry_total",
		Help:      "failed commit attempts per participant, alert when it keeps growing.",
	}, []string{"participant"})
}

func TxOutcome(role, outcome string) {
	txOutcomes.With([]string{
		"role", role,
		"outcome", outcome,
	}...).Add(1)
}

func CommitRetry(participant string) {
	commitRetries.With("participant", participant).Add(1)
}
