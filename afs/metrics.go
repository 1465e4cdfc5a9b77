package afs

import (
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	lockWaitTime *kitprometheus.Histogram
	stackOps     *kitprometheus.Counter
)

func init() {
	lockWaitTime = kitprometheus.NewHistogramFrom(prometheus.HistogramOpts{
		Namespace: "afs",
		Subsystem: "resource",
		Name:      "lock_wait_seconds",
		Help:      "time spent waiting for path locks.",
	}, []string{"op", "result"})

	stackOps = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "afs",
		Subsystem: "resource",
		Name:      "stack_ops_total",
		Help:      "rollback stack pushes and pops.",
	}, []string{"kind"})
}

func LockWait(op Kind, ok bool, seconds float64) {
	result := "ok"
	if !ok {
		result = "timeout"
	}
	lockWaitTime.With([]string{
		"op", op.String(),
		"result", result,
	}...).Observe(seconds)
}

func StackOp(kind string) {
	stackOps.With("kind", kind).Add(1)
}
