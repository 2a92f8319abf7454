package rm

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	phaseTwoCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goat",
			Subsystem: "rm",
			Name:      "phase_two_total",
			Help:      "Counter of branch phase two outcomes.",
		}, []string{"phase", "status"})

	phaseTwoAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "goat",
			Subsystem: "rm",
			Name:      "phase_two_attempts",
			Help:      "Bucketed histogram of attempts used by branch phase two.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}, []string{"phase"})

	branchRegisterCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goat",
			Subsystem: "rm",
			Name:      "branch_register_total",
			Help:      "Counter of branch registrations.",
		}, []string{"result"})
)

// RegisterMetrics 把 RM 的指标注册到 reg 上, reg 为 nil 时不注册
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{phaseTwoCounter, phaseTwoAttempts, branchRegisterCounter} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
