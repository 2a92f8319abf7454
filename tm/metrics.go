package tm

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalTxCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goat",
			Subsystem: "tm",
			Name:      "global_transaction_total",
			Help:      "Counter of global transaction operations by result.",
		}, []string{"op", "result"})

	globalTxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "goat",
			Subsystem: "tm",
			Name:      "global_transaction_duration_seconds",
			Help:      "Bucketed histogram of global transaction lifetime from begin to commit or rollback.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"op"})
)

// RegisterMetrics 把 TM 的指标注册到 reg 上, reg 为 nil 时不注册
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{globalTxCounter, globalTxDuration} {
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

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	globalTxCounter.WithLabelValues(op, result).Inc()
}
