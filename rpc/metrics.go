package rpc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goat",
			Subsystem: "rpc",
			Name:      "frames_total",
			Help:      "Counter of frames sent and received.",
		}, []string{"direction", "message_type"})

	decodeErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goat",
			Subsystem: "rpc",
			Name:      "decode_errors_total",
			Help:      "Counter of frame decode errors.",
		}, []string{"kind"})

	inflightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "goat",
			Subsystem: "rpc",
			Name:      "inflight_requests",
			Help:      "Number of requests awaiting a response.",
		})

	channelGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "goat",
			Subsystem: "rpc",
			Name:      "open_channels",
			Help:      "Number of open channels to the coordinator.",
		})

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "goat",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Bucketed histogram of synchronous request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
		}, []string{"type", "result"})
)

// RegisterMetrics 把传输层的指标注册到 reg 上, reg 为 nil 时不注册
// 重复注册同一个 reg 不报错
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{framesCounter, decodeErrorCounter, inflightGauge, channelGauge, requestDuration} {
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
