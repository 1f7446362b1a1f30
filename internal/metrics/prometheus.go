package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusObserver struct {
	onlineGauge prometheus.Gauge
	pushCounter prometheus.Counter
	lagGauge    prometheus.Gauge
	evalCounter *prometheus.CounterVec
}

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfgate_online_clients",
		Help: "Number of connected storefront stream clients",
	})
	pushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfgate_push_total",
		Help: "Total number of flag updates pushed to stream clients",
	})
	lagGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfgate_broadcast_backlog",
		Help: "Pending updates in the hub broadcast channel",
	})
	evalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfgate_evaluations_total",
		Help: "Flag evaluations by winning precedence layer and outcome",
	}, []string{"source", "enabled"})
)

func NewPrometheusObserver() *prometheusObserver {
	return &prometheusObserver{
		onlineGauge: onlineGauge,
		pushCounter: pushCounter,
		lagGauge:    lagGauge,
		evalCounter: evalCounter,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) IncOnline()  { p.onlineGauge.Inc() }
func (p *prometheusObserver) DecOnline()  { p.onlineGauge.Dec() }
func (p *prometheusObserver) RecordPush() { p.pushCounter.Inc() }
func (p *prometheusObserver) UpdateEventLag(lag int) {
	p.lagGauge.Set(float64(lag))
}
func (p *prometheusObserver) RecordEvaluation(source string, enabled bool) {
	p.evalCounter.WithLabelValues(source, strconv.FormatBool(enabled)).Inc()
}
