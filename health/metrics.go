package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/feedline/feedline/breaker"
)

var breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "feedline_circuit_breaker_state",
	Help: "state of each dependency's circuit breaker (0=closed, 1=half-open, 2=open)",
}, []string{"dependency"})

func gaugeValue(s breaker.State) float64 {
	switch s {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}
