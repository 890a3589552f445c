package watchtower

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stackflow_watchtower_events_total",
	Help: "counter of chain events presented to the watchtower, by handling result",
}, []string{"result"})

var disputesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stackflow_watchtower_disputes_total",
	Help: "counter of dispute evaluations, by outcome",
}, []string{"result"})

var signaturesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stackflow_watchtower_signatures_total",
	Help: "counter of signature-state upserts, by outcome",
}, []string{"result"})

var burnSettlementsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stackflow_watchtower_burn_settlements_total",
	Help: "counter of pipes whose pending deposits were settled by a burn block",
})
