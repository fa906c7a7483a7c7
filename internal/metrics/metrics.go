// Package metrics holds the pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_records_total",
		Help: "Deposit state transitions, labeled by target state",
	}, []string{"state"})

	InitiateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_initiate_rejections_total",
		Help: "Initiate calls refused before a record was created",
	}, []string{"reason"})

	BankEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_bank_events_total",
		Help: "Inbound bank events by source and outcome",
	}, []string{"source", "outcome"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_settlements_total",
		Help: "Settlement attempts by result",
	}, []string{"result"})

	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_account_reservations_total",
		Help: "Allocator operations by kind and result",
	}, []string{"op", "result"})

	AccountUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deposit_account_utilization_ratio",
		Help: "Current utilization ratio per receiving account",
	}, []string{"account_id", "period"})

	ExtractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deposit_slip_extraction_duration_seconds",
		Help:    "Latency of OCR slip extraction",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	QueueDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_queue_deliveries_total",
		Help: "Work units handled by the worker pool",
	}, []string{"kind", "result"})
)
