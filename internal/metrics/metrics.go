// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "resq_http_request_duration_seconds",
	Help:    "HTTP request latency by route and status code",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "code"})

var InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "resq_inference_duration_seconds",
	Help:    "Time spent preprocessing and running the network",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
})

var Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resq_predictions_total",
	Help: "Classified images by disaster type",
}, []string{"disaster_type"})

var PredictionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resq_prediction_errors_total",
	Help: "Failed classifications by stage",
}, []string{"stage"})

var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resq_cache_lookups_total",
	Help: "Result cache lookups by outcome",
}, []string{"result"})
