package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceid_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"path", "method", "status"})

	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceid_matches_total",
		Help: "Total number of matched query embeddings by outcome",
	}, []string{"outcome"})

	MatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faceid_match_seconds",
		Help:    "Time taken to scan enrolled faces for one query",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"strategy"})

	FacesPerImage = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "faceid_faces_per_image",
		Help:    "Number of faces detected per recognition request",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	EnrolledFaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceid_enrolled_faces_total",
		Help: "Total number of face embeddings enrolled by this instance",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceid_rate_limited_total",
		Help: "Total number of recognition requests rejected by the rate limiter",
	})
)

// Match outcomes.
const (
	OutcomeIdentified = "identified"
	OutcomeUnknown    = "unknown"
	OutcomeError      = "error"
)

// Match strategies.
const (
	StrategyExhaustive = "exhaustive"
	StrategyBand       = "band"
)
