package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recognitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chamcong_recognitions_total",
		Help: "Recognition attempts by outcome.",
	}, []string{"outcome"})

	matchDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chamcong_match_distance",
		Help:    "Best cosine distance per completed recognition.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 10),
	})

	enrollmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chamcong_enrollments_total",
		Help: "Completed enrollment batches by result.",
	}, []string{"result"})
)
