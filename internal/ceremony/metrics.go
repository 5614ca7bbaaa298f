package ceremony

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	studentsWalked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrgrad_students_walked_total",
		Help: "Students marked as walked.",
	})

	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrgrad_scans_total",
		Help: "Scan resolutions by outcome.",
	}, []string{"result"})
)
