package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var announcementsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qrgrad_announcements_enqueued_total",
	Help: "Voice announcements handed to the queue.",
})
