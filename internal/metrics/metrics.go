// Package metrics registers the service's Prometheus counters on the
// default registry, exposed via /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Enrollments counts enrollment attempts by result.
	Enrollments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_enrollments_total",
		Help: "Enrollment attempts by result.",
	}, []string{"result"})

	// Verifications counts verification attempts by outcome.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_verifications_total",
		Help: "Face verification attempts by outcome.",
	}, []string{"outcome"})

	// Scans counts RFID scans by resolution status.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_total",
		Help: "RFID scans by resolution status.",
	}, []string{"status"})
)
