// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buse

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of the wire server. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests     *prometheus.CounterVec
	Errors       *prometheus.CounterVec
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nbdshim_requests_total",
		Help: "Requests received from the kernel",
	}, []string{"command"})

	errors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nbdshim_request_errors_total",
		Help: "Requests answered with a non-zero error",
	}, []string{"command"})

	bytesRead := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nbdshim_read_bytes_total",
		Help: "Bytes returned to the kernel by read requests",
	})

	bytesWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nbdshim_written_bytes_total",
		Help: "Bytes received from the kernel by write requests",
	})

	reg.MustRegister(requests, errors, bytesRead, bytesWritten)

	return &Metrics{
		Requests:     requests,
		Errors:       errors,
		BytesRead:    bytesRead,
		BytesWritten: bytesWritten,
	}
}

func (m *Metrics) observe(cmd Command, length uint32, errno uint32) {
	if m == nil {
		return
	}

	m.Requests.WithLabelValues(cmd.String()).Inc()
	if errno != 0 {
		m.Errors.WithLabelValues(cmd.String()).Inc()
		return
	}

	switch cmd {
	case CmdRead:
		m.BytesRead.Add(float64(length))
	case CmdWrite:
		m.BytesWritten.Add(float64(length))
	}
}
