// Package metrics exposes Prometheus counters of the consumer runtime.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	// Delivered counts messages handed to a stage handler.
	Delivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sda_messages_delivered_total",
		Help: "Messages delivered to the stage handler.",
	}, []string{"queue"})

	// Acked counts messages acknowledged after handler success.
	Acked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sda_messages_acked_total",
		Help: "Messages acknowledged to the inbound queue.",
	}, []string{"queue"})

	// Rejected counts messages rejected without requeue after handler failure.
	Rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sda_messages_rejected_total",
		Help: "Messages rejected without requeue.",
	}, []string{"queue"})

	// ErrorRecords counts error records published to the error queue.
	ErrorRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sda_error_records_total",
		Help: "Error records published to the error queue.",
	}, []string{"queue"})
)

// Serve exposes /metrics on the given port in the background.
// A port of zero disables the listener.
func Serve(port int) {
	if port == 0 {
		return
	}

	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	var server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("serving metrics")
		if err := server.ListenAndServe(); err != nil {
			log.WithField("err", err).Error("metrics listener failed")
		}
	}()
}
