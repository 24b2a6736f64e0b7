// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapwire_responses_total",
			Help: "Responses parsed from servers.",
		},
		[]string{
			"kind", // continuation, tagged, untagged
			"type", // status for tagged, e.g. OK; response type for untagged, e.g. EXISTS
		},
	)
	metricFeedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapwire_feed_errors_total",
			Help: "Response lines that could not be lexed or parsed.",
		},
		[]string{
			"kind", // lex, parse, panic
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapwire_command_duration_seconds",
			Help:    "IMAP command duration and results in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"cmd",
			"result", // ok, no, bad, canceled, closed, notimplemented, error
		},
	)
)

// ResponseInc counts a parsed response.
func ResponseInc(kind, typ string) {
	metricResponses.WithLabelValues(kind, typ).Inc()
}

// FeedErrorInc counts a line that was dropped.
func FeedErrorInc(kind string) {
	metricFeedErrors.WithLabelValues(kind).Inc()
}

// CommandObserve tracks the duration and result of a command, started at start.
func CommandObserve(cmd, result string, start time.Time) {
	metricCommands.WithLabelValues(cmd, result).Observe(float64(time.Since(start)) / float64(time.Second))
}
