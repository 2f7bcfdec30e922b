package main

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"chatr/internal/tracing"
)

// handleMetrics returns current application metrics
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := tracing.GetRequestID(r.Context())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(s.deps.Metrics.Snapshot()); err != nil {
			s.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"error":      err,
			}).Error("Failed to encode metrics response")

			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}
