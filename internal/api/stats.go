package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total        int            `json:"total"`
	ByState      map[string]int `json:"by_state"`
	ByType       map[string]int `json:"by_type"`
	AvgLatencyUS float64        `json:"avg_latency_us"`
	TotalRetries int            `json:"total_retries"`
	StreamEvents int            `json:"stream_events"`
	Pending      int64          `json:"pending"`
	Devices      int            `json:"devices"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.journal.Stats(r.Context())
	if err != nil {
		s.logger.Error("get journal stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:        stats.Total,
		ByState:      stats.CountByState,
		ByType:       stats.CountByType,
		AvgLatencyUS: stats.AvgLatencyUS,
		TotalRetries: stats.TotalRetries,
		StreamEvents: stats.StreamEvents,
	}
	for _, d := range s.runtime.Devices() {
		resp.Devices++
		resp.Pending += d.Engine().Pending()
	}

	s.writeJSON(w, http.StatusOK, resp)
}
