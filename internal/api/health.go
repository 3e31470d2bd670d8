package api

import (
	"net/http"

	"github.com/seantiz/accelrt/internal/model"
)

type deviceHealth struct {
	Index        int    `json:"index"`
	RunningState string `json:"running_state"`
}

type healthResponse struct {
	Status  string         `json:"status"`
	Devices []deviceHealth `json:"devices"`
}

// handleHealthz reports ok only while every device is running normally.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Devices: []deviceHealth{}}
	status := http.StatusOK

	for _, d := range s.runtime.Devices() {
		state := d.RunningState()
		resp.Devices = append(resp.Devices, deviceHealth{
			Index:        d.Index(),
			RunningState: state.String(),
		})
		if state != model.RunningNormal {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runtime.Strategies())
}
