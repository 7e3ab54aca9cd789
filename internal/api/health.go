package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
	// Sync reports the dataset sync loop, when one is configured.
	Sync string `json:"sync,omitempty"`
}

type runner interface {
	Running() bool
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if r, ok := s.syncer.(runner); ok {
		resp.Sync = "stopped"
		if r.Running() {
			resp.Sync = "running"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
