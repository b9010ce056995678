package api

import (
	"net/http"

	"github.com/seantiz/mequeue/internal/backend"
)

// backendInfo is one entry of GET /v1/backends. Active marks the backend the
// executor hands its events to; the others are registered but idle.
type backendInfo struct {
	backend.Info
	Active bool `json:"active"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	active := s.service.BackendName()
	infos := s.registry.List()

	out := make([]backendInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, backendInfo{Info: info, Active: info.Name == active})
	}
	s.writeJSON(w, http.StatusOK, out)
}
