package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"slugbin/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Pastes   int    `json:"pastes"`
	Cache    string `json:"cache"`
	Strategy string `json:"slug_strategy"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready reports the registry size and Redis reachability. Pastes live in
// memory, so a down Redis degrades replay protection and shared limits
// but does not make the process unready.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	reg := s.paste.Registry()
	resp := ReadyResponse{
		Ready:    true,
		Pastes:   reg.Len(),
		Cache:    "unavailable",
		Strategy: string(reg.Codec().Strategy()),
	}
	if s.rdb != nil {
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cacheCancel()
		if err := s.rdb.Ping(cacheCtx); err != nil {
			util.Error().Err(err).Msg("cache health check failed")
			resp.Cache = "down"
			resp.Degraded = true
		} else {
			resp.Cache = "up"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
