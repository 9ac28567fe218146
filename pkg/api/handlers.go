package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/0xmhha/pingpong-go/internal/constants"
	"github.com/0xmhha/pingpong-go/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxStuckLimit caps the limit query parameter of /pings/stuck
const maxStuckLimit = 1000

// HealthResponse is the body of /health
type HealthResponse struct {
	Status             string  `json:"status"`
	Timestamp          string  `json:"timestamp"`
	Uptime             string  `json:"uptime"`
	LastProcessedBlock *uint64 `json:"last_processed_block,omitempty"`
	StreamClients      int     `json:"stream_clients"`
	Error              string  `json:"error,omitempty"`
}

// PingResponse is the body of /pings/{txHash}
type PingResponse struct {
	Ping  *storage.PingRecord   `json:"ping"`
	Pongs []*storage.PongRecord `json:"pongs"`
}

// StuckPingsResponse is the body of /pings/stuck
type StuckPingsResponse struct {
	Count int                   `json:"count"`
	Pings []*storage.PingRecord `json:"pings"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if hub := s.Hub(); hub != nil {
		resp.StreamClients = hub.ClientCount()
	}

	block, ok, err := s.store.LastProcessedBlock(r.Context())
	if err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if ok {
		resp.LastProcessedBlock = &block
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read stats", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetPing(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "txHash")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		s.writeError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}
	hash := common.BytesToHash(b)

	ping, err := s.store.GetPing(r.Context(), hash)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "ping not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read ping", zap.String("tx", hash.Hex()), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read ping")
		return
	}

	pongs, err := s.store.GetPongsByPing(r.Context(), hash)
	if err != nil {
		s.logger.Error("failed to read pongs", zap.String("tx", hash.Hex()), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read pongs")
		return
	}
	if pongs == nil {
		pongs = []*storage.PongRecord{}
	}
	s.writeJSON(w, http.StatusOK, PingResponse{Ping: ping, Pongs: pongs})
}

func (s *Server) handleStuckPings(w http.ResponseWriter, r *http.Request) {
	limit := constants.DefaultStuckPingsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxStuckLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	pings, err := s.store.ListStuckPings(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list stuck pings", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list stuck pings")
		return
	}
	if pings == nil {
		pings = []*storage.PingRecord{}
	}
	s.writeJSON(w, http.StatusOK, StuckPingsResponse{Count: len(pings), Pings: pings})
}
