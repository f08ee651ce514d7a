package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/tools"
)

// toolTimeout bounds each tool call independently of the connection.
const toolTimeout = 30 * time.Second

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req tools.SearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), toolTimeout)
	defer cancel()
	resp, err := s.deps.Tools.Search(ctx, req)
	s.respond(w, resp, err)
}

func (s *Server) handleExplore(w http.ResponseWriter, r *http.Request) {
	var req tools.ExploreRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), toolTimeout)
	defer cancel()
	resp, err := s.deps.Tools.Explore(ctx, req)
	s.respond(w, resp, err)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req tools.AddRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), toolTimeout)
	defer cancel()
	resp, err := s.deps.Tools.Add(ctx, req)
	s.respond(w, resp, err)
}

func (s *Server) handleManage(w http.ResponseWriter, r *http.Request) {
	var req tools.ManageRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), toolTimeout)
	defer cancel()
	resp, err := s.deps.Tools.Manage(ctx, req)
	s.respond(w, resp, err)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, resp *tools.Response, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("tool call failed", "error", err)
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.ValidationError:
		return http.StatusBadRequest
	case errs.TenantMissing, errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict, errs.InvalidTransition, errs.DependencyCycle:
		return http.StatusConflict
	case errs.LockTimeout, errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
