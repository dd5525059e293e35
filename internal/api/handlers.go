package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soundshell/pluginmgr/internal/manager"
)

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	recs, err := s.manager.ListAvailable(r.Context())
	resp := ListResponse{Plugins: make([]PluginView, 0, len(recs))}
	for _, rec := range recs {
		resp.Plugins = append(resp.Plugins, viewOf(rec))
	}
	if err != nil {
		// Degraded read: empty list plus diagnostic, never a hard failure.
		s.logger.Warn("list available degraded", "error", err)
		resp.Diagnostic = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListInstalled(w http.ResponseWriter, r *http.Request) {
	recs, err := s.manager.ListInstalled(r.Context())
	resp := ListResponse{Plugins: make([]PluginView, 0, len(recs))}
	for _, rec := range recs {
		resp.Plugins = append(resp.Plugins, viewOf(rec))
	}
	if err != nil {
		s.logger.Warn("list installed degraded", "error", err)
		resp.Diagnostic = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Install(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, OpResponse{Success: true})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	port, err := s.manager.Start(r.Context(), id)
	if err != nil {
		s.writeJSON(w, statusFor(err), StartResponse{Success: false, Error: errBody(err)})
		return
	}
	s.writeJSON(w, http.StatusOK, StartResponse{Success: true, Port: port})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Stop(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, OpResponse{Success: true})
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Uninstall(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, OpResponse{Success: true})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.RefreshRegistry(r.Context())
	if err != nil {
		s.writeJSON(w, statusFor(err), RefreshResponse{Success: false, Error: errBody(err)})
		return
	}
	s.writeJSON(w, http.StatusOK, RefreshResponse{Success: true, Added: res.Added, Updated: res.Updated})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), OpResponse{Success: false, Error: errBody(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

func errBody(err error) *ErrorBody {
	var e *manager.Error
	if errors.As(err, &e) {
		return &ErrorBody{Kind: string(e.Kind), Reason: e.Reason}
	}
	return &ErrorBody{Kind: string(manager.KindInternal), Reason: err.Error()}
}

func statusFor(err error) int {
	switch manager.KindOf(err) {
	case manager.KindNotFound:
		return http.StatusNotFound
	case manager.KindAlreadyInstalling, manager.KindAlreadyRunning:
		return http.StatusConflict
	case manager.KindNotInstalled:
		return http.StatusPreconditionFailed
	case manager.KindPortExhausted:
		return http.StatusServiceUnavailable
	case manager.KindInstallFailed, manager.KindSpawnFailed,
		manager.KindStartFailed, manager.KindHealthCheckTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
