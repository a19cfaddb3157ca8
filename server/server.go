package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/spec"
)

// Server is the wsrig HTTP API. It prepares, inspects and stops workspace
// runtimes through an Orchestrator and mounts the bootstrapper push
// endpoint.
type Server struct {
	mux  *http.ServeMux
	orch *Orchestrator
	log  *slog.Logger
}

// prepareRequest is the body of POST /runtimes.
type prepareRequest struct {
	Identity    spec.RuntimeIdentity `json:"identity"`
	Environment json.RawMessage      `json:"environment"`
}

// estimateResponse is the body returned by POST /estimate.
type estimateResponse struct {
	Order    []string                 `json:"order"`
	Services spec.InternalEnvironment `json:"environment"`
}

// NewServer creates a Server and registers all HTTP routes. push, when
// non-nil, serves GET /bootstrapper/{n}.
func NewServer(orch *Orchestrator, push http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default().With(slog.String("component", "api"))
	}
	s := &Server{
		mux:  http.NewServeMux(),
		orch: orch,
		log:  log,
	}

	s.mux.HandleFunc("POST /estimate", s.handleEstimate)
	s.mux.HandleFunc("POST /runtimes", s.handlePrepare)
	s.mux.HandleFunc("GET /runtimes", s.handleList)
	s.mux.HandleFunc("GET /runtimes/{ws}", s.handleGet)
	s.mux.HandleFunc("GET /runtimes/{ws}/events", s.handleSSE)
	s.mux.HandleFunc("DELETE /runtimes/{ws}", s.handleStop)
	if push != nil {
		s.mux.Handle("GET /bootstrapper/{n}", push)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleEstimate handles POST /estimate?workspace=&env=&owner=.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	env, err := spec.DecodeEnvironment(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode: "+err.Error())
		return
	}
	id := spec.RuntimeIdentity{
		WorkspaceID: r.URL.Query().Get("workspace"),
		EnvName:     r.URL.Query().Get("env"),
		Owner:       r.URL.Query().Get("owner"),
	}

	ienv, order, err := s.orch.Estimate(r.Context(), env, id)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimateResponse{Order: order, Services: ienv})
}

// handlePrepare handles POST /runtimes.
//
// Prepare runs to completion before the response is written; progress is
// available meanwhile from GET /runtimes/{ws}/events. A bootstrap failure
// answers with the error and the runtime, which stays up until DELETE.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}
	if req.Identity.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "identity.workspace_id is required")
		return
	}
	env, err := spec.DecodeEnvironment(req.Environment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode environment: "+err.Error())
		return
	}

	// The runtime outlives the request.
	ctx := context.WithoutCancel(r.Context())
	rt, err := s.orch.Prepare(ctx, env, req.Identity)
	if err != nil {
		s.log.Warn("prepare failed",
			slog.String("workspace", req.Identity.WorkspaceID),
			slog.String("error", err.Error()))
		if rt != nil {
			writeJSON(w, statusFor(err), map[string]any{
				"error":   err.Error(),
				"kind":    errdefs.KindOf(err),
				"runtime": rt.Info(),
			})
			return
		}
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt.Info())
}

// handleList handles GET /runtimes.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos := []RuntimeInfo{}
	for _, rt := range s.orch.Registry.List() {
		infos = append(infos, rt.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleGet handles GET /runtimes/{ws}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.getRuntime(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt.Info())
}

// handleStop handles DELETE /runtimes/{ws}. It returns once teardown is
// complete.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.getRuntime(w, r)
	if !ok {
		return
	}
	if err := s.orch.Stop(r.Context(), rt); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.Info())
}

// getRuntime looks up a runtime by the {ws} path value, writing a 404 and
// returning false if not found.
func (s *Server) getRuntime(w http.ResponseWriter, r *http.Request) (*Runtime, bool) {
	rt, ok := s.orch.Runtime(r.PathValue("ws"))
	if !ok {
		writeError(w, http.StatusNotFound, "runtime not found")
		return nil, false
	}
	return rt, true
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindValidation:
		return http.StatusUnprocessableEntity
	case errdefs.KindSourceNotFound:
		return http.StatusFailedDependency
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	case errdefs.KindInfrastructure:
		return http.StatusBadGateway
	}
	if errors.Is(err, ErrRuntimeExists) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeKindError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"error": err.Error(),
		"kind":  errdefs.KindOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
