package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"safelink/engine"
	"safelink/ignore"
	"safelink/rules"
)

const maxRequestBody = 8 << 20

// API serves the request/response protocol: POST /api with a JSON body whose
// action field selects the variant.
type API struct {
	compiler  *rules.Compiler
	engine    *engine.Engine
	ignored   *ignore.Cache
	redirects *Redirects
}

// NewAPI creates the protocol handler. redirects may be nil.
func NewAPI(c *rules.Compiler, e *engine.Engine, ignored *ignore.Cache, redirects *Redirects) *API {
	return &API{
		compiler:  c,
		engine:    e,
		ignored:   ignored,
		redirects: redirects,
	}
}

// Handler returns the HTTP routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", a.handleAPI)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	return mux
}

func (a *API) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	req, err := decodeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := req.handle(r.Context(), a)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Printf("API %T failed: %v", req, err)
		}
		writeError(w, status, err.Error())
		return
	}
	out, err := envelope(result)
	if err != nil {
		log.Printf("API %T: %v", req, err)
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// envelope flattens result's fields next to success.
func envelope(result any) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("result %T is not an object: %w", result, err)
		}
	}
	out["success"] = json.RawMessage("true")
	return out, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, rules.ErrUnknownKind),
		errors.Is(err, rules.ErrInvalidValue),
		errors.Is(err, rules.ErrUnknownFormat),
		errors.Is(err, rules.ErrMalformedLists),
		errors.Is(err, rules.ErrNoSource),
		errors.Is(err, engine.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, rules.ErrNoRecords):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// HTTPServer runs the API on a listen address.
type HTTPServer struct {
	Server *http.Server
}

// NewHTTPServer creates a server for api on addr.
func NewHTTPServer(addr string, api *API) *HTTPServer {
	return &HTTPServer{
		Server: &http.Server{
			Addr:              addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *HTTPServer) Start() error {
	log.Printf("API listening on %s", s.Server.Addr)
	if err := s.Server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.Server.Shutdown(ctx)
}
