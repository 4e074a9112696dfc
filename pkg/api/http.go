package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// ProblemDetail is the RFC 7807 shape used for transport-level failures.
// Tool-level failures travel in-band as MutationErrorResponse with 200.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// WriteProblem writes an RFC 7807 response.
func WriteProblem(w http.ResponseWriter, status int, title, detail string) {
	problem := ProblemDetail{
		Type:   fmt.Sprintf("https://appwarden.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// HTTPHost serves the tool surface over POST /v1/tools/{tool}.
type HTTPHost struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHTTPHost builds an HTTP host.
func NewHTTPHost(dispatcher *Dispatcher, logger *slog.Logger) *HTTPHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHost{dispatcher: dispatcher, logger: logger}
}

// Handler returns the routing handler, without middleware.
func (h *HTTPHost) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tools/{tool}", h.handleTool)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (h *HTTPHost) handleTool(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		WriteProblem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "request body exceeds the frame limit")
		return
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), tool, body)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("response write failed", "tool", tool, "error", err)
	}
}
