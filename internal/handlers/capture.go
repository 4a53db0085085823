package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/whookdev/inspector/internal/conductor"
	"github.com/whookdev/inspector/internal/config"
	"github.com/whookdev/inspector/internal/models"
)

type Dispatcher interface {
	Dispatch(capture conductor.Capture)
}

type cannedResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

var cannedResponses = map[string]cannedResponse{
	"200": {Status: http.StatusOK, Message: "OK"},
	"401": {Status: http.StatusUnauthorized, Message: "Unauthorized"},
	"404": {Status: http.StatusNotFound, Message: "Not Found"},
	"500": {Status: http.StatusInternalServerError, Message: "Internal Server Error"},
}

type CaptureHandler struct {
	cfg        *config.Config
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewCaptureHandler(cfg *config.Config, d Dispatcher, logger *slog.Logger) *CaptureHandler {
	return &CaptureHandler{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger.With("component", "capture_handler"),
	}
}

// HandleCapture accepts any method and always writes the canned response for
// its route variant. The capture is handed off before responding; a
// malformed project id is logged and dropped.
func (h *CaptureHandler) HandleCapture(w http.ResponseWriter, r *http.Request) {
	canned, ok := cannedResponses[chi.URLParam(r, "status")]
	if !ok {
		canned = cannedResponses["200"]
	}

	projectID, ok := uuidParam(r, "projectID")
	if !ok {
		h.logger.Warn("dropping capture for malformed project id", "project", chi.URLParam(r, "projectID"))
		writeJSON(w, canned.Status, canned)
		return
	}

	capture := conductor.Capture{
		ProjectID:   projectID,
		Method:      r.Method,
		Query:       models.ParseRawQuery(r.URL.RawQuery),
		Headers:     flattenHeaders(r),
		ContentType: r.Header.Get("Content-Type"),
		IP:          originIP(r),
		ReceivedAt:  time.Now(),
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		capture.Payload, capture.PayloadErr = h.readBody(w, r)
	}

	h.logger.Debug("handling capture",
		"project", projectID,
		"method", r.Method,
		"bytes", len(capture.Payload),
	)
	h.dispatcher.Dispatch(capture)

	writeJSON(w, canned.Status, canned)
}

func (h *CaptureHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
	}
	return body, err
}

// flattenHeaders lower-cases names and joins repeated values with ", ".
func flattenHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		headers["host"] = r.Host
	}
	return headers
}

func originIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Real-Ip"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
