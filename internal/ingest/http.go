package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"notifier/internal/domain"
	"notifier/internal/metrics"
)

// EventSink receives decoded events from ingest interfaces.
// Params: decoded event payload.
// Returns: error when the event could not be accepted.
type EventSink interface {
	Push(event domain.Event) error
}

// HTTPHandler decodes JSON events and forwards them to sink.
// Params: sink receives validated events, max body limits payload size.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	sink        EventSink
	maxBodySize int64
	logger      *slog.Logger
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink, max request body size in bytes and optional logger.
// Returns: configured handler.
func NewHTTPHandler(sink EventSink, maxBodySize int64, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, logger: logger}
}

// ServeHTTP handles one event object or a JSON array of events.
// Params: HTTP request/response writer pair.
// Returns: 202 with the accepted count when queued, 400 on invalid payload, 413 when too large, 503 when the sink is full.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.maxBodySize > 0 {
		request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	}
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writer.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	events, err := decodeEventPayload(body)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(metrics.EventRejected).Inc()
		h.logger.Debug("http ingest decode failed", "remote", request.RemoteAddr, "error", err)
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	if err := pushEvents(h.sink, events); err != nil {
		h.logger.Warn("http ingest push failed", "events", len(events), "error", err)
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(writer).Encode(acceptedResponse{Accepted: len(events)})
}

// acceptedResponse reports how many events were queued for evaluation.
type acceptedResponse struct {
	Accepted int `json:"accepted"`
}
