package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

// API route paths.
const (
	PathStart       = "/api/realtime/start"
	PathConnect     = "/api/realtime/connect"
	PathStatus      = "/api/realtime/status"
	PathSubscribe   = "/api/realtime/klines/subscribe"
	PathUnsubscribe = "/api/realtime/klines/unsubscribe"
)

// SuccessResponse is returned by every mutating endpoint.
type SuccessResponse struct {
	Success bool                    `json:"success"`
	Error   *messaging.ErrorPayload `json:"error,omitempty"`
}

// ChannelsRequest is the body of the klines endpoints.
type ChannelsRequest struct {
	Channels []string `json:"channels"`
}

// Handler serves the engine control API.
type Handler struct {
	engine *Engine
	logger zerolog.Logger
}

// NewHandler wraps engine in an HTTP API.
func NewHandler(engine *Engine, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger.With().Str("component", "realtime_api").Logger()}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+PathStart, h.handleStart)
	mux.HandleFunc("POST "+PathConnect, h.handleConnect)
	mux.HandleFunc("GET "+PathStatus, h.handleStatus)
	mux.HandleFunc("POST "+PathSubscribe, h.handleSubscribe)
	mux.HandleFunc("POST "+PathUnsubscribe, h.handleUnsubscribe)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.engine.Start(r.Context()))
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.engine.Connect(r.Context()))
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChannels(w, r)
	if err != nil {
		h.reply(w, err)
		return
	}
	h.reply(w, h.engine.SubscribeKlines(r.Context(), req.Channels))
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChannels(w, r)
	if err != nil {
		h.reply(w, err)
		return
	}
	h.reply(w, h.engine.UnsubscribeKlines(r.Context(), req.Channels))
}

func decodeChannels(w http.ResponseWriter, r *http.Request) (ChannelsRequest, error) {
	var req ChannelsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		return req, messaging.NewProtocolError(messaging.CodeInvalidMessage, "request body must be {\"channels\": [...]}", err)
	}
	if len(req.Channels) == 0 {
		return req, messaging.NewSubscriptionError(messaging.CodeInvalidTopic, "channels must not be empty", nil)
	}
	return req, nil
}

func (h *Handler) reply(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
		return
	}

	status := http.StatusInternalServerError
	var merr *messaging.Error
	if errors.As(err, &merr) {
		switch merr.Kind {
		case messaging.KindProtocol:
			status = http.StatusBadRequest
		case messaging.KindSubscription:
			status = http.StatusConflict
			if merr.Code == messaging.CodeInvalidTopic {
				status = http.StatusBadRequest
			}
		case messaging.KindConnection:
			status = http.StatusBadGateway
		}
	}
	h.logger.Warn().Err(err).Int("status", status).Msg("Realtime API request failed")

	writeJSON(w, status, SuccessResponse{
		Error: &messaging.ErrorPayload{Code: messaging.CodeOf(err), Message: err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
