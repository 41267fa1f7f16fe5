package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// MaxRequestBytes bounds JSON request bodies.
const MaxRequestBytes = 1 << 20

// Engine is the flow engine surface the HTTP API drives.
type Engine interface {
	HandleInbound(ctx context.Context, conversationID, flowID, text, channelRef string) ([]models.OutboundMessage, error)
	State(ctx context.Context, conversationID, flowID string) (*models.ConversationState, error)
}

// InboundRequest is the body of POST /inbound.
type InboundRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	FlowID         string `json:"flow_id,omitempty"`
	Text           string `json:"text"`
	ChannelRef     string `json:"channel_ref,omitempty"`
}

// InboundResult is the result of POST /inbound.
type InboundResult struct {
	ConversationID string                   `json:"conversation_id"`
	FlowID         string                   `json:"flow_id"`
	Messages       []models.OutboundMessage `json:"messages"`
}

// ReloadResult is the result of POST /flows/reload.
type ReloadResult struct {
	Flows []string `json:"flows"`
}

func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	slog.Debug("Server.inboundHandler: processing inbound request", "method", r.Method, "path", r.URL.Path)

	var req InboundRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	if req.FlowID == "" {
		req.FlowID = s.defaultFlow
	}
	if req.FlowID == "" {
		writeError(w, http.StatusBadRequest, "flow_id is required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
		slog.Debug("Server.inboundHandler: generated conversation id", "conversationID", req.ConversationID)
	}
	if req.ChannelRef == "" {
		req.ChannelRef = req.ConversationID
	}

	msgs, err := s.engine.HandleInbound(r.Context(), req.ConversationID, req.FlowID, req.Text, req.ChannelRef)
	if err != nil {
		slog.Error("Server.inboundHandler: engine failed", "error", err, "conversationID", req.ConversationID, "flowID", req.FlowID)
		writeError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}
	if msgs == nil {
		msgs = []models.OutboundMessage{}
	}
	slog.Info("Server.inboundHandler: message processed", "conversationID", req.ConversationID, "flowID", req.FlowID, "outbound", len(msgs))
	writeJSONResponse(w, http.StatusOK, models.Success(InboundResult{
		ConversationID: req.ConversationID,
		FlowID:         req.FlowID,
		Messages:       msgs,
	}))
}

func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	flowID := r.URL.Query().Get("flow_id")
	if flowID == "" {
		flowID = s.defaultFlow
	}
	if conversationID == "" || flowID == "" {
		writeError(w, http.StatusBadRequest, "conversation id and flow_id are required")
		return
	}

	state, err := s.engine.State(r.Context(), conversationID, flowID)
	if err != nil {
		slog.Error("Server.conversationHandler: failed to load state", "error", err, "conversationID", conversationID)
		writeError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}
	if !state.Started() {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "Flow reload not supported")
		return
	}
	flows, err := s.reload()
	if err != nil {
		slog.Error("Server.reloadHandler: reload failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrMalformedFlow) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	slog.Info("Server.reloadHandler: flows reloaded", "count", len(flows))
	writeJSONResponse(w, http.StatusOK, models.Success(ReloadResult{Flows: flows}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "flowpipe"}))
}
