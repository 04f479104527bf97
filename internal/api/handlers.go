package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/activity"
	"github.com/BTreeMap/FunnelPipe/internal/delivery"
	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// ConversationView is a conversation with its sticky gateway instance.
type ConversationView struct {
	models.Conversation
	State          models.ConversationState `json:"state"`
	StickyInstance string                   `json:"sticky_instance,omitempty"`
}

// StatusStats are the counters on the status page.
type StatusStats struct {
	ActiveConversations int `json:"active_conversations"`
	PendingAcks         int `json:"pending_acks"`
	PendingPix          int `json:"pending_pix"`
	StickyInstances     int `json:"sticky_instances"`
	TotalFunnels        int `json:"total_funnels"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status        string             `json:"status"`
	Timestamp     time.Time          `json:"timestamp"`
	Stats         StatusStats        `json:"stats"`
	Conversations []ConversationView `json:"conversations"`
	RecentLogs    []activity.Entry   `json:"recent_logs"`
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	Recipient string          `json:"recipient" validate:"required"`
	Type      models.StepKind `json:"type" validate:"required,oneof=text image video image+text video+text"`
	Text      string          `json:"text"`
	MediaURL  string          `json:"mediaUrl" validate:"omitempty,url"`
}

// conversationViews joins conversations with their sticky instances.
func (s *Server) conversationViews() ([]ConversationView, int, error) {
	convs, err := s.deps.Engine.ListConversations()
	if err != nil {
		return nil, 0, err
	}
	views := make([]ConversationView, 0, len(convs))
	sticky := 0
	for _, c := range convs {
		v := ConversationView{Conversation: c, State: c.State()}
		if s.deps.Sticky != nil {
			inst, err := s.deps.Sticky.GetStickyInstance(c.Recipient)
			if err != nil {
				slog.Warn("Server.conversationViews: sticky lookup failed", "recipient", c.Recipient, "error", err)
			}
			if inst != "" {
				v.StickyInstance = inst
				sticky++
			}
		}
		views = append(views, v)
	}
	return views, sticky, nil
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	views, sticky, err := s.conversationViews()
	if err != nil {
		slog.Error("Server.statusHandler: failed to list conversations", "error", err)
		writeError(w, err)
		return
	}
	funnels, err := s.deps.Funnels.ListFunnels()
	if err != nil {
		slog.Error("Server.statusHandler: failed to list funnels", "error", err)
		writeError(w, err)
		return
	}

	pendingPix := 0
	for _, t := range s.deps.Engine.ListPendingTimers() {
		if t.Kind == models.TimerKindPayment {
			pendingPix++
		}
	}
	active := 0
	for _, v := range views {
		if !v.Completed {
			active++
		}
	}
	acks := 0
	if s.deps.Acks != nil {
		acks = s.deps.Acks.Pending()
	}

	writeJSONResponse(w, http.StatusOK, StatusResponse{
		Status:    "online",
		Timestamp: time.Now().UTC(),
		Stats: StatusStats{
			ActiveConversations: active,
			PendingAcks:         acks,
			PendingPix:          pendingPix,
			StickyInstances:     sticky,
			TotalFunnels:        len(funnels),
		},
		Conversations: views,
		RecentLogs:    s.deps.Feed.Recent(RecentLogLimit),
	})
}

func (s *Server) listFunnelsHandler(w http.ResponseWriter, r *http.Request) {
	funnels, err := s.deps.Funnels.ListFunnels()
	if err != nil {
		slog.Error("Server.listFunnelsHandler: failed to list funnels", "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(funnels))
}

// saveFunnelHandler creates or replaces a funnel. Conversations already on
// the funnel keep their step index; one pointing past the new end is
// reported as orphaned when it next moves.
func (s *Server) saveFunnelHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var f models.Funnel
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Warn("Server.saveFunnelHandler: failed to decode funnel", "error", err)
		writeError(w, fmt.Errorf("%w: %v", models.ErrInvalidFunnel, err))
		return
	}
	if err := f.Validate(); err != nil {
		slog.Warn("Server.saveFunnelHandler: validation failed", "funnel_id", f.ID, "error", err)
		writeError(w, err)
		return
	}
	f.UpdatedAt = time.Now().UTC()
	if err := s.deps.Funnels.SaveFunnel(f); err != nil {
		slog.Error("Server.saveFunnelHandler: failed to save funnel", "funnel_id", f.ID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("Server.saveFunnelHandler: funnel saved", "funnel_id", f.ID, "steps", len(f.Steps))
	s.deps.Feed.Publish("FUNNEL_UPDATED", "funnel "+f.ID+" updated", map[string]any{"funnel_id": f.ID})
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Funnel saved", f))
}

func (s *Server) deleteFunnelHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if models.IsDefaultFunnel(id) {
		writeError(w, fmt.Errorf("%w: %s", models.ErrProtectedFunnel, id))
		return
	}
	existing, err := s.deps.Funnels.GetFunnel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing == nil {
		writeError(w, fmt.Errorf("%w: %s", models.ErrFunnelNotFound, id))
		return
	}
	if err := s.deps.Funnels.DeleteFunnel(id); err != nil {
		slog.Error("Server.deleteFunnelHandler: failed to delete funnel", "funnel_id", id, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("Server.deleteFunnelHandler: funnel deleted", "funnel_id", id)
	s.deps.Feed.Publish("FUNNEL_DELETED", "funnel "+id+" removed", map[string]any{"funnel_id": id})
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Funnel deleted", nil))
}

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	views, _, err := s.conversationViews()
	if err != nil {
		slog.Error("Server.listConversationsHandler: failed to list conversations", "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

// recipientParam canonicalizes the {recipient} path segment, which may be a
// bare number or a JID.
func recipientParam(r *http.Request) (string, error) {
	return messaging.NormalizePhone(r.PathValue("recipient"))
}

func (s *Server) advanceConversationHandler(w http.ResponseWriter, r *http.Request) {
	recipient, err := recipientParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Engine.ManualAdvance(r.Context(), recipient); err != nil {
		slog.Warn("Server.advanceConversationHandler: advance failed", "recipient", recipient, "error", err)
		writeError(w, err)
		return
	}
	conv, err := s.deps.Engine.GetConversation(recipient)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation advanced", conv))
}

func (s *Server) resetConversationHandler(w http.ResponseWriter, r *http.Request) {
	recipient, err := recipientParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Engine.ResetConversation(r.Context(), recipient); err != nil {
		slog.Warn("Server.resetConversationHandler: reset failed", "recipient", recipient, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", nil))
}

func (s *Server) timersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Engine.ListPendingTimers()))
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if s.deps.Sender == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Sending not configured"))
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		slog.Warn("Server.sendHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	recipient, err := messaging.NormalizePhone(req.Recipient)
	if err != nil {
		writeError(w, err)
		return
	}
	kind := gateway.PayloadForStep(req.Type)
	msg := gateway.OutboundMessage{Recipient: recipient, Kind: kind, Text: req.Text, MediaURL: req.MediaURL}
	if err := msg.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	s.deps.Feed.Publish("MANUAL_SEND", fmt.Sprintf("manual %s to %s", req.Type, recipient), map[string]any{"recipient": recipient})
	result := s.deps.Sender.Deliver(r.Context(), recipient, kind, req.Text, req.MediaURL)
	if !result.Success {
		slog.Error("Server.sendHandler: delivery failed", "recipient", recipient, "error", result.Err)
		writeJSONResponse(w, http.StatusBadGateway, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: deliveryError(result),
			Result:  result,
		})
		return
	}
	slog.Info("Server.sendHandler: message sent", "recipient", recipient, "instance", result.Instance)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent", result))
}

func deliveryError(r delivery.Result) string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return models.ErrDeliveryFailed.Error()
}
